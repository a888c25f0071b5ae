package local

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeScript(t *testing.T, dir, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts not available")
	}
	path := filepath.Join(dir, "fake-sbv2")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func newTestExecEngine(t *testing.T, body string) (*ExecEngine, string) {
	t.Helper()
	dir := t.TempDir()
	deberta := filepath.Join(dir, DebertaFile)
	tokenizer := filepath.Join(dir, TokenizerFile)
	require.NoError(t, os.WriteFile(deberta, []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(tokenizer, []byte("{}"), 0o644))

	e, err := NewExecEngine(ExecConfig{
		Command:       writeScript(t, dir, body),
		DebertaPath:   deberta,
		TokenizerPath: tokenizer,
	})
	require.NoError(t, err)
	return e, dir
}

func TestExecEngineRequiresAssets(t *testing.T) {
	dir := t.TempDir()
	_, err := NewExecEngine(ExecConfig{
		Command:       writeScript(t, dir, "cat"),
		DebertaPath:   filepath.Join(dir, DebertaFile),
		TokenizerPath: filepath.Join(dir, TokenizerFile),
	})
	assert.Error(t, err)
}

func TestExecEngineSynthesize(t *testing.T) {
	// echo the arguments, then the text from stdin
	e, dir := newTestExecEngine(t, `echo "$@"; cat`)

	model := filepath.Join(dir, "amitaro.sbv2")
	require.NoError(t, os.WriteFile(model, []byte("sbv2"), 0o644))

	_, err := e.Synthesize("amitaro", "hi", SynthesizeOptions{})
	require.Error(t, err, "unloaded model must be rejected")

	require.NoError(t, e.Load("amitaro", model))
	out, err := e.Synthesize("amitaro", "hello", SynthesizeOptions{SpeakerID: 0, StyleID: 1, LengthScale: 1.5})
	require.NoError(t, err)

	got := string(out)
	assert.Contains(t, got, "--model "+model)
	assert.Contains(t, got, "--style 1")
	assert.Contains(t, got, "--length-scale 1.5")
	assert.Contains(t, got, "hello")

	e.Unload("amitaro")
	_, err = e.Synthesize("amitaro", "hi", SynthesizeOptions{})
	assert.Error(t, err)
}

func TestExecEngineFailures(t *testing.T) {
	e, dir := newTestExecEngine(t, `echo "bad model" >&2; exit 3`)
	model := filepath.Join(dir, "a.sbv2")
	require.NoError(t, os.WriteFile(model, []byte("sbv2"), 0o644))
	require.NoError(t, e.Load("a", model))

	_, err := e.Synthesize("a", "hi", SynthesizeOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad model")

	assert.Error(t, e.Load("missing", filepath.Join(dir, "missing.sbv2")))
	assert.Error(t, e.Load("dir", dir))
}
