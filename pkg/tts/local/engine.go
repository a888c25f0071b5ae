package local

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// SynthesizeOptions are the per-call inference knobs.
type SynthesizeOptions struct {
	SpeakerID   int
	StyleID     int
	LengthScale float64
}

// Engine is an in-process inference engine. Implementations are not required
// to be reentrant: the worker only ever calls them from one goroutine.
type Engine interface {
	Load(name, path string) error
	Unload(name string)
	Synthesize(name, text string, opts SynthesizeOptions) ([]byte, error)
}

type ExecConfig struct {
	// Command is the inference binary. It reads text on stdin and writes
	// 32-bit WAV audio to stdout.
	Command       string
	ExtraArgs     []string
	DebertaPath   string
	TokenizerPath string
	Timeout       time.Duration
}

// ExecEngine drives an external sbv2 inference binary, one process per
// utterance. Loaded models are tracked so the binary is only ever pointed at
// files the residency cache admitted.
type ExecEngine struct {
	cfg    ExecConfig
	loaded map[string]string
}

// NewExecEngine checks the binary and the shared assets once at startup.
func NewExecEngine(cfg ExecConfig) (*ExecEngine, error) {
	if cfg.Command == "" {
		return nil, errors.New("local inference command is required")
	}
	if _, err := exec.LookPath(cfg.Command); err != nil {
		return nil, fmt.Errorf("inference command not found: %w", err)
	}
	for _, p := range []string{cfg.DebertaPath, cfg.TokenizerPath} {
		if _, err := os.Stat(p); err != nil {
			return nil, fmt.Errorf("shared asset %s: %w", p, err)
		}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	return &ExecEngine{cfg: cfg, loaded: make(map[string]string)}, nil
}

func (e *ExecEngine) Load(name, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", path)
	}
	e.loaded[name] = path
	return nil
}

func (e *ExecEngine) Unload(name string) {
	delete(e.loaded, name)
}

func (e *ExecEngine) Synthesize(name, text string, opts SynthesizeOptions) ([]byte, error) {
	path, ok := e.loaded[name]
	if !ok {
		return nil, fmt.Errorf("model %s is not loaded", name)
	}

	args := []string{
		"--model", path,
		"--bert", e.cfg.DebertaPath,
		"--tokenizer", e.cfg.TokenizerPath,
		"--speaker", strconv.Itoa(opts.SpeakerID),
		"--style", strconv.Itoa(opts.StyleID),
		"--length-scale", strconv.FormatFloat(opts.LengthScale, 'f', -1, 64),
	}
	args = append(args, e.cfg.ExtraArgs...)

	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, e.cfg.Command, args...)
	cmd.Stdin = strings.NewReader(text)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("inference failed: %w, stderr: %s", err, strings.TrimSpace(stderr.String()))
	}
	if stdout.Len() == 0 {
		return nil, errors.New("inference produced no audio")
	}
	return stdout.Bytes(), nil
}
