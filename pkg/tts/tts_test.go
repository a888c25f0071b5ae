package tts

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackendKindDuration(t *testing.T) {
	// two seconds of 16-bit audio at 44.1kHz
	remote := Clip{Audio: make([]byte, 2*44100*16/8), Kind: Remote}
	assert.Equal(t, 2*time.Second, remote.Duration())

	// three seconds of 32-bit audio at 44.1kHz
	local := Clip{Audio: make([]byte, 3*44100*32/8), Kind: Local}
	assert.Equal(t, 3*time.Second, local.Duration())

	// the same bytes read as the other format play for a different time
	assert.Equal(t, time.Second, Clip{Audio: remote.Audio, Kind: Local}.Duration())
}

func TestBackendKindGain(t *testing.T) {
	assert.InDelta(t, 0.1, Remote.Gain(), 1e-9)
	assert.InDelta(t, 0.3, Local.Gain(), 1e-9)
	assert.Equal(t, "remote", Remote.String())
	assert.Equal(t, "local", Local.String())
}

func testCatalog() *Catalog {
	return NewCatalog([]Model{
		NewModel(2, "tsumugi", map[string]int{"tsumugi": 0}, map[string]int{"Neutral": 0, "Happy": 1}),
		NewModel(0, "amitaro", map[string]int{"amitaro": 0, "amitaro-alt": 1}, map[string]int{"Neutral": 0, "Angry": 1, "Sad": 2}),
		NewModel(1, "koharune", map[string]int{"koharune": 0}, map[string]int{"Neutral": 0}),
	})
}

func TestResolveKnownProfile(t *testing.T) {
	v := testCatalog().Resolve(Profile{ModelName: "amitaro", SpeakerName: "amitaro-alt", StyleName: "Sad", Rate: 1.2}, "koharune")

	assert.Equal(t, Voice{
		ModelID: 0, ModelName: "amitaro",
		SpeakerID: 1, SpeakerName: "amitaro-alt",
		StyleID: 2, StyleName: "Sad",
		Rate: 1.2,
	}, v)
}

func TestResolveFallsBackToGuildDefault(t *testing.T) {
	v := testCatalog().Resolve(Profile{ModelName: "None", SpeakerName: "None", StyleName: "None", Rate: 1}, "tsumugi")

	assert.Equal(t, 2, v.ModelID)
	assert.Equal(t, "tsumugi", v.ModelName)
	assert.Equal(t, 0, v.SpeakerID)
	assert.Equal(t, "tsumugi", v.SpeakerName)
	assert.Equal(t, 0, v.StyleID)
	assert.Equal(t, "Neutral", v.StyleName)
}

func TestResolveFallsBackToLowestID(t *testing.T) {
	v := testCatalog().Resolve(Profile{ModelName: "gone", Rate: 1}, "also-gone")

	assert.Equal(t, 0, v.ModelID)
	assert.Equal(t, "amitaro", v.ModelName)
}

func TestResolveSpeakerStyleFallbackIndependentOfModel(t *testing.T) {
	// model resolves as requested, but speaker and style belong to another model
	v := testCatalog().Resolve(Profile{ModelName: "tsumugi", SpeakerName: "amitaro-alt", StyleName: "Angry"}, "")

	assert.Equal(t, "tsumugi", v.ModelName)
	assert.Equal(t, 0, v.SpeakerID)
	assert.Equal(t, 0, v.StyleID)
	assert.Equal(t, "Neutral", v.StyleName)

	// known style but unknown speaker are resolved separately
	v = testCatalog().Resolve(Profile{ModelName: "tsumugi", SpeakerName: "nobody", StyleName: "Happy"}, "")
	assert.Equal(t, 0, v.SpeakerID)
	assert.Equal(t, 1, v.StyleID)
	assert.Equal(t, "Happy", v.StyleName)
}

func TestResolveEmptyCatalog(t *testing.T) {
	var c *Catalog
	v := c.Resolve(Profile{ModelName: "x", Rate: 0.7}, "y")
	assert.Equal(t, Voice{Rate: 0.7}, v)
	assert.Zero(t, c.Len())
}

func TestCatalogModelsSortedCopy(t *testing.T) {
	c := testCatalog()
	models := c.Models()
	require.Len(t, models, 3)
	assert.Equal(t, []int{0, 1, 2}, []int{models[0].ID, models[1].ID, models[2].ID})

	models[0].Name = "mutated"
	m, ok := c.Lookup("amitaro")
	require.True(t, ok)
	assert.Equal(t, "amitaro", m.Name)

	assert.Equal(t, []string{"Neutral", "Angry", "Sad"}, m.Styles())
	assert.Equal(t, []string{"amitaro", "amitaro-alt"}, m.Speakers())
}
