// Package tts defines the text-to-speech backend contract shared by the
// remote and local implementations.
package tts

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrBackendUnreachable reports a transport failure talking to a remote backend.
	ErrBackendUnreachable = errors.New("tts backend unreachable")
	// ErrModelNotFound reports a model that is in neither the catalog nor the model folder.
	ErrModelNotFound = errors.New("tts model not found")
	// ErrCatalogParse reports a remote catalog missing expected fields.
	ErrCatalogParse = errors.New("tts catalog parse error")
	// ErrSynthesisFailure reports an inference error or a rejected request.
	ErrSynthesisFailure = errors.New("tts synthesis failure")
)

// BackendKind records which backend produced a clip. Duration estimation and
// output gain both depend on it.
type BackendKind int

const (
	Remote BackendKind = iota
	Local
)

const sampleRate = 44100

func (k BackendKind) String() string {
	switch k {
	case Remote:
		return "remote"
	case Local:
		return "local"
	default:
		return "unknown"
	}
}

// BitsPerSample is the sample format assumed when estimating playback time.
func (k BackendKind) BitsPerSample() int {
	if k == Local {
		return 32
	}
	return 16
}

// Duration estimates how long n bytes of audio from this backend play for.
func (k BackendKind) Duration(n int) time.Duration {
	secs := float64(n*8) / float64(sampleRate*k.BitsPerSample())
	return time.Duration(secs * float64(time.Second))
}

// Gain is the output volume applied when a clip from this backend is played.
func (k BackendKind) Gain() float64 {
	if k == Local {
		return 0.3
	}
	return 0.1
}

// Profile is a user's requested speaking configuration. Names may be stale or
// unknown; Backend.Resolve turns them into a Voice.
type Profile struct {
	ModelName   string
	SpeakerName string
	StyleName   string
	Rate        float64
}

// Voice is a Profile resolved against a backend's catalog.
type Voice struct {
	ModelID     int
	ModelName   string
	SpeakerID   int
	SpeakerName string
	StyleID     int
	StyleName   string
	Rate        float64
}

// Clip is synthesized audio ready for the playback queue.
type Clip struct {
	Audio []byte
	Kind  BackendKind
}

// Duration is the estimated playback time of the clip.
func (c Clip) Duration() time.Duration {
	return c.Kind.Duration(len(c.Audio))
}

// Backend converts text into audio. One implementation is chosen at startup.
type Backend interface {
	Kind() BackendKind
	// Resolve never fails; unknown names fall back silently.
	Resolve(p Profile, guildDefault string) Voice
	Synthesize(ctx context.Context, text string, v Voice) (Clip, error)
	// Reload refreshes the catalog. The previous catalog stays in effect on error.
	Reload(ctx context.Context) error
	Models() []Model
}
