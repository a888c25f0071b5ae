package remote

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sipeed/picovoice/pkg/tts"
)

const catalogJSON = `{
	"0": {"config_path": "model_assets\\amitaro\\config.json", "spk2id": {"amitaro": 0}, "style2id": {"Neutral": 0, "Happy": 1}},
	"1": {"config_path": "model_assets/koharune/config.json", "spk2id": {"koharune": 0, "koharune-b": 1}, "style2id": {"Neutral": 0}}
}`

func newTestClient(t *testing.T, srv *httptest.Server, lang string) *Client {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return New(Config{Host: host, Port: port, Language: lang, Timeout: 5 * time.Second})
}

func TestRefreshBuildsCatalog(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/models/refresh", r.URL.Path)
		w.Write([]byte(catalogJSON))
	}))
	defer srv.Close()

	c := newTestClient(t, srv, "")
	require.NoError(t, c.Refresh(context.Background()))

	models := c.Models()
	require.Len(t, models, 2)
	assert.Equal(t, "amitaro", models[0].Name)
	assert.Equal(t, "koharune", models[1].Name)

	name, ok := models[1].SpeakerName(1)
	require.True(t, ok)
	assert.Equal(t, "koharune-b", name)

	v := c.Resolve(tts.Profile{ModelName: "koharune", SpeakerName: "koharune-b", StyleName: "Happy", Rate: 1}, "")
	assert.Equal(t, 1, v.ModelID)
	assert.Equal(t, 1, v.SpeakerID)
	// Happy belongs to amitaro, so the style drops to koharune's id 0
	assert.Equal(t, "Neutral", v.StyleName)
}

func TestRefreshParseErrorKeepsPreviousCatalog(t *testing.T) {
	var broken atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if broken.Load() {
			w.Write([]byte(`{"0": {"config_path": "a/b/config.json", "spk2id": {"a": 0}}}`))
			return
		}
		w.Write([]byte(catalogJSON))
	}))
	defer srv.Close()

	c := newTestClient(t, srv, "")
	require.NoError(t, c.Refresh(context.Background()))

	broken.Store(true)
	err := c.Refresh(context.Background())
	require.ErrorIs(t, err, tts.ErrCatalogParse)
	assert.Len(t, c.Models(), 2)
}

func TestRefreshRejectsNonNumericKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"first": {"config_path": "x/config.json", "spk2id": {}, "style2id": {}}}`))
	}))
	defer srv.Close()

	err := newTestClient(t, srv, "").Refresh(context.Background())
	assert.ErrorIs(t, err, tts.ErrCatalogParse)
}

func TestSynthesizeSendsWireParameters(t *testing.T) {
	audio := []byte("RIFF....WAVEfmt ")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/voice", r.URL.Path)
		assert.NotEmpty(t, r.Header.Get("X-Request-ID"))

		q := r.URL.Query()
		assert.Equal(t, "hello world", q.Get("text"))
		assert.Equal(t, "utf-8", q.Get("encoding"))
		assert.Equal(t, "3", q.Get("model_id"))
		assert.Equal(t, "1", q.Get("speaker_id"))
		assert.Equal(t, "0.2", q.Get("sdp_ratio"))
		assert.Equal(t, "0.6", q.Get("noise"))
		assert.Equal(t, "0.8", q.Get("noisew"))
		assert.Equal(t, "1.5", q.Get("length"))
		assert.Equal(t, "EN", q.Get("language"))
		assert.Equal(t, "true", q.Get("auto_split"))
		assert.Equal(t, "0.5", q.Get("split_interval"))
		assert.Equal(t, "1", q.Get("assist_text_weight"))
		assert.Equal(t, "Happy", q.Get("style"))
		assert.Equal(t, "5", q.Get("style_weight"))
		w.Write(audio)
	}))
	defer srv.Close()

	c := newTestClient(t, srv, "en")
	clip, err := c.Synthesize(context.Background(), "hello world", tts.Voice{ModelID: 3, SpeakerID: 1, StyleName: "Happy", Rate: 1.5})
	require.NoError(t, err)
	assert.Equal(t, audio, clip.Audio)
	assert.Equal(t, tts.Remote, clip.Kind)
}

func TestSynthesizeErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model exploded", http.StatusInternalServerError)
	}))
	c := newTestClient(t, srv, "")

	_, err := c.Synthesize(context.Background(), "x", tts.Voice{})
	assert.ErrorIs(t, err, tts.ErrSynthesisFailure)

	srv.Close()
	_, err = c.Synthesize(context.Background(), "x", tts.Voice{})
	assert.ErrorIs(t, err, tts.ErrBackendUnreachable)
}

func TestWaitReadyReturnsWhenServerAnswers(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(catalogJSON))
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c := newTestClient(t, srv, "")
	require.NoError(t, c.WaitReady(ctx, 10*time.Millisecond))
	assert.Equal(t, int32(3), calls.Load())
	assert.Len(t, c.Models(), 2)
}

func TestDisplayName(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{`model_assets\amitaro\config.json`, "amitaro"},
		{"model_assets/koharune/config.json", "koharune"},
		{"config.json", "config.json"},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, displayName(tt.in))
		})
	}
}

func TestNormalizeLanguage(t *testing.T) {
	assert.Equal(t, "JP", normalizeLanguage(""))
	assert.Equal(t, "JP", normalizeLanguage("Ja"))
	assert.Equal(t, "EN", normalizeLanguage("En"))
	assert.Equal(t, "ZH", normalizeLanguage("zh"))
}
