// Package remote implements the TTS backend that talks to a Style-Bert-VITS2
// compatible HTTP inference server.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/sipeed/picovoice/pkg/logger"
	"github.com/sipeed/picovoice/pkg/tts"
)

const (
	defaultTimeout = 60 * time.Second

	sdpRatio         = "0.2"
	noise            = "0.6"
	noiseW           = "0.8"
	splitInterval    = "0.5"
	assistTextWeight = "1"
	styleWeight      = "5"
)

type Config struct {
	Host              string
	Port              int
	Language          string
	Timeout           time.Duration
	RequestsPerSecond float64
}

// Client is the remote tts.Backend. The catalog is swapped atomically on
// every successful refresh.
type Client struct {
	baseURL    string
	language   string
	httpClient *http.Client
	limiter    *rate.Limiter

	catalog atomic.Pointer[tts.Catalog]
}

func New(cfg Config) *Client {
	host := cfg.Host
	if host == "" {
		host = "127.0.0.1"
	}
	port := cfg.Port
	if port == 0 {
		port = 5000
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	c := &Client{
		baseURL:    fmt.Sprintf("http://%s:%d", host, port),
		language:   normalizeLanguage(cfg.Language),
		httpClient: &http.Client{Timeout: timeout},
	}
	if cfg.RequestsPerSecond > 0 {
		burst := int(cfg.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	c.catalog.Store(tts.NewCatalog(nil))

	logger.InfoCF("remote", "Creating remote TTS client", map[string]any{
		"base_url": c.baseURL,
		"language": c.language,
	})
	return c
}

// normalizeLanguage maps the configured inference language onto the codes the
// server accepts. Anything unrecognised reads as Japanese.
func normalizeLanguage(lang string) string {
	switch strings.ToLower(strings.TrimSpace(lang)) {
	case "en":
		return "EN"
	case "zh":
		return "ZH"
	default:
		return "JP"
	}
}

func (c *Client) Kind() tts.BackendKind { return tts.Remote }

func (c *Client) Resolve(p tts.Profile, guildDefault string) tts.Voice {
	return c.catalog.Load().Resolve(p, guildDefault)
}

func (c *Client) Models() []tts.Model {
	return c.catalog.Load().Models()
}

func (c *Client) Reload(ctx context.Context) error {
	return c.Refresh(ctx)
}

// Synthesize requests one utterance from the /voice endpoint.
func (c *Client) Synthesize(ctx context.Context, text string, v tts.Voice) (tts.Clip, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return tts.Clip{}, fmt.Errorf("%w: %v", tts.ErrBackendUnreachable, err)
		}
	}

	q := url.Values{}
	q.Set("text", text)
	q.Set("encoding", "utf-8")
	q.Set("model_id", strconv.Itoa(v.ModelID))
	q.Set("speaker_id", strconv.Itoa(v.SpeakerID))
	q.Set("sdp_ratio", sdpRatio)
	q.Set("noise", noise)
	q.Set("noisew", noiseW)
	q.Set("length", strconv.FormatFloat(v.Rate, 'f', -1, 64))
	q.Set("language", c.language)
	q.Set("auto_split", "true")
	q.Set("split_interval", splitInterval)
	q.Set("assist_text_weight", assistTextWeight)
	q.Set("style", v.StyleName)
	q.Set("style_weight", styleWeight)

	reqID := uuid.NewString()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/voice?"+q.Encode(), nil)
	if err != nil {
		return tts.Clip{}, fmt.Errorf("%w: %v", tts.ErrSynthesisFailure, err)
	}
	req.Header.Set("X-Request-ID", reqID)

	logger.DebugCF("remote", "Synthesizing speech", map[string]any{
		"request_id":  reqID,
		"model_id":    v.ModelID,
		"speaker_id":  v.SpeakerID,
		"style":       v.StyleName,
		"length":      v.Rate,
		"text_length": len(text),
	})

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return tts.Clip{}, fmt.Errorf("%w: %v", tts.ErrBackendUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return tts.Clip{}, fmt.Errorf("%w: status %d: %s", tts.ErrSynthesisFailure, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return tts.Clip{}, fmt.Errorf("%w: reading audio: %v", tts.ErrBackendUnreachable, err)
	}

	logger.DebugCF("remote", "Speech synthesized", map[string]any{
		"request_id": reqID,
		"size_bytes": len(audio),
	})
	return tts.Clip{Audio: audio, Kind: tts.Remote}, nil
}

type catalogEntry struct {
	ConfigPath *string        `json:"config_path"`
	Spk2ID     map[string]int `json:"spk2id"`
	Style2ID   map[string]int `json:"style2id"`
}

// Refresh asks the server to rescan its models and replaces the catalog with
// the result. On any error the previous catalog is kept.
func (c *Client) Refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/models/refresh", nil)
	if err != nil {
		return fmt.Errorf("%w: %v", tts.ErrBackendUnreachable, err)
	}
	req.Header.Set("X-Request-ID", uuid.NewString())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", tts.ErrBackendUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: refresh returned status %d", tts.ErrBackendUnreachable, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: reading catalog: %v", tts.ErrBackendUnreachable, err)
	}

	catalog, err := parseCatalog(body)
	if err != nil {
		logger.WarnCF("remote", "Catalog refresh rejected, keeping previous catalog", map[string]any{
			"error": err,
		})
		return err
	}

	c.catalog.Store(catalog)
	logger.InfoCF("remote", "Model catalog refreshed", map[string]any{
		"models": catalog.Len(),
	})
	return nil
}

func parseCatalog(body []byte) (*tts.Catalog, error) {
	var raw map[string]catalogEntry
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", tts.ErrCatalogParse, err)
	}

	models := make([]tts.Model, 0, len(raw))
	for key, entry := range raw {
		id, err := strconv.Atoi(key)
		if err != nil {
			return nil, fmt.Errorf("%w: model key %q is not numeric", tts.ErrCatalogParse, key)
		}
		switch {
		case entry.ConfigPath == nil:
			return nil, fmt.Errorf("%w: model %d has no config_path", tts.ErrCatalogParse, id)
		case entry.Spk2ID == nil:
			return nil, fmt.Errorf("%w: model %d has no spk2id", tts.ErrCatalogParse, id)
		case entry.Style2ID == nil:
			return nil, fmt.Errorf("%w: model %d has no style2id", tts.ErrCatalogParse, id)
		}
		models = append(models, tts.NewModel(id, displayName(*entry.ConfigPath), entry.Spk2ID, entry.Style2ID))
	}
	return tts.NewCatalog(models), nil
}

// displayName returns the folder that holds a model's config file. Paths may
// come from a Windows server, so both separators count.
func displayName(configPath string) string {
	parts := strings.FieldsFunc(configPath, func(r rune) bool { return r == '/' || r == '\\' })
	switch len(parts) {
	case 0:
		return configPath
	case 1:
		return parts[0]
	default:
		return parts[len(parts)-2]
	}
}

// WaitReady polls the refresh endpoint until the server answers or ctx ends.
func (c *Client) WaitReady(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for attempt := 1; ; attempt++ {
		err := c.Refresh(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, tts.ErrCatalogParse) {
			return err
		}
		logger.WarnCF("remote", "Inference server not ready", map[string]any{
			"attempt": attempt,
			"error":   err,
		})

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", tts.ErrBackendUnreachable, ctx.Err())
		case <-ticker.C:
		}
	}
}
