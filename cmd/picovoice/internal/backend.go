package internal

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/sipeed/picovoice/pkg/config"
	"github.com/sipeed/picovoice/pkg/logger"
	"github.com/sipeed/picovoice/pkg/tts"
	"github.com/sipeed/picovoice/pkg/tts/local"
	"github.com/sipeed/picovoice/pkg/tts/remote"
)

const (
	readyInterval   = 2 * time.Second
	downloadTimeout = 10 * time.Minute
)

// NewBackend builds the backend selected by cfg.TTS.Backend. The remote
// backend blocks until the server answers or ctx ends. The returned func
// releases the backend and is never nil.
func NewBackend(ctx context.Context, cfg *config.Config) (tts.Backend, func(), error) {
	switch cfg.TTS.Backend {
	case config.BackendRemote:
		r := cfg.TTS.Remote
		client := remote.New(remote.Config{
			Host:              r.Host,
			Port:              r.Port,
			Language:          r.Language,
			Timeout:           r.Timeout(),
			RequestsPerSecond: r.RequestsPerSecond,
		})
		if err := client.WaitReady(ctx, readyInterval); err != nil {
			return nil, nil, fmt.Errorf("waiting for inference server: %w", err)
		}
		return client, func() {}, nil

	case config.BackendLocal:
		return newLocalBackend(ctx, cfg)
	}
	return nil, nil, fmt.Errorf("unknown tts backend %q", cfg.TTS.Backend)
}

func newLocalBackend(ctx context.Context, cfg *config.Config) (tts.Backend, func(), error) {
	assetDir := cfg.AssetDir()
	if cfg.TTS.Local.DownloadAssets {
		client := &http.Client{Timeout: downloadTimeout}
		if err := local.EnsureAssets(ctx, assetDir, local.DefaultAssets(), client); err != nil {
			return nil, nil, fmt.Errorf("fetching shared assets: %w", err)
		}
	}

	engine, err := local.NewExecEngine(local.ExecConfig{
		Command:       cfg.TTS.Local.Command,
		DebertaPath:   filepath.Join(assetDir, local.DebertaFile),
		TokenizerPath: filepath.Join(assetDir, local.TokenizerFile),
	})
	if err != nil {
		return nil, nil, err
	}

	b, err := local.New(engine, local.Config{
		ModelDir:  cfg.ModelDir(),
		MaxLoaded: cfg.TTS.Local.MaxLoadedModels,
	})
	if err != nil {
		return nil, nil, err
	}
	return b, func() {
		b.Close()
		logger.InfoC("local", "Local TTS backend stopped")
	}, nil
}
