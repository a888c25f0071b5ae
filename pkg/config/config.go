package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	BackendRemote = "remote"
	BackendLocal  = "local"
)

type Config struct {
	Discord DiscordConfig `json:"discord" label:"Discord"`
	Reader  ReaderConfig  `json:"reader" label:"Reader"`
	TTS     TTSConfig     `json:"tts" label:"Speech Synthesis"`
	Storage StorageConfig `json:"storage" label:"Storage"`
	Metrics MetricsConfig `json:"metrics" label:"Metrics"`
	Log     LogConfig     `json:"log" label:"Logging"`
	mu      sync.RWMutex
}

type DiscordConfig struct {
	BotToken string `json:"bot_token" label:"Bot Token" env:"PICOVOICE_DISCORD_BOT_TOKEN"`
	Prefix   string `json:"prefix" label:"Command Prefix" env:"PICOVOICE_DISCORD_PREFIX"`
	// OwnerID may run owner-only commands such as reload.
	OwnerID string `json:"owner_id" label:"Owner ID" env:"PICOVOICE_DISCORD_OWNER_ID"`
	// Proxy is an http(s) proxy URL for the REST API and the gateway.
	Proxy string `json:"proxy" label:"Proxy" env:"PICOVOICE_DISCORD_PROXY"`
	// FFmpeg encodes clips to Opus for the voice connection.
	FFmpeg string `json:"ffmpeg" label:"FFmpeg Path" env:"PICOVOICE_DISCORD_FFMPEG"`
}

type ReaderConfig struct {
	ReadLimit     int    `json:"read_limit" label:"Read Limit" env:"PICOVOICE_READER_READ_LIMIT"`
	FastReadLimit int    `json:"fastread_limit" label:"Fast Read Limit" env:"PICOVOICE_READER_FASTREAD_LIMIT"`
	WavReadLimit  int    `json:"wav_read_limit" label:"Wav Read Limit" env:"PICOVOICE_READER_WAV_READ_LIMIT"`
	DefaultModel  string `json:"default_model" label:"Default Model" env:"PICOVOICE_READER_DEFAULT_MODEL"`
}

type TTSConfig struct {
	// Backend is read once at startup.
	Backend string       `json:"backend" label:"Backend" env:"PICOVOICE_TTS_BACKEND"`
	Remote  RemoteConfig `json:"remote" label:"Remote Server"`
	Local   LocalConfig  `json:"local" label:"Local Engine"`
}

type RemoteConfig struct {
	Host              string  `json:"host" label:"Host" env:"PICOVOICE_TTS_REMOTE_HOST"`
	Port              int     `json:"port" label:"Port" env:"PICOVOICE_TTS_REMOTE_PORT"`
	Language          string  `json:"language" label:"Language" env:"PICOVOICE_TTS_REMOTE_LANGUAGE"`
	TimeoutSeconds    int     `json:"timeout_seconds" label:"Timeout Seconds" env:"PICOVOICE_TTS_REMOTE_TIMEOUT_SECONDS"`
	RequestsPerSecond float64 `json:"requests_per_second" label:"Requests Per Second" env:"PICOVOICE_TTS_REMOTE_REQUESTS_PER_SECOND"` // 0 = unlimited
}

type LocalConfig struct {
	ModelDir        string `json:"model_dir" label:"Model Directory" env:"PICOVOICE_TTS_LOCAL_MODEL_DIR"`
	AssetDir        string `json:"asset_dir" label:"Asset Directory" env:"PICOVOICE_TTS_LOCAL_ASSET_DIR"`
	Command         string `json:"command" label:"Inference Command" env:"PICOVOICE_TTS_LOCAL_COMMAND"`
	MaxLoadedModels int    `json:"max_loaded_models" label:"Max Loaded Models" env:"PICOVOICE_TTS_LOCAL_MAX_LOADED_MODELS"` // 0 = unbounded
	DownloadAssets  bool   `json:"download_assets" label:"Download Assets" env:"PICOVOICE_TTS_LOCAL_DOWNLOAD_ASSETS"`
}

type StorageConfig struct {
	Path string `json:"path" label:"Database Path" env:"PICOVOICE_STORAGE_PATH"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled" label:"Enabled" env:"PICOVOICE_METRICS_ENABLED"`
	Listen  string `json:"listen" label:"Listen Address" env:"PICOVOICE_METRICS_LISTEN"`
}

type LogConfig struct {
	Level string `json:"level" label:"Level" env:"PICOVOICE_LOG_LEVEL"`
	File  string `json:"file" label:"File" env:"PICOVOICE_LOG_FILE"`
}

func (r RemoteConfig) Timeout() time.Duration {
	return time.Duration(r.TimeoutSeconds) * time.Second
}

func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the bot cannot start with. It normalizes the
// backend name.
func (c *Config) Validate() error {
	c.TTS.Backend = strings.ToLower(strings.TrimSpace(c.TTS.Backend))
	switch c.TTS.Backend {
	case BackendRemote, BackendLocal:
	default:
		return fmt.Errorf("tts.backend must be %q or %q, got %q", BackendRemote, BackendLocal, c.TTS.Backend)
	}
	if c.Reader.ReadLimit < 0 || c.Reader.FastReadLimit < 0 || c.Reader.WavReadLimit < 0 {
		return fmt.Errorf("reader limits must not be negative")
	}
	if c.TTS.Local.MaxLoadedModels < 0 {
		return fmt.Errorf("tts.local.max_loaded_models must not be negative")
	}
	return nil
}

func SaveConfig(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

func (c *Config) StoragePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return expandHome(c.Storage.Path)
}

func (c *Config) ModelDir() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return expandHome(c.TTS.Local.ModelDir)
}

func (c *Config) AssetDir() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return expandHome(c.TTS.Local.AssetDir)
}

func expandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}
