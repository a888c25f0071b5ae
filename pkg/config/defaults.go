// PicoVoice - Discord text-to-speech reader
// License: MIT
//
// Copyright (c) 2026 PicoVoice contributors

package config

// DefaultConfig returns the default configuration for PicoVoice.
func DefaultConfig() *Config {
	return &Config{
		Discord: DiscordConfig{
			Prefix: "!",
			FFmpeg: "ffmpeg",
		},
		Reader: ReaderConfig{
			ReadLimit:     50,
			FastReadLimit: 30,
			WavReadLimit:  200,
			DefaultModel:  "",
		},
		TTS: TTSConfig{
			Backend: BackendRemote,
			Remote: RemoteConfig{
				Host:              "127.0.0.1",
				Port:              5000,
				Language:          "JP",
				TimeoutSeconds:    60,
				RequestsPerSecond: 0,
			},
			Local: LocalConfig{
				ModelDir:        "~/.picovoice/models",
				AssetDir:        "~/.picovoice/assets",
				Command:         "sbv2-infer",
				MaxLoadedModels: 2,
				DownloadAssets:  true,
			},
		},
		Storage: StorageConfig{
			Path: "~/.picovoice/picovoice.db",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Listen:  "127.0.0.1:9464",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}
