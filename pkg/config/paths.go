package config

import (
	"os"
	"path/filepath"
	"strings"
)

const (
	EnvPicoVoiceConfig = "PICOVOICE_CONFIG"
	EnvPicoVoiceHome   = "PICOVOICE_HOME"
)

type RuntimePaths struct {
	HomeDir    string
	ConfigPath string
}

func ResolveRuntimePaths() RuntimePaths {
	if configPath := expandHome(strings.TrimSpace(os.Getenv(EnvPicoVoiceConfig))); configPath != "" {
		return RuntimePaths{HomeDir: filepath.Dir(configPath), ConfigPath: configPath}
	}

	homeDir := expandHome(strings.TrimSpace(os.Getenv(EnvPicoVoiceHome)))
	if homeDir == "" {
		homeDir = defaultPicoVoiceHome()
	}

	return RuntimePaths{HomeDir: homeDir, ConfigPath: filepath.Join(homeDir, "config.json")}
}

func defaultPicoVoiceHome() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".picovoice"
	}
	return filepath.Join(home, ".picovoice")
}
