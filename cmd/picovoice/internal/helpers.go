package internal

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/sipeed/picovoice/pkg/config"
	"github.com/sipeed/picovoice/pkg/logger"
)

const Logo = "🔊"

var (
	version   = "dev"
	gitCommit string
	buildTime string
	goVersion string
)

// ConfigOverride is bound to the root --config flag.
var ConfigOverride string

func GetConfigPath() string {
	if ConfigOverride != "" {
		return ConfigOverride
	}
	return config.ResolveRuntimePaths().ConfigPath
}

func LoadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(GetConfigPath())
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// SetupLogging applies the log section of cfg. debug forces DEBUG regardless
// of the configured level.
func SetupLogging(cfg *config.Config, debug bool) error {
	level := logger.ParseLevel(cfg.Log.Level)
	if debug {
		level = logger.DEBUG
	}
	logger.SetLevel(level)
	logger.AddSecret(cfg.Discord.BotToken)

	if cfg.Log.File == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Log.File), 0o755); err != nil {
		return fmt.Errorf("creating log directory: %w", err)
	}
	return logger.EnableFileLogging(cfg.Log.File)
}

// FormatVersion returns the version string with optional git commit
func FormatVersion() string {
	v := version
	if gitCommit != "" {
		v += fmt.Sprintf(" (git: %s)", gitCommit)
	}
	return v
}

// FormatBuildInfo returns build time and go version info
func FormatBuildInfo() (string, string) {
	build := buildTime
	goVer := goVersion
	if goVer == "" {
		goVer = runtime.Version()
	}
	return build, goVer
}

func GetVersion() string {
	return version
}
