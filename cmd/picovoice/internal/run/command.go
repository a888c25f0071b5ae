package run

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sipeed/picovoice/cmd/picovoice/internal"
	"github.com/sipeed/picovoice/pkg/channels"
	"github.com/sipeed/picovoice/pkg/config"
	"github.com/sipeed/picovoice/pkg/logger"
	"github.com/sipeed/picovoice/pkg/metrics"
	"github.com/sipeed/picovoice/pkg/playback"
	"github.com/sipeed/picovoice/pkg/presence"
	"github.com/sipeed/picovoice/pkg/store"
)

const shutdownTimeout = 10 * time.Second

var errNoToken = errors.New("discord bot token is not configured (set discord.bot_token or PICOVOICE_DISCORD_BOT_TOKEN)")

func NewRunCommand() *cobra.Command {
	var debug bool

	cmd := &cobra.Command{
		Use:     "run",
		Aliases: []string{"r"},
		Short:   "Connect to Discord and start reading",
		Args:    cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return runBot(debug)
		},
	}

	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")

	return cmd
}

func runBot(debug bool) error {
	cfg, err := internal.LoadConfig()
	if err != nil {
		return err
	}
	if cfg.Discord.BotToken == "" {
		return errNoToken
	}
	if err := internal.SetupLogging(cfg, debug); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbPath := cfg.StoragePath()
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return fmt.Errorf("creating storage directory: %w", err)
	}
	settings, err := store.Open(dbPath)
	if err != nil {
		return err
	}
	defer settings.Close()

	logger.InfoCF("picovoice", "Starting TTS backend", map[string]any{"backend": cfg.TTS.Backend})
	backend, closeBackend, err := internal.NewBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeBackend()

	session, err := channels.NewDiscordSession(cfg.Discord.BotToken, cfg.Discord.Proxy)
	if err != nil {
		return err
	}
	voice := channels.NewDiscordVoice(session, cfg.Discord.FFmpeg)
	messenger := channels.NewMessenger(session)

	player := playback.NewPlayer(
		playback.NewRegistry(),
		backend,
		voice,
		settings,
		settings,
		messenger,
		playback.Options{
			DefaultModel:  cfg.Reader.DefaultModel,
			FastReadLimit: cfg.Reader.FastReadLimit,
		},
	)
	machine := presence.NewMachine(player, voice, channels.NewStateOccupancy(session), settings, messenger)
	reader := channels.NewReader(channels.ReaderOptions{
		Prefix:       cfg.Discord.Prefix,
		OwnerID:      cfg.Discord.OwnerID,
		WavReadLimit: cfg.Reader.WavReadLimit,
		ReadLimit:    cfg.Reader.ReadLimit,
	}, backend, player, machine, settings)
	discord := channels.NewDiscordChannel(session, reader, machine, player.Sessions())

	if cfg.Metrics.Enabled {
		srv := startMetrics(cfg.Metrics)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	if err := discord.Start(ctx); err != nil {
		return err
	}
	fmt.Printf("%s picovoice is running. Press Ctrl+C to stop.\n", internal.Logo)

	<-ctx.Done()
	logger.InfoC("picovoice", "Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return discord.Stop(shutdownCtx)
}

func startMetrics(cfg config.MetricsConfig) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.InfoCF("metrics", "Metrics server listening", map[string]any{"listen": cfg.Listen})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.ErrorCF("metrics", "Metrics server failed", map[string]any{"error": err})
		}
	}()
	return srv
}
