// PicoVoice - Discord text-to-speech reader
// License: MIT
//
// Copyright (c) 2026 PicoVoice contributors

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sipeed/picovoice/cmd/picovoice/internal"
	"github.com/sipeed/picovoice/cmd/picovoice/internal/models"
	"github.com/sipeed/picovoice/cmd/picovoice/internal/run"
	"github.com/sipeed/picovoice/cmd/picovoice/internal/synth"
	"github.com/sipeed/picovoice/cmd/picovoice/internal/version"
)

func NewPicovoiceCommand() *cobra.Command {
	short := fmt.Sprintf("%s picovoice - Discord text-to-speech reader v%s", internal.Logo, internal.GetVersion())

	cmd := &cobra.Command{
		Use:          "picovoice",
		Short:        short,
		Example:      "picovoice run --debug",
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&internal.ConfigOverride, "config", "", "Path to config.json (default: $PICOVOICE_HOME/config.json)")

	cmd.AddCommand(
		run.NewRunCommand(),
		synth.NewSynthCommand(),
		models.NewModelsCommand(),
		version.NewVersionCommand(),
	)

	return cmd
}

func main() {
	cmd := NewPicovoiceCommand()
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
