package models

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/sipeed/picovoice/cmd/picovoice/internal"
	"github.com/sipeed/picovoice/pkg/tts"
)

const (
	formatText = "text"
	formatJSON = "json"

	connectTimeout = 30 * time.Second
)

type modelInfo struct {
	ID       int      `json:"id"`
	Name     string   `json:"name"`
	Speakers []string `json:"speakers"`
	Styles   []string `json:"styles"`
	Resident bool     `json:"resident,omitempty"`
}

// residentReporter is implemented by backends that keep models in memory.
type residentReporter interface {
	Resident(ctx context.Context) ([]string, error)
}

func NewModelsCommand() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "models",
		Short: "List the voice models of the configured backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if format != formatText && format != formatJSON {
				return fmt.Errorf("invalid value for --format: %q (allowed: %s, %s)", format, formatText, formatJSON)
			}

			cfg, err := internal.LoadConfig()
			if err != nil {
				return err
			}
			if err := internal.SetupLogging(cfg, false); err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), connectTimeout)
			defer cancel()

			backend, closeBackend, err := internal.NewBackend(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeBackend()

			var resident []string
			if r, ok := backend.(residentReporter); ok {
				if resident, err = r.Resident(ctx); err != nil {
					return fmt.Errorf("reading resident models: %w", err)
				}
			}

			return renderModels(cmd.OutOrStdout(), format, buildModelInfo(backend.Models(), resident))
		},
	}

	cmd.Flags().StringVar(&format, "format", formatText, "Output format (text|json)")

	return cmd
}

func buildModelInfo(models []tts.Model, resident []string) []modelInfo {
	out := make([]modelInfo, 0, len(models))
	for _, m := range models {
		out = append(out, modelInfo{
			ID:       m.ID,
			Name:     m.Name,
			Speakers: m.Speakers(),
			Styles:   m.Styles(),
			Resident: slices.Contains(resident, m.Name),
		})
	}
	return out
}

func renderModels(w io.Writer, format string, models []modelInfo) error {
	switch format {
	case formatText:
		if _, err := fmt.Fprintln(w, "ID\tNAME\tSPEAKERS\tSTYLES"); err != nil {
			return err
		}
		for _, m := range models {
			name := m.Name
			if m.Resident {
				name += "*"
			}
			if _, err := fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", m.ID, name,
				strings.Join(m.Speakers, ","), strings.Join(m.Styles, ",")); err != nil {
				return err
			}
		}
		return nil
	case formatJSON:
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(models)
	default:
		return fmt.Errorf("invalid value for --format: %q (allowed: %s, %s)", format, formatText, formatJSON)
	}
}
