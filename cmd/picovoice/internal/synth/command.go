package synth

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/sipeed/picovoice/cmd/picovoice/internal"
	"github.com/sipeed/picovoice/pkg/store"
	"github.com/sipeed/picovoice/pkg/textclean"
	"github.com/sipeed/picovoice/pkg/tts"
)

type options struct {
	output  string
	model   string
	speaker string
	style   string
	length  float64
	timeout time.Duration
}

func NewSynthCommand() *cobra.Command {
	opts := options{}

	cmd := &cobra.Command{
		Use:     "synth <text>",
		Aliases: []string{"s"},
		Short:   "Synthesize text into a WAV file without Discord",
		Example: `picovoice synth -o hello.wav --model amitaro "Hello there"`,
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := internal.LoadConfig()
			if err != nil {
				return err
			}
			if err := internal.SetupLogging(cfg, false); err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()

			backend, closeBackend, err := internal.NewBackend(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeBackend()

			text := textclean.Truncate(strings.Join(args, " "), cfg.Reader.WavReadLimit)
			audio, v, err := synthesize(ctx, backend, text, opts)
			if err != nil {
				return err
			}

			if opts.output == "-" {
				_, err := cmd.OutOrStdout().Write(audio)
				return err
			}
			if err := os.WriteFile(opts.output, audio, 0o644); err != nil {
				return fmt.Errorf("writing %s: %w", opts.output, err)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Wrote %s (%s/%s/%s, %s)\n",
				opts.output, v.ModelName, v.SpeakerName, v.StyleName, tts.Clip{Audio: audio, Kind: backend.Kind()}.Duration().Round(time.Millisecond))
			return nil
		},
	}

	cmd.Flags().StringVarP(&opts.output, "output", "o", "voice.wav", "Output file, or - for stdout")
	cmd.Flags().StringVar(&opts.model, "model", "", "Model name (default: first model)")
	cmd.Flags().StringVar(&opts.speaker, "speaker", "", "Speaker name")
	cmd.Flags().StringVar(&opts.style, "style", "", "Style name")
	cmd.Flags().Float64Var(&opts.length, "length", 1.0, "Speaking length, larger is slower")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 2*time.Minute, "Overall timeout")

	return cmd
}

// synthesize resolves the requested voice the way a stored profile would be
// and renders text with it.
func synthesize(ctx context.Context, backend tts.Backend, text string, opts options) ([]byte, tts.Voice, error) {
	p := tts.Profile{
		ModelName:   orUnset(opts.model),
		SpeakerName: orUnset(opts.speaker),
		StyleName:   orUnset(opts.style),
		Rate:        store.ClampLength(opts.length),
	}
	v := backend.Resolve(p, "")
	clip, err := backend.Synthesize(ctx, text, v)
	if err != nil {
		return nil, v, err
	}
	return clip.Audio, v, nil
}

func orUnset(s string) string {
	if s == "" {
		return store.UnsetName
	}
	return s
}
