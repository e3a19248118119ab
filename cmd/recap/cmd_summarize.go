package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/GriffinCanCode/recap/internal/config"
	"github.com/GriffinCanCode/recap/internal/summary"
)

func newSummarizeCommand(cfg *config.Config) *cobra.Command {
	var locale, mode string

	cmd := &cobra.Command{
		Use:   "summarize [file]",
		Short: "Summarize a transcript file, or stdin",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := io.Reader(cmd.InOrStdin())
			if len(args) == 1 {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close() //nolint:errcheck
				in = f
			}
			text, err := io.ReadAll(in)
			if err != nil {
				return fmt.Errorf("failed to read transcript: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return summarize(ctx, cfg, string(text), locale, mode, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&locale, "locale", "", "Transcript locale (defaults to DEFAULT_LOCALE)")
	cmd.Flags().StringVarP(&mode, "mode", "m", "", "Summary mode (defaults to DEFAULT_MODE)")
	return cmd
}

func summarize(ctx context.Context, cfg *config.Config, text, locale, mode string, out io.Writer) error {
	if locale == "" {
		locale = cfg.DefaultLocale
	}
	if mode == "" {
		mode = cfg.DefaultMode
	}
	prompts, err := loadPrompts(cfg)
	if err != nil {
		return err
	}
	tmpl, err := prompts.Lookup(locale, mode)
	if err != nil {
		return err
	}

	streamed := false
	client := summary.New(cfg.Summary(), nil)
	answer, err := client.Send(ctx, summary.Request{
		RawText:  text,
		Prompt:   tmpl,
		Endpoint: cfg.SummaryEndpoint,
	}, func(chunk string) {
		streamed = true
		fmt.Fprint(out, chunk)
	})
	if err != nil {
		return err
	}
	// Bypassed input never streams, so print the answer itself.
	if !streamed {
		fmt.Fprint(out, answer)
	}
	fmt.Fprintln(out)
	return nil
}
