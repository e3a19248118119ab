package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/GriffinCanCode/recap/internal/config"
	"github.com/GriffinCanCode/recap/internal/orchestrator"
	"github.com/GriffinCanCode/recap/internal/speech"
	"github.com/GriffinCanCode/recap/internal/summary"
)

func newListenCommand(cfg *config.Config) *cobra.Command {
	var locale, mode string

	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Run a single session from stdin and print its summary",
		Long: `Run a single session from stdin and print its summary.

Each input line counts as recognized speech. The session ends on the
duration limit, after sustained silence, at end of input or on Ctrl-C,
and the transcript is then summarized. Ctrl-C while the summary streams
aborts it.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			sigs := make(chan os.Signal, 1)
			signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(sigs)
			return listen(cmd.Context(), cfg, cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr(), sigs, locale, mode)
		},
	}

	cmd.Flags().StringVar(&locale, "locale", "", "Recognition locale (defaults to DEFAULT_LOCALE)")
	cmd.Flags().StringVarP(&mode, "mode", "m", "", "Summary mode (defaults to DEFAULT_MODE)")
	return cmd
}

var errInterrupted = errors.New("interrupted")

// listen runs one session. The first interrupt stops the session and lets
// its summary finish; an interrupt after the session ended aborts the summary.
func listen(ctx context.Context, cfg *config.Config, in io.Reader, out, status io.Writer,
	interrupts <-chan os.Signal, locale, mode string) error {
	prompts, err := loadPrompts(cfg)
	if err != nil {
		return err
	}

	mgr := orchestrator.New(speech.NewLineEngine(in, speech.LineConfig{}), summary.New(cfg.Summary(), nil), prompts, orchestrator.Config{
		Session:       cfg.Session(),
		Endpoint:      cfg.SummaryEndpoint,
		DefaultLocale: cfg.DefaultLocale,
		DefaultMode:   cfg.DefaultMode,
		Prewarm:       cfg.Prewarm,
	})
	defer mgr.Stop()

	if err := mgr.Start(ctx); err != nil {
		return err
	}
	h, err := mgr.BeginSession(ctx, locale, mode)
	if err != nil {
		return err
	}
	fmt.Fprintf(status, "listening (%s, %s); end input or press Ctrl-C to stop\n", h.Locale, h.Mode)

	streamed, stopping := false, false
	for {
		select {
		case <-ctx.Done():
			mgr.Cancel()
			return ctx.Err()
		case <-interrupts:
			if !stopping && mgr.RequestStop(h.ID) == nil {
				stopping = true
				fmt.Fprintln(status, "stopping; interrupt again to abort the summary")
				continue
			}
			mgr.Cancel()
			if streamed {
				fmt.Fprintln(out)
			}
			return errInterrupted
		case e, ok := <-mgr.Events():
			if !ok {
				return nil
			}
			switch e.Type {
			case orchestrator.EventSessionFinished:
				fmt.Fprintf(status, "stopped (%s)\n", e.Reason)
			case orchestrator.EventDiscarded:
				fmt.Fprintln(status, "nothing was said")
				return nil
			case orchestrator.EventSummaryChunk:
				streamed = true
				fmt.Fprint(out, e.Text)
			case orchestrator.EventSummaryComplete:
				if !streamed {
					fmt.Fprint(out, e.Text)
				}
				fmt.Fprintln(out)
				return nil
			case orchestrator.EventError:
				return fmt.Errorf("%s: %s", e.Kind, e.Message)
			}
		}
	}
}
