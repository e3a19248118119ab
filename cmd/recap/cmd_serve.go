package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/GriffinCanCode/recap/internal/config"
	"github.com/GriffinCanCode/recap/internal/metrics"
	"github.com/GriffinCanCode/recap/internal/orchestrator"
	"github.com/GriffinCanCode/recap/internal/orchestrator/transcript"
	"github.com/GriffinCanCode/recap/internal/server"
	"github.com/GriffinCanCode/recap/internal/speech"
	"github.com/GriffinCanCode/recap/internal/summary"
)

const shutdownTimeout = 5 * time.Second

func newServeCommand(cfg *config.Config) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and WebSocket control surface",
		Long: `Run the HTTP and WebSocket control surface.

Speech is read line by line from stdin; each line counts as recognized
speech for the live session. Clients start and stop sessions over REST or
the /ws socket and receive transcript and summary events on /ws.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr != "" {
				cfg.HTTPAddr = addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides HTTP_ADDR)")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	prompts, err := loadPrompts(cfg)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	engine := speech.NewLineEngine(os.Stdin, speech.LineConfig{})
	client := summary.New(cfg.Summary(), m)
	mgr := orchestrator.New(engine, client, prompts, orchestrator.Config{
		Session:       cfg.Session(),
		Endpoint:      cfg.SummaryEndpoint,
		DefaultLocale: cfg.DefaultLocale,
		DefaultMode:   cfg.DefaultMode,
		Prewarm:       cfg.Prewarm,
	}, orchestrator.WithMetrics(m), orchestrator.WithStore(transcript.NewStore(cfg.HistorySize)))

	srv := server.New(mgr, server.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		Metrics:        m,
		Gatherer:       reg,
	})

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if err := mgr.Start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("recap server starting", "http", cfg.HTTPAddr, "summarizer", cfg.SummaryEndpoint)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("http shutdown error", "error", err)
		}

		mgr.Stop()
		<-srv.Done()
		return nil
	})

	err = g.Wait()
	slog.Info("shutdown complete")
	return err
}
