package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/GriffinCanCode/recap/internal/config"
	"github.com/GriffinCanCode/recap/internal/prompt"
)

var version = "dev"

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recap",
		Short: "Recap - bounded live transcription with streamed summaries",
		Long: `Recap listens for a bounded stretch of speech, stopping on a duration
limit, sustained silence or request, and streams the transcript's summary
back from a WebSocket summarization service.

Settings come from the environment, optionally seeded from a .env file.`,
		Version:      version,
		SilenceUsage: true,
	}

	debugLogging := cmd.PersistentFlags().Bool("debug", false, "Enable debug logging")
	envFile := cmd.PersistentFlags().String("env-file", ".env", "Load settings from this file if it exists")

	var cfg config.Config
	cmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if err := config.LoadDotEnv(*envFile); err != nil {
			return err
		}
		cfg = *config.Load()

		level := cfg.SlogLevel()
		if *debugLogging {
			level = slog.LevelDebug
		}
		logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
		slog.SetDefault(logger)

		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		return nil
	}

	cmd.AddCommand(newServeCommand(&cfg))
	cmd.AddCommand(newListenCommand(&cfg))
	cmd.AddCommand(newSummarizeCommand(&cfg))

	return cmd
}

func execute() error {
	return newRootCommand().Execute()
}

// loadPrompts reads the prompt file when one is configured.
func loadPrompts(cfg *config.Config) (*prompt.Book, error) {
	if cfg.PromptsFile == "" {
		return prompt.Default(), nil
	}
	book, err := prompt.Load(cfg.PromptsFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load prompts: %w", err)
	}
	return book, nil
}
