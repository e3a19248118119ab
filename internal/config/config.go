// Package config handles service configuration
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/GriffinCanCode/recap/internal/session"
	"github.com/GriffinCanCode/recap/internal/summary"
)

type Config struct {
	HTTPAddr       string
	AllowedOrigins []string
	LogLevel       string

	// Summarizer
	SummaryEndpoint    string
	SummaryToken       string
	SummaryLLM         string
	SummaryModel       string
	SummaryTemperature string
	SummaryClient      string
	BypassBytes        int
	ConnectTimeout     time.Duration
	ReceiveTimeout     time.Duration
	Prewarm            bool

	// Session limits
	MaxDuration        float64 // seconds
	MaxSilence         float64 // seconds
	TickInterval       float64 // seconds
	SilenceThresholdDB float64

	DefaultLocale string
	DefaultMode   string
	PromptsFile   string
	HistorySize   int
}

// LoadDotEnv loads variables from the given .env files without overriding
// ones already set. A missing file is not an error.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

func Load() *Config {
	return &Config{
		HTTPAddr:       getEnv("HTTP_ADDR", ":8000"),
		AllowedOrigins: getEnvList("ALLOWED_ORIGINS", []string{"localhost:*", "127.0.0.1:*"}),
		LogLevel:       getEnv("LOG_LEVEL", "info"),

		SummaryEndpoint:    getEnv("SUMMARY_ENDPOINT", "ws://localhost:8080/ws/summarize"),
		SummaryToken:       getEnv("SUMMARY_TOKEN", ""),
		SummaryLLM:         getEnv("SUMMARY_LLM", "openai"),
		SummaryModel:       getEnv("SUMMARY_MODEL", "gpt-4o-mini"),
		SummaryTemperature: getEnv("SUMMARY_TEMPERATURE", "0.3"),
		SummaryClient:      getEnv("SUMMARY_CLIENT", summary.DefaultClientName),
		BypassBytes:        getEnvInt("BYPASS_BYTES", summary.DefaultBypassBytes),
		ConnectTimeout:     getEnvDuration("CONNECT_TIMEOUT", summary.DefaultConnectTimeout),
		ReceiveTimeout:     getEnvDuration("RECEIVE_TIMEOUT", summary.DefaultReceiveTimeout),
		Prewarm:            getEnvBool("PREWARM", true),

		MaxDuration:        getEnvFloat("MAX_DURATION_SECONDS", 120),
		MaxSilence:         getEnvFloat("MAX_SILENCE_SECONDS", 5),
		TickInterval:       getEnvFloat("TICK_INTERVAL_SECONDS", 1),
		SilenceThresholdDB: getEnvFloat("SILENCE_THRESHOLD_DB", -50),

		DefaultLocale: getEnv("DEFAULT_LOCALE", "en-US"),
		DefaultMode:   getEnv("DEFAULT_MODE", "summary"),
		PromptsFile:   getEnv("PROMPTS_FILE", ""),
		HistorySize:   getEnvInt("HISTORY_SIZE", 50),
	}
}

// Validate rejects settings no session could run with.
func (c *Config) Validate() error {
	var errs []error
	if c.MaxDuration <= 0 {
		errs = append(errs, errors.New("MAX_DURATION_SECONDS must be positive"))
	}
	if c.MaxSilence <= 0 {
		errs = append(errs, errors.New("MAX_SILENCE_SECONDS must be positive"))
	}
	if c.TickInterval <= 0 {
		errs = append(errs, errors.New("TICK_INTERVAL_SECONDS must be positive"))
	}
	if c.TickInterval > c.MaxSilence {
		errs = append(errs, errors.New("TICK_INTERVAL_SECONDS must not exceed MAX_SILENCE_SECONDS"))
	}
	if c.SummaryEndpoint != "" && !strings.HasPrefix(c.SummaryEndpoint, "ws://") && !strings.HasPrefix(c.SummaryEndpoint, "wss://") {
		errs = append(errs, fmt.Errorf("SUMMARY_ENDPOINT %q must be a ws:// or wss:// URL", c.SummaryEndpoint))
	}
	return errors.Join(errs...)
}

// Session returns the per-session limits.
func (c *Config) Session() session.Config {
	return session.Config{
		MaxDuration:        seconds(c.MaxDuration),
		MaxSilence:         seconds(c.MaxSilence),
		TickInterval:       seconds(c.TickInterval),
		SilenceThresholdDB: c.SilenceThresholdDB,
	}
}

// Summary returns the summarizer client settings.
func (c *Config) Summary() summary.Config {
	return summary.Config{
		BypassBytes:    c.BypassBytes,
		ConnectTimeout: c.ConnectTimeout,
		ReceiveTimeout: c.ReceiveTimeout,
		Token:          c.SummaryToken,
		Parameters: summary.Parameters{
			LLM:         c.SummaryLLM,
			Temperature: c.SummaryTemperature,
			Client:      c.SummaryClient,
			Model:       c.SummaryModel,
		},
	}
}

// SlogLevel maps LogLevel to a slog level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return l
}

func seconds(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "true" || v == "1"
	}
	return def
}

// getEnvDuration accepts Go durations ("1m30s") or plain seconds ("90").
func getEnvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return seconds(f)
	}
	return def
}

func getEnvList(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if t := strings.TrimSpace(p); t != "" {
				result = append(result, t)
			}
		}
		return result
	}
	return def
}
