package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

var envVars = []string{
	"HTTP_ADDR", "ALLOWED_ORIGINS", "LOG_LEVEL",
	"SUMMARY_ENDPOINT", "SUMMARY_TOKEN", "SUMMARY_LLM", "SUMMARY_MODEL",
	"SUMMARY_TEMPERATURE", "SUMMARY_CLIENT", "BYPASS_BYTES",
	"CONNECT_TIMEOUT", "RECEIVE_TIMEOUT", "PREWARM",
	"MAX_DURATION_SECONDS", "MAX_SILENCE_SECONDS", "TICK_INTERVAL_SECONDS",
	"SILENCE_THRESHOLD_DB", "DEFAULT_LOCALE", "DEFAULT_MODE", "PROMPTS_FILE",
	"HISTORY_SIZE",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, v := range envVars {
		t.Setenv(v, "")
	}
}

func TestLoad(t *testing.T) {
	clearEnv(t)

	cfg := Load()

	if cfg.HTTPAddr != ":8000" {
		t.Errorf("HTTPAddr = %q, want %q", cfg.HTTPAddr, ":8000")
	}
	if cfg.BypassBytes != 50 {
		t.Errorf("BypassBytes = %d, want 50", cfg.BypassBytes)
	}
	if cfg.SummaryClient != "mobile" {
		t.Errorf("SummaryClient = %q, want mobile", cfg.SummaryClient)
	}
	if cfg.ConnectTimeout != 10*time.Second {
		t.Errorf("ConnectTimeout = %v, want 10s", cfg.ConnectTimeout)
	}
	if !cfg.Prewarm {
		t.Error("Prewarm should default to true")
	}
	if cfg.DefaultMode != "summary" {
		t.Errorf("DefaultMode = %q", cfg.DefaultMode)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoadWithEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("HTTP_ADDR", ":9000")
	t.Setenv("SUMMARY_ENDPOINT", "wss://summarizer.example/ws")
	t.Setenv("BYPASS_BYTES", "80")
	t.Setenv("CONNECT_TIMEOUT", "2s")
	t.Setenv("RECEIVE_TIMEOUT", "45")
	t.Setenv("PREWARM", "false")
	t.Setenv("MAX_DURATION_SECONDS", "60")
	t.Setenv("MAX_SILENCE_SECONDS", "2.5")
	t.Setenv("TICK_INTERVAL_SECONDS", "0.5")
	t.Setenv("SILENCE_THRESHOLD_DB", "-42")
	t.Setenv("ALLOWED_ORIGINS", "app.example, ,localhost:*")

	cfg := Load()

	if cfg.HTTPAddr != ":9000" {
		t.Errorf("HTTPAddr = %q", cfg.HTTPAddr)
	}
	if cfg.BypassBytes != 80 {
		t.Errorf("BypassBytes = %d", cfg.BypassBytes)
	}
	if cfg.ConnectTimeout != 2*time.Second {
		t.Errorf("ConnectTimeout = %v", cfg.ConnectTimeout)
	}
	if cfg.ReceiveTimeout != 45*time.Second {
		t.Errorf("ReceiveTimeout = %v, plain seconds should parse", cfg.ReceiveTimeout)
	}
	if cfg.Prewarm {
		t.Error("Prewarm should be false")
	}
	if len(cfg.AllowedOrigins) != 2 {
		t.Errorf("AllowedOrigins = %q", cfg.AllowedOrigins)
	}

	sc := cfg.Session()
	if sc.MaxDuration != time.Minute || sc.MaxSilence != 2500*time.Millisecond || sc.TickInterval != 500*time.Millisecond {
		t.Errorf("Session() = %+v", sc)
	}
	if sc.SilenceThresholdDB != -42 {
		t.Errorf("SilenceThresholdDB = %v", sc.SilenceThresholdDB)
	}

	sum := cfg.Summary()
	if sum.BypassBytes != 80 || sum.Parameters.Client != "mobile" {
		t.Errorf("Summary() = %+v", sum)
	}
}

func TestInvalidValuesFallBack(t *testing.T) {
	clearEnv(t)
	t.Setenv("BYPASS_BYTES", "lots")
	t.Setenv("CONNECT_TIMEOUT", "soon")

	cfg := Load()
	if cfg.BypassBytes != 50 {
		t.Errorf("BypassBytes = %d, want default", cfg.BypassBytes)
	}
	if cfg.ConnectTimeout != 10*time.Second {
		t.Errorf("ConnectTimeout = %v, want default", cfg.ConnectTimeout)
	}
}

func TestValidate(t *testing.T) {
	clearEnv(t)

	tests := map[string]func(*Config){
		"zero duration":     func(c *Config) { c.MaxDuration = 0 },
		"negative silence":  func(c *Config) { c.MaxSilence = -1 },
		"tick over silence": func(c *Config) { c.TickInterval = 10 },
		"http endpoint":     func(c *Config) { c.SummaryEndpoint = "http://x" },
	}
	for name, mutate := range tests {
		cfg := Load()
		mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: Validate() = nil", name)
		}
	}
}

func TestSlogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"WARN":  slog.LevelWarn,
		"bogus": slog.LevelInfo,
	}
	for in, want := range tests {
		if got := (&Config{LogLevel: in}).SlogLevel(); got != want {
			t.Errorf("SlogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestLoadDotEnv(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("SUMMARY_MODEL=from-dotenv\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	// godotenv does not override set variables, so unset rather than empty.
	os.Unsetenv("SUMMARY_MODEL")

	if err := LoadDotEnv(path, filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Fatalf("LoadDotEnv() = %v", err)
	}
	if got := Load().SummaryModel; got != "from-dotenv" {
		t.Errorf("SummaryModel = %q, want from-dotenv", got)
	}
}
