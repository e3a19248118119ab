package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/GriffinCanCode/recap/internal/config"
)

// syncBuffer is a bytes.Buffer safe to read while listen writes to it.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func waitFor(t *testing.T, b *syncBuffer, text string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !strings.Contains(b.String(), text) {
		if time.Now().After(deadline) {
			t.Fatalf("never saw %q in %q", text, b.String())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func testConfig() *config.Config {
	return &config.Config{
		SummaryEndpoint:    "ws://127.0.0.1:1/ws",
		BypassBytes:        50,
		ConnectTimeout:     time.Second,
		ReceiveTimeout:     time.Second,
		MaxDuration:        10,
		MaxSilence:         10,
		TickInterval:       1,
		SilenceThresholdDB: -50,
		DefaultLocale:      "en-US",
		DefaultMode:        "summary",
		HistorySize:        5,
	}
}

func TestSummarizeShortInputIsEchoed(t *testing.T) {
	var out bytes.Buffer
	if err := summarize(context.Background(), testConfig(), "Quick note", "", "", &out); err != nil {
		t.Fatalf("summarize() = %v", err)
	}
	if got := out.String(); got != "Quick note\n" {
		t.Errorf("output = %q, want %q", got, "Quick note\n")
	}
}

func TestSummarizeUnknownMode(t *testing.T) {
	var out bytes.Buffer
	if err := summarize(context.Background(), testConfig(), "text", "en", "limerick", &out); err == nil {
		t.Error("expected an error for an unknown mode")
	}
}

func TestListenEndsWithInput(t *testing.T) {
	var out, status bytes.Buffer
	in := strings.NewReader("hello\nthere\n")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := listen(ctx, testConfig(), in, &out, &status, nil, "", ""); err != nil {
		t.Fatalf("listen() = %v", err)
	}
	if got := out.String(); got != "hello there\n" {
		t.Errorf("output = %q", got)
	}
	if !strings.Contains(status.String(), "stopped (ended)") {
		t.Errorf("status = %q", status.String())
	}
}

func TestListenNothingSaid(t *testing.T) {
	var out, status bytes.Buffer

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := listen(ctx, testConfig(), strings.NewReader(""), &out, &status, nil, "", ""); err != nil {
		t.Fatalf("listen() = %v", err)
	}
	if out.Len() != 0 {
		t.Errorf("output = %q, want none", out.String())
	}
	if !strings.Contains(status.String(), "nothing was said") {
		t.Errorf("status = %q", status.String())
	}
}

func TestLoadPromptsFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prompts.yaml")
	data := "prompts:\n  summary:\n    en: \"Be brief.\"\n"
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := testConfig()
	cfg.PromptsFile = path
	book, err := loadPrompts(cfg)
	if err != nil {
		t.Fatalf("loadPrompts() = %v", err)
	}
	if got, _ := book.Lookup("en-GB", "summary"); got != "Be brief." {
		t.Errorf("Lookup() = %q", got)
	}

	cfg.PromptsFile = filepath.Join(t.TempDir(), "missing.yaml")
	if _, err := loadPrompts(cfg); err == nil {
		t.Error("expected an error for a missing prompt file")
	}
}

func TestRootCommandHasSubcommands(t *testing.T) {
	cmd := newRootCommand()
	for _, name := range []string{"serve", "listen", "summarize"} {
		if c, _, err := cmd.Find([]string{name}); err != nil || c.Name() != name {
			t.Errorf("subcommand %q not found", name)
		}
	}
}

func TestListenInterruptStopsSession(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close() //nolint:errcheck

	var out, status syncBuffer
	interrupts := make(chan os.Signal, 1)
	done := make(chan error, 1)
	go func() {
		done <- listen(context.Background(), testConfig(), pr, &out, &status, interrupts, "", "")
	}()

	waitFor(t, &status, "listening")
	_, _ = io.WriteString(pw, "short note\n")
	time.Sleep(50 * time.Millisecond)
	interrupts <- os.Interrupt

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("listen() = %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("listen did not return after the session was stopped")
	}
	if got := out.String(); got != "short note\n" {
		t.Errorf("output = %q", got)
	}
	if !strings.Contains(status.String(), "stopped (manual)") {
		t.Errorf("status = %q", status.String())
	}
}

func TestListenInterruptAbortsStreamingSummary(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.CloseNow()
		ctx := r.Context()
		if _, _, err := c.Read(ctx); err != nil {
			return
		}
		_ = c.Write(ctx, websocket.MessageText, []byte(`{"type":"stream","data":"The team "}`))
		// Never finishes; waits for the client to give up.
		_, _, _ = c.Read(ctx)
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.SummaryEndpoint = "ws" + strings.TrimPrefix(srv.URL, "http")

	var out, status syncBuffer
	interrupts := make(chan os.Signal, 1)
	in := strings.NewReader("we agreed to move the release to Friday after the review\n")
	done := make(chan error, 1)
	go func() {
		done <- listen(context.Background(), cfg, in, &out, &status, interrupts, "", "")
	}()

	waitFor(t, &out, "The team ")
	interrupts <- os.Interrupt

	select {
	case err := <-done:
		if !errors.Is(err, errInterrupted) {
			t.Fatalf("listen() = %v, want errInterrupted", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("interrupt during the summary was ignored")
	}
}
