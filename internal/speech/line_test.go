package speech

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"
)

func collect(t *testing.T, ch <-chan Update) []Update {
	t.Helper()
	var got []Update
	timeout := time.After(2 * time.Second)
	for {
		select {
		case u, ok := <-ch:
			if !ok {
				return got
			}
			got = append(got, u)
		case <-timeout:
			t.Fatal("timeout waiting for engine to close stream")
		}
	}
}

func TestLineEngineCumulativeUpdates(t *testing.T) {
	e := NewLineEngine(strings.NewReader("hello\n\nthere\nfriend\n"), LineConfig{})

	ch, err := e.Start(context.Background(), "en-US")
	if err != nil {
		t.Fatalf("Start() = %v", err)
	}

	got := collect(t, ch)
	want := []string{"hello", "hello there", "hello there friend"}
	if len(got) != len(want) {
		t.Fatalf("got %d updates, want %d: %+v", len(got), len(want), got)
	}
	for i, w := range want {
		if got[i].Text != w {
			t.Errorf("update %d = %q, want %q", i, got[i].Text, w)
		}
	}

	// Source exhausted: the engine is free again and Stop is a no-op.
	if err := e.Stop(); err != nil {
		t.Errorf("Stop() = %v", err)
	}
}

func TestLineEngineStopClosesStream(t *testing.T) {
	r, w := io.Pipe()
	defer w.Close()
	e := NewLineEngine(r, LineConfig{})

	ch, err := e.Start(context.Background(), "en")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.Start(context.Background(), "en"); !errors.Is(err, ErrBusy) {
		t.Errorf("second Start() = %v, want ErrBusy", err)
	}

	if err := e.Stop(); err != nil {
		t.Fatal(err)
	}
	if got := collect(t, ch); len(got) != 0 {
		t.Errorf("unexpected updates %+v", got)
	}

	// A new stream can start after Stop.
	ch2, err := e.Start(context.Background(), "en")
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	go func() { _, _ = io.WriteString(w, "again\n") }()
	select {
	case u := <-ch2:
		if u.Text != "again" {
			t.Errorf("Text = %q, want again", u.Text)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for update")
	}
	_ = e.Stop()
}

func TestLineEngineLevel(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	e := NewLineEngine(strings.NewReader(""), LineConfig{Hold: time.Second})
	e.now = func() time.Time { return now }

	if e.Level() != DefaultQuietLevel {
		t.Errorf("Level() before input = %v, want quiet", e.Level())
	}

	e.mu.Lock()
	e.lastLine = now.Add(-500 * time.Millisecond)
	e.mu.Unlock()
	if e.Level() != DefaultSpeakingLevel {
		t.Errorf("Level() within hold = %v, want speaking", e.Level())
	}

	e.mu.Lock()
	e.lastLine = now.Add(-2 * time.Second)
	e.mu.Unlock()
	if e.Level() != DefaultQuietLevel {
		t.Errorf("Level() after hold = %v, want quiet", e.Level())
	}
}

func TestLineEngineLocales(t *testing.T) {
	e := NewLineEngine(strings.NewReader(""), LineConfig{Locales: []string{"en-US", "de-DE"}})

	if _, err := e.Start(context.Background(), "!!"); !errors.Is(err, ErrUnsupportedLocale) {
		t.Errorf("invalid tag: err = %v, want ErrUnsupportedLocale", err)
	}
	if _, err := e.Start(context.Background(), "ja-JP"); !errors.Is(err, ErrUnsupportedLocale) {
		t.Errorf("ja-JP: err = %v, want ErrUnsupportedLocale", err)
	}
	if _, err := e.Start(context.Background(), "de-AT"); err != nil {
		t.Errorf("de-AT should match de-DE: %v", err)
	}
	_ = e.Stop()
}

func TestLineEngineAuthorize(t *testing.T) {
	if err := NewLineEngine(strings.NewReader(""), LineConfig{Deny: true}).Authorize(context.Background()); !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("Authorize() = %v, want ErrPermissionDenied", err)
	}
	if err := NewLineEngine(strings.NewReader(""), LineConfig{}).Authorize(context.Background()); err != nil {
		t.Errorf("Authorize() = %v, want nil", err)
	}
}
