package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	apperrors "github.com/GriffinCanCode/recap/internal/errors"
	"github.com/GriffinCanCode/recap/internal/silence"
	"github.com/GriffinCanCode/recap/internal/speech"
)

type fakeEngine struct {
	mu       sync.Mutex
	authErr  error
	startErr error
	level    float64
	updates  chan speech.Update
	closed   bool
	starts   int
	stops    int
	locale   string
}

func newFakeEngine(level float64) *fakeEngine {
	return &fakeEngine{level: level}
}

func (f *fakeEngine) Authorize(context.Context) error { return f.authErr }

func (f *fakeEngine) Start(_ context.Context, locale string) (<-chan speech.Update, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return nil, f.startErr
	}
	f.starts++
	f.locale = locale
	f.updates = make(chan speech.Update, 16)
	f.closed = false
	return f.updates, nil
}

func (f *fakeEngine) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	f.closeLocked()
	return nil
}

// end simulates the engine finishing on its own.
func (f *fakeEngine) end() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeLocked()
}

func (f *fakeEngine) closeLocked() {
	if f.updates != nil && !f.closed {
		close(f.updates)
		f.closed = true
	}
}

func (f *fakeEngine) push(text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.updates <- speech.Update{Text: text}
	}
}

func (f *fakeEngine) Level() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.level
}

func (f *fakeEngine) setLevel(l float64) {
	f.mu.Lock()
	f.level = l
	f.mu.Unlock()
}

type observerRecorder struct {
	mu      sync.Mutex
	results []Result
}

func (o *observerRecorder) observe(r Result) {
	o.mu.Lock()
	o.results = append(o.results, r)
	o.mu.Unlock()
}

func (o *observerRecorder) get() []Result {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Result(nil), o.results...)
}

var quietCfg = Config{
	MaxDuration:        time.Minute,
	MaxSilence:         time.Minute,
	TickInterval:       time.Hour,
	SilenceThresholdDB: -50,
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for session to stop")
	}
}

func waitText(t *testing.T, s *Session, want string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.Transcript().Text == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("transcript = %q, want %q", s.Transcript().Text, want)
}

func TestUpdatesReplaceTranscript(t *testing.T) {
	eng := newFakeEngine(-20)
	obs := &observerRecorder{}
	s := New(eng, quietCfg, obs.observe)

	if err := s.Begin(context.Background(), "en_US"); err != nil {
		t.Fatalf("Begin() = %v", err)
	}
	if s.State() != Listening {
		t.Fatalf("State() = %v, want listening", s.State())
	}

	eng.push("hello")
	eng.push("hello wor")
	eng.push("hello world")
	waitText(t, s, "hello world")

	s.RequestStop()
	waitDone(t, s)

	got := obs.get()
	if len(got) != 1 {
		t.Fatalf("notifications = %d, want 1", len(got))
	}
	if got[0].Transcript.Text != "hello world" {
		t.Errorf("Text = %q", got[0].Transcript.Text)
	}
	if got[0].Transcript.Locale != "en-US" {
		t.Errorf("Locale = %q, want canonical en-US", got[0].Transcript.Locale)
	}
	if got[0].Reason != silence.ReasonManual {
		t.Errorf("Reason = %v, want manual", got[0].Reason)
	}
	if got[0].SessionID != s.ID() {
		t.Error("result should carry the session ID")
	}
	if s.State() != Stopped {
		t.Errorf("State() = %v, want stopped", s.State())
	}
	if !s.Silence().Stopped {
		t.Error("silence clock should be stopped")
	}
}

func TestRequestStopTwice(t *testing.T) {
	eng := newFakeEngine(-20)
	obs := &observerRecorder{}
	s := New(eng, quietCfg, obs.observe)
	_ = s.Begin(context.Background(), "en")

	s.RequestStop()
	s.RequestStop()
	waitDone(t, s)

	if n := len(obs.get()); n != 1 {
		t.Errorf("notifications = %d, want 1", n)
	}
	if eng.stops != 1 {
		t.Errorf("engine stops = %d, want 1", eng.stops)
	}
}

func TestStopRacesWithSilenceTimeout(t *testing.T) {
	for i := 0; i < 20; i++ {
		eng := newFakeEngine(-90)
		obs := &observerRecorder{}
		s := New(eng, Config{
			MaxDuration:        time.Minute,
			MaxSilence:         time.Millisecond,
			TickInterval:       time.Millisecond,
			SilenceThresholdDB: -50,
		}, obs.observe)
		if err := s.Begin(context.Background(), "en"); err != nil {
			t.Fatal(err)
		}

		time.Sleep(time.Millisecond)
		var wg sync.WaitGroup
		for j := 0; j < 8; j++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				s.RequestStop()
			}()
		}
		wg.Wait()
		waitDone(t, s)

		if n := len(obs.get()); n != 1 {
			t.Fatalf("run %d: notifications = %d, want 1", i, n)
		}
	}
}

func TestSilenceStopsSession(t *testing.T) {
	eng := newFakeEngine(-90)
	obs := &observerRecorder{}
	s := New(eng, Config{
		MaxDuration:        time.Minute,
		MaxSilence:         20 * time.Millisecond,
		TickInterval:       5 * time.Millisecond,
		SilenceThresholdDB: -50,
	}, obs.observe)

	if err := s.Begin(context.Background(), "en"); err != nil {
		t.Fatal(err)
	}
	eng.push("short note")
	waitDone(t, s)

	got := obs.get()
	if len(got) != 1 || got[0].Reason != silence.ReasonSilence {
		t.Fatalf("results = %+v, want one silence stop", got)
	}
	if got[0].Transcript.Text != "short note" {
		t.Errorf("Text = %q", got[0].Transcript.Text)
	}
}

func TestDurationStopsSession(t *testing.T) {
	eng := newFakeEngine(-10)
	obs := &observerRecorder{}
	s := New(eng, Config{
		MaxDuration:        30 * time.Millisecond,
		MaxSilence:         time.Millisecond,
		TickInterval:       5 * time.Millisecond,
		SilenceThresholdDB: -50,
	}, obs.observe)

	if err := s.Begin(context.Background(), "en"); err != nil {
		t.Fatal(err)
	}
	waitDone(t, s)

	got := obs.get()
	if len(got) != 1 || got[0].Reason != silence.ReasonDuration {
		t.Fatalf("results = %+v, want one duration stop", got)
	}
}

func TestSpeechKeepsSessionAlive(t *testing.T) {
	eng := newFakeEngine(-10)
	obs := &observerRecorder{}
	s := New(eng, Config{
		MaxDuration:        time.Minute,
		MaxSilence:         20 * time.Millisecond,
		TickInterval:       5 * time.Millisecond,
		SilenceThresholdDB: -50,
	}, obs.observe)
	_ = s.Begin(context.Background(), "en")

	time.Sleep(60 * time.Millisecond)
	if s.State() != Listening {
		t.Fatalf("loud input should keep listening, state = %v", s.State())
	}

	eng.setLevel(-90)
	waitDone(t, s)
	if got := obs.get(); len(got) != 1 || got[0].Reason != silence.ReasonSilence {
		t.Fatalf("results = %+v, want silence", got)
	}
}

func TestEmptyTranscriptStillNotifies(t *testing.T) {
	eng := newFakeEngine(-20)
	obs := &observerRecorder{}
	s := New(eng, quietCfg, obs.observe)
	_ = s.Begin(context.Background(), "en")

	s.RequestStop()
	waitDone(t, s)

	got := obs.get()
	if len(got) != 1 || got[0].Transcript.Text != "" {
		t.Fatalf("results = %+v, want one empty transcript", got)
	}
}

func TestEngineEndingStopsSession(t *testing.T) {
	eng := newFakeEngine(-20)
	obs := &observerRecorder{}
	s := New(eng, quietCfg, obs.observe)
	_ = s.Begin(context.Background(), "en")

	eng.push("final words")
	waitText(t, s, "final words")
	eng.end()
	waitDone(t, s)

	got := obs.get()
	if len(got) != 1 || got[0].Reason != silence.ReasonEnded {
		t.Fatalf("results = %+v, want ended", got)
	}
}

func TestContextCancelStopsSession(t *testing.T) {
	eng := newFakeEngine(-20)
	obs := &observerRecorder{}
	s := New(eng, quietCfg, obs.observe)

	ctx, cancel := context.WithCancel(context.Background())
	_ = s.Begin(ctx, "en")
	cancel()
	waitDone(t, s)

	if got := obs.get(); len(got) != 1 || got[0].Reason != silence.ReasonManual {
		t.Fatalf("results = %+v, want manual", got)
	}
}

func TestPermissionDenied(t *testing.T) {
	eng := newFakeEngine(-20)
	eng.authErr = speech.ErrPermissionDenied
	obs := &observerRecorder{}
	s := New(eng, quietCfg, obs.observe)

	err := s.Begin(context.Background(), "en")
	if !apperrors.IsKind(err, apperrors.KindPermissionDenied) {
		t.Fatalf("Begin() = %v, want permission denied", err)
	}
	if !errors.Is(err, speech.ErrPermissionDenied) {
		t.Error("cause should be preserved")
	}
	if s.State() != Stopped {
		t.Errorf("State() = %v, want stopped", s.State())
	}
	if eng.starts != 0 {
		t.Error("engine must not start without permission")
	}
	waitDone(t, s)
	if len(obs.get()) != 0 {
		t.Error("observer must not fire for a failed start")
	}
}

func TestEngineUnavailable(t *testing.T) {
	eng := newFakeEngine(-20)
	eng.startErr = speech.ErrUnsupportedLocale
	s := New(eng, quietCfg, nil)

	err := s.Begin(context.Background(), "xx-YY")
	if !apperrors.IsKind(err, apperrors.KindEngineUnavailable) {
		t.Fatalf("Begin() = %v, want engine unavailable", err)
	}
}

func TestInvalidLocale(t *testing.T) {
	s := New(newFakeEngine(-20), quietCfg, nil)
	if err := s.Begin(context.Background(), "not a locale"); !apperrors.IsKind(err, apperrors.KindEngineUnavailable) {
		t.Fatalf("Begin() = %v, want engine unavailable", err)
	}
}

func TestBeginTwice(t *testing.T) {
	eng := newFakeEngine(-20)
	s := New(eng, quietCfg, nil)
	_ = s.Begin(context.Background(), "en")
	defer s.RequestStop()

	if err := s.Begin(context.Background(), "en"); !errors.Is(err, ErrNotIdle) {
		t.Errorf("second Begin() = %v, want ErrNotIdle", err)
	}
}
