// Package session owns the lifecycle of one live capture run: it drives the
// speech engine, feeds the silence clock, keeps the latest transcript and
// notifies an observer exactly once when the run stops.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/language"

	apperrors "github.com/GriffinCanCode/recap/internal/errors"
	"github.com/GriffinCanCode/recap/internal/silence"
	"github.com/GriffinCanCode/recap/internal/speech"
	"github.com/GriffinCanCode/recap/internal/syncx"
	"github.com/GriffinCanCode/recap/internal/trace"
)

// State of a session. Stopped is terminal.
type State uint8

const (
	Idle State = iota
	Listening
	Stopping
	Stopped
)

func (s State) String() string {
	return [...]string{"idle", "listening", "stopping", "stopped"}[s]
}

// ErrNotIdle is returned by Begin on a session that already ran.
var ErrNotIdle = errors.New("session: already started")

// Config is immutable for the lifetime of a session.
type Config struct {
	MaxDuration        time.Duration
	MaxSilence         time.Duration
	TickInterval       time.Duration
	SilenceThresholdDB float64
}

func (c Config) clock() silence.Config {
	return silence.Config{
		MaxDuration:  c.MaxDuration,
		MaxSilence:   c.MaxSilence,
		TickInterval: c.TickInterval,
	}
}

// Transcript is the recognized text of one session.
type Transcript struct {
	Text   string
	Locale string
}

// Result is handed to the observer once the session has stopped.
type Result struct {
	SessionID  string
	Transcript Transcript
	Reason     silence.Reason
	StartedAt  time.Time
	EndedAt    time.Time
}

// Observer receives the frozen result of a session.
type Observer func(Result)

// Session is a single capture run. It is not reusable.
type Session struct {
	id       string
	engine   speech.Engine
	cfg      Config
	clock    *silence.Clock
	observer Observer

	mu         sync.Mutex
	state      State
	starting   bool
	transcript Transcript
	reason     silence.Reason
	startedAt  time.Time
	ctx        context.Context

	notified syncx.Latch
	done     chan struct{}
}

// New creates an idle session.
func New(engine speech.Engine, cfg Config, observer Observer, opts ...silence.Option) *Session {
	return &Session{
		id:       uuid.NewString(),
		engine:   engine,
		cfg:      cfg,
		clock:    silence.New(cfg.clock(), opts...),
		observer: observer,
		done:     make(chan struct{}),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Begin authorizes and starts the engine, then the silence clock. Failures
// are terminal for this session and leave it Stopped without notifying the
// observer. Stop requests made before Begin returns are ignored. Cancelling
// ctx later stops the session as a manual stop.
func (s *Session) Begin(ctx context.Context, locale string) error {
	s.mu.Lock()
	if s.state != Idle || s.starting {
		s.mu.Unlock()
		return ErrNotIdle
	}
	s.starting = true
	s.ctx = trace.WithSession(ctx, s.id)
	s.mu.Unlock()

	log := trace.Logger(s.ctx)

	tag, err := language.Parse(locale)
	if err != nil {
		return s.abort(apperrors.Wrapf(err, apperrors.KindEngineUnavailable, "invalid locale %q", locale))
	}
	locale = tag.String()

	if err := s.engine.Authorize(ctx); err != nil {
		if ctx.Err() != nil {
			return s.abort(apperrors.Wrap(err, apperrors.KindCancelled, "session cancelled during authorization"))
		}
		return s.abort(apperrors.Wrap(err, apperrors.KindPermissionDenied, "speech authorization refused"))
	}

	updates, err := s.engine.Start(ctx, locale)
	if err != nil {
		return s.abort(apperrors.Wrapf(err, apperrors.KindEngineUnavailable, "speech engine unavailable for %s", locale))
	}

	threshold := s.cfg.SilenceThresholdDB
	probe := func() bool { return s.engine.Level() < threshold }

	// The clock starts under the session lock so an early tick cannot observe
	// a half-started session.
	s.mu.Lock()
	if err := s.clock.Start(probe, s.stop); err != nil {
		s.mu.Unlock()
		_ = s.engine.Stop()
		return s.abort(apperrors.Wrap(err, apperrors.KindConfig, "silence clock"))
	}
	s.transcript = Transcript{Locale: locale}
	s.startedAt = time.Now()
	s.state = Listening
	s.mu.Unlock()

	go s.consume(updates)
	go func() {
		select {
		case <-ctx.Done():
			s.stop(silence.ReasonManual)
		case <-s.done:
		}
	}()

	log.Info("session listening", "locale", locale,
		"max_duration", s.cfg.MaxDuration, "max_silence", s.cfg.MaxSilence)
	return nil
}

// abort moves a session that failed to start straight to Stopped.
func (s *Session) abort(err error) error {
	s.mu.Lock()
	s.state = Stopped
	s.mu.Unlock()
	s.clock.Stop()
	close(s.done)
	return err
}

func (s *Session) consume(updates <-chan speech.Update) {
	for u := range updates {
		s.mu.Lock()
		if s.state == Listening {
			s.transcript.Text = u.Text
		}
		s.mu.Unlock()
	}
	s.stop(silence.ReasonEnded)
}

// RequestStop stops the session on behalf of the user. Calling it more than
// once, or racing it with a timeout, produces a single notification.
func (s *Session) RequestStop() {
	s.stop(silence.ReasonManual)
}

func (s *Session) stop(reason silence.Reason) {
	s.mu.Lock()
	if s.state != Listening {
		s.mu.Unlock()
		return
	}
	s.state = Stopping
	s.reason = reason
	ctx := s.ctx
	s.mu.Unlock()

	log := trace.Logger(ctx)
	s.clock.Stop()
	if err := s.engine.Stop(); err != nil {
		log.Warn("speech engine stop failed", "error", err)
	}

	s.mu.Lock()
	s.state = Stopped
	res := Result{
		SessionID:  s.id,
		Transcript: s.transcript,
		Reason:     s.reason,
		StartedAt:  s.startedAt,
		EndedAt:    time.Now(),
	}
	s.mu.Unlock()

	log.Info("session stopped", "reason", reason, "chars", len(res.Transcript.Text))
	if s.notified.Fire() && s.observer != nil {
		s.observer(res)
	}
	close(s.done)
}

// Done is closed once the session is Stopped and the observer has returned.
func (s *Session) Done() <-chan struct{} { return s.done }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Transcript returns the latest transcript.
func (s *Session) Transcript() Transcript {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transcript
}

// Silence returns the silence clock's current state.
func (s *Session) Silence() silence.State {
	return s.clock.State()
}
