package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	apperrors "github.com/GriffinCanCode/recap/internal/errors"
	"github.com/GriffinCanCode/recap/internal/metrics"
	"github.com/GriffinCanCode/recap/internal/orchestrator/transcript"
	"github.com/GriffinCanCode/recap/internal/prompt"
	"github.com/GriffinCanCode/recap/internal/session"
	"github.com/GriffinCanCode/recap/internal/silence"
	"github.com/GriffinCanCode/recap/internal/speech"
	"github.com/GriffinCanCode/recap/internal/summary"
	"github.com/GriffinCanCode/recap/internal/trace"
)

var (
	ErrSessionActive = errors.New("orchestrator: a session is already active")
	ErrNoSession     = errors.New("orchestrator: no such active session")
	ErrClosed        = errors.New("orchestrator: manager stopped")
)

// Summarizer is the part of summary.Client the manager depends on.
type Summarizer interface {
	Send(ctx context.Context, req summary.Request, onChunk func(string)) (string, error)
	Prepare(ctx context.Context, endpoint string) error
	Cancel()
}

// Config for the manager.
type Config struct {
	Session       session.Config
	Endpoint      string
	DefaultLocale string
	DefaultMode   string
	Prewarm       bool
}

// Handle identifies a started session.
type Handle struct {
	ID        string    `json:"id"`
	Locale    string    `json:"locale"`
	Mode      string    `json:"mode"`
	StartedAt time.Time `json:"started_at"`
}

// Option configures a Manager.
type Option func(*Manager)

// WithMetrics records session metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(mgr *Manager) { mgr.metrics = m }
}

// WithStore replaces the default in-memory history.
func WithStore(s transcript.Store) Option {
	return func(mgr *Manager) { mgr.store = s }
}

// WithClockOptions passes options to every session's silence clock.
func WithClockOptions(opts ...silence.Option) Option {
	return func(mgr *Manager) { mgr.clockOpts = opts }
}

// Manager coordinates the speech engine, sessions and the summarizer
type Manager struct {
	engine    speech.Engine
	client    Summarizer
	prompts   *prompt.Book
	store     transcript.Store
	metrics   *metrics.Metrics
	cfg       Config
	clockOpts []silence.Option

	// emitMu guards sends on events against the close in Stop.
	emitMu sync.RWMutex
	events chan Event
	closed bool

	shutdownTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	active  *session.Session
	handle  Handle
	stopped bool
}

// New creates a new manager
func New(engine speech.Engine, client Summarizer, prompts *prompt.Book, cfg Config, opts ...Option) *Manager {
	if prompts == nil {
		prompts = prompt.Default()
	}
	if cfg.DefaultMode == "" {
		cfg.DefaultMode = prompt.ModeSummary
	}
	if cfg.DefaultLocale == "" {
		cfg.DefaultLocale = prompt.FallbackLocale
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		engine:  engine,
		client:  client,
		prompts: prompts,
		cfg:     cfg,
		events:  make(chan Event, EventBuffer),
		ctx:     ctx,
		cancel:  cancel,

		shutdownTimeout: ShutdownTimeout,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.store == nil {
		m.store = transcript.NewStore(DefaultHistorySize)
	}
	return m
}

// Start pre-warms the summarizer connection when configured to.
func (m *Manager) Start(ctx context.Context) error {
	log := trace.Logger(ctx)
	log.Info("orchestrator started", "endpoint", m.cfg.Endpoint, "prewarm", m.cfg.Prewarm)
	m.prewarm(ctx)
	return nil
}

// Stop ends the live session, aborts any summary in flight and closes the
// event channel. Begin calls after Stop fail with ErrClosed. A session that
// finalizes after Stop gave up waiting for it is recorded but emits nothing.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	active := m.active
	m.mu.Unlock()

	m.cancel()
	if active != nil {
		select {
		case <-active.Done():
		case <-time.After(m.shutdownTimeout):
			trace.Logger(context.Background()).Warn("session did not finalize before shutdown", "session_id", active.ID())
		}
	}
	m.client.Cancel()
	m.wg.Wait()

	m.emitMu.Lock()
	m.closed = true
	close(m.events)
	m.emitMu.Unlock()
}

// Events returns the collaborator event stream. It must be drained.
func (m *Manager) Events() <-chan Event {
	return m.events
}

func (m *Manager) emit(e Event) {
	m.emitMu.RLock()
	defer m.emitMu.RUnlock()
	if m.closed {
		return
	}
	select {
	case m.events <- e:
	case <-m.ctx.Done():
	}
}

// BeginSession starts a capture session. Empty locale or mode select the
// configured defaults. Only one session may be live at a time.
func (m *Manager) BeginSession(ctx context.Context, locale, mode string) (Handle, error) {
	if locale == "" {
		locale = m.cfg.DefaultLocale
	}
	if mode == "" {
		mode = m.cfg.DefaultMode
	}
	if !m.prompts.HasMode(mode) {
		return Handle{}, apperrors.Newf(apperrors.KindConfig, "unknown summary mode %q", mode)
	}

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return Handle{}, ErrClosed
	}
	if m.active != nil {
		m.mu.Unlock()
		return Handle{}, ErrSessionActive
	}
	// session_started goes out before anything the session's stop produces.
	started := make(chan struct{})
	s := session.New(m.engine, m.cfg.Session, func(res session.Result) {
		<-started
		m.onFinished(res, mode)
	}, m.clockOpts...)
	m.active = s
	m.mu.Unlock()

	// The session lives on the manager's context, keeping the caller's trace.
	sctx := m.ctx
	if tc, ok := trace.FromContext(ctx); ok {
		sctx = trace.WithContext(sctx, tc)
	}
	sctx = trace.WithSession(sctx, s.ID())
	log := trace.Logger(sctx)

	defer close(started)
	if err := s.Begin(sctx, locale); err != nil {
		m.mu.Lock()
		if m.active == s {
			m.active = nil
		}
		m.mu.Unlock()
		log.Warn("session failed to start", "locale", locale, "error", err)
		m.emit(errorEvent(s.ID(), err))
		return Handle{}, err
	}

	h := Handle{ID: s.ID(), Locale: s.Transcript().Locale, Mode: mode, StartedAt: time.Now()}
	m.mu.Lock()
	if m.active == s {
		m.handle = h
	}
	m.mu.Unlock()

	m.metrics.SessionStarted()
	m.emit(Event{Type: EventSessionStarted, SessionID: h.ID, Locale: h.Locale, Mode: mode})
	m.prewarm(sctx)
	return h, nil
}

// RequestStop stops the live session. An empty id matches whichever session
// is live.
func (m *Manager) RequestStop(id string) error {
	m.mu.Lock()
	s := m.active
	m.mu.Unlock()

	if s == nil || (id != "" && s.ID() != id) {
		return ErrNoSession
	}
	s.RequestStop()
	return nil
}

// Cancel aborts the summary in flight, if any. The session it belongs to
// produces no further summary events.
func (m *Manager) Cancel() {
	m.client.Cancel()
}

// Active returns the live session's handle.
func (m *Manager) Active() (Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil || m.handle.ID != m.active.ID() {
		return Handle{}, false
	}
	return m.handle, true
}

// LiveTranscript returns the live session's current transcript text.
func (m *Manager) LiveTranscript() (string, bool) {
	m.mu.Lock()
	s := m.active
	m.mu.Unlock()
	if s == nil {
		return "", false
	}
	return s.Transcript().Text, true
}

// History returns up to n finished sessions, newest last.
func (m *Manager) History(n int) []transcript.Record {
	return m.store.Recent(n)
}

// Record returns a finished session by ID.
func (m *Manager) Record(id string) (transcript.Record, bool) {
	return m.store.Get(id)
}

// Modes lists the available summary modes.
func (m *Manager) Modes() []string {
	return m.prompts.Modes()
}

// spawn runs fn on a tracked goroutine unless the manager is stopping.
func (m *Manager) spawn(fn func()) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return false
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		fn()
	}()
	return true
}

func (m *Manager) prewarm(ctx context.Context) {
	if !m.cfg.Prewarm || m.cfg.Endpoint == "" {
		return
	}
	m.spawn(func() {
		pctx, cancel := context.WithTimeout(m.ctx, PrewarmTimeout)
		defer cancel()
		if tc, ok := trace.FromContext(ctx); ok {
			pctx = trace.WithContext(pctx, tc)
		}
		if err := m.client.Prepare(pctx, m.cfg.Endpoint); err != nil {
			trace.Logger(pctx).Debug("summarizer pre-warm failed", "error", err)
		}
	})
}

// onFinished runs once per session, on the goroutine that stopped it.
func (m *Manager) onFinished(res session.Result, mode string) {
	m.mu.Lock()
	if m.active != nil && m.active.ID() == res.SessionID {
		m.active = nil
	}
	m.mu.Unlock()

	ctx := trace.WithSession(m.ctx, res.SessionID)
	log := trace.Logger(ctx)

	text := res.Transcript.Text
	m.metrics.SessionFinished(string(res.Reason), res.EndedAt.Sub(res.StartedAt), len(text))
	m.store.Add(transcript.Record{
		ID:         res.SessionID,
		Locale:     res.Transcript.Locale,
		Mode:       mode,
		Transcript: text,
		Reason:     string(res.Reason),
		StartedAt:  res.StartedAt,
		EndedAt:    res.EndedAt,
	})
	m.emit(Event{
		Type:      EventSessionFinished,
		SessionID: res.SessionID,
		Locale:    res.Transcript.Locale,
		Mode:      mode,
		Text:      text,
		Reason:    string(res.Reason),
	})

	if strings.TrimSpace(text) == "" {
		log.Info("empty transcript discarded", "reason", res.Reason)
		m.emit(Event{Type: EventDiscarded, SessionID: res.SessionID, Reason: string(res.Reason)})
		return
	}

	tmpl, err := m.prompts.Lookup(res.Transcript.Locale, mode)
	if err != nil {
		m.emit(errorEvent(res.SessionID, apperrors.Wrap(err, apperrors.KindConfig, "prompt lookup")))
		return
	}

	if !m.spawn(func() { m.summarize(ctx, res.SessionID, text, tmpl) }) {
		log.Info("manager stopped, summary skipped")
	}
}

func (m *Manager) summarize(ctx context.Context, id, text, tmpl string) {
	ctx, span := trace.StartSpan(ctx, "summarize_session")
	defer span.End()
	log := trace.Logger(ctx)

	answer, err := m.client.Send(ctx, summary.Request{
		RawText:  text,
		Prompt:   tmpl,
		Endpoint: m.cfg.Endpoint,
	}, func(chunk string) {
		m.emit(Event{Type: EventSummaryChunk, SessionID: id, Text: chunk})
	})

	switch {
	case err == nil:
		m.store.StoreSummary(id, answer)
		m.emit(Event{Type: EventSummaryComplete, SessionID: id, Text: answer})
	case apperrors.IsKind(err, apperrors.KindCancelled):
		log.Info("summary cancelled")
	default:
		span.SetAttr("error", err.Error())
		log.Error("summary failed", "error", err)
		m.emit(errorEvent(id, err))
	}
}
