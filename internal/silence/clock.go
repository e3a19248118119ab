// Package silence decides, on a fixed cadence, whether a capture session must
// stop because it ran too long or went quiet for too long.
package silence

import (
	"errors"
	"sync"
	"time"
)

// Reason says why a session ended.
type Reason string

const (
	ReasonDuration Reason = "duration"
	ReasonSilence  Reason = "silence"
	ReasonManual   Reason = "manual"
	// ReasonEnded means the speech engine closed its stream on its own.
	ReasonEnded Reason = "ended"
)

var (
	ErrStopped       = errors.New("silence clock already stopped")
	ErrStarted       = errors.New("silence clock already started")
	ErrInvalidConfig = errors.New("silence clock: tick interval must be positive")
)

// Config holds the two timeout policies and the tick cadence.
type Config struct {
	MaxDuration  time.Duration
	MaxSilence   time.Duration
	TickInterval time.Duration
}

// Probe reports whether the input is currently silent.
type Probe func() bool

// State is a snapshot of the clock.
type State struct {
	StartedAt   time.Time
	LastAudioAt time.Time
	Elapsed     int // whole seconds since StartedAt, as of the last tick
	Stopped     bool
}

// Option configures a Clock.
type Option func(*Clock)

// WithNow replaces the wall clock.
func WithNow(now func() time.Time) Option {
	return func(c *Clock) { c.now = now }
}

// Clock exclusively owns its ticker and tears it down exactly once.
type Clock struct {
	cfg Config
	now func() time.Time

	mu       sync.Mutex
	state    State
	started  bool
	probe    Probe
	onStop   func(Reason)
	done     chan struct{}
	stopOnce sync.Once
}

// New creates a clock; it does not tick until Start.
func New(cfg Config, opts ...Option) *Clock {
	c := &Clock{cfg: cfg, now: time.Now, done: make(chan struct{})}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start begins ticking every TickInterval. onStop is invoked at most once,
// from the ticking goroutine, when a timeout policy trips.
func (c *Clock) Start(isSilent Probe, onStop func(Reason)) error {
	if c.cfg.TickInterval <= 0 {
		return ErrInvalidConfig
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Stopped {
		return ErrStopped
	}
	if c.started {
		return ErrStarted
	}

	now := c.now()
	c.started = true
	c.probe = isSilent
	c.onStop = onStop
	c.state.StartedAt = now
	c.state.LastAudioAt = now

	ticker := time.NewTicker(c.cfg.TickInterval)
	go c.run(ticker)
	return nil
}

func (c *Clock) run(ticker *time.Ticker) {
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.tick()
		}
	}
}

// tick evaluates both policies. It is a no-op once the clock has stopped.
func (c *Clock) tick() {
	c.mu.Lock()
	if !c.started || c.state.Stopped {
		c.mu.Unlock()
		return
	}

	now := c.now()
	elapsed := now.Sub(c.state.StartedAt)
	c.state.Elapsed = int(elapsed / time.Second)

	var reason Reason
	switch {
	case elapsed > c.cfg.MaxDuration:
		reason = ReasonDuration
	case c.probe():
		if now.Sub(c.state.LastAudioAt) > c.cfg.MaxSilence {
			reason = ReasonSilence
		}
	default:
		c.state.LastAudioAt = now
	}

	if reason == "" {
		c.mu.Unlock()
		return
	}

	onStop := c.onStop
	c.stopLocked()
	c.mu.Unlock()

	if onStop != nil {
		onStop(reason)
	}
}

// Stop cancels the ticker and clears timestamps. Calling it again is a no-op.
func (c *Clock) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked()
}

func (c *Clock) stopLocked() {
	c.state.Stopped = true
	c.state.StartedAt = time.Time{}
	c.state.LastAudioAt = time.Time{}
	c.onStop = nil
	c.probe = nil
	c.stopOnce.Do(func() { close(c.done) })
}

// State returns a snapshot of the clock.
func (c *Clock) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}
