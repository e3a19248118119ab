package speech

import (
	"bufio"
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/language"
)

// Line engine defaults, in dBFS.
const (
	DefaultSpeakingLevel = -20.0
	DefaultQuietLevel    = -80.0
	DefaultHold          = time.Second
)

// LineConfig configures a LineEngine.
type LineConfig struct {
	SpeakingLevel float64       // level reported for Hold after each line
	QuietLevel    float64       // level reported otherwise
	Hold          time.Duration // how long a line counts as audible input
	Locales       []string      // accepted locales; empty accepts any valid tag
	Deny          bool          // Authorize refuses, as if the user declined
}

// LineEngine treats every non-empty line read from a source as recognized
// speech. Lines accumulate into a cumulative transcript. The source is read
// by one background pump shared across sessions.
type LineEngine struct {
	cfg     LineConfig
	src     io.Reader
	now     func() time.Time
	matcher language.Matcher

	pumpOnce sync.Once
	lines    chan string

	mu       sync.Mutex
	stopCh   chan struct{}
	lastLine time.Time
}

// NewLineEngine creates an engine reading lines from src.
func NewLineEngine(src io.Reader, cfg LineConfig) *LineEngine {
	if cfg.SpeakingLevel == 0 {
		cfg.SpeakingLevel = DefaultSpeakingLevel
	}
	if cfg.QuietLevel == 0 {
		cfg.QuietLevel = DefaultQuietLevel
	}
	if cfg.Hold <= 0 {
		cfg.Hold = DefaultHold
	}

	e := &LineEngine{cfg: cfg, src: src, now: time.Now, lines: make(chan string, 64)}
	if len(cfg.Locales) > 0 {
		tags := make([]language.Tag, 0, len(cfg.Locales))
		for _, l := range cfg.Locales {
			if tag, err := language.Parse(l); err == nil {
				tags = append(tags, tag)
			}
		}
		e.matcher = language.NewMatcher(tags)
	}
	return e
}

// Authorize implements Engine.
func (e *LineEngine) Authorize(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.cfg.Deny {
		return ErrPermissionDenied
	}
	return nil
}

// Start implements Engine.
func (e *LineEngine) Start(_ context.Context, locale string) (<-chan Update, error) {
	if err := e.checkLocale(locale); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopCh != nil {
		return nil, ErrBusy
	}

	e.pumpOnce.Do(func() { go e.pump() })

	stop := make(chan struct{})
	out := make(chan Update, 16)
	e.stopCh = stop
	e.lastLine = time.Time{}
	go e.forward(stop, out)
	return out, nil
}

func (e *LineEngine) checkLocale(locale string) error {
	tag, err := language.Parse(locale)
	if err != nil {
		return ErrUnsupportedLocale
	}
	if e.matcher == nil {
		return nil
	}
	if _, _, conf := e.matcher.Match(tag); conf == language.No {
		return ErrUnsupportedLocale
	}
	return nil
}

func (e *LineEngine) pump() {
	defer close(e.lines)
	scanner := bufio.NewScanner(e.src)
	for scanner.Scan() {
		e.lines <- scanner.Text()
	}
}

func (e *LineEngine) forward(stop chan struct{}, out chan<- Update) {
	defer close(out)
	var parts []string
	for {
		select {
		case <-stop:
			return
		case line, ok := <-e.lines:
			if !ok {
				e.release(stop)
				return
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			e.mu.Lock()
			e.lastLine = e.now()
			e.mu.Unlock()

			parts = append(parts, line)
			select {
			case out <- Update{Text: strings.Join(parts, " ")}:
			case <-stop:
				return
			}
		}
	}
}

// release clears the running stream when the source ends on its own.
func (e *LineEngine) release(stop chan struct{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopCh == stop {
		e.stopCh = nil
	}
}

// Stop implements Engine.
func (e *LineEngine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopCh == nil {
		return nil
	}
	close(e.stopCh)
	e.stopCh = nil
	return nil
}

// Level implements Engine.
func (e *LineEngine) Level() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.lastLine.IsZero() && e.now().Sub(e.lastLine) < e.cfg.Hold {
		return e.cfg.SpeakingLevel
	}
	return e.cfg.QuietLevel
}
