// Package speech defines the contract of the continuous speech-to-text engine
// a capture session drives, plus a line-fed engine for terminals and tests.
package speech

import (
	"context"
	"errors"
)

// Update is one engine result. Text is cumulative: each update replaces the
// previous one rather than extending it.
type Update struct {
	Text  string
	Final bool
}

// Engine is a live speech-to-text engine. A capture session owns it between
// Start and Stop.
type Engine interface {
	// Authorize performs the one-time microphone and recognition permission
	// checks. It may block waiting on the user.
	Authorize(ctx context.Context) error
	// Start begins live transcription for locale. The returned channel is
	// closed once the engine has torn down.
	Start(ctx context.Context, locale string) (<-chan Update, error)
	// Stop tears the stream down. Calling it without a running stream is a no-op.
	Stop() error
	// Level returns the last known input level in dBFS.
	Level() float64
}

var (
	ErrPermissionDenied  = errors.New("speech: permission denied")
	ErrUnsupportedLocale = errors.New("speech: locale not supported")
	ErrBusy              = errors.New("speech: engine already running")
)
