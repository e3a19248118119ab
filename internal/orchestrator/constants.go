// Package orchestrator runs one capture session at a time and hands each
// finished transcript to the summarizer.
package orchestrator

import "time"

// Orchestrator configuration constants
const (
	// Buffered events before emitters block
	EventBuffer = 256

	// Session history kept in memory
	DefaultHistorySize = 50

	// Upper bound for a summarizer pre-warm dial
	PrewarmTimeout = 5 * time.Second

	// How long Stop waits for the live session to finalize
	ShutdownTimeout = 5 * time.Second
)
