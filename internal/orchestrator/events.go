package orchestrator

import (
	apperrors "github.com/GriffinCanCode/recap/internal/errors"
)

// Event types delivered on Manager.Events.
const (
	EventSessionStarted  = "session_started"
	EventSessionFinished = "session_finished"
	EventDiscarded       = "discarded"
	EventSummaryChunk    = "summary_chunk"
	EventSummaryComplete = "summary_complete"
	EventError           = "error"
)

// Event is a collaborator notification. Fields not relevant to Type are empty.
type Event struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Locale    string `json:"locale,omitempty"`
	Mode      string `json:"mode,omitempty"`
	Text      string `json:"text,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Kind      string `json:"kind,omitempty"`
	Message   string `json:"message,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

func errorEvent(sessionID string, err error) Event {
	return Event{
		Type:      EventError,
		SessionID: sessionID,
		Kind:      apperrors.KindOf(err).String(),
		Message:   err.Error(),
		Retryable: apperrors.IsRetryable(err),
	}
}
