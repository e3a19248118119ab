package server

import "github.com/GriffinCanCode/recap/internal/orchestrator"

// Inbound message types.
const (
	TypeBegin  = "begin"
	TypeStop   = "stop"
	TypeCancel = "cancel"
	TypeStatus = "status"
)

// Message is the envelope every inbound message shares.
type Message struct {
	Type string `json:"type"`
}

type BeginMessage struct {
	Type    string `json:"type"`
	Locale  string `json:"locale,omitempty"`
	Mode    string `json:"mode,omitempty"`
	TraceID string `json:"trace_id,omitempty"`
}

type StopMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
}

// RejectedMessage answers the sender of a request that could not be served.
type RejectedMessage struct {
	Type    string `json:"type"`
	Request string `json:"request"`
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message"`
}

// StatusMessage is sent on connect and in reply to a status request.
type StatusMessage struct {
	Type       string               `json:"type"`
	Active     *orchestrator.Handle `json:"active,omitempty"`
	Transcript string               `json:"transcript,omitempty"`
	Modes      []string             `json:"modes"`
}

// startRequest is the optional body of POST /api/session/start.
type startRequest struct {
	Locale string `json:"locale"`
	Mode   string `json:"mode"`
}

// stopRequest is the optional body of POST /api/session/stop.
type stopRequest struct {
	SessionID string `json:"session_id"`
}
