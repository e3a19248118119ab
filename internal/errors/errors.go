// Package errors provides the typed error taxonomy shared by sessions,
// the summarizer client and the collaborator surface.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Kind classifies an error for the collaborator layer.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindPermissionDenied
	KindEngineUnavailable
	KindTransport
	KindProtocol
	KindCancelled
	KindConfig
)

var kindNames = [...]string{
	KindUnknown:           "unknown",
	KindPermissionDenied:  "permission_denied",
	KindEngineUnavailable: "engine_unavailable",
	KindTransport:         "transport",
	KindProtocol:          "protocol",
	KindCancelled:         "cancelled",
	KindConfig:            "config",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return kindNames[KindUnknown]
}

// AppError is the base error type with a kind and metadata.
type AppError struct {
	Kind     Kind
	Message  string
	Metadata map[string]string
	Cause    error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	s := fmt.Sprintf("[%s] %s", e.Kind, e.Message)
	if len(e.Metadata) > 0 {
		s += fmt.Sprintf(" %v", e.Metadata)
	}
	if e.Cause != nil {
		s += fmt.Sprintf(" caused by: %v", e.Cause)
	}
	return s
}

// Unwrap returns the underlying cause for errors.Is/As.
func (e *AppError) Unwrap() error { return e.Cause }

// Is matches another AppError by kind, so sentinel values work with errors.Is.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Message == "" && t.Kind == e.Kind
}

// New creates a new AppError with the given kind and message.
func New(kind Kind, msg string) *AppError {
	return &AppError{Kind: kind, Message: msg}
}

// Newf creates a new AppError with formatted message.
func Newf(kind Kind, format string, args ...any) *AppError {
	return &AppError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps an existing error with an AppError.
func Wrap(err error, kind Kind, msg string) *AppError {
	return &AppError{Kind: kind, Message: msg, Cause: err}
}

// Wrapf wraps an existing error with formatted message.
func Wrapf(err error, kind Kind, format string, args ...any) *AppError {
	return &AppError{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: err}
}

// WithMetadata adds metadata to an AppError.
func (e *AppError) WithMetadata(key, value string) *AppError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]string)
	}
	e.Metadata[key] = value
	return e
}

// Sentinels for errors.Is comparisons; they match any AppError of the same kind.
var (
	ErrPermissionDenied  = &AppError{Kind: KindPermissionDenied}
	ErrEngineUnavailable = &AppError{Kind: KindEngineUnavailable}
	ErrTransport         = &AppError{Kind: KindTransport}
	ErrProtocol          = &AppError{Kind: KindProtocol}
	ErrCancelled         = &AppError{Kind: KindCancelled}
)

// KindOf returns the kind of the first AppError in err's chain.
func KindOf(err error) Kind {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindUnknown
}

// IsKind checks if an error has a specific kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsRetryable reports whether a collaborator may reasonably re-invoke the
// failed operation. The core itself never retries.
func IsRetryable(err error) bool {
	return KindOf(err) == KindTransport
}
