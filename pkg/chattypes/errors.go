package chattypes

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies dispatch failures.
type ErrorKind string

// Error taxonomy.
const (
	ErrConfiguration ErrorKind = "configuration"
	ErrAuth          ErrorKind = "auth"
	ErrNetworkGlitch ErrorKind = "network"
	ErrTransport     ErrorKind = "transport"
	ErrCancelled     ErrorKind = "cancelled"
	ErrParse         ErrorKind = "parse"
	ErrStorage       ErrorKind = "storage"
)

// ChatError is the typed error returned by the dispatcher and its providers.
type ChatError struct {
	Kind       ErrorKind
	StatusCode int // HTTP status for transport errors, 0 otherwise
	Message    string
	Err        error
}

// Error implements the error interface.
func (e *ChatError) Error() string {
	msg := e.Message
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("HTTP %d: %s", e.StatusCode, msg)
	}
	if e.Err != nil && msg == "" {
		return e.Err.Error()
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *ChatError) Unwrap() error {
	return e.Err
}

// NewConfigError reports missing or invalid settings.
func NewConfigError(format string, args ...any) *ChatError {
	return &ChatError{Kind: ErrConfiguration, Message: fmt.Sprintf(format, args...)}
}

// NewTransportError reports a non-2xx provider response.
func NewTransportError(status int, body string) *ChatError {
	return &ChatError{Kind: ErrTransport, StatusCode: status, Message: body}
}

// NewCancelledError wraps a context cancellation.
func NewCancelledError(err error) *ChatError {
	return &ChatError{Kind: ErrCancelled, Message: "request cancelled", Err: err}
}

// KindOf returns the kind of a ChatError anywhere in err's chain, or "" when there is none.
func KindOf(err error) ErrorKind {
	var ce *ChatError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ""
}

// IsCancelled reports whether err represents a cancellation.
func IsCancelled(err error) bool {
	return KindOf(err) == ErrCancelled || errors.Is(err, context.Canceled)
}
