// Package retry implements the attempt budget, failure classification and
// account rotation used by the session-based web client.
package retry

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"neurochat/pkg/chattypes"
)

// Class is the retry-relevant category of a failure.
type Class int

// Failure classes.
const (
	Other Class = iota
	Auth
	NetworkGlitch
	Cancelled
)

func (c Class) String() string {
	switch c {
	case Auth:
		return "auth"
	case NetworkGlitch:
		return "network_glitch"
	case Cancelled:
		return "cancelled"
	default:
		return "other"
	}
}

// Retryable reports whether the class may be retried.
func (c Class) Retryable() bool {
	return c == Auth || c == NetworkGlitch
}

var authPatterns = []string{
	"not logged in",
	"unauthorized",
	"forbidden",
	"http 401",
	"http 403",
	"status 401",
	"status 403",
}

var glitchPatterns = []string{
	"no valid response found",
	"connection reset",
	"connection refused",
	"broken pipe",
	"unexpected eof",
	"no such host",
	"timeout",
	"timed out",
	"network is unreachable",
	"too many requests",
	"http 429",
	"status 429",
}

// Classify maps err onto a Class. Typed errors are inspected first; anything
// else falls back to matching well-known substrings of the message.
func Classify(err error) Class {
	if err == nil {
		return Other
	}
	if chattypes.IsCancelled(err) {
		return Cancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NetworkGlitch
	}

	var ce *chattypes.ChatError
	if errors.As(err, &ce) {
		switch ce.Kind {
		case chattypes.ErrAuth:
			return Auth
		case chattypes.ErrNetworkGlitch:
			return NetworkGlitch
		case chattypes.ErrConfiguration, chattypes.ErrStorage:
			return Other
		}
		switch ce.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return Auth
		case http.StatusTooManyRequests:
			return NetworkGlitch
		}
	}

	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return NetworkGlitch
	}

	msg := strings.ToLower(err.Error())
	for _, p := range authPatterns {
		if strings.Contains(msg, p) {
			return Auth
		}
	}
	for _, p := range glitchPatterns {
		if strings.Contains(msg, p) {
			return NetworkGlitch
		}
	}
	return Other
}
