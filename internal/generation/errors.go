package generation

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/sony/gobreaker"
)

// Kind classifies a generation failure to decide between fallback and
// surfacing it to the caller.
type Kind int

const (
	KindUnknown Kind = iota
	KindRateLimit
	KindAuth
	KindTimeout
	KindContentBlocked
	KindModelUnavailable
	KindNetwork
)

func (k Kind) String() string {
	switch k {
	case KindRateLimit:
		return "rate_limit"
	case KindAuth:
		return "auth_error"
	case KindTimeout:
		return "timeout"
	case KindContentBlocked:
		return "content_blocked"
	case KindModelUnavailable:
		return "model_unavailable"
	case KindNetwork:
		return "network_error"
	default:
		return "unknown"
	}
}

// Retryable reports whether another provider may succeed where this failed.
// Content blocks are terminal: they are a property of the input.
func (k Kind) Retryable() bool {
	switch k {
	case KindRateLimit, KindTimeout, KindNetwork, KindModelUnavailable:
		return true
	}
	return false
}

// Description is a short user-facing explanation of the kind.
func (k Kind) Description() string {
	switch k {
	case KindRateLimit:
		return "rate limit reached, please wait a moment and try again"
	case KindAuth:
		return "API key error, please check your configuration"
	case KindTimeout:
		return "request timed out, please try again"
	case KindContentBlocked:
		return "content was blocked by safety filters"
	case KindModelUnavailable:
		return "model is unavailable"
	case KindNetwork:
		return "network error while contacting the provider"
	default:
		return "an unexpected error occurred"
	}
}

var (
	// ErrRetryExhausted marks a request for which every eligible provider failed.
	ErrRetryExhausted = errors.New("all providers failed")
	// ErrStreamInterrupted marks a failure after output was already yielded.
	ErrStreamInterrupted = errors.New("stream interrupted after partial output")
	// ErrNoProvider means no provider was available to try.
	ErrNoProvider = errors.New("no generation provider available")
)

// Error is a classified generation failure. Its message carries only the
// kind, provider and a short description; the cause is reachable through
// errors.Unwrap.
type Error struct {
	Kind     Kind
	Provider string
	Msg      string
	Err      error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = e.Kind.Description()
	}
	if e.Provider == "" {
		return fmt.Sprintf("generation %s: %s", e.Kind, msg)
	}
	return fmt.Sprintf("generation %s from %s: %s", e.Kind, e.Provider, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// KindForStatus maps an HTTP status code from a provider to a Kind.
func KindForStatus(code int) Kind {
	switch {
	case code == http.StatusTooManyRequests:
		return KindRateLimit
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return KindAuth
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		return KindTimeout
	case code == http.StatusUnavailableForLegalReasons:
		return KindContentBlocked
	case code == http.StatusNotFound || code >= 500:
		return KindModelUnavailable
	}
	return KindUnknown
}

// Classify maps any error to a Kind. It is a pure function of err.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return KindModelUnavailable
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindNetwork
	}
	return classifyMessage(err.Error())
}

func classifyMessage(raw string) Kind {
	msg := strings.ToLower(raw)
	has := func(subs ...string) bool {
		for _, s := range subs {
			if strings.Contains(msg, s) {
				return true
			}
		}
		return false
	}
	switch {
	case has("rate", "limit", "429"):
		return KindRateLimit
	case has("api_key", "api key", "invalid", "auth", "401"):
		return KindAuth
	case has("timeout", "timed out"):
		return KindTimeout
	case has("blocked", "safety", "filter"):
		return KindContentBlocked
	case has("model") && has("not found", "unavailable"):
		return KindModelUnavailable
	case has("network", "connect"):
		return KindNetwork
	}
	return KindUnknown
}
