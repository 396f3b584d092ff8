package provider

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jbelanger/exitbook-sub013/internal/apperr"
	"github.com/jbelanger/exitbook-sub013/internal/httpx"
)

// Error is a classified failure of one provider operation. Retriable drives
// the manager's failover decision: retriable errors advance to the next
// provider, non-retriable ones fail the operation immediately.
type Error struct {
	Provider   string
	Operation  Operation
	Kind       apperr.Kind
	Retriable  bool
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	return fmt.Sprintf("provider %s %s [%s]: %v", e.Provider, e.Operation, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func errUnsupported(provider, method string) *Error {
	return &Error{
		Provider:  provider,
		Kind:      apperr.InvalidArgs,
		Retriable: false,
		Err:       fmt.Errorf("%s not supported", method),
	}
}

// Classify wraps an arbitrary failure from a provider call into a provider
// Error, deriving kind and retriability from the HTTP effect layer's
// classification when present.
func Classify(providerName string, op Operation, err error) *Error {
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}

	out := &Error{Provider: providerName, Operation: op, Err: err}

	var he *httpx.Error
	if errors.As(err, &he) {
		out.StatusCode = he.Status
		switch he.Class {
		case httpx.ClassRateLimit:
			out.Kind = apperr.RateLimited
			out.Retriable = true
		case httpx.ClassTimeout:
			out.Kind = apperr.Timeout
			out.Retriable = true
		case httpx.ClassServer:
			out.Kind = apperr.Network
			out.Retriable = true
		case httpx.ClassClient:
			switch he.Status {
			case 401, 403:
				out.Kind = apperr.Auth
			case 404:
				out.Kind = apperr.NotFound
			default:
				out.Kind = apperr.Validation
			}
			out.Retriable = false
		default:
			out.Kind = apperr.Network
			out.Retriable = true
		}
		return out
	}

	switch apperr.KindOf(err) {
	case apperr.Cancelled:
		out.Kind = apperr.Cancelled
		out.Retriable = false
	case apperr.Timeout:
		out.Kind = apperr.Timeout
		out.Retriable = true
	case apperr.RateLimited:
		out.Kind = apperr.RateLimited
		out.Retriable = true
	case apperr.Network:
		out.Kind = apperr.Network
		out.Retriable = true
	case apperr.Auth:
		out.Kind = apperr.Auth
		out.Retriable = false
	case apperr.NotFound:
		out.Kind = apperr.NotFound
		out.Retriable = false
	case apperr.Validation:
		// non-fatal parse failures advance to the next provider
		out.Kind = apperr.Validation
		out.Retriable = true
	default:
		out.Kind = apperr.Internal
		out.Retriable = true
	}
	return out
}

// AllFailedError aggregates the per-provider failures of one operation after
// every candidate was exhausted.
type AllFailedError struct {
	Chain     string
	Operation Operation
	Attempts  []*Error
}

func (e *AllFailedError) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s: %v", a.Provider, a.Err))
	}
	return fmt.Sprintf("all providers failed for %s %s: %s", e.Chain, e.Operation, strings.Join(parts, "; "))
}
