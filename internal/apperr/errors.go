// Package apperr defines the error taxonomy shared by every component.
// Errors carry a Kind; the CLI maps kinds to stable exit codes and envelope
// error codes. Wrapping preserves the cause chain for errors.Is/As.
package apperr

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies an error for retry decisions and exit codes.
type Kind int

const (
	Internal Kind = iota
	InvalidArgs
	NotFound
	Network
	Timeout
	RateLimited
	Auth
	Validation
	Database
	ProviderUnavailable
	ConflictingState
	Cancelled
	Config
	Permission
)

var kindNames = map[Kind]string{
	Internal:            "INTERNAL",
	InvalidArgs:         "INVALID_ARGS",
	NotFound:            "NOT_FOUND",
	Network:             "NETWORK",
	Timeout:             "TIMEOUT",
	RateLimited:         "RATE_LIMITED",
	Auth:                "AUTH",
	Validation:          "VALIDATION",
	Database:            "DATABASE",
	ProviderUnavailable: "PROVIDER_UNAVAILABLE",
	ConflictingState:    "CONFLICTING_STATE",
	Cancelled:           "CANCELLED",
	Config:              "CONFIG",
	Permission:          "PERMISSION",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "INTERNAL"
}

// ExitCode maps a kind to the CLI's stable exit code.
func (k Kind) ExitCode() int {
	switch k {
	case InvalidArgs:
		return 2
	case Auth:
		return 3
	case NotFound:
		return 4
	case RateLimited:
		return 5
	case Network, ProviderUnavailable:
		return 6
	case Database:
		return 7
	case Validation:
		return 8
	case Cancelled:
		return 9
	case Timeout:
		return 10
	case Config:
		return 11
	case Permission:
		return 13
	default:
		return 1
	}
}

// Error is a kind-classified error with an optional wrapped cause and an
// optional user-facing hint ("try: exitbook prices view --missing-only").
type Error struct {
	Kind Kind
	Msg  string
	Hint string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		if e.Msg != "" {
			return e.Msg + ": " + e.Err.Error()
		}
		return e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a leaf error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf builds a leaf error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error, keeping it on the chain.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// WithHint attaches a suggested next action shown to the user.
func (e *Error) WithHint(hint string) *Error {
	e.Hint = hint
	return e
}

// KindOf extracts the kind from anywhere on the chain. Context errors map to
// Cancelled/Timeout; unclassified errors are Internal.
func KindOf(err error) Kind {
	if err == nil {
		return Internal
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	if errors.Is(err, context.Canceled) {
		return Cancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout
	}
	return Internal
}

// HintOf returns the first hint found on the chain, or "".
func HintOf(err error) string {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Hint
	}
	return ""
}

// IsKind reports whether any error on the chain carries the given kind.
func IsKind(err error, kind Kind) bool {
	for e := err; e != nil; e = errors.Unwrap(e) {
		if ae, ok := e.(*Error); ok && ae.Kind == kind {
			return true
		}
	}
	switch kind {
	case Cancelled:
		return errors.Is(err, context.Canceled)
	case Timeout:
		return errors.Is(err, context.DeadlineExceeded)
	}
	return false
}
