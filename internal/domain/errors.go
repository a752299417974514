package domain

import "errors"

// ErrorKind classifies failures crossing the orchestrator's API boundary.
type ErrorKind string

const (
	KindNotFound     ErrorKind = "not_found"
	KindUnreachable  ErrorKind = "unreachable"
	KindRateLimited  ErrorKind = "rate_limited"
	KindInvalidInput ErrorKind = "invalid_input"
	KindUnauthorized ErrorKind = "unauthorized"
	KindInternal     ErrorKind = "internal"
)

// Error is a typed failure with a caller-safe message. Internal detail
// stays out of the message; callers map Kind to a transport status.
type Error struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e *Error) Error() string {
	return string(e.Kind) + ": " + e.Message
}

// E builds a typed error.
func E(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// KindOf extracts the kind from an error chain, defaulting to internal.
func KindOf(err error) ErrorKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}
