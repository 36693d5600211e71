// Package lanerr defines the error kinds the session layer uses to decide
// between retrying a failure and surfacing it to the UI collaborator.
package lanerr

import "fmt"

// Kind classifies a failure per the propagation policy: Transport errors are
// retried by the reconnect supervisor; everything else is session-fatal and
// reported as-is.
type Kind string

const (
	Transport    Kind = "transport"
	Protocol     Kind = "protocol"
	Pairing      Kind = "pairing"
	State        Kind = "state"
	Integrity    Kind = "integrity"
	Cancellation Kind = "cancellation"
)

// Error wraps an underlying cause with a Kind so callers can branch on it
// without string-matching error messages.
type Error struct {
	Kind   Kind
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, detail string, err error) *Error {
	return &Error{Kind: kind, Detail: detail, Err: err}
}

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	e, ok := err.(*Error)
	return ok && e.Kind == kind
}
