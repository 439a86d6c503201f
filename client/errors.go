package client

import (
	"errors"
	"fmt"
)

var (
	// ErrBadRequest is returned when the service rejects the shape of a
	// request: malformed input, a cover blob outside the collection, the
	// wrong content type on a control request, or an auth key presented on
	// a mutating path.
	ErrBadRequest = errors.New("bad request")

	// ErrForbidden is returned when the acting identity is recognised but
	// not permitted, including a session token the service has expired.
	ErrForbidden = errors.New("forbidden")

	// ErrNotFound is returned when the resource is absent.
	ErrNotFound = errors.New("not found")

	// ErrAnonymous is returned locally, before any request is sent, when an
	// operation needs an acting identity and neither an explicit owner nor a
	// logged-in user is available.
	ErrAnonymous = errors.New("not logged in")
)

// Error is a classified failure of one service operation. Status is the raw
// HTTP status; Kind is one of the sentinel errors above, or nil when the
// status falls outside the taxonomy. Callers match with errors.Is against
// the sentinels, never against raw status codes.
type Error struct {
	Op       string
	Resource string
	Status   int
	Kind     error
}

func (e *Error) Error() string {
	if e.Kind != nil {
		return fmt.Sprintf("%s %q: %v (status %d)", e.Op, e.Resource, e.Kind, e.Status)
	}
	return fmt.Sprintf("%s %q: server returned status %d", e.Op, e.Resource, e.Status)
}

func (e *Error) Unwrap() error {
	return e.Kind
}

// classify maps an HTTP status onto a sentinel error kind. Statuses outside
// the fixed mapping yield nil; statusError still records them.
func classify(status int) error {
	switch status {
	case 400:
		return ErrBadRequest
	case 403:
		return ErrForbidden
	case 404:
		return ErrNotFound
	default:
		return nil
	}
}

// statusError is the single funnel every operation routes a non-success
// status through.
func statusError(op, resource string, status int) error {
	return &Error{
		Op:       op,
		Resource: resource,
		Status:   status,
		Kind:     classify(status),
	}
}

// transportError wraps a failure that never produced an HTTP status, such as
// a refused connection or an expired context. It is deliberately not an
// *Error so that it can never satisfy errors.Is against the HTTP sentinels.
func transportError(op, resource string, err error) error {
	return fmt.Errorf("%s %q: transport: %w", op, resource, err)
}
