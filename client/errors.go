package client

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when the server has no live document at the path.
	ErrNotFound = errors.New("client: document not found")

	// ErrPermissionDenied is returned when the server's rules engine denied
	// the operation. Never retried.
	ErrPermissionDenied = errors.New("client: permission denied")

	// ErrConflict is returned when an expected version did not match the
	// authoritative version at commit time.
	ErrConflict = errors.New("client: version conflict")

	// ErrTransactionConflict is returned when a transaction exhausted its
	// retry budget without committing.
	ErrTransactionConflict = errors.New("client: transaction conflict, retries exhausted")

	// ErrOffline is returned when the server was unreachable and no cached
	// state could serve the call.
	ErrOffline = errors.New("client: server unreachable")
)

// apiError carries the server's error body alongside the mapped sentinel.
type apiError struct {
	status  int
	message string
	kind    error
}

func (e *apiError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.status, e.message)
}

func (e *apiError) Unwrap() error { return e.kind }

// netError wraps a transport failure so callers can distinguish "server said
// no" from "server never answered".
type netError struct {
	err error
}

func (e *netError) Error() string { return "client: request failed: " + e.err.Error() }

func (e *netError) Unwrap() error { return ErrOffline }

func isOffline(err error) bool { return errors.Is(err, ErrOffline) }
