package coordinator

import "errors"

// Coordinator error types. Business errors go back to the requesting
// connection only, never into broadcasts.
var (
	ErrSessionClosed   = errors.New("session has been closed")
	ErrAlreadyClosed   = errors.New("session is already closed")
	ErrExecutorStopped = errors.New("coordinator is shutting down")
)
