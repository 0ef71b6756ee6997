package store

import "errors"

// Store error types
var (
	ErrStoreClosed      = errors.New("attendance store is closed")
	ErrWriteTimeout     = errors.New("store write operation timed out")
	ErrNotFound         = errors.New("no finalized session for class and date")
	ErrSessionNotClosed = errors.New("only closed sessions can be persisted")
)
