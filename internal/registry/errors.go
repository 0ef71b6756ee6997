package registry

import "errors"

// Session registry error types
var (
	ErrSessionNotFound        = errors.New("session not found")
	ErrDuplicateActiveSession = errors.New("an active session already exists for this class and date")
	ErrInvalidTotalStudents   = errors.New("total students must be >= 0")
)
