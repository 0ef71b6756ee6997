package types

import "errors"

// Validation errors shared across components
var (
	ErrInvalidID            = errors.New("identifier must be 1-50 characters, alphanumeric + underscore/hyphen only")
	ErrInvalidStudentID     = errors.New("student ID must be 1-50 characters, alphanumeric + underscore/hyphen only")
	ErrInvalidStatus        = errors.New("status must be one of: present, absent, late")
	ErrInvalidDate          = errors.New("date must be in YYYY-MM-DD format")
	ErrInvalidTotalStudents = errors.New("total students must be >= 0")
)
