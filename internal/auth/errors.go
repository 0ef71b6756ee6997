package auth

import "errors"

var (
	ErrUnexpectedSigningMethod = errors.New("unexpected signing method")
	ErrInvalidToken            = errors.New("invalid token")
	ErrIssuerMismatch          = errors.New("issuer mismatch")
	ErrIncompleteClaims        = errors.New("token missing subject or workspace")
)
