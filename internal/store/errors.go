package store

import "errors"

var (
	ErrDepartmentNotFound = errors.New("department not found")
	ErrDivisionNotFound   = errors.New("division not found")
	ErrTokenNotFound      = errors.New("token not found")
	ErrInvalidTransition  = errors.New("invalid token transition")
	ErrServingOccupied    = errors.New("division already serving a token")
	ErrAccessDenied       = errors.New("access denied")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrSessionNotFound    = errors.New("session not found")
	ErrRequestConflict    = errors.New("request id already used for another selection")
)
