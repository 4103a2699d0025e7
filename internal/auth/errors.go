package auth

import "errors"

var (
	ErrNotFound           = errors.New("auth: not found")
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrAccountInactive    = errors.New("auth: account inactive")
	ErrSessionExpired     = errors.New("auth: session expired")
	ErrSessionNotFound    = errors.New("auth: session not found")
	ErrInvalidInput       = errors.New("auth: invalid input")
)
