package auth

import "errors"

var (
	ErrNotFound           = errors.New("auth: not found")
	ErrAlreadyExists      = errors.New("auth: already exists")
	ErrInvalidInput       = errors.New("auth: invalid input")
	ErrInvalidToken       = errors.New("auth: invalid token")
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrCodeConsumed       = errors.New("auth: code already consumed")
	ErrForbidden          = errors.New("auth: forbidden")
)
