package session

import "errors"

var (
	ErrNotFound       = errors.New("session not found")
	ErrAlreadyRunning = errors.New("session already running")
	ErrUnsupported    = errors.New("operation not supported for session")
	ErrInternal       = errors.New("internal session error")
)
