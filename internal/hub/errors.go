package hub

import "errors"

var (
	ErrHubAlreadyRunning = errors.New("hub is already running")
	ErrHubNotRunning     = errors.New("hub is not running")
	ErrUnknownSender     = errors.New("sender not connected")
	ErrNoHandler         = errors.New("no handler registered for event")
	ErrDuplicateHandler  = errors.New("event already has a handler")
)
