package cluster

import "errors"

var (
	ErrOutboxFull     = errors.New("fanout outbox full")
	ErrAlreadyStarted = errors.New("bridge already started")
	ErrNotStarted     = errors.New("bridge not started")
)
