package router

import "errors"

var (
	ErrIncompleteJoin    = errors.New("join requires room kind, room key, role and user id")
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	ErrUnknownFanoutOp   = errors.New("unknown fanout operation")
)
