package websocket

import "errors"

var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrQueueFull        = errors.New("connection send queue is full")
	ErrInvalidJSON      = errors.New("invalid JSON data")
)
