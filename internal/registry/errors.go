package registry

import "errors"

var (
	ErrNilPeer       = errors.New("peer cannot be nil")
	ErrUnknownConn   = errors.New("unknown connection")
	ErrEmptyIdentity = errors.New("role and user id must be non-empty")
)
