package types

import "errors"

// Decoding errors returned at the wire boundary. The hub drops the frame
// on any of these; none of them is ever sent back to the client.
var (
	ErrInvalidFrame = errors.New("frame is not a valid event envelope")
	ErrUnknownEvent = errors.New("unknown event")
	ErrMissingField = errors.New("required field missing")
	ErrInvalidRoom  = errors.New("invalid room reference")
)
