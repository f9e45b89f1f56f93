package signaling

import "errors"

var (
	ErrNoLocalRecipient = errors.New("no local member matches the addressed student")
	ErrUnhandledMessage = errors.New("message type not handled by signaling relay")
)
