package chat

import "errors"

var ErrUnhandledMessage = errors.New("message type not handled by chat policy")
