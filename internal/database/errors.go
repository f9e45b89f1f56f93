package database

import "errors"

var (
	ErrJournalClosed = errors.New("presence journal is closed")
	ErrWriteTimeout  = errors.New("journal write timed out")
)
