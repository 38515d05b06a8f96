package exception

import "errors"

var (
	ErrBusClosed          = errors.New("bus: closed")
	ErrMailboxFull        = errors.New("bus: mailbox full")
	ErrUnknownDestination = errors.New("bus: unknown destination")
	ErrNoHandler          = errors.New("bus: no handler for message kind")
	ErrDuplicateHandler   = errors.New("bus: handler already registered")
	ErrNoReply            = errors.New("bus: handler returned no reply")
)
