package exception

import "errors"

var (
	ErrConnectionClose = errors.New("connection closed")
	ErrNotConnected    = errors.New("not connected")
	ErrServerClosed    = errors.New("server closed")
	ErrAlreadyServing  = errors.New("server already serving")
)

// Transport errors
var (
	// ErrEmptyPath is returned when a unix socket path is empty.
	ErrEmptyPath = errors.New("transport: empty path")

	// ErrPathNotSocket is returned when the existing path is not a socket.
	ErrPathNotSocket = errors.New("transport: path exists and is not a socket")
)
