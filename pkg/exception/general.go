package exception

import "errors"

// General errors
var (
	ErrNilInstance         = errors.New("nil instance")
	ErrArgumentUnsupported = errors.New("argument unsupported")
)

// Taxonomy roots. Typed errors below unwrap to one of these.
var (
	ErrValidation = errors.New("validation failed")
	ErrThrottled  = errors.New("throttled")
	ErrCodec      = errors.New("codec failure")
	ErrTimeout    = errors.New("request timed out")
	ErrConnection = errors.New("connection failure")
	ErrRejected   = errors.New("rejected")
)
