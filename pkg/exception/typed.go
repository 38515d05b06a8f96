package exception

import (
	"fmt"
	"time"
)

// ValidationError reports malformed construction input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// NewValidationError builds a ValidationError for field.
func NewValidationError(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// ThrottledError reports an exhausted rate-limit bucket.
type ThrottledError struct {
	Category string
}

func (e *ThrottledError) Error() string {
	return "throttled: " + e.Category
}

func (e *ThrottledError) Unwrap() error { return ErrThrottled }

// Codec stages.
const (
	StageSerialize = "serialize"
	StageCompress  = "compress"
	StageEncrypt   = "encrypt"
	StageFrame     = "frame"
)

// Codec directions.
const (
	DirectionEncode = "encode"
	DirectionDecode = "decode"
)

// CodecError reports a failure inside the wire pipeline. The offending frame
// is dropped; the connection stays up.
type CodecError struct {
	Stage     string
	Direction string
	Type      string
	Size      int
	Err       error
}

func (e *CodecError) Error() string {
	msg := fmt.Sprintf("codec: %s %s failed (type=%q size=%d)", e.Direction, e.Stage, e.Type, e.Size)
	if e.Err != nil {
		msg += ", err: " + e.Err.Error()
	}
	return msg
}

func (e *CodecError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrCodec}
	}
	return []error{ErrCodec, e.Err}
}

// TimeoutError reports a request that received no response before its deadline.
type TimeoutError struct {
	CorrelationID uint64
	After         time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout: no response for correlation id %d after %s", e.CorrelationID, e.After)
}

func (e *TimeoutError) Unwrap() error { return ErrTimeout }

// ConnectionError reports a transport-level failure.
type ConnectionError struct {
	Addr string
	Err  error
}

func (e *ConnectionError) Error() string {
	if e.Err == nil {
		return "connection: " + e.Addr
	}
	return "connection: " + e.Addr + ", err: " + e.Err.Error()
}

func (e *ConnectionError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrConnection}
	}
	return []error{ErrConnection, e.Err}
}
