package wire

import (
	"encoding/binary"
	"io"

	"github.com/yanun0323/errors"

	"tradegate/pkg/exception"
)

// FrameType is the first byte of every frame.
type FrameType uint8

const (
	FrameRequest FrameType = iota + 1
	FrameResponse
	FrameEvent
	FrameHeartbeat
	FrameSubscribe
	FrameUnsubscribe
)

func (t FrameType) String() string {
	switch t {
	case FrameRequest:
		return "request"
	case FrameResponse:
		return "response"
	case FrameEvent:
		return "event"
	case FrameHeartbeat:
		return "heartbeat"
	case FrameSubscribe:
		return "subscribe"
	case FrameUnsubscribe:
		return "unsubscribe"
	default:
		return "unknown"
	}
}

func (t FrameType) Valid() bool {
	return t >= FrameRequest && t <= FrameUnsubscribe
}

const (
	frameHeaderSize = 5

	// DefaultMaxFrameSize bounds the payload of one frame.
	DefaultMaxFrameSize = 4 << 20
)

// WriteFrame writes [type:1][len:4 big endian][payload] to w.
func WriteFrame(w io.Writer, t FrameType, payload []byte) error {
	if len(payload) > DefaultMaxFrameSize {
		return frameError(exception.DirectionEncode, len(payload), errors.New("frame too large"))
	}
	buf := make([]byte, frameHeaderSize+len(payload))
	buf[0] = byte(t)
	binary.BigEndian.PutUint32(buf[1:frameHeaderSize], uint32(len(payload)))
	copy(buf[frameHeaderSize:], payload)
	_, err := w.Write(buf)
	return err
}

// ReadFrame reads one frame from r. Payloads above max are rejected with a
// CodecError and skipped; max <= 0 uses DefaultMaxFrameSize.
//
// I/O errors are returned unchanged so the caller can tell a broken
// connection from a bad frame.
func ReadFrame(r io.Reader, max int) (FrameType, []byte, error) {
	if max <= 0 {
		max = DefaultMaxFrameSize
	}
	var hdr [frameHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}
	t := FrameType(hdr[0])
	n := binary.BigEndian.Uint32(hdr[1:])
	if uint64(n) > uint64(max) {
		// skip the payload so the stream stays aligned on the next frame
		if _, err := io.CopyN(io.Discard, r, int64(n)); err != nil {
			return t, nil, err
		}
		return t, nil, frameError(exception.DirectionDecode, int(n), errors.Errorf("frame size %d exceeds limit %d", n, max))
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return t, nil, err
	}
	if !t.Valid() {
		return t, nil, frameError(exception.DirectionDecode, int(n), errors.Errorf("unknown frame type %d", hdr[0]))
	}
	return t, payload, nil
}

func frameError(direction string, size int, err error) error {
	return &exception.CodecError{Stage: exception.StageFrame, Direction: direction, Size: size, Err: err}
}
