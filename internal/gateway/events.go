package gateway

import (
	"github.com/fxamacker/cbor/v2"
)

// Bus topics the gateway publishes on.
const (
	TopicSession    = "gateway.session"
	TopicRejected   = "gateway.rejected"
	TopicConnection = "gateway.connection"
)

// Event types.
const (
	EventConnected    = "Connected"
	EventDisconnected = "Disconnected"
	EventRejected     = "Rejected"
)

// Control message types.
const (
	TypeLogin       = "Login"
	TypeSubscribe   = "Subscribe"
	TypeUnsubscribe = "Unsubscribe"
)

// Disconnect reasons carried in Disconnected events.
const (
	ReasonClosed   = "closed"
	ReasonExpired  = "expired"
	ReasonShutdown = "shutdown"
)

// loginPayload carries the issue time in unix nanoseconds. A missing time is
// invalid, the epoch is not.
type loginPayload struct {
	IssuedAt *int64 `cbor:"1,keyasint,omitempty"`
}

// StatusPayload is the body of Connected and Disconnected events.
type StatusPayload struct {
	ClientID  string `cbor:"1,keyasint"`
	SessionID string `cbor:"2,keyasint,omitempty"`
	Remote    string `cbor:"3,keyasint,omitempty"`
	Reason    string `cbor:"4,keyasint,omitempty"`
}

// DecodeStatus parses the payload of a Connected or Disconnected event.
func DecodeStatus(b []byte) (StatusPayload, error) {
	var p StatusPayload
	err := cbor.Unmarshal(b, &p)
	return p, err
}

func encodeStatus(p StatusPayload) []byte {
	b, _ := cbor.Marshal(p)
	return b
}
