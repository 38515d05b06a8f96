package schema

import (
	"time"

	"github.com/google/uuid"

	"tradegate/internal/clock"
	"tradegate/pkg/exception"
)

// Kind discriminates the message variants.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindString
	KindCommand
	KindDocument
	KindEvent
	KindRequest
	KindResponse
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "String"
	case KindCommand:
		return "Command"
	case KindDocument:
		return "Document"
	case KindEvent:
		return "Event"
	case KindRequest:
		return "Request"
	case KindResponse:
		return "Response"
	default:
		return "Unknown"
	}
}

// Valid reports whether k is one of the known variants.
func (k Kind) Valid() bool {
	return k >= KindString && k <= KindResponse
}

// Status is the outcome carried by a Response.
type Status uint8

const (
	StatusNone Status = iota
	StatusAck
	StatusRejected
)

func (s Status) String() string {
	switch s {
	case StatusAck:
		return "ack"
	case StatusRejected:
		return "rejected"
	default:
		return "none"
	}
}

// Well known rejection reasons.
const (
	RejectThrottled       = "throttled"
	RejectUnknownType     = "unknown message type"
	RejectUnauthenticated = "unauthenticated"
	RejectUnavailable     = "destination unavailable"
	RejectInvalid         = "invalid message"
)

// Message is the envelope moved by the bus and the gateway. It is a value:
// once built it is never mutated, and each hop hands over a copy.
//
// Kind selects the variant; the remaining fields are meaningful per variant:
// Topic for events, CorrelationID/ClientID/SessionID for requests and
// commands crossing the gateway, Status/Reason for responses.
type Message struct {
	ID            uuid.UUID
	Timestamp     time.Time
	Kind          Kind
	Type          string
	Topic         string
	CorrelationID uint64
	ClientID      string
	SessionID     string
	Status        Status
	Reason        string
	Payload       []byte
}

// Validate checks the envelope invariants. Decoded messages are validated
// before they reach the bus.
func (m Message) Validate() error {
	if m.ID == uuid.Nil {
		return exception.NewValidationError("id", "is nil")
	}
	if m.Timestamp.IsZero() {
		return exception.NewValidationError("timestamp", "is zero")
	}
	if !m.Kind.Valid() {
		return exception.NewValidationError("kind", "is unknown")
	}
	if m.Type == "" {
		return exception.NewValidationError("type", "is empty")
	}
	switch m.Kind {
	case KindCommand, KindRequest, KindDocument, KindString:
		if len(m.Payload) == 0 {
			return exception.NewValidationError("payload", "is empty")
		}
	case KindEvent:
		if m.Topic == "" {
			return exception.NewValidationError("topic", "is empty")
		}
	case KindResponse:
		if m.Status == StatusNone {
			return exception.NewValidationError("status", "is unset")
		}
	}
	return nil
}

// IsAck reports whether m is an acknowledging response.
func (m Message) IsAck() bool {
	return m.Kind == KindResponse && m.Status == StatusAck
}

// IsRejected reports whether m is a rejecting response.
func (m Message) IsRejected() bool {
	return m.Kind == KindResponse && m.Status == StatusRejected
}

// Factory stamps new messages with an id and a wall-clock timestamp.
type Factory struct {
	ids  clock.IDGenerator
	wall clock.Wall
}

// NewFactory creates a Factory from the process collaborators.
func NewFactory(ids clock.IDGenerator, wall clock.Wall) Factory {
	return Factory{ids: ids, wall: wall}
}

func (f Factory) build(m Message) (Message, error) {
	m.ID = f.ids.NewID()
	m.Timestamp = f.wall.Now().UTC()
	if len(m.Payload) == 0 {
		m.Payload = nil
	} else {
		m.Payload = append([]byte(nil), m.Payload...)
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}

// Command builds a command addressed by type name.
func (f Factory) Command(typ string, payload []byte) (Message, error) {
	return f.build(Message{Kind: KindCommand, Type: typ, Payload: payload})
}

// Request builds a request expecting a correlated response.
func (f Factory) Request(typ string, payload []byte) (Message, error) {
	return f.build(Message{Kind: KindRequest, Type: typ, Payload: payload})
}

// Event builds an event published under topic. Events may be empty.
func (f Factory) Event(topic, typ string, payload []byte) (Message, error) {
	return f.build(Message{Kind: KindEvent, Topic: topic, Type: typ, Payload: payload})
}

// Document builds a document message.
func (f Factory) Document(typ string, payload []byte) (Message, error) {
	return f.build(Message{Kind: KindDocument, Type: typ, Payload: payload})
}

// String builds a plain text message.
func (f Factory) String(typ, text string) (Message, error) {
	return f.build(Message{Kind: KindString, Type: typ, Payload: []byte(text)})
}

// Ack answers req with an acknowledgement.
func (f Factory) Ack(req Message, payload []byte) (Message, error) {
	return f.respond(req, StatusAck, "", payload)
}

// Reject answers req with a rejection carrying reason.
func (f Factory) Reject(req Message, reason string) (Message, error) {
	if reason == "" {
		return Message{}, exception.NewValidationError("reason", "is empty")
	}
	return f.respond(req, StatusRejected, reason, nil)
}

func (f Factory) respond(req Message, status Status, reason string, payload []byte) (Message, error) {
	return f.build(Message{
		Kind:          KindResponse,
		Type:          req.Type,
		CorrelationID: req.CorrelationID,
		ClientID:      req.ClientID,
		SessionID:     req.SessionID,
		Status:        status,
		Reason:        reason,
		Payload:       payload,
	})
}
