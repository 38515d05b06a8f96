package wire

import (
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/yanun0323/errors"

	"tradegate/internal/schema"
)

// Serializer turns messages into bytes and back.
type Serializer interface {
	Name() string
	Marshal(m schema.Message) ([]byte, error)
	Unmarshal(b []byte) (schema.Message, error)
}

// wireMessage is the on-wire layout. Integer keys keep frames small; the
// timestamp travels as Unix nanoseconds so no precision is lost. A nil
// timestamp means the message had none; the epoch itself is a valid value.
type wireMessage struct {
	ID            []byte `cbor:"1,keyasint"`
	Timestamp     *int64 `cbor:"2,keyasint,omitempty"`
	Kind          uint8  `cbor:"3,keyasint"`
	Type          string `cbor:"4,keyasint"`
	Topic         string `cbor:"5,keyasint,omitempty"`
	CorrelationID uint64 `cbor:"6,keyasint,omitempty"`
	ClientID      string `cbor:"7,keyasint,omitempty"`
	SessionID     string `cbor:"8,keyasint,omitempty"`
	Status        uint8  `cbor:"9,keyasint,omitempty"`
	Reason        string `cbor:"10,keyasint,omitempty"`
	Payload       []byte `cbor:"11,keyasint,omitempty"`
}

type cborSerializer struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

// NewCBORSerializer returns the canonical serializer: core deterministic CBOR,
// so one logical message always yields the same bytes.
func NewCBORSerializer() (Serializer, error) {
	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		return nil, errors.Wrap(err, "cbor enc mode")
	}
	dec, err := cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyEnforcedAPF,
		IndefLength: cbor.IndefLengthForbidden,
	}.DecMode()
	if err != nil {
		return nil, errors.Wrap(err, "cbor dec mode")
	}
	return &cborSerializer{enc: enc, dec: dec}, nil
}

func (s *cborSerializer) Name() string { return "cbor" }

func (s *cborSerializer) Marshal(m schema.Message) ([]byte, error) {
	w := wireMessage{
		ID:            m.ID[:],
		Kind:          uint8(m.Kind),
		Type:          m.Type,
		Topic:         m.Topic,
		CorrelationID: m.CorrelationID,
		ClientID:      m.ClientID,
		SessionID:     m.SessionID,
		Status:        uint8(m.Status),
		Reason:        m.Reason,
		Payload:       m.Payload,
	}
	if !m.Timestamp.IsZero() {
		ts := m.Timestamp.UnixNano()
		w.Timestamp = &ts
	}
	return s.enc.Marshal(w)
}

func (s *cborSerializer) Unmarshal(b []byte) (schema.Message, error) {
	var w wireMessage
	if err := s.dec.Unmarshal(b, &w); err != nil {
		return schema.Message{}, err
	}
	id, err := uuid.FromBytes(w.ID)
	if err != nil {
		return schema.Message{}, errors.Wrap(err, "message id")
	}
	m := schema.Message{
		ID:            id,
		Kind:          schema.Kind(w.Kind),
		Type:          w.Type,
		Topic:         w.Topic,
		CorrelationID: w.CorrelationID,
		ClientID:      w.ClientID,
		SessionID:     w.SessionID,
		Status:        schema.Status(w.Status),
		Reason:        w.Reason,
	}
	if w.Timestamp != nil {
		m.Timestamp = time.Unix(0, *w.Timestamp).UTC()
	}
	if len(w.Payload) > 0 {
		m.Payload = w.Payload
	}
	return m, nil
}
