package schema

import (
	"testing"
	"time"

	bclock "github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradegate/internal/clock"
	"tradegate/pkg/exception"
)

type fixedIDs struct{ id uuid.UUID }

func (f fixedIDs) NewID() uuid.UUID { return f.id }

func newFactory(t *testing.T) Factory {
	t.Helper()
	mock := bclock.NewMock()
	mock.Set(time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC))
	return NewFactory(clock.NewIDGenerator(), clock.NewWall(mock))
}

func TestFactoryStampsIDAndTimestamp(t *testing.T) {
	f := newFactory(t)
	m, err := f.Command("NewOrder", []byte{1})
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, m.ID)
	assert.Equal(t, time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC), m.Timestamp)
	assert.Equal(t, KindCommand, m.Kind)
}

func TestFactoryCopiesPayload(t *testing.T) {
	f := newFactory(t)
	payload := []byte{1, 2, 3}
	m, err := f.Request("Status", payload)
	require.NoError(t, err)
	payload[0] = 9
	assert.Equal(t, []byte{1, 2, 3}, m.Payload)
}

func TestFactoryRejectsInvalidConstruction(t *testing.T) {
	f := newFactory(t)

	_, err := f.Command("NewOrder", nil)
	assert.ErrorIs(t, err, exception.ErrValidation)

	_, err = f.Command("", []byte{1})
	assert.ErrorIs(t, err, exception.ErrValidation)

	_, err = f.Event("", "Tick", nil)
	assert.ErrorIs(t, err, exception.ErrValidation)

	nilIDs := NewFactory(fixedIDs{id: uuid.Nil}, clock.NewWall(bclock.NewMock()))
	_, err = nilIDs.Command("NewOrder", []byte{1})
	var verr *exception.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "id", verr.Field)
}

func TestResponsesCarryCorrelation(t *testing.T) {
	f := newFactory(t)
	req, err := f.Command("NewOrder", []byte{1})
	require.NoError(t, err)
	req.CorrelationID = 42
	req.ClientID = "strategy-1"

	ack, err := f.Ack(req, nil)
	require.NoError(t, err)
	assert.True(t, ack.IsAck())
	assert.Equal(t, uint64(42), ack.CorrelationID)
	assert.Equal(t, "strategy-1", ack.ClientID)

	rej, err := f.Reject(req, RejectThrottled)
	require.NoError(t, err)
	assert.True(t, rej.IsRejected())
	assert.Equal(t, "throttled", rej.Reason)

	_, err = f.Reject(req, "")
	assert.ErrorIs(t, err, exception.ErrValidation)
}

func TestValidateRejectsDefaults(t *testing.T) {
	assert.ErrorIs(t, Message{}.Validate(), exception.ErrValidation)
	assert.ErrorIs(t, Message{ID: uuid.New(), Kind: KindEvent, Type: "x", Topic: "t"}.Validate(), exception.ErrValidation)
}

func TestNetworkAddress(t *testing.T) {
	a, err := NewNetworkAddress("127.0.0.1", 5555)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:5555", a.String())
	assert.Equal(t, "tcp", a.Network())

	_, err = NewNetworkAddress("127.0.0.1", 65536)
	assert.ErrorIs(t, err, exception.ErrValidation)
	_, err = NewNetworkAddress("127.0.0.1", -1)
	assert.ErrorIs(t, err, exception.ErrValidation)

	u, err := NewNetworkAddress("unix:/tmp/gw.sock", 0)
	require.NoError(t, err)
	assert.True(t, u.IsUnix())
	assert.Equal(t, "/tmp/gw.sock", u.String())
	assert.Equal(t, "unix", u.Network())
}
