package execution

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradegate/internal/gateway"
	"tradegate/internal/schema"
	"tradegate/pkg/exception"
)

type fakeSubmitter struct {
	mu   sync.Mutex
	sent []schema.Message
	err  error
}

func (f *fakeSubmitter) Submit(_ context.Context, m schema.Message) (schema.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return schema.Message{}, f.err
	}
	f.sent = append(f.sent, m)
	return schema.Message{Kind: schema.KindResponse, Status: schema.StatusAck, CorrelationID: m.CorrelationID}, nil
}

func (f *fakeSubmitter) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeSubmitter) ids(t *testing.T) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.sent))
	for _, m := range f.sent {
		switch m.Type {
		case TypeNewOrder:
			n, err := DecodeNewOrder(m.Payload)
			require.NoError(t, err)
			out = append(out, "new:"+n.OrderID)
		case TypeCancelOrder:
			c, err := DecodeCancelOrder(m.Payload)
			require.NoError(t, err)
			out = append(out, "cancel:"+c.OrderID)
		}
	}
	return out
}

func (f *fixture) connection(t *testing.T, typ string) {
	t.Helper()
	ev, err := f.factory.Event(gateway.TopicConnection, typ, []byte{1})
	require.NoError(t, err)
	require.NoError(t, f.bus.Publish(t.Context(), ev, gateway.TopicConnection))
}

func TestServiceHoldsOrdersWhileDisconnected(t *testing.T) {
	f := newFixture(t)
	sub := &fakeSubmitter{}
	svc, err := NewService(f.env, f.bus, sub, ServiceOptions{})
	require.NoError(t, err)
	defer svc.Close()
	assert.True(t, svc.Suspended())

	for _, id := range []string{"o-1", "o-2", "o-3"} {
		require.NoError(t, f.bus.Send(t.Context(), f.newOrder(t, sampleOrder(id)), "execution"))
	}
	require.NoError(t, f.bus.Send(t.Context(), f.cancel(t, "o-2"), "execution"))
	require.Eventually(t, func() bool { return svc.Held() == 2 }, 5*time.Second, 5*time.Millisecond)
	assert.Empty(t, sub.ids(t))

	o, ok := svc.Book().Order("o-2")
	require.True(t, ok)
	assert.Equal(t, StateCanceled, o.State)

	f.connection(t, gateway.EventConnected)
	require.Eventually(t, func() bool { return svc.Held() == 0 && len(sub.ids(t)) == 2 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"new:o-1", "new:o-3"}, sub.ids(t))
	assert.False(t, svc.Suspended())

	o, _ = svc.Book().Order("o-1")
	assert.Equal(t, StateSent, o.State)

	require.NoError(t, f.bus.Send(t.Context(), f.newOrder(t, sampleOrder("o-4")), "execution"))
	require.Eventually(t, func() bool { return len(sub.ids(t)) == 3 }, 5*time.Second, 5*time.Millisecond)

	f.connection(t, gateway.EventDisconnected)
	require.Eventually(t, svc.Suspended, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, f.bus.Send(t.Context(), f.newOrder(t, sampleOrder("o-5")), "execution"))
	require.Eventually(t, func() bool { return svc.Held() == 1 }, 5*time.Second, 5*time.Millisecond)
}

func TestServiceRequeuesOnConnectionFailure(t *testing.T) {
	f := newFixture(t)
	sub := &fakeSubmitter{}
	svc, err := NewService(f.env, f.bus, sub, ServiceOptions{})
	require.NoError(t, err)
	defer svc.Close()

	f.connection(t, gateway.EventConnected)
	require.Eventually(t, func() bool { return !svc.Suspended() }, 5*time.Second, 5*time.Millisecond)

	sub.setErr(&exception.ConnectionError{Addr: "gw", Err: exception.ErrNotConnected})
	require.NoError(t, f.bus.Send(t.Context(), f.newOrder(t, sampleOrder("o-1")), "execution"))
	require.Eventually(t, func() bool { return svc.Held() == 1 }, 5*time.Second, 5*time.Millisecond)
	assert.True(t, svc.Suspended())

	sub.setErr(nil)
	f.connection(t, gateway.EventConnected)
	require.Eventually(t, func() bool { return len(sub.ids(t)) == 1 }, 5*time.Second, 5*time.Millisecond)
	assert.Zero(t, svc.Held())
}

func TestServiceMarksRejections(t *testing.T) {
	f := newFixture(t)
	sub := &fakeSubmitter{}
	svc, err := NewService(f.env, f.bus, sub, ServiceOptions{})
	require.NoError(t, err)
	defer svc.Close()
	f.connection(t, gateway.EventConnected)
	require.Eventually(t, func() bool { return !svc.Suspended() }, 5*time.Second, 5*time.Millisecond)

	sub.setErr(&exception.ThrottledError{Category: TypeNewOrder})
	require.NoError(t, f.bus.Send(t.Context(), f.newOrder(t, sampleOrder("o-1")), "execution"))
	require.Eventually(t, func() bool {
		o, ok := svc.Book().Order("o-1")
		return ok && o.State == StateRejected
	}, 5*time.Second, 5*time.Millisecond)
	assert.Zero(t, svc.Held())
}

func TestServiceFollowsVenueReports(t *testing.T) {
	f := newFixture(t)
	_, err := NewVenue(f.env, f.bus, VenueOptions{AutoFill: true})
	require.NoError(t, err)

	// forward straight to the venue instead of a gateway
	forward := submitFunc(func(ctx context.Context, m schema.Message) (schema.Message, error) {
		return schema.Message{}, f.bus.Send(ctx, m, "venue")
	})
	svc, err := NewService(f.env, f.bus, forward, ServiceOptions{Name: "exec"})
	require.NoError(t, err)
	defer svc.Close()
	f.connection(t, gateway.EventConnected)
	require.Eventually(t, func() bool { return !svc.Suspended() }, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, f.bus.Send(t.Context(), f.newOrder(t, sampleOrder("o-1")), "exec"))
	require.Eventually(t, func() bool {
		o, ok := svc.Book().Order("o-1")
		return ok && o.State == StateFilled
	}, 5*time.Second, 5*time.Millisecond)

	payload, err := OrderStatus{OrderID: "o-1"}.Encode()
	require.NoError(t, err)
	req, err := f.factory.Request(TypeOrderStatus, payload)
	require.NoError(t, err)
	resp, err := f.bus.Ask(t.Context(), req, "exec")
	require.NoError(t, err)
	require.True(t, resp.IsAck())
	r, err := DecodeReport(resp.Payload)
	require.NoError(t, err)
	assert.Equal(t, StateFilled, r.State)
	assert.True(t, r.LeavesQty.IsZero())
}

type submitFunc func(ctx context.Context, m schema.Message) (schema.Message, error)

func (f submitFunc) Submit(ctx context.Context, m schema.Message) (schema.Message, error) {
	return f(ctx, m)
}
