package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	bclock "github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradegate/internal/env"
	"tradegate/internal/journal"
	"tradegate/internal/schema"
	"tradegate/pkg/exception"
)

func newTestBus(t *testing.T, opt Options) (*Bus, schema.Factory) {
	t.Helper()
	e := env.NewTest(bclock.New())
	b := New(e, opt)
	t.Cleanup(func() { _ = b.Close() })
	return b, schema.NewFactory(e.IDs, e.Wall)
}

func command(t *testing.T, f schema.Factory, payload string) schema.Message {
	t.Helper()
	m, err := f.Command("NewOrder", []byte(payload))
	require.NoError(t, err)
	return m
}

func TestSendPreservesOrderPerDestination(t *testing.T) {
	b, f := newTestBus(t, Options{Workers: 4, MailboxSize: 8})

	var (
		mu       sync.Mutex
		got      []string
		inflight atomic.Int32
		overlap  atomic.Bool
	)
	done := make(chan struct{})
	const total = 200
	require.NoError(t, b.Register("execution", schema.KindCommand, func(_ context.Context, m schema.Message) error {
		if inflight.Add(1) > 1 {
			overlap.Store(true)
		}
		defer inflight.Add(-1)

		mu.Lock()
		got = append(got, string(m.Payload))
		n := len(got)
		mu.Unlock()
		if n == total {
			close(done)
		}
		return nil
	}))

	for i := 0; i < total; i++ {
		require.NoError(t, b.Send(t.Context(), command(t, f, fmt.Sprint(i)), "execution"))
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("messages not delivered")
	}
	for i, p := range got {
		assert.Equal(t, fmt.Sprint(i), p)
	}
	assert.False(t, overlap.Load(), "two messages of one mailbox ran concurrently")
}

func TestFailingHandlerDoesNotHaltMailbox(t *testing.T) {
	b, f := newTestBus(t, Options{Workers: 2})

	var handled atomic.Int32
	done := make(chan struct{})
	require.NoError(t, b.Register("risk", schema.KindCommand, func(_ context.Context, m schema.Message) error {
		n := handled.Add(1)
		switch string(m.Payload) {
		case "error":
			return errors.New("rejected by risk")
		case "panic":
			panic("risk exploded")
		}
		if n == 3 {
			close(done)
		}
		return nil
	}))

	for _, p := range []string{"error", "panic", "ok"} {
		require.NoError(t, b.Send(t.Context(), command(t, f, p), "risk"))
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("mailbox halted after failure")
	}
}

func TestSendToUnknownDestination(t *testing.T) {
	b, f := newTestBus(t, Options{})

	err := b.Send(t.Context(), command(t, f, "x"), "nowhere")
	assert.ErrorIs(t, err, exception.ErrUnknownDestination)

	require.NoError(t, b.Register("data", schema.KindEvent, func(context.Context, schema.Message) error { return nil }))
	err = b.Send(t.Context(), command(t, f, "x"), "data")
	assert.ErrorIs(t, err, exception.ErrNoHandler)
}

func TestDuplicateRegistration(t *testing.T) {
	b, _ := newTestBus(t, Options{})
	h := func(context.Context, schema.Message) error { return nil }

	require.NoError(t, b.Register("execution", schema.KindCommand, h))
	assert.ErrorIs(t, b.Register("execution", schema.KindCommand, h), exception.ErrDuplicateHandler)
	assert.Equal(t, []string{"execution"}, b.Components())
	assert.True(t, b.Accepts("execution", schema.KindCommand))
	assert.False(t, b.Accepts("execution", schema.KindRequest))
}

// blockingHandler parks the worker until release is closed so the mailbox
// behind it fills up.
func blockingHandler(started chan<- struct{}, release <-chan struct{}) Handler {
	var once sync.Once
	return func(context.Context, schema.Message) error {
		once.Do(func() { close(started) })
		<-release
		return nil
	}
}

func TestDropNewestOverflow(t *testing.T) {
	dead := &journal.Memory{}
	b, f := newTestBus(t, Options{Workers: 1, MailboxSize: 1, Overflow: OverflowDropNewest, DeadLetters: dead})

	started, release := make(chan struct{}), make(chan struct{})
	require.NoError(t, b.Register("slow", schema.KindCommand, blockingHandler(started, release)))

	require.NoError(t, b.Send(t.Context(), command(t, f, "1"), "slow"))
	<-started
	require.NoError(t, b.Send(t.Context(), command(t, f, "2"), "slow"))

	err := b.Send(t.Context(), command(t, f, "3"), "slow")
	assert.ErrorIs(t, err, exception.ErrMailboxFull)
	assert.True(t, IsDrop(err))
	close(release)

	entries := dead.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "slow", entries[0].Destination)
	assert.Equal(t, "NewOrder", entries[0].Type)
	assert.Equal(t, "bus", entries[0].Stage)
}

func TestBlockingOverflowTimesOut(t *testing.T) {
	b, f := newTestBus(t, Options{Workers: 1, MailboxSize: 1, SendTimeout: 50 * time.Millisecond})

	started, release := make(chan struct{}), make(chan struct{})
	require.NoError(t, b.Register("slow", schema.KindCommand, blockingHandler(started, release)))

	require.NoError(t, b.Send(t.Context(), command(t, f, "1"), "slow"))
	<-started
	require.NoError(t, b.Send(t.Context(), command(t, f, "2"), "slow"))

	begin := time.Now()
	err := b.Send(t.Context(), command(t, f, "3"), "slow")
	assert.ErrorIs(t, err, exception.ErrMailboxFull)
	assert.GreaterOrEqual(t, time.Since(begin), 50*time.Millisecond)

	// room frees up once the worker moves on
	go func() {
		time.Sleep(20 * time.Millisecond)
		close(release)
	}()
	require.NoError(t, b.Send(t.Context(), command(t, f, "4"), "slow"))
}

func TestAsk(t *testing.T) {
	b, f := newTestBus(t, Options{})

	require.NoError(t, b.Respond("execution", func(_ context.Context, req schema.Message) (schema.Message, error) {
		if string(req.Payload) == "missing" {
			return f.Reject(req, "order not found")
		}
		return f.Ack(req, []byte("filled"))
	}))

	req, err := f.Request("OrderStatus", []byte("o-1"))
	require.NoError(t, err)
	req.CorrelationID = 9

	resp, err := b.Ask(t.Context(), req, "execution")
	require.NoError(t, err)
	assert.True(t, resp.IsAck())
	assert.Equal(t, uint64(9), resp.CorrelationID)
	assert.Equal(t, []byte("filled"), resp.Payload)

	req, err = f.Request("OrderStatus", []byte("missing"))
	require.NoError(t, err)
	resp, err = b.Ask(t.Context(), req, "execution")
	require.NoError(t, err)
	assert.True(t, resp.IsRejected())
	assert.Equal(t, "order not found", resp.Reason)
}

func TestAskWithoutResponder(t *testing.T) {
	b, f := newTestBus(t, Options{})
	require.NoError(t, b.Register("execution", schema.KindCommand, func(context.Context, schema.Message) error { return nil }))

	req, err := f.Request("OrderStatus", []byte("o-1"))
	require.NoError(t, err)
	_, err = b.Ask(t.Context(), req, "execution")
	assert.ErrorIs(t, err, exception.ErrNoHandler)
}

func TestPublishFansOutByPattern(t *testing.T) {
	b, f := newTestBus(t, Options{})

	type hit struct{ sub, topic string }
	hits := make(chan hit, 16)
	sub := func(name, pattern string) *Subscription {
		s, err := b.Subscribe(pattern, func(_ context.Context, m schema.Message) error {
			hits <- hit{sub: name, topic: m.Topic}
			return nil
		})
		require.NoError(t, err)
		return s
	}
	sub("all", "*")
	sub("orders", "orders.*")
	fills := sub("fills", "orders.fill")

	ev, err := f.Event("draft", "Fill", nil)
	require.NoError(t, err)
	require.NoError(t, b.Publish(t.Context(), ev, "orders.fill"))
	require.NoError(t, b.Publish(t.Context(), ev, "md.tick"))

	got := map[hit]int{}
	for i := 0; i < 4; i++ {
		select {
		case h := <-hits:
			got[h]++
		case <-time.After(5 * time.Second):
			t.Fatalf("only %d deliveries", i)
		}
	}
	assert.Equal(t, map[hit]int{
		{"all", "orders.fill"}:    1,
		{"orders", "orders.fill"}: 1,
		{"fills", "orders.fill"}:  1,
		{"all", "md.tick"}:        1,
	}, got)

	fills.Close()
	require.NoError(t, b.Publish(t.Context(), ev, "orders.fill"))
	for i := 0; i < 2; i++ {
		h := <-hits
		assert.NotEqual(t, "fills", h.sub)
	}
}

func TestCloseDrainsAndRejects(t *testing.T) {
	e := env.NewTest(bclock.New())
	b := New(e, Options{Workers: 2})
	f := schema.NewFactory(e.IDs, e.Wall)

	var handled atomic.Int32
	require.NoError(t, b.Register("execution", schema.KindCommand, func(context.Context, schema.Message) error {
		time.Sleep(time.Millisecond)
		handled.Add(1)
		return nil
	}))
	for i := 0; i < 20; i++ {
		require.NoError(t, b.Send(t.Context(), command(t, f, "x"), "execution"))
	}

	require.NoError(t, b.Close())
	assert.Equal(t, int32(20), handled.Load())
	assert.True(t, b.IsClosed())
	assert.ErrorIs(t, b.Send(t.Context(), command(t, f, "late"), "execution"), exception.ErrBusClosed)
	assert.ErrorIs(t, b.Close(), exception.ErrBusClosed)
}

func TestMatchTopic(t *testing.T) {
	cases := []struct {
		pattern, topic string
		want           bool
	}{
		{"*", "anything", true},
		{"orders.*", "orders.fill", true},
		{"orders.*", "orders.fill.partial", true},
		{"orders.*", "orders.", false},
		{"orders.*", "orders", false},
		{"orders.*", "ordersx.fill", false},
		{"orders.fill", "orders.fill", true},
		{"orders.fill", "orders.fills", false},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, MatchTopic(c.pattern, c.topic), "%s vs %s", c.pattern, c.topic)
	}
}

func TestParseOverflow(t *testing.T) {
	o, err := ParseOverflow("drop_newest")
	require.NoError(t, err)
	assert.Equal(t, OverflowDropNewest, o)

	o, err = ParseOverflow("")
	require.NoError(t, err)
	assert.Equal(t, OverflowBlock, o)

	_, err = ParseOverflow("drop_oldest")
	assert.ErrorIs(t, err, exception.ErrValidation)
}
