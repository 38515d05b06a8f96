package gateway

import (
	"context"
	stderrors "errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/yanun0323/errors"

	"tradegate/internal/bus"
	"tradegate/internal/env"
	"tradegate/internal/schema"
	"tradegate/internal/session"
	"tradegate/internal/wire"
	"tradegate/pkg/exception"
	"tradegate/pkg/transport"
)

// ClientConfig configures a Client.
type ClientConfig struct {
	Addr     schema.NetworkAddress
	Codec    wire.Settings
	ClientID string
	// SessionSecret must match the server's when the server verifies
	// session ids.
	SessionSecret  string
	RequestTimeout time.Duration
	DialTimeout    time.Duration
	Backoff        Backoff
	MaxFrameSize   int
	WriteQueueSize int
}

func (c *ClientConfig) normalize() {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 3 * time.Second
	}
	if c.Backoff.isZero() {
		c.Backoff = DefaultBackoff()
	}
	if c.MaxFrameSize <= 0 {
		c.MaxFrameSize = wire.DefaultMaxFrameSize
	}
	if c.WriteQueueSize <= 0 {
		c.WriteQueueSize = DefaultWriteQueueSize
	}
}

type reply struct {
	msg schema.Message
	err error
}

// Client is the request side of a remote component. Run keeps it connected;
// Request and Submit are safe for concurrent use.
type Client struct {
	env     env.Env
	bus     *bus.Bus
	cfg     ClientConfig
	codec   *wire.Pipeline
	dialer  *transport.Dialer
	factory schema.Factory

	seq       atomic.Uint64
	connected atomic.Bool

	mu        sync.Mutex
	pending   map[uint64]chan reply
	link      *link
	sessionID session.ID
	ready     chan struct{}
}

// NewClient builds a client. b may be nil, in which case connection events
// are only logged.
func NewClient(e env.Env, b *bus.Bus, cfg ClientConfig) (*Client, error) {
	cfg.normalize()
	if cfg.ClientID == "" {
		return nil, exception.NewValidationError("client_id", "is empty")
	}
	if _, err := schema.NewNetworkAddress(cfg.Addr.Host, cfg.Addr.Port); err != nil {
		return nil, err
	}
	codec, err := wire.NewPipeline(cfg.Codec)
	if err != nil {
		return nil, err
	}
	dialer, err := transport.NewDialer(cfg.Addr.Network(), cfg.Addr.String(), cfg.DialTimeout)
	if err != nil {
		return nil, err
	}
	return &Client{
		env:     e.Named("client"),
		bus:     b,
		cfg:     cfg,
		codec:   codec,
		dialer:  dialer,
		factory: schema.NewFactory(e.IDs, e.Wall),
		pending: make(map[uint64]chan reply),
		ready:   make(chan struct{}),
	}, nil
}

// Connected reports whether the client holds a logged in connection.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// SessionID returns the id of the current session, or session.None.
func (c *Client) SessionID() session.ID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// WaitConnected blocks until the client is connected or ctx is done.
func (c *Client) WaitConnected(ctx context.Context) error {
	for {
		c.mu.Lock()
		ready := c.ready
		c.mu.Unlock()
		if c.connected.Load() {
			return nil
		}
		select {
		case <-ready:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Pending returns the number of requests waiting for a response.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// IsPending reports whether correlation id is still waiting.
func (c *Client) IsPending(id uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[id]
	return ok
}

// Run keeps the client connected until ctx is done, reconnecting with
// backoff after every failure.
func (c *Client) Run(ctx context.Context) error {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn, err := c.dialer.Dial(ctx)
		if err != nil {
			attempt++
			c.env.Metrics.IncReconnect()
			c.env.Log.Debugf("dial %s attempt %d, err: %v", c.dialer.Address(), attempt, err)
			sleepBackoff(ctx, c.env.Mono, c.cfg.Backoff, attempt)
			continue
		}

		connected, err := c.runSession(ctx, conn)
		if connected {
			attempt = 0
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		attempt++
		c.env.Metrics.IncReconnect()
		c.env.Log.Warnf("connection to %s lost, err: %v", c.dialer.Address(), err)
		sleepBackoff(ctx, c.env.Mono, c.cfg.Backoff, attempt)
	}
}

func (c *Client) runSession(ctx context.Context, conn net.Conn) (bool, error) {
	l := newLink(conn, c.cfg.WriteQueueSize)
	defer l.close()

	readErr := make(chan error, 1)
	go func() {
		if err := l.writeLoop(); err != nil && !isClosedConn(err) {
			c.env.Log.Warnf("write to %s, err: %v", c.dialer.Address(), err)
		}
	}()
	go func() { readErr <- c.readLoop(l) }()

	id, err := c.login(ctx, l)
	if err != nil {
		l.close()
		<-readErr
		c.failPending(err)
		return false, err
	}

	c.mu.Lock()
	c.link = l
	c.sessionID = id
	c.connected.Store(true)
	close(c.ready)
	c.mu.Unlock()
	c.env.Log.Infof("connected to %s as %s", c.dialer.Address(), id)
	c.publishStatus(EventConnected, StatusPayload{ClientID: c.cfg.ClientID, SessionID: string(id), Remote: c.dialer.Address()})

	select {
	case err = <-readErr:
	case <-ctx.Done():
		err = ctx.Err()
	}

	c.mu.Lock()
	c.link = nil
	c.sessionID = session.None()
	c.connected.Store(false)
	c.ready = make(chan struct{})
	c.mu.Unlock()
	l.close()

	c.failPending(&exception.ConnectionError{Addr: c.dialer.Address(), Err: err})
	reason := ReasonClosed
	if ctx.Err() != nil {
		reason = ReasonShutdown
	}
	c.publishStatus(EventDisconnected, StatusPayload{ClientID: c.cfg.ClientID, SessionID: string(id), Remote: c.dialer.Address(), Reason: reason})
	return true, err
}

func (c *Client) login(ctx context.Context, l *link) (session.ID, error) {
	issuedAt := c.env.Wall.Now()
	ts := issuedAt.UnixNano()
	payload, err := cbor.Marshal(loginPayload{IssuedAt: &ts})
	if err != nil {
		return session.None(), errors.Wrap(err, "encode login")
	}
	m, err := c.factory.Request(TypeLogin, payload)
	if err != nil {
		return session.None(), err
	}
	m.ClientID = c.cfg.ClientID
	if c.cfg.SessionSecret != "" {
		m.SessionID = string(session.Create(c.cfg.ClientID, issuedAt, c.cfg.SessionSecret))
	}

	resp, err := c.roundTrip(ctx, l, m)
	if err != nil {
		return session.None(), err
	}
	if resp.IsRejected() {
		return session.None(), errors.Wrapf(exception.ErrRejected, "login: %s", resp.Reason)
	}
	if resp.SessionID == "" {
		return session.None(), errors.Wrap(exception.ErrRejected, "login: no session id issued")
	}
	return session.ID(resp.SessionID), nil
}

func (c *Client) readLoop(l *link) error {
	for {
		t, payload, err := wire.ReadFrame(l.conn, c.cfg.MaxFrameSize)
		if err != nil {
			var cerr *exception.CodecError
			if stderrors.As(err, &cerr) {
				c.drop(t, cerr.Size, err)
				continue
			}
			return err
		}
		c.env.Metrics.IncFrameIn(t.String())

		switch t {
		case wire.FrameHeartbeat:
			// answering keeps the session alive on the server
			l.trySend(outbound{typ: wire.FrameHeartbeat})
		case wire.FrameResponse:
			m, err := c.codec.Decode(payload)
			if err != nil {
				c.drop(t, len(payload), err)
				continue
			}
			c.resolve(m)
		default:
			c.drop(t, len(payload), errors.Errorf("unexpected %s frame", t))
		}
	}
}

func (c *Client) drop(t wire.FrameType, size int, err error) {
	var cerr *exception.CodecError
	if stderrors.As(err, &cerr) {
		c.env.Metrics.IncCodecFailure(cerr.Stage, cerr.Direction)
	}
	c.env.Metrics.IncFrameDropped(t.String())
	c.env.Log.Warnf("drop %s frame size=%d from %s, err: %v", t, size, c.dialer.Address(), err)
}

func (c *Client) resolve(m schema.Message) {
	c.mu.Lock()
	ch, ok := c.pending[m.CorrelationID]
	delete(c.pending, m.CorrelationID)
	c.mu.Unlock()
	if !ok {
		c.env.Metrics.IncFrameDropped("late_response")
		c.env.Log.Warnf("drop response %s for unknown correlation id %d", m.Type, m.CorrelationID)
		return
	}
	ch <- reply{msg: m}
}

func (c *Client) failPending(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[uint64]chan reply)
	c.mu.Unlock()
	for _, ch := range pending {
		ch <- reply{err: err}
	}
}

func (c *Client) removePending(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// roundTrip sends m over l under a fresh correlation id and waits for the
// matching response.
func (c *Client) roundTrip(ctx context.Context, l *link, m schema.Message) (schema.Message, error) {
	id := c.seq.Add(1)
	m.CorrelationID = id

	ch := make(chan reply, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()

	b, err := c.codec.Encode(m)
	if err != nil {
		c.removePending(id)
		return schema.Message{}, err
	}
	start := c.env.Mono.Now()
	if err := l.send(ctx, outbound{typ: wire.FrameRequest, payload: b}); err != nil {
		c.removePending(id)
		return schema.Message{}, &exception.ConnectionError{Addr: c.dialer.Address(), Err: err}
	}
	c.env.Metrics.IncFrameOut(wire.FrameRequest.String())

	timer := c.env.Mono.NewTimer(c.cfg.RequestTimeout)
	defer timer.Stop()
	select {
	case r := <-ch:
		if r.err == nil {
			c.env.Metrics.ObserveRequest(c.env.Mono.Now() - start)
		}
		return r.msg, r.err
	case <-timer.C():
		c.removePending(id)
		c.env.Metrics.IncRequestTimeout()
		return schema.Message{}, &exception.TimeoutError{CorrelationID: id, After: c.cfg.RequestTimeout}
	case <-ctx.Done():
		c.removePending(id)
		if stderrors.Is(ctx.Err(), context.DeadlineExceeded) {
			c.env.Metrics.IncRequestTimeout()
			return schema.Message{}, &exception.TimeoutError{CorrelationID: id, After: c.env.Mono.Now() - start}
		}
		return schema.Message{}, ctx.Err()
	}
}

// Request sends m and waits for its response. The wait ends at the earlier
// of the ctx deadline and the configured request timeout; on expiry the
// correlation id is forgotten and a TimeoutError returned.
func (c *Client) Request(ctx context.Context, m schema.Message) (schema.Message, error) {
	c.mu.Lock()
	l, id := c.link, c.sessionID
	c.mu.Unlock()
	if l == nil || !c.connected.Load() {
		return schema.Message{}, &exception.ConnectionError{Addr: c.dialer.Address(), Err: exception.ErrNotConnected}
	}
	m.ClientID = c.cfg.ClientID
	m.SessionID = string(id)
	return c.roundTrip(ctx, l, m)
}

// Submit sends m and turns a rejection into an error: ThrottledError for a
// throttled request, ErrRejected otherwise.
func (c *Client) Submit(ctx context.Context, m schema.Message) (schema.Message, error) {
	resp, err := c.Request(ctx, m)
	if err != nil {
		return resp, err
	}
	if !resp.IsRejected() {
		return resp, nil
	}
	if resp.Reason == schema.RejectThrottled {
		return resp, &exception.ThrottledError{Category: m.Type}
	}
	return resp, errors.Wrapf(exception.ErrRejected, "%s: %s", m.Type, resp.Reason)
}

func (c *Client) publishStatus(typ string, p StatusPayload) {
	if c.bus == nil {
		return
	}
	ev, err := c.factory.Event(TopicConnection, typ, encodeStatus(p))
	if err != nil {
		c.env.Log.Errorf("build %s event, err: %+v", typ, err)
		return
	}
	ev.ClientID = p.ClientID
	ev.SessionID = p.SessionID
	ev.Reason = p.Reason
	if err := c.bus.Publish(context.Background(), ev, TopicConnection); err != nil {
		c.env.Log.Warnf("publish %s, err: %v", typ, err)
	}
}
