package gateway

import (
	"context"
	stderrors "errors"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yanun0323/errors"

	"tradegate/internal/bus"
	"tradegate/internal/env"
	"tradegate/internal/schema"
	"tradegate/internal/wire"
	"tradegate/pkg/exception"
	"tradegate/pkg/transport"
)

// SubscriberConfig configures a Subscriber.
type SubscriberConfig struct {
	Addr           schema.NetworkAddress
	Codec          wire.Settings
	DialTimeout    time.Duration
	Backoff        Backoff
	MaxFrameSize   int
	WriteQueueSize int
}

// subscriptions tracks desired and active topic patterns. Desired patterns
// survive reconnects; active ones were sent on the current connection.
type subscriptions struct {
	mu      sync.Mutex
	desired map[string]struct{}
	active  map[string]struct{}
}

func newSubscriptions() *subscriptions {
	return &subscriptions{
		desired: make(map[string]struct{}),
		active:  make(map[string]struct{}),
	}
}

// Add registers a desired pattern and reports whether it is new.
func (s *subscriptions) Add(pattern string) bool {
	s.mu.Lock()
	_, exists := s.desired[pattern]
	if !exists {
		s.desired[pattern] = struct{}{}
	}
	s.mu.Unlock()
	return !exists
}

// Remove deletes a desired pattern and reports whether it was present.
func (s *subscriptions) Remove(pattern string) bool {
	s.mu.Lock()
	_, ok := s.desired[pattern]
	if ok {
		delete(s.desired, pattern)
		delete(s.active, pattern)
	}
	s.mu.Unlock()
	return ok
}

func (s *subscriptions) MarkActive(pattern string) {
	s.mu.Lock()
	if _, ok := s.desired[pattern]; ok {
		s.active[pattern] = struct{}{}
	}
	s.mu.Unlock()
}

func (s *subscriptions) ClearActive() {
	s.mu.Lock()
	clear(s.active)
	s.mu.Unlock()
}

// Desired returns the desired patterns in sorted order.
func (s *subscriptions) Desired() []string {
	s.mu.Lock()
	out := make([]string, 0, len(s.desired))
	for p := range s.desired {
		out = append(out, p)
	}
	s.mu.Unlock()
	sort.Strings(out)
	return out
}

// Active returns the number of patterns sent on the current connection.
func (s *subscriptions) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Subscriber receives events from a server's publish endpoint and
// republishes them on the local bus under their original topic.
type Subscriber struct {
	env     env.Env
	bus     *bus.Bus
	cfg     SubscriberConfig
	codec   *wire.Pipeline
	dialer  *transport.Dialer
	factory schema.Factory
	subs    *subscriptions

	connected atomic.Bool
	mu        sync.Mutex
	link      *link
}

func NewSubscriber(e env.Env, b *bus.Bus, cfg SubscriberConfig) (*Subscriber, error) {
	if b == nil {
		return nil, errors.Wrap(exception.ErrNilInstance, "bus")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 3 * time.Second
	}
	if cfg.Backoff.isZero() {
		cfg.Backoff = DefaultBackoff()
	}
	if cfg.MaxFrameSize <= 0 {
		cfg.MaxFrameSize = wire.DefaultMaxFrameSize
	}
	if cfg.WriteQueueSize <= 0 {
		cfg.WriteQueueSize = 64
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
	return &Subscriber{
		env:     e.Named("subscriber"),
		bus:     b,
		cfg:     cfg,
		codec:   codec,
		dialer:  dialer,
		factory: schema.NewFactory(e.IDs, e.Wall),
		subs:    newSubscriptions(),
	}, nil
}

// Connected reports whether the subscriber holds a connection.
func (s *Subscriber) Connected() bool {
	return s.connected.Load()
}

// Topics returns the desired topic patterns.
func (s *Subscriber) Topics() []string {
	return s.subs.Desired()
}

// Subscribe asks for events matching pattern. The pattern is remembered and
// sent again after every reconnect.
func (s *Subscriber) Subscribe(pattern string) error {
	if pattern == "" {
		return exception.NewValidationError("pattern", "is empty")
	}
	if !s.subs.Add(pattern) {
		return nil
	}
	l := s.current()
	if l == nil {
		return nil
	}
	if err := s.control(l, wire.FrameSubscribe, pattern); err != nil {
		return err
	}
	s.subs.MarkActive(pattern)
	return nil
}

// Unsubscribe stops events matching pattern.
func (s *Subscriber) Unsubscribe(pattern string) error {
	if !s.subs.Remove(pattern) {
		return nil
	}
	l := s.current()
	if l == nil {
		return nil
	}
	return s.control(l, wire.FrameUnsubscribe, pattern)
}

func (s *Subscriber) current() *link {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.link
}

func (s *Subscriber) control(l *link, t wire.FrameType, pattern string) error {
	typ := TypeSubscribe
	if t == wire.FrameUnsubscribe {
		typ = TypeUnsubscribe
	}
	m, err := s.factory.String(typ, pattern)
	if err != nil {
		return err
	}
	b, err := s.codec.Encode(m)
	if err != nil {
		return err
	}
	if !l.trySend(outbound{typ: t, payload: b}) {
		return &exception.ConnectionError{Addr: s.dialer.Address(), Err: exception.ErrNotConnected}
	}
	return nil
}

// Run keeps the subscriber connected until ctx is done.
func (s *Subscriber) Run(ctx context.Context) error {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn, err := s.dialer.Dial(ctx)
		if err != nil {
			attempt++
			s.env.Metrics.IncReconnect()
			sleepBackoff(ctx, s.env.Mono, s.cfg.Backoff, attempt)
			continue
		}

		attempt = 0
		err = s.runSession(ctx, conn)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		attempt++
		s.env.Metrics.IncReconnect()
		s.env.Log.Warnf("publish connection to %s lost, err: %v", s.dialer.Address(), err)
		sleepBackoff(ctx, s.env.Mono, s.cfg.Backoff, attempt)
	}
}

func (s *Subscriber) runSession(ctx context.Context, conn net.Conn) error {
	l := newLink(conn, s.cfg.WriteQueueSize)
	defer l.close()
	go func() {
		if err := l.writeLoop(); err != nil && !isClosedConn(err) {
			s.env.Log.Warnf("write to %s, err: %v", s.dialer.Address(), err)
		}
	}()

	s.subs.ClearActive()
	s.mu.Lock()
	s.link = l
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.link = nil
		s.mu.Unlock()
		s.connected.Store(false)
		s.subs.ClearActive()
	}()

	for _, pattern := range s.subs.Desired() {
		if err := s.control(l, wire.FrameSubscribe, pattern); err != nil {
			return errors.Wrapf(err, "resubscribe %q", pattern)
		}
		s.subs.MarkActive(pattern)
	}
	s.connected.Store(true)
	s.env.Log.Infof("subscribed to %s with %d patterns", s.dialer.Address(), s.subs.Active())

	readErr := make(chan error, 1)
	go func() { readErr <- s.readLoop(ctx, l) }()
	select {
	case err := <-readErr:
		return err
	case <-ctx.Done():
		l.close()
		<-readErr
		return ctx.Err()
	}
}

func (s *Subscriber) readLoop(ctx context.Context, l *link) error {
	for {
		t, payload, err := wire.ReadFrame(l.conn, s.cfg.MaxFrameSize)
		if err != nil {
			var cerr *exception.CodecError
			if stderrors.As(err, &cerr) {
				s.drop(t, cerr.Size, err)
				continue
			}
			return err
		}
		s.env.Metrics.IncFrameIn(t.String())

		switch t {
		case wire.FrameHeartbeat:
			l.trySend(outbound{typ: wire.FrameHeartbeat})
		case wire.FrameEvent:
			ev, err := s.codec.Decode(payload)
			if err != nil {
				s.drop(t, len(payload), err)
				continue
			}
			if ev.Kind != schema.KindEvent {
				s.drop(t, len(payload), errors.Errorf("expected event, got %s", ev.Kind))
				continue
			}
			if err := s.bus.Publish(ctx, ev, ev.Topic); err != nil {
				s.env.Log.Warnf("republish %s on %s, err: %v", ev.Type, ev.Topic, err)
			}
		default:
			s.drop(t, len(payload), errors.Errorf("unexpected %s frame", t))
		}
	}
}

func (s *Subscriber) drop(t wire.FrameType, size int, err error) {
	var cerr *exception.CodecError
	if stderrors.As(err, &cerr) {
		s.env.Metrics.IncCodecFailure(cerr.Stage, cerr.Direction)
	}
	s.env.Metrics.IncFrameDropped(t.String())
	s.env.Log.Warnf("drop %s frame size=%d from %s, err: %v", t, size, s.dialer.Address(), err)
}
