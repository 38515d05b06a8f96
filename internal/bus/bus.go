// Package bus is the in-process message bus. Every component owns a bounded
// mailbox; a fixed pool of workers drains mailboxes so a component handles
// one message at a time and never needs its own locking.
package bus

import (
	"context"
	stderrors "errors"
	"runtime"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yanun0323/errors"
	"go.uber.org/multierr"

	"tradegate/internal/env"
	"tradegate/internal/journal"
	"tradegate/internal/schema"
	"tradegate/pkg/exception"
)

// Overflow selects what a producer experiences when a mailbox is full.
type Overflow uint8

const (
	// OverflowBlock waits up to Options.SendTimeout for room.
	OverflowBlock Overflow = iota
	// OverflowDropNewest discards the message being sent.
	OverflowDropNewest
)

func (o Overflow) String() string {
	if o == OverflowDropNewest {
		return "drop_newest"
	}
	return "block"
}

// ParseOverflow accepts "block" and "drop_newest".
func ParseOverflow(s string) (Overflow, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "block":
		return OverflowBlock, nil
	case "drop_newest", "drop-newest", "drop":
		return OverflowDropNewest, nil
	default:
		return 0, exception.NewValidationError("overflow", "must be block or drop_newest, got "+s)
	}
}

const (
	DefaultMailboxSize = 1024
	DefaultSendTimeout = time.Second
)

type Options struct {
	Workers     int
	MailboxSize int
	Overflow    Overflow
	SendTimeout time.Duration
	// DeadLetters receives every message the bus discards.
	DeadLetters journal.Sink
}

func (o *Options) normalize() {
	if o.Workers <= 0 {
		o.Workers = runtime.GOMAXPROCS(0)
	}
	if o.MailboxSize <= 0 {
		o.MailboxSize = DefaultMailboxSize
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = DefaultSendTimeout
	}
	if o.DeadLetters == nil {
		o.DeadLetters = journal.Nop{}
	}
}

// Handler processes one message. A returned error is logged and counted; it
// never stops the mailbox.
type Handler func(ctx context.Context, m schema.Message) error

// Responder answers a request delivered through Ask.
type Responder func(ctx context.Context, req schema.Message) (schema.Message, error)

type component struct {
	name      string
	box       *mailbox
	handlers  map[schema.Kind]Handler
	responder Responder
}

// Bus routes messages to component mailboxes and topic subscribers.
type Bus struct {
	env    env.Env
	opt    Options
	disp   *dispatcher
	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool

	mu         sync.RWMutex
	components map[string]*component
	subs       map[uint64]*Subscription
	nextSub    uint64
}

// New creates a bus and starts its workers.
func New(e env.Env, opt Options) *Bus {
	opt.normalize()
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		env:        e.Named("bus"),
		opt:        opt,
		disp:       newDispatcher(),
		ctx:        ctx,
		cancel:     cancel,
		components: make(map[string]*component),
		subs:       make(map[uint64]*Subscription),
	}
	b.disp.start(ctx, opt.Workers)
	return b
}

func (b *Bus) component(name string) *component {
	c, ok := b.components[name]
	if ok {
		return c
	}
	c = &component{name: name, handlers: make(map[schema.Kind]Handler)}
	c.box = newMailbox(name, b.opt.MailboxSize, func(ctx context.Context, e envelope) {
		b.deliver(ctx, c, e)
	})
	b.components[name] = c
	return c
}

// Register installs h for messages of kind sent to component. Requests are
// answered through Respond instead.
func (b *Bus) Register(name string, kind schema.Kind, h Handler) error {
	if name == "" {
		return exception.NewValidationError("component", "is empty")
	}
	if !kind.Valid() {
		return exception.NewValidationError("kind", "is unknown")
	}
	if h == nil {
		return exception.NewValidationError("handler", "is nil")
	}
	if b.closed.Load() {
		return exception.ErrBusClosed
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.component(name)
	if _, dup := c.handlers[kind]; dup {
		return errors.Wrapf(exception.ErrDuplicateHandler, "%s/%s", name, kind)
	}
	c.handlers[kind] = h
	return nil
}

// Respond installs r as the request handler of component.
func (b *Bus) Respond(name string, r Responder) error {
	if name == "" {
		return exception.NewValidationError("component", "is empty")
	}
	if r == nil {
		return exception.NewValidationError("responder", "is nil")
	}
	if b.closed.Load() {
		return exception.ErrBusClosed
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.component(name)
	if c.responder != nil {
		return errors.Wrapf(exception.ErrDuplicateHandler, "%s/%s", name, schema.KindRequest)
	}
	c.responder = r
	return nil
}

// Components lists registered component names.
func (b *Bus) Components() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.components))
	for name := range b.components {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Accepts reports whether destination has a handler for kind.
func (b *Bus) Accepts(destination string, kind schema.Kind) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	c, ok := b.components[destination]
	if !ok {
		return false
	}
	if kind == schema.KindRequest && c.responder != nil {
		return true
	}
	_, ok = c.handlers[kind]
	return ok
}

func (b *Bus) lookup(destination string, kind schema.Kind, ask bool) (*component, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	c, ok := b.components[destination]
	if !ok {
		return nil, errors.Wrapf(exception.ErrUnknownDestination, "%q", destination)
	}
	if ask {
		if c.responder == nil {
			return nil, errors.Wrapf(exception.ErrNoHandler, "%s has no responder", destination)
		}
		return c, nil
	}
	if _, ok := c.handlers[kind]; !ok {
		if kind != schema.KindRequest || c.responder == nil {
			return nil, errors.Wrapf(exception.ErrNoHandler, "%s/%s", destination, kind)
		}
	}
	return c, nil
}

// Send places m in the mailbox of destination. It returns once the message is
// queued, not once it is handled.
func (b *Bus) Send(ctx context.Context, m schema.Message, destination string) error {
	c, err := b.lookup(destination, m.Kind, false)
	if err != nil {
		return err
	}
	return b.enqueue(ctx, c.box, envelope{msg: m})
}

// Ask sends a request to destination and waits for the responder's answer or
// for ctx to end.
func (b *Bus) Ask(ctx context.Context, req schema.Message, destination string) (schema.Message, error) {
	c, err := b.lookup(destination, req.Kind, true)
	if err != nil {
		return schema.Message{}, err
	}
	reply := make(chan result, 1)
	if err := b.enqueue(ctx, c.box, envelope{msg: req, reply: reply}); err != nil {
		return schema.Message{}, err
	}
	select {
	case r := <-reply:
		return r.msg, r.err
	case <-ctx.Done():
		return schema.Message{}, ctx.Err()
	}
}

// Publish delivers event to every subscription whose pattern matches topic.
// A full subscriber mailbox only affects that subscriber.
func (b *Bus) Publish(ctx context.Context, event schema.Message, topic string) error {
	if topic == "" {
		return exception.NewValidationError("topic", "is empty")
	}
	event.Topic = topic

	b.mu.RLock()
	targets := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if MatchTopic(s.pattern, topic) {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()
	sort.Slice(targets, func(i, j int) bool { return targets[i].id < targets[j].id })

	var errs error
	for _, s := range targets {
		errs = multierr.Append(errs, b.enqueue(ctx, s.box, envelope{msg: event}))
	}
	return errs
}

// Subscribe registers h for events whose topic matches pattern. Every
// subscription has its own mailbox.
func (b *Bus) Subscribe(pattern string, h Handler) (*Subscription, error) {
	if pattern == "" {
		return nil, exception.NewValidationError("pattern", "is empty")
	}
	if h == nil {
		return nil, exception.NewValidationError("handler", "is nil")
	}
	if b.closed.Load() {
		return nil, exception.ErrBusClosed
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextSub++
	s := &Subscription{id: b.nextSub, pattern: pattern, handler: h, bus: b}
	s.box = newMailbox("sub:"+pattern, b.opt.MailboxSize, func(ctx context.Context, e envelope) {
		b.deliverEvent(ctx, s, e)
	})
	b.subs[s.id] = s
	return s, nil
}

func (b *Bus) unsubscribe(s *Subscription) {
	b.mu.Lock()
	delete(b.subs, s.id)
	b.mu.Unlock()
}

func (b *Bus) enqueue(ctx context.Context, mb *mailbox, e envelope) error {
	b.disp.acquire()
	if b.closed.Load() {
		b.disp.release()
		return exception.ErrBusClosed
	}
	if err := mb.offer(ctx, e, b.opt.Overflow, b.opt.SendTimeout, b.env.Mono); err != nil {
		b.disp.release()
		b.drop(e.msg, mb.name, err)
		return errors.Wrapf(err, "send to %s", mb.name)
	}
	b.disp.schedule(mb)
	return nil
}

func (b *Bus) drop(m schema.Message, destination string, cause error) {
	b.env.Metrics.IncBusDropped(destination)
	b.env.Log.Warnf("drop message id=%s kind=%s type=%s size=%d destination=%s stage=bus, err: %v",
		m.ID, m.Kind, m.Type, len(m.Payload), destination, cause)
	b.opt.DeadLetters.Record(journal.FromMessage(b.env.Wall.Now(), m, destination, "bus", cause))
}

func (b *Bus) deliver(ctx context.Context, c *component, e envelope) {
	b.mu.RLock()
	h := c.handlers[e.msg.Kind]
	r := c.responder
	b.mu.RUnlock()

	if e.msg.Kind == schema.KindRequest && r != nil && (e.reply != nil || h == nil) {
		resp, err := invokeResponder(ctx, r, e.msg)
		if err != nil {
			b.fail(c.name, e.msg, err)
		} else {
			b.env.Metrics.IncDelivered(c.name)
		}
		if e.reply != nil {
			e.reply <- result{msg: resp, err: err}
		}
		return
	}

	if h == nil {
		err := errors.Wrapf(exception.ErrNoHandler, "%s/%s", c.name, e.msg.Kind)
		b.fail(c.name, e.msg, err)
		if e.reply != nil {
			e.reply <- result{err: err}
		}
		return
	}

	err := invokeHandler(ctx, h, e.msg)
	if err != nil {
		b.fail(c.name, e.msg, err)
	} else {
		b.env.Metrics.IncDelivered(c.name)
	}
	if e.reply != nil {
		if err == nil {
			err = exception.ErrNoReply
		}
		e.reply <- result{err: err}
	}
}

func (b *Bus) deliverEvent(ctx context.Context, s *Subscription, e envelope) {
	if s.closed.Load() {
		return
	}
	if err := invokeHandler(ctx, s.handler, e.msg); err != nil {
		b.fail(s.box.name, e.msg, err)
		return
	}
	b.env.Metrics.IncDelivered(s.box.name)
}

func (b *Bus) fail(destination string, m schema.Message, err error) {
	b.env.Metrics.IncHandlerFailure(destination)
	b.env.Log.Errorf("handler %s failed on id=%s kind=%s type=%s, err: %+v",
		destination, m.ID, m.Kind, m.Type, err)
}

func invokeHandler(ctx context.Context, h Handler, m schema.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("panic: %v", r)
		}
	}()
	return h(ctx, m)
}

func invokeResponder(ctx context.Context, r Responder, m schema.Message) (resp schema.Message, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = errors.Errorf("panic: %v", rec)
		}
	}()
	return r(ctx, m)
}

// Close rejects new messages, waits for queued ones to be handled and stops
// the workers.
func (b *Bus) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return exception.ErrBusClosed
	}
	b.disp.stop()
	b.cancel()

	b.mu.Lock()
	var errs error
	for _, s := range b.subs {
		if !s.closed.CompareAndSwap(false, true) {
			errs = multierr.Append(errs, errors.Errorf("subscription %d already closed", s.id))
		}
	}
	b.subs = map[uint64]*Subscription{}
	b.mu.Unlock()
	return errs
}

// IsClosed reports whether Close was called.
func (b *Bus) IsClosed() bool {
	return b.closed.Load()
}

// Subscription is a live topic subscription.
type Subscription struct {
	id      uint64
	pattern string
	handler Handler
	box     *mailbox
	bus     *Bus
	closed  atomic.Bool
}

func (s *Subscription) Pattern() string { return s.pattern }

// Close stops delivery. Events already queued are discarded.
func (s *Subscription) Close() {
	if s.closed.CompareAndSwap(false, true) {
		s.bus.unsubscribe(s)
	}
}

// IsDrop reports whether err means a message was not accepted by a mailbox.
func IsDrop(err error) bool {
	return stderrors.Is(err, exception.ErrMailboxFull) || stderrors.Is(err, exception.ErrBusClosed)
}
