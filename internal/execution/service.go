package execution

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"

	"github.com/yanun0323/errors"

	"tradegate/internal/bus"
	"tradegate/internal/env"
	"tradegate/internal/gateway"
	"tradegate/internal/schema"
	"tradegate/pkg/exception"
)

// TypeResume is sent by the service to itself to release held orders.
const TypeResume = "execution.Resume"

// Submitter forwards commands to the gateway. *gateway.Client implements it.
type Submitter interface {
	Submit(ctx context.Context, m schema.Message) (schema.Message, error)
}

// ServiceOptions configures a Service.
type ServiceOptions struct {
	// Name is the local bus component strategies send orders to.
	Name string
}

// Service submits orders to the gateway on behalf of local strategies.
// While the gateway connection is down it holds new commands and releases
// them in arrival order once the connection is back.
//
// All submissions happen on the component's own mailbox, so the order in
// which commands reach the gateway matches the order they were sent.
type Service struct {
	env     env.Env
	bus     *bus.Bus
	opt     ServiceOptions
	sub     Submitter
	factory schema.Factory
	book    *Book

	connected atomic.Bool
	mu        sync.Mutex
	held      []schema.Message

	subs []*bus.Subscription
}

func NewService(e env.Env, b *bus.Bus, s Submitter, opt ServiceOptions) (*Service, error) {
	if b == nil {
		return nil, errors.Wrap(exception.ErrNilInstance, "bus")
	}
	if s == nil {
		return nil, errors.Wrap(exception.ErrNilInstance, "submitter")
	}
	if opt.Name == "" {
		opt.Name = "execution"
	}
	svc := &Service{
		env:     e.Named(opt.Name),
		bus:     b,
		opt:     opt,
		sub:     s,
		factory: schema.NewFactory(e.IDs, e.Wall),
		book:    NewBook(),
	}

	if err := b.Register(opt.Name, schema.KindCommand, svc.handleCommand); err != nil {
		return nil, err
	}
	if err := b.Respond(opt.Name, svc.status); err != nil {
		return nil, err
	}
	conn, err := b.Subscribe(gateway.TopicConnection, svc.onConnection)
	if err != nil {
		return nil, err
	}
	reports, err := b.Subscribe(TopicOrders, svc.onReport)
	if err != nil {
		conn.Close()
		return nil, err
	}
	svc.subs = []*bus.Subscription{conn, reports}
	return svc, nil
}

// Name returns the bus component name.
func (s *Service) Name() string { return s.opt.Name }

// Book exposes the locally tracked orders.
func (s *Service) Book() *Book { return s.book }

// Suspended reports whether submissions are on hold.
func (s *Service) Suspended() bool { return !s.connected.Load() }

// Held returns the number of commands waiting for the connection.
func (s *Service) Held() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.held)
}

// Close stops listening to connection changes and reports.
func (s *Service) Close() {
	for _, sub := range s.subs {
		sub.Close()
	}
}

func (s *Service) handleCommand(ctx context.Context, m schema.Message) error {
	switch m.Type {
	case TypeNewOrder:
		n, err := DecodeNewOrder(m.Payload)
		if err != nil {
			return err
		}
		if _, err := s.book.Add(n, StateNew); err != nil {
			return err
		}
		return s.submitOrHold(ctx, m)

	case TypeCancelOrder:
		c, err := DecodeCancelOrder(m.Payload)
		if err != nil {
			return err
		}
		if s.dropHeld(c.OrderID) {
			_, err := s.book.Transition(c.OrderID, StateCanceled, "canceled before submission")
			s.env.Log.Infof("order %s canceled while held", c.OrderID)
			return err
		}
		return s.submitOrHold(ctx, m)

	case TypeResume:
		s.resume(ctx)
		return nil

	default:
		return errors.Errorf("execution does not handle %s", m.Type)
	}
}

// submitOrHold submits m unless the connection is down or older commands are
// still held.
func (s *Service) submitOrHold(ctx context.Context, m schema.Message) error {
	s.mu.Lock()
	if !s.connected.Load() || len(s.held) > 0 {
		s.held = append(s.held, m)
		n := len(s.held)
		s.mu.Unlock()
		s.env.Log.Infof("hold %s id=%s while disconnected, held=%d", m.Type, m.ID, n)
		return nil
	}
	s.mu.Unlock()

	if s.submit(ctx, m) {
		return nil
	}
	s.mu.Lock()
	s.held = append([]schema.Message{m}, s.held...)
	s.mu.Unlock()
	return nil
}

// submit sends m and records the outcome. It returns false when the
// connection failed and m should be retried.
func (s *Service) submit(ctx context.Context, m schema.Message) bool {
	orderID := s.orderID(m)
	_, err := s.sub.Submit(ctx, m)
	switch {
	case err == nil:
		if m.Type == TypeNewOrder {
			if _, err := s.book.MarkSent(orderID); err != nil {
				s.env.Log.Warnf("mark %s sent, err: %v", orderID, err)
			}
		}
		return true
	case stderrors.Is(err, exception.ErrConnection) || stderrors.Is(err, exception.ErrNotConnected):
		s.connected.Store(false)
		s.env.Log.Warnf("submit %s for %s, connection lost: %v", m.Type, orderID, err)
		return false
	default:
		s.env.Log.Warnf("submit %s for %s, err: %v", m.Type, orderID, err)
		if m.Type == TypeNewOrder {
			if _, terr := s.book.Transition(orderID, StateRejected, err.Error()); terr != nil {
				s.env.Log.Warnf("mark %s rejected, err: %v", orderID, terr)
			}
		}
		return true
	}
}

func (s *Service) orderID(m schema.Message) string {
	switch m.Type {
	case TypeNewOrder:
		if n, err := DecodeNewOrder(m.Payload); err == nil {
			return n.OrderID
		}
	case TypeCancelOrder:
		if c, err := DecodeCancelOrder(m.Payload); err == nil {
			return c.OrderID
		}
	}
	return ""
}

// resume releases held commands in order, stopping at the first connection
// failure.
func (s *Service) resume(ctx context.Context) {
	for s.connected.Load() {
		s.mu.Lock()
		if len(s.held) == 0 {
			s.mu.Unlock()
			return
		}
		m := s.held[0]
		s.held = s.held[1:]
		s.mu.Unlock()

		if !s.submit(ctx, m) {
			s.mu.Lock()
			s.held = append([]schema.Message{m}, s.held...)
			s.mu.Unlock()
			return
		}
	}
}

func (s *Service) dropHeld(orderID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, m := range s.held {
		if m.Type != TypeNewOrder {
			continue
		}
		if n, err := DecodeNewOrder(m.Payload); err == nil && n.OrderID == orderID {
			s.held = append(s.held[:i], s.held[i+1:]...)
			return true
		}
	}
	return false
}

func (s *Service) onConnection(ctx context.Context, ev schema.Message) error {
	switch ev.Type {
	case gateway.EventConnected:
		s.connected.Store(true)
		s.env.Log.Infof("gateway connected, releasing %d held commands", s.Held())
		resume, err := s.factory.Command(TypeResume, []byte{1})
		if err != nil {
			return err
		}
		return s.bus.Send(ctx, resume, s.opt.Name)
	case gateway.EventDisconnected:
		s.connected.Store(false)
		s.env.Log.Warnf("gateway disconnected, order submission suspended")
	}
	return nil
}

func (s *Service) onReport(_ context.Context, ev schema.Message) error {
	if ev.Type != TypeReport {
		return nil
	}
	r, err := DecodeReport(ev.Payload)
	if err != nil {
		return err
	}
	if _, ok := s.book.Order(r.OrderID); !ok {
		// another client's order
		return nil
	}
	if ev.Topic == TopicRejected && r.State != StateRejected {
		s.env.Log.Warnf("venue refused change of %s: %s", r.OrderID, r.Reason)
		return nil
	}
	o, err := s.book.Apply(r)
	if err != nil {
		s.env.Log.Warnf("apply %s report for %s, err: %v", r.State, r.OrderID, err)
		return nil
	}
	s.env.Log.Debugf("order %s is %s leaves=%s", o.ID, o.State, o.LeavesQty)
	return nil
}

func (s *Service) status(_ context.Context, req schema.Message) (schema.Message, error) {
	q, err := DecodeOrderStatus(req.Payload)
	if err != nil {
		return s.factory.Reject(req, schema.RejectInvalid)
	}
	o, ok := s.book.Order(q.OrderID)
	if !ok {
		return s.factory.Reject(req, ErrUnknownOrder.Error())
	}
	b, err := o.Report().Encode()
	if err != nil {
		return schema.Message{}, err
	}
	return s.factory.Ack(req, b)
}
