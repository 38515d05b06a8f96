package execution

import (
	"context"
	stderrors "errors"

	"github.com/yanun0323/errors"

	"tradegate/internal/bus"
	"tradegate/internal/env"
	"tradegate/internal/schema"
	"tradegate/pkg/exception"
)

// VenueOptions configures a Venue.
type VenueOptions struct {
	// Name is the bus component the gateway routes order types to.
	Name string
	// AutoFill fills every accepted order in full at its limit price.
	AutoFill bool
	// Risk is checked before an order is accepted.
	Risk RiskLimits
}

// Venue is a paper venue on the gateway side. It accepts NewOrder and
// CancelOrder commands, answers OrderStatus requests and publishes an
// execution report for every state change.
type Venue struct {
	env     env.Env
	bus     *bus.Bus
	opt     VenueOptions
	factory schema.Factory
	book    *Book
	risk    *Risk
}

func NewVenue(e env.Env, b *bus.Bus, opt VenueOptions) (*Venue, error) {
	if b == nil {
		return nil, errors.Wrap(exception.ErrNilInstance, "bus")
	}
	if opt.Name == "" {
		opt.Name = "venue"
	}
	v := &Venue{
		env:     e.Named(opt.Name),
		bus:     b,
		opt:     opt,
		factory: schema.NewFactory(e.IDs, e.Wall),
		book:    NewBook(),
		risk:    NewRisk(opt.Risk),
	}
	if err := b.Register(opt.Name, schema.KindCommand, v.handleCommand); err != nil {
		return nil, err
	}
	if err := b.Respond(opt.Name, v.status); err != nil {
		return nil, err
	}
	return v, nil
}

// Name returns the bus component name.
func (v *Venue) Name() string { return v.opt.Name }

// Book exposes the venue's orders.
func (v *Venue) Book() *Book { return v.book }

// Risk exposes the venue's positions.
func (v *Venue) Risk() *Risk { return v.risk }

func (v *Venue) handleCommand(ctx context.Context, m schema.Message) error {
	switch m.Type {
	case TypeNewOrder:
		n, err := DecodeNewOrder(m.Payload)
		if err != nil {
			return err
		}
		err = n.Validate()
		if err == nil {
			err = v.risk.Check(n)
		}
		var o Order
		if err == nil {
			o, err = v.book.Add(n, StateAcked)
		}
		if err != nil {
			v.env.Log.Warnf("reject order %s from %s, err: %v", n.OrderID, m.ClientID, err)
			r := Report{OrderID: n.OrderID, Symbol: n.Symbol, Side: n.Side, Price: n.Price, Qty: n.Qty, State: StateRejected, Reason: err.Error()}
			return v.report(ctx, m, TopicRejected, r)
		}
		if err := v.report(ctx, m, TopicAccepted, o.Report()); err != nil {
			return err
		}
		if !v.opt.AutoFill {
			return nil
		}
		filled, err := v.book.Fill(o.ID, o.LeavesQty)
		if err != nil {
			return err
		}
		v.risk.OnFill(o.Symbol, o.Side, o.LeavesQty, o.Price)
		r := filled.Report()
		r.FillQty = o.LeavesQty
		r.FillPrice = o.Price
		return v.report(ctx, m, TopicFilled, r)

	case TypeCancelOrder:
		c, err := DecodeCancelOrder(m.Payload)
		if err != nil {
			return err
		}
		o, err := v.book.Transition(c.OrderID, StateCanceled, "canceled by "+m.ClientID)
		if err != nil {
			r := Report{OrderID: c.OrderID, State: StateRejected, Reason: err.Error()}
			if stderrors.Is(err, ErrInvalidTransition) {
				r = o.Report()
				r.Reason = err.Error()
			}
			return v.report(ctx, m, TopicRejected, r)
		}
		return v.report(ctx, m, TopicCanceled, o.Report())

	default:
		return errors.Errorf("venue does not handle %s", m.Type)
	}
}

func (v *Venue) status(_ context.Context, req schema.Message) (schema.Message, error) {
	s, err := DecodeOrderStatus(req.Payload)
	if err != nil {
		return v.factory.Reject(req, schema.RejectInvalid)
	}
	o, ok := v.book.Order(s.OrderID)
	if !ok {
		return v.factory.Reject(req, ErrUnknownOrder.Error())
	}
	b, err := o.Report().Encode()
	if err != nil {
		return schema.Message{}, err
	}
	return v.factory.Ack(req, b)
}

func (v *Venue) report(ctx context.Context, cause schema.Message, topic string, r Report) error {
	b, err := r.Encode()
	if err != nil {
		return err
	}
	ev, err := v.factory.Event(topic, TypeReport, b)
	if err != nil {
		return err
	}
	ev.ClientID = cause.ClientID
	ev.SessionID = cause.SessionID
	ev.Reason = r.Reason
	v.env.Log.Debugf("order %s %s (%s)", r.OrderID, r.State, topic)
	return v.bus.Publish(ctx, ev, topic)
}
