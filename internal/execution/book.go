package execution

import (
	stderrors "errors"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"
)

var (
	ErrDuplicateOrder    = stderrors.New("order already exists")
	ErrUnknownOrder      = stderrors.New("order not found")
	ErrInvalidTransition = stderrors.New("invalid order state transition")
	ErrInvalidFill       = stderrors.New("invalid fill quantity")
)

// State tracks the lifecycle of an order.
type State uint8

const (
	StateUnknown State = iota
	// StateNew orders are known locally but not yet handed to the gateway.
	StateNew
	StateSent
	StateAcked
	StatePartFilled
	StateFilled
	StateCanceled
	StateRejected
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateSent:
		return "sent"
	case StateAcked:
		return "acked"
	case StatePartFilled:
		return "part_filled"
	case StateFilled:
		return "filled"
	case StateCanceled:
		return "canceled"
	case StateRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	switch s {
	case StateFilled, StateCanceled, StateRejected:
		return true
	default:
		return false
	}
}

// Order is the book's view of an order.
type Order struct {
	ID        string
	Symbol    string
	Side      Side
	Price     decimal.Decimal
	Qty       decimal.Decimal
	LeavesQty decimal.Decimal
	State     State
	Reason    string
}

// Report renders the order as an execution report.
func (o Order) Report() Report {
	return Report{
		OrderID:   o.ID,
		Symbol:    o.Symbol,
		Side:      o.Side,
		State:     o.State,
		Price:     o.Price,
		Qty:       o.Qty,
		LeavesQty: o.LeavesQty,
		Reason:    o.Reason,
	}
}

// Book updates orders from submissions, reports and fills. It is safe for
// concurrent use; every method returns a copy of the order.
type Book struct {
	mu     sync.RWMutex
	orders map[string]*Order
}

func NewBook() *Book {
	return &Book{orders: make(map[string]*Order)}
}

// Order returns the current order state.
func (b *Book) Order(id string) (Order, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	o, ok := b.orders[id]
	if !ok {
		return Order{}, false
	}
	return *o, true
}

// Open returns the non-terminal orders sorted by id.
func (b *Book) Open() []Order {
	b.mu.RLock()
	out := make([]Order, 0, len(b.orders))
	for _, o := range b.orders {
		if !o.State.Terminal() {
			out = append(out, *o)
		}
	}
	b.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Add creates an order in state.
func (b *Book) Add(n NewOrder, state State) (Order, error) {
	if err := n.Validate(); err != nil {
		return Order{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.orders[n.OrderID]; ok {
		return Order{}, errors.Wrap(ErrDuplicateOrder, n.OrderID)
	}
	o := &Order{
		ID:        n.OrderID,
		Symbol:    n.Symbol,
		Side:      n.Side,
		Price:     n.Price,
		Qty:       n.Qty,
		LeavesQty: n.Qty,
		State:     state,
	}
	b.orders[o.ID] = o
	return *o, nil
}

// Transition moves an order to state. Terminal orders never move.
func (b *Book) Transition(id string, state State, reason string) (Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.orders[id]
	if !ok {
		return Order{}, errors.Wrap(ErrUnknownOrder, id)
	}
	if o.State.Terminal() {
		return *o, errors.Wrapf(ErrInvalidTransition, "%s is %s", id, o.State)
	}
	o.State = state
	o.Reason = reason
	if state == StateCanceled || state == StateRejected {
		o.LeavesQty = decimal.Zero
	}
	return *o, nil
}

// MarkSent moves a New order to Sent. Orders a venue report already moved
// further are left alone.
func (b *Book) MarkSent(id string) (Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.orders[id]
	if !ok {
		return Order{}, errors.Wrap(ErrUnknownOrder, id)
	}
	if o.State == StateNew {
		o.State = StateSent
	}
	return *o, nil
}

// Fill reduces the leaves quantity by qty.
func (b *Book) Fill(id string, qty decimal.Decimal) (Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.orders[id]
	if !ok {
		return Order{}, errors.Wrap(ErrUnknownOrder, id)
	}
	if o.State.Terminal() {
		return *o, errors.Wrapf(ErrInvalidTransition, "%s is %s", id, o.State)
	}
	if !qty.IsPositive() {
		return *o, ErrInvalidFill
	}
	leaves := o.LeavesQty.Sub(qty)
	if leaves.Sign() <= 0 {
		o.LeavesQty = decimal.Zero
		o.State = StateFilled
	} else {
		o.LeavesQty = leaves
		o.State = StatePartFilled
	}
	return *o, nil
}

// Apply updates an order from a venue report. A fill report carries the
// fill quantity; other reports carry the new state.
func (b *Book) Apply(r Report) (Order, error) {
	if r.FillQty.IsPositive() {
		return b.Fill(r.OrderID, r.FillQty)
	}
	switch r.State {
	case StateAcked, StateCanceled, StateRejected:
		return b.Transition(r.OrderID, r.State, r.Reason)
	default:
		return Order{}, errors.Wrapf(ErrInvalidTransition, "report state %s", r.State)
	}
}
