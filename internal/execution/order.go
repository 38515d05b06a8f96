// Package execution holds the order lifecycle shared by the trading side and
// the venue side of the gateway.
package execution

import (
	"github.com/fxamacker/cbor/v2"
	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"

	"tradegate/pkg/exception"
)

// Message types and topics handled by this package.
const (
	TypeNewOrder    = "NewOrder"
	TypeCancelOrder = "CancelOrder"
	TypeOrderStatus = "OrderStatus"
	TypeReport      = "ExecutionReport"

	TopicAccepted = "orders.accepted"
	TopicFilled   = "orders.fill"
	TopicCanceled = "orders.canceled"
	TopicRejected = "orders.rejected"
	TopicOrders   = "orders.*"
)

// Side is the order direction.
type Side uint8

const (
	SideUnknown Side = iota
	SideBuy
	SideSell
)

func (s Side) String() string {
	switch s {
	case SideBuy:
		return "buy"
	case SideSell:
		return "sell"
	default:
		return "unknown"
	}
}

// ParseSide accepts "buy" or "sell".
func ParseSide(s string) (Side, error) {
	switch s {
	case "buy":
		return SideBuy, nil
	case "sell":
		return SideSell, nil
	default:
		return SideUnknown, exception.NewValidationError("side", "must be buy or sell, got "+s)
	}
}

// NewOrder is the payload of a NewOrder command.
type NewOrder struct {
	OrderID string
	Symbol  string
	Side    Side
	Price   decimal.Decimal
	Qty     decimal.Decimal
}

// Validate checks the order fields.
func (o NewOrder) Validate() error {
	if o.OrderID == "" {
		return exception.NewValidationError("order_id", "is empty")
	}
	if o.Symbol == "" {
		return exception.NewValidationError("symbol", "is empty")
	}
	if o.Side != SideBuy && o.Side != SideSell {
		return exception.NewValidationError("side", "is unknown")
	}
	if !o.Price.IsPositive() {
		return exception.NewValidationError("price", "must be positive")
	}
	if !o.Qty.IsPositive() {
		return exception.NewValidationError("qty", "must be positive")
	}
	return nil
}

// CancelOrder is the payload of a CancelOrder command.
type CancelOrder struct {
	OrderID string
}

// OrderStatus is the payload of an OrderStatus request.
type OrderStatus struct {
	OrderID string
}

// Report describes an order after a state change.
type Report struct {
	OrderID   string
	Symbol    string
	Side      Side
	State     State
	Price     decimal.Decimal
	Qty       decimal.Decimal
	LeavesQty decimal.Decimal
	FillQty   decimal.Decimal
	FillPrice decimal.Decimal
	Reason    string
}

// Decimals travel as strings so the encoding stays exact and canonical.
type orderWire struct {
	OrderID   string `cbor:"1,keyasint,omitempty"`
	Symbol    string `cbor:"2,keyasint,omitempty"`
	Side      uint8  `cbor:"3,keyasint,omitempty"`
	State     uint8  `cbor:"4,keyasint,omitempty"`
	Price     string `cbor:"5,keyasint,omitempty"`
	Qty       string `cbor:"6,keyasint,omitempty"`
	LeavesQty string `cbor:"7,keyasint,omitempty"`
	FillQty   string `cbor:"8,keyasint,omitempty"`
	FillPrice string `cbor:"9,keyasint,omitempty"`
	Reason    string `cbor:"10,keyasint,omitempty"`
}

func decimalString(d decimal.Decimal) string {
	if d.IsZero() {
		return ""
	}
	return d.String()
}

func parseDecimal(field, s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, exception.NewValidationError(field, err.Error())
	}
	return d, nil
}

func marshal(w orderWire) ([]byte, error) {
	b, err := cbor.Marshal(w)
	if err != nil {
		return nil, errors.Wrap(err, "encode order payload")
	}
	return b, nil
}

func unmarshal(b []byte) (orderWire, error) {
	var w orderWire
	if err := cbor.Unmarshal(b, &w); err != nil {
		return w, errors.Wrap(err, "decode order payload")
	}
	return w, nil
}

func (o NewOrder) Encode() ([]byte, error) {
	return marshal(orderWire{
		OrderID: o.OrderID,
		Symbol:  o.Symbol,
		Side:    uint8(o.Side),
		Price:   decimalString(o.Price),
		Qty:     decimalString(o.Qty),
	})
}

func DecodeNewOrder(b []byte) (NewOrder, error) {
	w, err := unmarshal(b)
	if err != nil {
		return NewOrder{}, err
	}
	price, err := parseDecimal("price", w.Price)
	if err != nil {
		return NewOrder{}, err
	}
	qty, err := parseDecimal("qty", w.Qty)
	if err != nil {
		return NewOrder{}, err
	}
	return NewOrder{OrderID: w.OrderID, Symbol: w.Symbol, Side: Side(w.Side), Price: price, Qty: qty}, nil
}

func (c CancelOrder) Encode() ([]byte, error) {
	return marshal(orderWire{OrderID: c.OrderID})
}

func DecodeCancelOrder(b []byte) (CancelOrder, error) {
	w, err := unmarshal(b)
	if err != nil {
		return CancelOrder{}, err
	}
	return CancelOrder{OrderID: w.OrderID}, nil
}

func (s OrderStatus) Encode() ([]byte, error) {
	return marshal(orderWire{OrderID: s.OrderID})
}

func DecodeOrderStatus(b []byte) (OrderStatus, error) {
	w, err := unmarshal(b)
	if err != nil {
		return OrderStatus{}, err
	}
	return OrderStatus{OrderID: w.OrderID}, nil
}

func (r Report) Encode() ([]byte, error) {
	return marshal(orderWire{
		OrderID:   r.OrderID,
		Symbol:    r.Symbol,
		Side:      uint8(r.Side),
		State:     uint8(r.State),
		Price:     decimalString(r.Price),
		Qty:       decimalString(r.Qty),
		LeavesQty: decimalString(r.LeavesQty),
		FillQty:   decimalString(r.FillQty),
		FillPrice: decimalString(r.FillPrice),
		Reason:    r.Reason,
	})
}

func DecodeReport(b []byte) (Report, error) {
	w, err := unmarshal(b)
	if err != nil {
		return Report{}, err
	}
	r := Report{OrderID: w.OrderID, Symbol: w.Symbol, Side: Side(w.Side), State: State(w.State), Reason: w.Reason}
	for _, f := range []struct {
		name string
		src  string
		dst  *decimal.Decimal
	}{
		{"price", w.Price, &r.Price},
		{"qty", w.Qty, &r.Qty},
		{"leaves_qty", w.LeavesQty, &r.LeavesQty},
		{"fill_qty", w.FillQty, &r.FillQty},
		{"fill_price", w.FillPrice, &r.FillPrice},
	} {
		d, err := parseDecimal(f.name, f.src)
		if err != nil {
			return Report{}, err
		}
		*f.dst = d
	}
	return r, nil
}
