package execution

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradegate/pkg/exception"
)

func sampleOrder(id string) NewOrder {
	return NewOrder{
		OrderID: id,
		Symbol:  "BTC-USDT",
		Side:    SideBuy,
		Price:   decimal.RequireFromString("64250.5"),
		Qty:     decimal.RequireFromString("0.3"),
	}
}

func TestBookPartialThenFullFill(t *testing.T) {
	b := NewBook()
	_, err := b.Add(sampleOrder("o-1"), StateNew)
	require.NoError(t, err)

	o, err := b.MarkSent("o-1")
	require.NoError(t, err)
	assert.Equal(t, StateSent, o.State)

	o, err = b.Apply(Report{OrderID: "o-1", State: StateAcked})
	require.NoError(t, err)
	assert.Equal(t, StateAcked, o.State)

	o, err = b.Fill("o-1", decimal.RequireFromString("0.1"))
	require.NoError(t, err)
	assert.Equal(t, StatePartFilled, o.State)
	assert.True(t, o.LeavesQty.Equal(decimal.RequireFromString("0.2")))

	o, err = b.Apply(Report{OrderID: "o-1", State: StateFilled, FillQty: decimal.RequireFromString("0.2")})
	require.NoError(t, err)
	assert.Equal(t, StateFilled, o.State)
	assert.True(t, o.LeavesQty.IsZero())
	assert.Empty(t, b.Open())

	_, err = b.Transition("o-1", StateCanceled, "late")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = b.Fill("o-1", decimal.NewFromInt(1))
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestBookMarkSentKeepsLaterStates(t *testing.T) {
	b := NewBook()
	_, err := b.Add(sampleOrder("o-1"), StateNew)
	require.NoError(t, err)
	_, err = b.Transition("o-1", StateAcked, "")
	require.NoError(t, err)

	o, err := b.MarkSent("o-1")
	require.NoError(t, err)
	assert.Equal(t, StateAcked, o.State)
}

func TestBookRejectsBadInput(t *testing.T) {
	b := NewBook()
	_, err := b.Add(sampleOrder("o-1"), StateNew)
	require.NoError(t, err)

	_, err = b.Add(sampleOrder("o-1"), StateNew)
	assert.ErrorIs(t, err, ErrDuplicateOrder)

	bad := sampleOrder("o-2")
	bad.Qty = decimal.Zero
	_, err = b.Add(bad, StateNew)
	assert.ErrorIs(t, err, exception.ErrValidation)

	_, err = b.Transition("missing", StateCanceled, "")
	assert.ErrorIs(t, err, ErrUnknownOrder)

	_, err = b.Fill("o-1", decimal.NewFromInt(-1))
	assert.ErrorIs(t, err, ErrInvalidFill)

	_, err = b.Apply(Report{OrderID: "o-1", State: StateSent})
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestBookCancelClearsLeaves(t *testing.T) {
	b := NewBook()
	_, err := b.Add(sampleOrder("o-2"), StateAcked)
	require.NoError(t, err)
	_, err = b.Add(sampleOrder("o-1"), StateAcked)
	require.NoError(t, err)

	o, err := b.Transition("o-2", StateCanceled, "user")
	require.NoError(t, err)
	assert.True(t, o.LeavesQty.IsZero())
	assert.Equal(t, "user", o.Reason)

	open := b.Open()
	require.Len(t, open, 1)
	assert.Equal(t, "o-1", open[0].ID)
}

func TestReportEncodingKeepsDecimals(t *testing.T) {
	r := Report{
		OrderID:   "o-1",
		Symbol:    "ETH-USDT",
		Side:      SideSell,
		State:     StatePartFilled,
		Price:     decimal.RequireFromString("3120.125"),
		Qty:       decimal.RequireFromString("1.50"),
		LeavesQty: decimal.RequireFromString("0.75"),
		FillQty:   decimal.RequireFromString("0.75"),
		FillPrice: decimal.RequireFromString("3120.1"),
		Reason:    "partial",
	}
	b, err := r.Encode()
	require.NoError(t, err)
	got, err := DecodeReport(b)
	require.NoError(t, err)

	assert.Equal(t, r.OrderID, got.OrderID)
	assert.Equal(t, r.Side, got.Side)
	assert.Equal(t, r.State, got.State)
	assert.Equal(t, r.Reason, got.Reason)
	assert.True(t, r.Price.Equal(got.Price))
	assert.True(t, r.Qty.Equal(got.Qty))
	assert.True(t, r.LeavesQty.Equal(got.LeavesQty))
	assert.True(t, r.FillPrice.Equal(got.FillPrice))

	n := sampleOrder("o-9")
	b, err = n.Encode()
	require.NoError(t, err)
	decoded, err := DecodeNewOrder(b)
	require.NoError(t, err)
	assert.NoError(t, decoded.Validate())
	assert.True(t, n.Price.Equal(decoded.Price))

	_, err = DecodeNewOrder([]byte("not cbor"))
	assert.Error(t, err)
}

func TestParseSide(t *testing.T) {
	s, err := ParseSide("sell")
	require.NoError(t, err)
	assert.Equal(t, SideSell, s)
	_, err = ParseSide("hold")
	assert.ErrorIs(t, err, exception.ErrValidation)
}
