package execution

import (
	stderrors "errors"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"
)

var ErrRiskDenied = stderrors.New("risk check denied")

// Deny reasons carried in rejected reports.
const (
	RiskReasonKillSwitch    = "kill_switch"
	RiskReasonMaxQty        = "max_order_qty"
	RiskReasonMaxNotional   = "max_order_notional"
	RiskReasonPositionLimit = "max_position"
	RiskReasonPriceBand     = "price_band"
)

// RiskLimits are static pre-trade limits. Zero values disable a check.
type RiskLimits struct {
	KillSwitch       bool
	MaxOrderQty      decimal.Decimal
	MaxOrderNotional decimal.Decimal
	// MaxPosition bounds the absolute filled position per symbol.
	MaxPosition decimal.Decimal
	// MaxPriceDeviationBps bounds the distance of a limit price from the
	// symbol's last fill price.
	MaxPriceDeviationBps int64
}

// Risk evaluates orders against RiskLimits and tracks filled positions.
type Risk struct {
	limits RiskLimits

	mu        sync.Mutex
	positions map[string]decimal.Decimal
	lastPrice map[string]decimal.Decimal
}

func NewRisk(limits RiskLimits) *Risk {
	return &Risk{
		limits:    limits,
		positions: make(map[string]decimal.Decimal),
		lastPrice: make(map[string]decimal.Decimal),
	}
}

// Check returns an error wrapping ErrRiskDenied when n breaks a limit. Open
// quantity does not count towards the position limit.
func (r *Risk) Check(n NewOrder) error {
	l := r.limits
	if l.KillSwitch {
		return deny(RiskReasonKillSwitch)
	}
	if l.MaxOrderQty.IsPositive() && n.Qty.GreaterThan(l.MaxOrderQty) {
		return deny(RiskReasonMaxQty)
	}
	if l.MaxOrderNotional.IsPositive() && n.Price.Mul(n.Qty).Abs().GreaterThan(l.MaxOrderNotional) {
		return deny(RiskReasonMaxNotional)
	}

	r.mu.Lock()
	pos := r.positions[n.Symbol]
	ref := r.lastPrice[n.Symbol]
	r.mu.Unlock()

	if l.MaxPriceDeviationBps > 0 && ref.IsPositive() {
		band := ref.Mul(decimal.NewFromInt(l.MaxPriceDeviationBps)).Div(decimal.NewFromInt(10000))
		if n.Price.Sub(ref).Abs().GreaterThan(band) {
			return deny(RiskReasonPriceBand)
		}
	}
	if l.MaxPosition.IsPositive() && applySide(pos, n.Side, n.Qty).Abs().GreaterThan(l.MaxPosition) {
		return deny(RiskReasonPositionLimit)
	}
	return nil
}

// OnFill moves the symbol position and reference price.
func (r *Risk) OnFill(symbol string, side Side, qty, price decimal.Decimal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.positions[symbol] = applySide(r.positions[symbol], side, qty)
	if price.IsPositive() {
		r.lastPrice[symbol] = price
	}
}

// Position returns the filled position of symbol, negative when short.
func (r *Risk) Position(symbol string) decimal.Decimal {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.positions[symbol]
}

func applySide(pos decimal.Decimal, side Side, qty decimal.Decimal) decimal.Decimal {
	switch side {
	case SideBuy:
		return pos.Add(qty)
	case SideSell:
		return pos.Sub(qty)
	default:
		return pos
	}
}

func deny(reason string) error {
	return errors.Wrap(ErrRiskDenied, reason)
}
