// Package sizing turns a recommended strategy into a contract quantity under
// capital, exposure and risk/reward constraints.
//
// Every decision is returned as a Result; a declined trade carries a
// human-readable RejectionReason and is not an error.
package sizing

import (
	"fmt"
	"log/slog"
	"math"

	"github.com/shopspring/decimal"

	"github.com/Remdon/DubK-Options-sub000/config"
	"github.com/Remdon/DubK-Options-sub000/internal/logger"
	"github.com/Remdon/DubK-Options-sub000/internal/model"
)

var hundred = decimal.NewFromInt(model.ContractMultiplier)

// Request is the input to Size.
type Request struct {
	Symbol       string
	StrategyType model.StrategyType
	// Legs carry side, type, strike, expiration, per-share Price and the
	// per-unit ratio in Quantity (0 is treated as 1).
	Legs []model.Leg
	// Confidence is 0-100; values in [0,1] are read as fractions.
	Confidence float64
	Equity     decimal.Decimal
	// BuyingPower caps debit trades when positive.
	BuyingPower decimal.Decimal
	Exposure    model.ExposureSnapshot
	// HeldUnits is the number of option units already held account-wide.
	HeldUnits int64
}

// Result is the sizing decision.
type Result struct {
	Quantity int64
	// NetPerShare is the signed per-share premium: positive debit, negative credit.
	NetPerShare decimal.Decimal
	// NetPerUnit is NetPerShare times the contract multiplier.
	NetPerUnit       decimal.Decimal
	TotalCost        decimal.Decimal
	AllocationPct    float64
	AllocatedCapital decimal.Decimal
	// PositionPct is TotalCost as a fraction of equity.
	PositionPct     float64
	CanAfford       bool
	RejectionReason string
}

// IsCredit reports whether the trade opens for a net credit.
func (r Result) IsCredit() bool { return r.NetPerShare.IsNegative() }

func reject(r Result, format string, args ...any) Result {
	r.Quantity = 0
	r.CanAfford = false
	r.RejectionReason = fmt.Sprintf(format, args...)
	return r
}

// Engine computes sizes. It holds no mutable state.
type Engine struct {
	policy config.SizingPolicy
	log    *slog.Logger
}

// New creates a sizing Engine.
func New(policy config.SizingPolicy, log *slog.Logger) *Engine {
	return &Engine{policy: policy, log: logger.OrDefault(log).With("component", "sizing")}
}

// Allocation returns the fraction of equity to commit: the confidence bucket
// scaled base, capped, then scaled by the strategy risk multiplier and by
// exposure dampening.
func (e *Engine) Allocation(confidence float64, st model.StrategyType, snap model.ExposureSnapshot) float64 {
	conf := normalizeConfidence(confidence)
	mult, ok := config.Match(e.policy.ConfidenceTiers, conf)
	if !ok {
		mult = 1.0
	}
	pct := e.policy.BasePositionPct * mult
	if pct > e.policy.MaxPositionPct {
		pct = e.policy.MaxPositionPct
	}
	pct *= e.policy.MultiplierFor(st)
	pct *= e.Dampening(snap.TotalAllocatedPct)
	return pct
}

// Dampening returns the size multiplier for a given total allocation. The
// first tier whose threshold is strictly exceeded applies.
func (e *Engine) Dampening(totalAllocated float64) float64 {
	for _, t := range e.policy.DampeningTiers {
		if totalAllocated > t.Threshold {
			return t.Value
		}
	}
	return 1.0
}

// Size computes the quantity for one trade.
func (e *Engine) Size(req Request) Result {
	res := Result{}

	if reason := ValidateLegs(req.StrategyType, req.Legs); reason != "" {
		return e.declined(req, reject(res, "%s", reason))
	}
	if !req.Equity.IsPositive() {
		return e.declined(req, reject(res, "account equity $%s is not positive", req.Equity.StringFixed(2)))
	}

	res.NetPerShare = NetPremium(req.Legs)
	res.NetPerUnit = res.NetPerShare.Mul(hundred)
	if res.NetPerShare.IsZero() {
		return e.declined(req, reject(res, "net premium is zero"))
	}

	if reason := e.checkRiskReward(req.StrategyType, req.Legs, res.NetPerShare); reason != "" {
		return e.declined(req, reject(res, "%s", reason))
	}

	res.AllocationPct = e.Allocation(req.Confidence, req.StrategyType, req.Exposure)
	res.AllocatedCapital = req.Equity.Mul(decimal.NewFromFloat(res.AllocationPct)).Round(2)

	unitCost := res.NetPerUnit.Abs()
	qty := res.AllocatedCapital.Div(unitCost).Floor().IntPart()

	if qty > e.policy.MaxUnitsPerSymbol {
		qty = e.policy.MaxUnitsPerSymbol
	}
	remaining := e.policy.MaxUnitsAccount - req.HeldUnits
	if remaining <= 0 {
		return e.declined(req, reject(res, "account unit cap of %d reached", e.policy.MaxUnitsAccount))
	}
	if qty > remaining {
		qty = remaining
	}

	if qty == 0 {
		limit := res.AllocatedCapital.Mul(decimal.NewFromFloat(e.policy.AffordBuffer))
		if unitCost.GreaterThan(limit) {
			return e.declined(req, reject(res, "one unit costs $%s, above allocation $%s",
				unitCost.StringFixed(2), res.AllocatedCapital.StringFixed(2)))
		}
		qty = 1
	}

	if !res.IsCredit() && req.BuyingPower.IsPositive() {
		maxByBP := req.BuyingPower.Div(unitCost).Floor().IntPart()
		if maxByBP == 0 {
			return e.declined(req, reject(res, "one unit costs $%s, above buying power $%s",
				unitCost.StringFixed(2), req.BuyingPower.StringFixed(2)))
		}
		if qty > maxByBP {
			qty = maxByBP
		}
	}

	res.Quantity = qty
	res.TotalCost = unitCost.Mul(decimal.NewFromInt(qty))
	res.PositionPct, _ = res.TotalCost.Div(req.Equity).Float64()
	res.CanAfford = true

	e.log.Info("sized trade",
		"symbol", req.Symbol, "type", req.StrategyType, "qty", qty,
		"net_per_unit", res.NetPerUnit.StringFixed(2), "total", res.TotalCost.StringFixed(2),
		"allocation_pct", res.AllocationPct)
	return res
}

func (e *Engine) declined(req Request, res Result) Result {
	e.log.Info("sizing declined trade",
		"symbol", req.Symbol, "type", req.StrategyType, "reason", res.RejectionReason)
	return res
}

// checkRiskReward applies the vertical spread hard-reject rules.
func (e *Engine) checkRiskReward(st model.StrategyType, legs []model.Leg, net decimal.Decimal) string {
	if !st.IsVertical() {
		return ""
	}
	width := Width(legs)
	if !width.IsPositive() {
		return "vertical spread has zero strike width"
	}
	switch {
	case st.IsDebitVertical():
		if !net.IsPositive() {
			return fmt.Sprintf("%s priced for a credit of $%s, expected a debit", st, net.Abs().StringFixed(2))
		}
		ceiling := width.Mul(decimal.NewFromFloat(e.policy.MaxDebitWidthPct))
		if net.GreaterThan(ceiling) {
			return fmt.Sprintf("debit $%s exceeds %s of $%s width",
				net.StringFixed(2), pct(e.policy.MaxDebitWidthPct), width.StringFixed(2))
		}
	case st.IsCreditVertical():
		if !net.IsNegative() {
			return fmt.Sprintf("%s priced for a debit of $%s, expected a credit", st, net.StringFixed(2))
		}
		credit := net.Abs()
		floor := width.Mul(decimal.NewFromFloat(e.policy.MinCreditWidthPct))
		if credit.LessThan(floor) {
			return fmt.Sprintf("credit $%s below %s of $%s width",
				credit.StringFixed(2), pct(e.policy.MinCreditWidthPct), width.StringFixed(2))
		}
	}
	return ""
}

// NetPremium sums signed per-share leg prices: buys add, sells subtract.
func NetPremium(legs []model.Leg) decimal.Decimal {
	net := decimal.Zero
	for _, l := range legs {
		ratio := l.Quantity
		if ratio <= 0 {
			ratio = 1
		}
		net = net.Add(l.Price.Mul(decimal.NewFromInt(l.Side.Sign() * ratio)))
	}
	return net
}

// Width is the strike distance of a two-leg vertical; zero otherwise.
func Width(legs []model.Leg) decimal.Decimal {
	if len(legs) != 2 {
		return decimal.Zero
	}
	return legs[0].Strike.Sub(legs[1].Strike).Abs()
}

func normalizeConfidence(c float64) float64 {
	if c > 0 && c <= 1 {
		return c * 100
	}
	return c
}

func pct(f float64) string {
	return fmt.Sprintf("%d%%", int(math.Round(f*100)))
}
