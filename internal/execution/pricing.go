package execution

import (
	"github.com/shopspring/decimal"

	"github.com/Remdon/DubK-Options-sub000/config"
	"github.com/Remdon/DubK-Options-sub000/internal/model"
)

// Pricer computes limit prices biased for fast fills.
type Pricer struct {
	policy config.ExecutionPolicy
}

// NewPricer creates a Pricer.
func NewPricer(policy config.ExecutionPolicy) Pricer {
	return Pricer{policy: policy}
}

func (p Pricer) minPrice() decimal.Decimal {
	return decimal.NewFromFloat(p.policy.MinPrice)
}

// LegLimit prices one independent leg from its quote. With a two-sided quote
// a buy pays the ask and a sell takes the bid; when the spread is wider than
// WideSpreadPct of mid, SlippageOfWidth of the spread is conceded on top.
// A one-sided quote uses the side present. Without a quote the mark is
// nudged by the no-quote factors.
func (p Pricer) LegLimit(side model.Side, q model.Quote, mark decimal.Decimal) decimal.Decimal {
	var px decimal.Decimal
	switch {
	case q.Bid.IsPositive() && q.Ask.IsPositive():
		width := q.Ask.Sub(q.Bid)
		mid := q.Mid()
		wide := false
		if mid.IsPositive() {
			spreadPct, _ := width.Div(mid).Float64()
			wide = spreadPct > p.policy.WideSpreadPct
		}
		slip := decimal.Zero
		if wide {
			slip = width.Mul(decimal.NewFromFloat(p.policy.SlippageOfWidth))
		}
		if side == model.Buy {
			px = q.Ask.Add(slip)
		} else {
			px = q.Bid.Sub(slip)
		}
	case q.Ask.IsPositive():
		px = q.Ask
	case q.Bid.IsPositive():
		px = q.Bid
	default:
		if !mark.IsPositive() {
			mark = q.Last
		}
		factor := p.policy.NoQuoteSellFactor
		if side == model.Buy {
			factor = p.policy.NoQuoteBuyFactor
		}
		px = mark.Mul(decimal.NewFromFloat(factor))
	}
	return p.clamp(px)
}

// Theoretical is the signed net mid of the legs per share: positive for a
// debit, negative for a credit. Legs without a two-sided quote use their mark.
func Theoretical(legs []SizedLeg) decimal.Decimal {
	net := decimal.Zero
	for _, l := range legs {
		px := l.Price
		if l.Quote.Bid.IsPositive() && l.Quote.Ask.IsPositive() {
			px = l.Quote.Mid()
		}
		net = net.Add(px.Mul(decimal.NewFromInt(l.Side.Sign() * ratio(l.Leg))))
	}
	return net
}

// NetLimit prices an atomic order. A credit accepts CreditLimitFactor of the
// theoretical credit, a debit pays up to DebitLimitFactor of the theoretical
// debit. The result keeps the sign of the theoretical net.
func (p Pricer) NetLimit(legs []SizedLeg) decimal.Decimal {
	net := Theoretical(legs)
	if net.IsNegative() {
		return p.clamp(net.Abs().Mul(decimal.NewFromFloat(p.policy.CreditLimitFactor))).Neg()
	}
	return p.clamp(net.Mul(decimal.NewFromFloat(p.policy.DebitLimitFactor)))
}

func (p Pricer) clamp(px decimal.Decimal) decimal.Decimal {
	px = px.Round(2)
	if px.LessThan(p.minPrice()) {
		return p.minPrice()
	}
	return px
}

func ratio(l model.Leg) int64 {
	if l.Quantity <= 0 {
		return 1
	}
	return l.Quantity
}
