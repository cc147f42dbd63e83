package portfolio

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/Remdon/DubK-Options-sub000/internal/model"
)

// Group is the aggregated view of every leg held on one underlying. Exit
// rules run against groups so a strategy is always closed as a unit.
type Group struct {
	Underlying    string
	Legs          []model.Position
	UnrealizedPnL decimal.Decimal
	// CapitalAtRisk is the absolute net premium paid or received at entry.
	CapitalAtRisk decimal.Decimal
	// PnLPct is UnrealizedPnL over CapitalAtRisk as a fraction.
	PnLPct float64
	// MinDTE is the nearest expiration across legs; nil when no leg reports one.
	MinDTE *int
}

// ContractIDs returns the leg symbols in stable order.
func (g Group) ContractIDs() []string {
	out := make([]string, 0, len(g.Legs))
	for _, l := range g.Legs {
		out = append(out, l.Symbol)
	}
	sort.Strings(out)
	return out
}

// IsMultiLeg reports whether the group holds more than one contract.
func (g Group) IsMultiLeg() bool { return len(g.Legs) > 1 }

// GroupByUnderlying aggregates option positions by underlying. Equity
// positions and flat lines are ignored. Groups are returned sorted by
// underlying.
func GroupByUnderlying(positions []model.Position) []Group {
	byUnderlying := make(map[string][]model.Position)
	for _, p := range positions {
		if !p.IsOption() || p.Quantity == 0 {
			continue
		}
		u := underlyingOf(p)
		byUnderlying[u] = append(byUnderlying[u], p)
	}
	out := make([]Group, 0, len(byUnderlying))
	for u, legs := range byUnderlying {
		out = append(out, Aggregate(u, legs))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Underlying < out[j].Underlying })
	return out
}

// Aggregate sums P&L across legs on a net-premium basis. A single leg keeps
// the broker-reported percentage.
func Aggregate(underlying string, legs []model.Position) Group {
	g := Group{Underlying: underlying, Legs: legs}
	signed := decimal.Zero
	mult := decimal.NewFromInt(model.ContractMultiplier)
	for _, l := range legs {
		g.UnrealizedPnL = g.UnrealizedPnL.Add(l.UnrealizedPnL)
		signed = signed.Add(l.EntryPrice.Mul(decimal.NewFromInt(l.Quantity)).Mul(mult))
		if l.DaysToExpiration != nil && (g.MinDTE == nil || *l.DaysToExpiration < *g.MinDTE) {
			dte := *l.DaysToExpiration
			g.MinDTE = &dte
		}
	}
	g.CapitalAtRisk = signed.Abs()

	if len(legs) == 1 {
		g.PnLPct = legs[0].UnrealizedPnLPct
		return g
	}
	if g.CapitalAtRisk.IsPositive() {
		g.PnLPct, _ = g.UnrealizedPnL.Div(g.CapitalAtRisk).Float64()
	}
	return g
}
