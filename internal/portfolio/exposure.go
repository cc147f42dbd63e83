// Package portfolio derives portfolio-level views from broker-reported
// positions: exposure by underlying, strategy-group P&L, and the entry gate
// that every new position must pass.
//
// Nothing here caches broker state. Every snapshot is recomputed from a
// fresh read so two components never act on different numbers.
package portfolio

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Remdon/DubK-Options-sub000/internal/model"
)

// Snapshot computes exposure by underlying as a fraction of equity.
// Positions with zero value are skipped. PositionCount counts distinct
// underlyings, so the legs of one spread count once.
func Snapshot(positions []model.Position, equity decimal.Decimal, now time.Time) model.ExposureSnapshot {
	snap := model.ExposureSnapshot{
		BySymbol: make(map[string]float64),
		Equity:   equity,
		TakenAt:  now,
	}
	values := make(map[string]decimal.Decimal)
	total := decimal.Zero
	for _, p := range positions {
		if p.Quantity == 0 {
			continue
		}
		v := p.Exposure()
		if v.IsZero() {
			continue
		}
		u := underlyingOf(p)
		values[u] = values[u].Add(v)
		total = total.Add(v)
		snap.LegCount++
	}
	for u, v := range values {
		if equity.IsPositive() {
			snap.BySymbol[u], _ = v.Div(equity).Float64()
		} else {
			snap.BySymbol[u] = 0
		}
	}
	if equity.IsPositive() {
		snap.TotalAllocatedPct, _ = total.Div(equity).Float64()
	}
	snap.PositionCount = len(snap.BySymbol)
	return snap
}

// HeldUnits is the total number of option contracts held, long or short.
func HeldUnits(positions []model.Position) int64 {
	var n int64
	for _, p := range positions {
		if !p.IsOption() {
			continue
		}
		if p.Quantity < 0 {
			n -= p.Quantity
		} else {
			n += p.Quantity
		}
	}
	return n
}

// Symbols returns the sorted distinct underlyings of a snapshot.
func Symbols(snap model.ExposureSnapshot) []string {
	out := make([]string, 0, len(snap.BySymbol))
	for s := range snap.BySymbol {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func underlyingOf(p model.Position) string {
	if p.Underlying != "" {
		return p.Underlying
	}
	return model.Underlying(p.Symbol)
}
