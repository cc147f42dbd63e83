package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// ContractMultiplier is the number of shares one equity option contract controls.
const ContractMultiplier = 100

// Position is a live holding as reported by the broker. The core never owns it.
type Position struct {
	Symbol        string          `json:"symbol"` // contract id for options, ticker for equities
	Underlying    string          `json:"underlying"`
	Quantity      int64           `json:"quantity"` // negative = short
	EntryPrice    decimal.Decimal `json:"entry_price"`
	CurrentPrice  decimal.Decimal `json:"current_price"`
	CostBasis     decimal.Decimal `json:"cost_basis"`
	MarketValue   decimal.Decimal `json:"market_value"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	// UnrealizedPnLPct is a fraction: -0.25 means down 25%.
	UnrealizedPnLPct float64      `json:"unrealized_pnl_pct"`
	StrategyType     StrategyType `json:"strategy_type,omitempty"`
	EntryTime        time.Time    `json:"entry_time,omitempty"`
	// DaysToExpiration is nil for equities.
	DaysToExpiration *int `json:"days_to_expiration,omitempty"`
}

// IsOption reports whether the position symbol is an OCC option symbol.
func (p *Position) IsOption() bool {
	return IsOCC(p.Symbol)
}

// IsShort reports whether the position is short.
func (p *Position) IsShort() bool {
	return p.Quantity < 0
}

// Exposure returns the absolute dollar value used for exposure accounting,
// falling back to entry price when the broker omits market value.
func (p *Position) Exposure() decimal.Decimal {
	if !p.MarketValue.IsZero() {
		return p.MarketValue.Abs()
	}
	qty := decimal.NewFromInt(p.Quantity).Abs()
	v := p.EntryPrice.Mul(qty)
	if p.IsOption() {
		v = v.Mul(decimal.NewFromInt(ContractMultiplier))
	}
	return v.Abs()
}

// Account is the broker-reported account summary.
type Account struct {
	Equity      decimal.Decimal `json:"equity"`
	BuyingPower decimal.Decimal `json:"buying_power"`
	Cash        decimal.Decimal `json:"cash"`
}

// ActivePosition is the position-tracking record persisted per underlying,
// carrying the strategy metadata exit rules need.
type ActivePosition struct {
	Symbol       string          `json:"symbol"`
	StrategyID   string          `json:"strategy_id"`
	StrategyType StrategyType    `json:"strategy_type"`
	EntryTime    time.Time       `json:"entry_time"`
	Confidence   float64         `json:"confidence"`
	ContractIDs  []string        `json:"contract_ids"`
	NetPremium   decimal.Decimal `json:"net_premium"` // per unit, positive debit / negative credit
	Quantity     int64           `json:"quantity"`
	HighWaterPct float64         `json:"high_water_pct"`
}

// ExitRecord is one completed close, journaled when the offsetting orders fill.
type ExitRecord struct {
	Symbol          string          `json:"symbol"`
	StrategyID      string          `json:"strategy_id"`
	CloseStrategyID string          `json:"close_strategy_id"`
	StrategyType    StrategyType    `json:"strategy_type"`
	Reason          string          `json:"reason"`
	Detail          string          `json:"detail"`
	PnL             decimal.Decimal `json:"pnl"`
	PnLPct          float64         `json:"pnl_pct"`
	EntryTime       time.Time       `json:"entry_time,omitempty"`
	ExitTime        time.Time       `json:"exit_time"`
}

// IsLoss reports whether the close realized a loss.
func (r ExitRecord) IsLoss() bool { return r.PnL.IsNegative() }

// ExposureSnapshot is a point-in-time view of portfolio allocation, computed
// from broker state on every use.
type ExposureSnapshot struct {
	BySymbol          map[string]float64 `json:"by_symbol"` // underlying -> fraction of equity
	TotalAllocatedPct float64            `json:"total_allocated_pct"`
	PositionCount     int                `json:"position_count"` // distinct underlyings
	LegCount          int                `json:"leg_count"`
	Equity            decimal.Decimal    `json:"equity"`
	TakenAt           time.Time          `json:"taken_at"`
}

// SymbolPct returns the exposure fraction for one underlying.
func (s ExposureSnapshot) SymbolPct(symbol string) float64 {
	if s.BySymbol == nil {
		return 0
	}
	return s.BySymbol[symbol]
}

// Holds reports whether the snapshot includes any position on symbol.
func (s ExposureSnapshot) Holds(symbol string) bool {
	_, ok := s.BySymbol[symbol]
	return ok
}
