package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// OptionType is call or put.
type OptionType string

const (
	Call OptionType = "CALL"
	Put  OptionType = "PUT"
)

// Side is the direction of a leg order.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Opposite returns the side that offsets s.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// Sign is +1 for buys and -1 for sells.
func (s Side) Sign() int64 {
	if s == Sell {
		return -1
	}
	return 1
}

// FillState is the broker-reported state of a single leg order.
type FillState string

const (
	FillOpen      FillState = "OPEN"
	FillFilled    FillState = "FILLED"
	FillCancelled FillState = "CANCELLED"
	FillFailed    FillState = "FAILED"
)

// IsTerminal reports whether no further transitions are possible.
func (f FillState) IsTerminal() bool {
	return f == FillFilled || f == FillCancelled || f == FillFailed
}

// StrategyStatus is the aggregate state of a StrategyOrder, derived from its legs.
type StrategyStatus string

const (
	StatusPending         StrategyStatus = "PENDING"
	StatusFilled          StrategyStatus = "FILLED"
	StatusPartiallyFilled StrategyStatus = "PARTIALLY_FILLED"
	StatusCancelled       StrategyStatus = "CANCELLED"
	StatusFailed          StrategyStatus = "FAILED"
)

// IsTerminal reports whether the status is eligible for retention sweeps.
// PARTIALLY_FILLED is not terminal; it waits for an operator.
func (s StrategyStatus) IsTerminal() bool {
	return s == StatusFilled || s == StatusCancelled || s == StatusFailed
}

// Purpose distinguishes opening trades from the offsetting trades that close them.
type Purpose string

const (
	PurposeEntry Purpose = "ENTRY"
	PurposeClose Purpose = "CLOSE"
)

// OrderMode selects between one combined multi-leg order and one order per leg.
type OrderMode string

const (
	ModeAtomic OrderMode = "ATOMIC"
	ModeSingle OrderMode = "SINGLE"
)

// Leg is one option contract order within a StrategyOrder. Legs of an atomic
// order share the same OrderID.
type Leg struct {
	OrderID    string          `json:"order_id"`
	ContractID string          `json:"contract_id"`
	OptionType OptionType      `json:"option_type"`
	Strike     decimal.Decimal `json:"strike"`
	Expiration time.Time       `json:"expiration"`
	Side       Side            `json:"side"`
	Quantity   int64           `json:"quantity"`
	Price      decimal.Decimal `json:"price"`
	FillState  FillState       `json:"fill_state"`
}

// StrategyOrder tracks one multi-leg (or single-leg) trade as a unit.
type StrategyOrder struct {
	StrategyID     string          `json:"strategy_id"`
	Symbol         string          `json:"symbol"`
	StrategyType   StrategyType    `json:"strategy_type"`
	Purpose        Purpose         `json:"purpose"`
	ParentID       string          `json:"parent_id,omitempty"`
	Mode           OrderMode       `json:"mode"`
	LimitPrice     decimal.Decimal `json:"limit_price"`
	Legs           []Leg           `json:"legs"`
	Status         StrategyStatus  `json:"status"`
	NeedsAttention bool            `json:"needs_attention"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	TerminalAt     time.Time       `json:"terminal_at,omitempty"`
	ArchivedAt     time.Time       `json:"archived_at,omitempty"`
}

// Clone returns a deep copy safe to hand outside a lock.
func (o *StrategyOrder) Clone() StrategyOrder {
	cp := *o
	cp.Legs = make([]Leg, len(o.Legs))
	copy(cp.Legs, o.Legs)
	return cp
}

// OrderIDs returns the distinct broker order ids of the strategy in leg order.
func (o *StrategyOrder) OrderIDs() []string {
	seen := make(map[string]bool, len(o.Legs))
	ids := make([]string, 0, len(o.Legs))
	for _, l := range o.Legs {
		if l.OrderID == "" || seen[l.OrderID] {
			continue
		}
		seen[l.OrderID] = true
		ids = append(ids, l.OrderID)
	}
	return ids
}

// OrderLeg is one leg of an order submission.
type OrderLeg struct {
	ContractID string `json:"contract_id"`
	Side       Side   `json:"side"`
	Ratio      int64  `json:"ratio"`
	// Closing marks buy-to-close / sell-to-close legs.
	Closing bool `json:"closing"`
}

// OrderRequest is what the broker port accepts for one submission.
// LimitPrice is per unit; for atomic orders it is the net price, positive
// for a debit and negative for a credit.
type OrderRequest struct {
	Symbol        string          `json:"symbol"`
	Legs          []OrderLeg      `json:"legs"`
	Mode          OrderMode       `json:"mode"`
	Quantity      int64           `json:"quantity"`
	LimitPrice    decimal.Decimal `json:"limit_price"`
	ClientOrderID string          `json:"client_order_id"`
}
