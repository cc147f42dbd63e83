package model

import (
	"fmt"
	"strings"
)

// StrategyType identifies the shape of an options trade.
type StrategyType string

const (
	LongCall        StrategyType = "LONG_CALL"
	LongPut         StrategyType = "LONG_PUT"
	ShortCall       StrategyType = "SHORT_CALL"
	ShortPut        StrategyType = "SHORT_PUT"
	BullCallSpread  StrategyType = "BULL_CALL_SPREAD" // debit vertical
	BearPutSpread   StrategyType = "BEAR_PUT_SPREAD"  // debit vertical
	BullPutSpread   StrategyType = "BULL_PUT_SPREAD"  // credit vertical
	BearCallSpread  StrategyType = "BEAR_CALL_SPREAD" // credit vertical
	LongStraddle    StrategyType = "LONG_STRADDLE"
	LongStrangle    StrategyType = "LONG_STRANGLE"
	ShortStraddle   StrategyType = "SHORT_STRADDLE"
	ShortStrangle   StrategyType = "SHORT_STRANGLE"
	IronCondor      StrategyType = "IRON_CONDOR"
	IronButterfly   StrategyType = "IRON_BUTTERFLY"
	CoveredCall     StrategyType = "COVERED_CALL"
	CashSecuredPut  StrategyType = "CASH_SECURED_PUT"
	UnknownStrategy StrategyType = "UNKNOWN"
)

var strategyAliases = map[string]StrategyType{
	"STRADDLE":           LongStraddle,
	"STRANGLE":           LongStrangle,
	"CALL":               LongCall,
	"PUT":                LongPut,
	"BUY_CALL":           LongCall,
	"BUY_PUT":            LongPut,
	"SELL_CALL":          ShortCall,
	"SELL_PUT":           ShortPut,
	"CSP":                CashSecuredPut,
	"CASH_SECURED":       CashSecuredPut,
	"CREDIT_PUT_SPREAD":  BullPutSpread,
	"CREDIT_CALL_SPREAD": BearCallSpread,
	"DEBIT_CALL_SPREAD":  BullCallSpread,
	"DEBIT_PUT_SPREAD":   BearPutSpread,
}

// ParseStrategyType normalizes a free-form strategy name ("bull put spread",
// "STRADDLE") into a StrategyType.
func ParseStrategyType(s string) (StrategyType, error) {
	norm := strings.ToUpper(strings.TrimSpace(s))
	norm = strings.NewReplacer(" ", "_", "-", "_").Replace(norm)
	if alias, ok := strategyAliases[norm]; ok {
		return alias, nil
	}
	st := StrategyType(norm)
	switch st {
	case LongCall, LongPut, ShortCall, ShortPut,
		BullCallSpread, BearPutSpread, BullPutSpread, BearCallSpread,
		LongStraddle, LongStrangle, ShortStraddle, ShortStrangle,
		IronCondor, IronButterfly, CoveredCall, CashSecuredPut:
		return st, nil
	}
	return UnknownStrategy, fmt.Errorf("unknown strategy type %q", s)
}

// IsVertical reports whether the strategy is a two-leg vertical spread.
func (s StrategyType) IsVertical() bool {
	return s.IsDebitVertical() || s.IsCreditVertical()
}

// IsDebitVertical reports whether the strategy is a vertical opened for a net debit.
func (s StrategyType) IsDebitVertical() bool {
	return s == BullCallSpread || s == BearPutSpread
}

// IsCreditVertical reports whether the strategy is a vertical opened for a net credit.
func (s StrategyType) IsCreditVertical() bool {
	return s == BullPutSpread || s == BearCallSpread
}

// IsVolatility reports whether the strategy is a straddle or strangle of either sign.
func (s StrategyType) IsVolatility() bool {
	switch s {
	case LongStraddle, LongStrangle, ShortStraddle, ShortStrangle:
		return true
	}
	return false
}

// IsShortVolatility reports whether the strategy sells a straddle or strangle.
func (s StrategyType) IsShortVolatility() bool {
	return s == ShortStraddle || s == ShortStrangle
}

// IsLongPremium reports single-leg long option positions.
func (s StrategyType) IsLongPremium() bool {
	return s == LongCall || s == LongPut
}

// IsShortPremium reports single-leg short option positions.
func (s StrategyType) IsShortPremium() bool {
	return s == ShortCall || s == ShortPut || s == CashSecuredPut
}

// IsMultiLeg reports whether the strategy is built from more than one option leg.
func (s StrategyType) IsMultiLeg() bool {
	return s.IsVertical() || s.IsVolatility() || s == IronCondor || s == IronButterfly
}

// LegCount is the number of option legs the strategy is built from.
// Zero means the shape is not fixed.
func (s StrategyType) LegCount() int {
	switch {
	case s.IsVertical(), s.IsVolatility():
		return 2
	case s == IronCondor, s == IronButterfly:
		return 4
	case s.IsLongPremium(), s.IsShortPremium(), s == CoveredCall:
		return 1
	}
	return 0
}
