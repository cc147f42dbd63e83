package sizing

import (
	"fmt"

	"github.com/Remdon/DubK-Options-sub000/internal/model"
)

// ValidateLegs checks that legs have the shape their strategy type implies.
// It returns a rejection reason, or "" when the legs are acceptable.
func ValidateLegs(st model.StrategyType, legs []model.Leg) string {
	if len(legs) == 0 {
		return "no legs supplied"
	}
	if want := st.LegCount(); want > 0 && len(legs) != want {
		return fmt.Sprintf("%s needs %d legs, got %d", st, want, len(legs))
	}
	for i, l := range legs {
		if !l.Price.IsPositive() {
			return fmt.Sprintf("leg %d (%s) has no usable price", i, l.ContractID)
		}
		if l.Side != model.Buy && l.Side != model.Sell {
			return fmt.Sprintf("leg %d has invalid side %q", i, l.Side)
		}
	}

	calls, puts := split(legs)
	switch {
	case st.IsVertical():
		a, b := legs[0], legs[1]
		if a.OptionType != b.OptionType {
			return "vertical spread legs must share an option type"
		}
		if a.Side == b.Side {
			return "vertical spread needs one long and one short leg"
		}
		if a.Strike.Equal(b.Strike) {
			return "vertical spread legs must have different strikes"
		}
		if !a.Expiration.Equal(b.Expiration) {
			return "vertical spread legs must share an expiration"
		}
	case st == model.LongStraddle, st == model.ShortStraddle:
		if len(calls) != 1 || len(puts) != 1 {
			return "straddle needs one call and one put"
		}
		if !calls[0].Strike.Equal(puts[0].Strike) {
			return "straddle legs must share a strike"
		}
		if reason := sameSide(st, legs); reason != "" {
			return reason
		}
	case st == model.LongStrangle, st == model.ShortStrangle:
		if len(calls) != 1 || len(puts) != 1 {
			return "strangle needs one call and one put"
		}
		if calls[0].Strike.Equal(puts[0].Strike) {
			return "strangle legs must have different strikes"
		}
		if reason := sameSide(st, legs); reason != "" {
			return reason
		}
	case st == model.IronCondor, st == model.IronButterfly:
		if len(calls) != 2 || len(puts) != 2 {
			return fmt.Sprintf("%s needs two calls and two puts", st)
		}
		if calls[0].Side == calls[1].Side || puts[0].Side == puts[1].Side {
			return fmt.Sprintf("%s needs one long and one short leg per side", st)
		}
	case st == model.LongCall, st == model.LongPut:
		if legs[0].Side != model.Buy {
			return fmt.Sprintf("%s must buy its leg", st)
		}
		if !matchesType(st, legs[0]) {
			return fmt.Sprintf("%s leg has option type %s", st, legs[0].OptionType)
		}
	case st == model.ShortCall, st == model.ShortPut, st == model.CashSecuredPut, st == model.CoveredCall:
		if legs[0].Side != model.Sell {
			return fmt.Sprintf("%s must sell its leg", st)
		}
		if !matchesType(st, legs[0]) {
			return fmt.Sprintf("%s leg has option type %s", st, legs[0].OptionType)
		}
	}
	return ""
}

func split(legs []model.Leg) (calls, puts []model.Leg) {
	for _, l := range legs {
		if l.OptionType == model.Call {
			calls = append(calls, l)
		} else {
			puts = append(puts, l)
		}
	}
	return calls, puts
}

func sameSide(st model.StrategyType, legs []model.Leg) string {
	want := model.Buy
	if st.IsShortVolatility() {
		want = model.Sell
	}
	for _, l := range legs {
		if l.Side != want {
			return fmt.Sprintf("%s legs must all be %s", st, want)
		}
	}
	return ""
}

func matchesType(st model.StrategyType, l model.Leg) bool {
	switch st {
	case model.LongCall, model.ShortCall, model.CoveredCall:
		return l.OptionType == model.Call
	case model.LongPut, model.ShortPut, model.CashSecuredPut:
		return l.OptionType == model.Put
	}
	return true
}
