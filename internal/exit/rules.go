// Package exit decides when open positions are closed and carries out the
// close. Rules run per underlying group so a multi-leg strategy is always
// exited as a unit; cancellation of resting entries goes through SafeCancel,
// which refuses once anything has filled.
package exit

import (
	"fmt"
	"time"

	"github.com/Remdon/DubK-Options-sub000/config"
	"github.com/Remdon/DubK-Options-sub000/internal/model"
)

// Reason names the rule behind a decision.
type Reason string

const (
	ReasonNone         Reason = ""
	ReasonMinHold      Reason = "min_hold"
	ReasonEmergency    Reason = "emergency_dte"
	ReasonCatastrophic Reason = "catastrophic_loss"
	ReasonStopLoss     Reason = "stop_loss"
	ReasonProfitTarget Reason = "profit_target"
	ReasonTrailing     Reason = "trailing_stop"
	ReasonTimeExit     Reason = "time_exit"
)

// Input is everything the rule table looks at for one group.
type Input struct {
	StrategyType model.StrategyType
	// PnLPct is unrealized P&L over capital at risk, as a fraction.
	PnLPct float64
	// HighWater is the best PnLPct seen so far, including this one.
	HighWater float64
	// DTE is the nearest expiration across legs; nil for equities.
	DTE       *int
	EntryTime time.Time
	Now       time.Time
}

// Decision is the outcome of Decide. A Hold may still carry a Reason
// (min_hold) explaining why a rule was suppressed.
type Decision struct {
	Close  bool
	Reason Reason
	Detail string
}

func hold(reason Reason, format string, args ...any) Decision {
	return Decision{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

func closeFor(reason Reason, format string, args ...any) Decision {
	return Decision{Close: true, Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// Thresholds are the stop and time-exit values after the gamma window
// adjustment.
type Thresholds struct {
	StopLoss     float64
	Catastrophic float64
	TimeExitDTE  int
	GammaWindow  bool
}

// ThresholdsFor applies the gamma window: inside it the stop tightens and the
// time exit moves closer to expiration, never below the floor.
func ThresholdsFor(p config.ExitPolicy, st model.StrategyType, dte *int) Thresholds {
	th := Thresholds{
		StopLoss:    p.StopLossFor(st),
		TimeExitDTE: p.TimeExitFor(st),
	}
	if dte != nil && *dte < p.GammaWindowDTE {
		th.GammaWindow = true
		th.StopLoss *= p.GammaStopFactor
		th.TimeExitDTE = max(th.TimeExitDTE-p.GammaDTEShift, p.GammaDTEFloor)
	}
	th.Catastrophic = th.StopLoss * p.CatastrophicMultiple
	return th
}

// MinHold returns the minimum holding period for a strategy type; zero when
// none applies.
func MinHold(p config.ExitPolicy, st model.StrategyType) time.Duration {
	switch {
	case st.IsShortVolatility():
		return p.MinHoldShortVol
	case st.IsVolatility():
		return p.MinHoldLongVol
	}
	return 0
}

// Decide walks the rule table in priority order; the first match wins.
func Decide(p config.ExitPolicy, in Input) Decision {
	th := ThresholdsFor(p, in.StrategyType, in.DTE)
	emergency := in.DTE != nil && *in.DTE <= p.EmergencyDTE

	if minHold := MinHold(p, in.StrategyType); minHold > 0 && !in.EntryTime.IsZero() {
		if held := in.Now.Sub(in.EntryTime); held < minHold {
			switch {
			case emergency:
				return closeFor(ReasonEmergency, "%d DTE at or below %d, overriding minimum hold", *in.DTE, p.EmergencyDTE)
			case in.PnLPct <= th.Catastrophic:
				return closeFor(ReasonCatastrophic, "P&L %s at or below catastrophic %s, overriding minimum hold",
					pct(in.PnLPct), pct(th.Catastrophic))
			}
			return hold(ReasonMinHold, "held %s of minimum %s", held.Round(time.Minute), minHold)
		}
	}

	if emergency {
		return closeFor(ReasonEmergency, "%d DTE at or below %d", *in.DTE, p.EmergencyDTE)
	}

	if in.PnLPct <= th.StopLoss {
		detail := fmt.Sprintf("P&L %s at or below stop %s", pct(in.PnLPct), pct(th.StopLoss))
		if th.GammaWindow {
			detail += " (gamma window)"
		}
		return Decision{Close: true, Reason: ReasonStopLoss, Detail: detail}
	}

	if in.PnLPct >= p.ProfitTarget {
		return closeFor(ReasonProfitTarget, "P&L %s reached target %s", pct(in.PnLPct), pct(p.ProfitTarget))
	}

	if floor, ok := TrailingFloor(p, in.HighWater); ok && in.PnLPct <= floor {
		return closeFor(ReasonTrailing, "P&L %s fell to trailing floor %s from high %s",
			pct(in.PnLPct), pct(floor), pct(in.HighWater))
	}

	if in.DTE != nil && *in.DTE < th.TimeExitDTE {
		return closeFor(ReasonTimeExit, "%d DTE below %d", *in.DTE, th.TimeExitDTE)
	}

	return Decision{}
}

// TrailingFloor returns the P&L level that triggers the trailing stop for a
// given high-water mark. ok is false while the mark is below activation.
// The allowed pullback is an absolute drawdown in P&L points and shrinks as
// the mark grows.
func TrailingFloor(p config.ExitPolicy, highWater float64) (float64, bool) {
	if highWater < p.TrailingActivate {
		return 0, false
	}
	pullback, ok := config.Match(p.TrailingTiers, highWater)
	if !ok {
		return 0, false
	}
	return highWater - pullback, true
}

func pct(f float64) string {
	return fmt.Sprintf("%.1f%%", f*100)
}
