package config

import (
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Remdon/DubK-Options-sub000/internal/model"
)

// Policy holds the business-policy numbers that drive sizing, gating,
// execution pricing and exits. Fractions are expressed as 0.05 for 5%.
type Policy struct {
	Sizing     SizingPolicy     `yaml:"sizing"`
	Exposure   ExposurePolicy   `yaml:"exposure"`
	Execution  ExecutionPolicy  `yaml:"execution"`
	Exit       ExitPolicy       `yaml:"exit"`
	Resilience ResiliencePolicy `yaml:"resilience"`
	Loop       LoopPolicy       `yaml:"loop"`
}

// Tier maps a threshold to a value. Tiers are matched highest threshold first.
type Tier struct {
	Threshold float64 `yaml:"threshold"`
	Value     float64 `yaml:"value"`
}

// SizingPolicy configures the sizing engine.
type SizingPolicy struct {
	BasePositionPct float64 `yaml:"base_position_pct"`
	// ConfidenceTiers: confidence (0-100) -> allocation multiplier.
	ConfidenceTiers     []Tier                         `yaml:"confidence_tiers"`
	MaxPositionPct      float64                        `yaml:"max_position_pct"`
	StrategyMultipliers map[model.StrategyType]float64 `yaml:"strategy_multipliers"`
	DefaultMultiplier   float64                        `yaml:"default_multiplier"`
	// DampeningTiers: total allocated fraction -> size multiplier.
	DampeningTiers    []Tier  `yaml:"dampening_tiers"`
	MaxDebitWidthPct  float64 `yaml:"max_debit_width_pct"`
	MinCreditWidthPct float64 `yaml:"min_credit_width_pct"`
	MaxUnitsPerSymbol int64   `yaml:"max_units_per_symbol"`
	MaxUnitsAccount   int64   `yaml:"max_units_account"`
	AffordBuffer      float64 `yaml:"afford_buffer"`
}

// ExposurePolicy configures the portfolio-level entry gate.
type ExposurePolicy struct {
	MaxPositions   int     `yaml:"max_positions"`
	MaxPositionPct float64 `yaml:"max_position_pct"`
	MaxSymbolPct   float64 `yaml:"max_symbol_pct"`
}

// ExecutionPolicy configures limit pricing.
type ExecutionPolicy struct {
	CreditLimitFactor float64 `yaml:"credit_limit_factor"`
	DebitLimitFactor  float64 `yaml:"debit_limit_factor"`
	WideSpreadPct     float64 `yaml:"wide_spread_pct"`
	SlippageOfWidth   float64 `yaml:"slippage_of_width"`
	MinPrice          float64 `yaml:"min_price"`
	NoQuoteBuyFactor  float64 `yaml:"no_quote_buy_factor"`
	NoQuoteSellFactor float64 `yaml:"no_quote_sell_factor"`
}

// ExitPolicy configures the position exit rule table.
type ExitPolicy struct {
	// StopLoss values are negative fractions of capital at risk.
	StopLoss           map[model.StrategyType]float64 `yaml:"stop_loss"`
	DefaultStopLoss    float64                        `yaml:"default_stop_loss"`
	TimeExitDTE        map[model.StrategyType]int     `yaml:"time_exit_dte"`
	DefaultTimeExitDTE int                            `yaml:"default_time_exit_dte"`
	EmergencyDTE       int                            `yaml:"emergency_dte"`

	GammaWindowDTE   int     `yaml:"gamma_window_dte"`
	GammaStopFactor  float64 `yaml:"gamma_stop_factor"`
	GammaDTEShift    int     `yaml:"gamma_dte_shift"`
	GammaDTEFloor    int     `yaml:"gamma_dte_floor"`
	ProfitTarget     float64 `yaml:"profit_target"`
	TrailingActivate float64 `yaml:"trailing_activate"`
	// TrailingTiers: high-water mark -> allowed drawdown from the mark, in P&L points.
	TrailingTiers []Tier `yaml:"trailing_tiers"`

	MinHoldLongVol       time.Duration `yaml:"min_hold_long_vol"`
	MinHoldShortVol      time.Duration `yaml:"min_hold_short_vol"`
	CatastrophicMultiple float64       `yaml:"catastrophic_multiple"`

	CloseBuffer    float64 `yaml:"close_buffer"`
	WorthlessPrice float64 `yaml:"worthless_price"`
	MaxCloseLimit  float64 `yaml:"max_close_limit"`

	ReentryCooldown       time.Duration `yaml:"reentry_cooldown"`
	MaxLossesPerSymbolDay int           `yaml:"max_losses_per_symbol_day"`
	StaleEntryAfter       time.Duration `yaml:"stale_entry_after"`
}

// ResiliencePolicy configures retries, timeouts and the circuit breaker.
type ResiliencePolicy struct {
	BreakerMaxFailures int           `yaml:"breaker_max_failures"`
	BreakerCooldown    time.Duration `yaml:"breaker_cooldown"`
	RetryAttempts      int           `yaml:"retry_attempts"`
	RetryBase          time.Duration `yaml:"retry_base"`
	RetryFactor        float64       `yaml:"retry_factor"`
	CallTimeout        time.Duration `yaml:"call_timeout"`
}

// LoopPolicy configures the coordinating loop.
type LoopPolicy struct {
	PositionCheckInterval time.Duration `yaml:"position_check_interval"`
	Retention             time.Duration `yaml:"retention"`
	AlertThrottle         time.Duration `yaml:"alert_throttle"`
}

// DefaultPolicy returns the calibrated defaults.
func DefaultPolicy() Policy {
	return Policy{
		Sizing: SizingPolicy{
			BasePositionPct: 0.05,
			ConfidenceTiers: []Tier{{95, 1.6}, {90, 1.3}, {80, 1.1}},
			MaxPositionPct:  0.08,
			StrategyMultipliers: map[model.StrategyType]float64{
				model.BullCallSpread: 0.9,
				model.BearPutSpread:  0.9,
				model.BullPutSpread:  0.9,
				model.BearCallSpread: 0.9,
				model.IronCondor:     0.8,
				model.IronButterfly:  0.8,
				model.LongStraddle:   0.6,
				model.ShortStraddle:  0.6,
				model.LongStrangle:   0.5,
				model.ShortStrangle:  0.5,
				model.LongCall:       0.6,
				model.LongPut:        0.6,
			},
			DefaultMultiplier: 0.7,
			DampeningTiers:    []Tier{{0.80, 0.5}, {0.60, 0.75}},
			MaxDebitWidthPct:  0.60,
			MinCreditWidthPct: 0.30,
			MaxUnitsPerSymbol: 50,
			MaxUnitsAccount:   200,
			AffordBuffer:      1.2,
		},
		Exposure: ExposurePolicy{
			MaxPositions:   10,
			MaxPositionPct: 0.15,
			MaxSymbolPct:   0.25,
		},
		Execution: ExecutionPolicy{
			CreditLimitFactor: 0.85,
			DebitLimitFactor:  1.10,
			WideSpreadPct:     0.10,
			SlippageOfWidth:   0.10,
			MinPrice:          0.01,
			NoQuoteBuyFactor:  1.02,
			NoQuoteSellFactor: 0.98,
		},
		Exit: ExitPolicy{
			StopLoss: map[model.StrategyType]float64{
				model.LongCall:       -0.25,
				model.LongPut:        -0.25,
				model.ShortCall:      -0.50,
				model.ShortPut:       -0.50,
				model.CashSecuredPut: -0.50,
				model.BullCallSpread: -0.75,
				model.BearPutSpread:  -0.75,
				model.BullPutSpread:  -0.75,
				model.BearCallSpread: -0.75,
				model.IronCondor:     -0.50,
				model.IronButterfly:  -0.50,
				model.LongStraddle:   -0.30,
				model.LongStrangle:   -0.30,
				model.ShortStraddle:  -0.40,
				model.ShortStrangle:  -0.40,
				model.CoveredCall:    -0.15,
			},
			DefaultStopLoss: -0.50,
			TimeExitDTE: map[model.StrategyType]int{
				model.LongCall:       7,
				model.LongPut:        7,
				model.ShortCall:      3,
				model.ShortPut:       3,
				model.CashSecuredPut: 3,
				model.BullCallSpread: 5,
				model.BearPutSpread:  5,
				model.BullPutSpread:  5,
				model.BearCallSpread: 5,
				model.IronCondor:     7,
				model.IronButterfly:  7,
				model.LongStraddle:   7,
				model.LongStrangle:   7,
				model.ShortStraddle:  5,
				model.ShortStrangle:  5,
				model.CoveredCall:    3,
			},
			DefaultTimeExitDTE:    7,
			EmergencyDTE:          2,
			GammaWindowDTE:        7,
			GammaStopFactor:       0.7,
			GammaDTEShift:         2,
			GammaDTEFloor:         2,
			ProfitTarget:          0.50,
			TrailingActivate:      0.15,
			TrailingTiers:         []Tier{{0.50, 0.20}, {0.30, 0.25}, {0.15, 0.30}},
			MinHoldLongVol:        120 * time.Minute,
			MinHoldShortVol:       60 * time.Minute,
			CatastrophicMultiple:  1.5,
			CloseBuffer:           0.10,
			WorthlessPrice:        0.01,
			MaxCloseLimit:         100,
			ReentryCooldown:       60 * time.Minute,
			MaxLossesPerSymbolDay: 2,
			StaleEntryAfter:       15 * time.Minute,
		},
		Resilience: ResiliencePolicy{
			BreakerMaxFailures: 10,
			BreakerCooldown:    10 * time.Minute,
			RetryAttempts:      3,
			RetryBase:          time.Second,
			RetryFactor:        2,
			CallTimeout:        10 * time.Second,
		},
		Loop: LoopPolicy{
			PositionCheckInterval: 5 * time.Minute,
			Retention:             24 * time.Hour,
			AlertThrottle:         5 * time.Minute,
		},
	}
}

// LoadPolicy reads a YAML policy file layered over DefaultPolicy.
// An empty path returns the defaults.
func LoadPolicy(path string) (Policy, error) {
	p := DefaultPolicy()
	if path == "" {
		return p, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("read policy %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("parse policy %s: %w", path, err)
	}
	p.normalize()
	if err := p.Validate(); err != nil {
		return Policy{}, fmt.Errorf("policy %s: %w", path, err)
	}
	return p, nil
}

// normalize sorts tiers highest threshold first.
func (p *Policy) normalize() {
	for _, tiers := range [][]Tier{p.Sizing.ConfidenceTiers, p.Sizing.DampeningTiers, p.Exit.TrailingTiers} {
		sort.SliceStable(tiers, func(i, j int) bool { return tiers[i].Threshold > tiers[j].Threshold })
	}
}

// Validate rejects values that would make the rule tables meaningless.
func (p Policy) Validate() error {
	s := p.Sizing
	if s.BasePositionPct <= 0 || s.BasePositionPct > 1 {
		return fmt.Errorf("sizing.base_position_pct must be in (0,1], got %v", s.BasePositionPct)
	}
	if s.MaxPositionPct <= 0 || s.MaxPositionPct > 1 {
		return fmt.Errorf("sizing.max_position_pct must be in (0,1], got %v", s.MaxPositionPct)
	}
	if s.MaxDebitWidthPct <= 0 || s.MaxDebitWidthPct >= 1 {
		return fmt.Errorf("sizing.max_debit_width_pct must be in (0,1), got %v", s.MaxDebitWidthPct)
	}
	if s.MinCreditWidthPct <= 0 || s.MinCreditWidthPct >= 1 {
		return fmt.Errorf("sizing.min_credit_width_pct must be in (0,1), got %v", s.MinCreditWidthPct)
	}
	if s.MaxUnitsPerSymbol <= 0 || s.MaxUnitsAccount <= 0 {
		return fmt.Errorf("sizing unit caps must be positive")
	}
	e := p.Exposure
	if e.MaxPositions <= 0 || e.MaxPositionPct <= 0 || e.MaxSymbolPct <= 0 {
		return fmt.Errorf("exposure limits must be positive")
	}
	x := p.Exit
	if x.ProfitTarget <= 0 {
		return fmt.Errorf("exit.profit_target must be positive, got %v", x.ProfitTarget)
	}
	if x.DefaultStopLoss >= 0 {
		return fmt.Errorf("exit.default_stop_loss must be negative, got %v", x.DefaultStopLoss)
	}
	for st, v := range x.StopLoss {
		if v >= 0 {
			return fmt.Errorf("exit.stop_loss[%s] must be negative, got %v", st, v)
		}
	}
	if x.CatastrophicMultiple < 1 {
		return fmt.Errorf("exit.catastrophic_multiple must be >= 1, got %v", x.CatastrophicMultiple)
	}
	r := p.Resilience
	if r.BreakerMaxFailures <= 0 || r.RetryAttempts <= 0 {
		return fmt.Errorf("resilience counts must be positive")
	}
	if p.Loop.PositionCheckInterval <= 0 {
		return fmt.Errorf("loop.position_check_interval must be positive")
	}
	return nil
}

// StopLossFor returns the configured stop for a strategy type.
func (x ExitPolicy) StopLossFor(st model.StrategyType) float64 {
	if v, ok := x.StopLoss[st]; ok {
		return v
	}
	return x.DefaultStopLoss
}

// TimeExitFor returns the configured DTE threshold for a strategy type.
func (x ExitPolicy) TimeExitFor(st model.StrategyType) int {
	if v, ok := x.TimeExitDTE[st]; ok {
		return v
	}
	return x.DefaultTimeExitDTE
}

// MultiplierFor returns the sizing risk multiplier for a strategy type.
func (s SizingPolicy) MultiplierFor(st model.StrategyType) float64 {
	if v, ok := s.StrategyMultipliers[st]; ok {
		return v
	}
	return s.DefaultMultiplier
}

// Match returns the value of the first tier whose threshold v meets, scanning
// tiers in order, and ok=false if none does.
func Match(tiers []Tier, v float64) (float64, bool) {
	for _, t := range tiers {
		if v >= t.Threshold {
			return t.Value, true
		}
	}
	return 0, false
}
