package bot

import (
	"context"
	"errors"
	"fmt"

	"github.com/Remdon/DubK-Options-sub000/internal/execution"
	"github.com/Remdon/DubK-Options-sub000/internal/logger"
	"github.com/Remdon/DubK-Options-sub000/internal/marketdata"
	"github.com/Remdon/DubK-Options-sub000/internal/model"
	"github.com/Remdon/DubK-Options-sub000/internal/portfolio"
	"github.com/Remdon/DubK-Options-sub000/internal/resilience"
	"github.com/Remdon/DubK-Options-sub000/internal/sizing"
)

// Stage names the entry pipeline step that produced an outcome.
type Stage string

const (
	StageValidate  Stage = "validate"
	StageCooldown  Stage = "cooldown"
	StageHeld      Stage = "already_held"
	StageExposure  Stage = "exposure"
	StageQuotes    Stage = "quotes"
	StageSizing    Stage = "sizing"
	StageExecution Stage = "execution"
	StageSubmitted Stage = "submitted"
)

// EntryOutcome reports what happened to one candidate. Reason is set for
// every declined or failed entry.
type EntryOutcome struct {
	Symbol     string
	StrategyID string
	Entered    bool
	// Partial is true when only some legs were accepted by the broker.
	Partial   bool
	Stage     Stage
	Reason    string
	Sizing    sizing.Result
	Execution *execution.Result
}

func declined(c Candidate, stage Stage, format string, args ...any) EntryOutcome {
	return EntryOutcome{Symbol: c.Symbol, Stage: stage, Reason: fmt.Sprintf(format, args...)}
}

// Enter runs one candidate through the entry pipeline: cooldown, exposure
// snapshot, allocation, exposure guard, quote refresh, sizing (checked against
// the guard again at its actual cost), execution and the active-position record. A declined trade is a normal outcome; the
// error is set only for fatal failures, wrapped in ErrFatal.
func (s *Service) Enter(ctx context.Context, c Candidate) (EntryOutcome, error) {
	return s.enter(ctx, c, nil)
}

// EnterBatch fetches the chains of every candidate concurrently, then enters
// them one at a time so each sees the exposure left by the previous one.
// It stops at the first fatal error.
func (s *Service) EnterBatch(ctx context.Context, candidates []Candidate) ([]EntryOutcome, error) {
	symbols := make([]string, 0, len(candidates))
	for _, c := range candidates {
		symbols = append(symbols, c.Symbol)
	}
	chains, err := s.pool.FetchChains(ctx, symbols)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFatal, err)
	}

	out := make([]EntryOutcome, 0, len(candidates))
	for _, c := range candidates {
		res, err := s.enter(ctx, c, &chains)
		out = append(out, res)
		if err != nil {
			return out, err
		}
	}
	return out, nil
}

func (s *Service) enter(ctx context.Context, c Candidate, chains *marketdata.Chains) (EntryOutcome, error) {
	ctx = logger.NewTrace(ctx)
	out, err := s.pipeline(ctx, c, chains)
	if err != nil {
		s.log.ErrorContext(ctx, "entry stopped", append(logger.Attrs(ctx), "symbol", c.Symbol, "err", err)...)
		return out, fmt.Errorf("%w: %w", ErrFatal, err)
	}
	if out.Stage != StageSubmitted {
		s.log.InfoContext(ctx, "entry declined", append(logger.Attrs(ctx),
			"symbol", out.Symbol, "stage", out.Stage, "reason", out.Reason)...)
	}
	return out, nil
}

// pipeline returns a non-nil error only for fatal failures.
func (s *Service) pipeline(ctx context.Context, c Candidate, chains *marketdata.Chains) (EntryOutcome, error) {
	if err := c.Validate(); err != nil {
		return declined(c, StageValidate, "%v", err), nil
	}
	now := s.now()

	if blocked, reason := s.exits.Cooldown().Blocked(c.Symbol, now); blocked {
		return declined(c, StageCooldown, "%s", reason), nil
	}
	if held, ok, err := s.book.ActivePosition(ctx, c.Symbol); err != nil {
		return declined(c, StageHeld, "read active position: %v", err), fatalOnly(err)
	} else if ok {
		return declined(c, StageHeld, "%s already held by strategy %s", c.Symbol, held.StrategyID), nil
	}

	snap, positions, err := s.guard.Read(ctx)
	if err != nil {
		return declined(c, StageExposure, "read portfolio: %v", err), fatalOnly(err)
	}
	s.metrics.SetAllocated(snap.TotalAllocatedPct)
	acct, err := s.broker.GetAccount(ctx)
	if err != nil {
		return declined(c, StageExposure, "read account: %v", err), fatalOnly(err)
	}

	alloc := s.sizer.Allocation(c.Confidence, c.StrategyType, snap)
	if ok, reason := portfolio.Check(s.guard.Limits(), snap, c.Symbol, alloc); !ok {
		s.metrics.ExposureRejected()
		return declined(c, StageExposure, "%s", reason), nil
	}

	legs, reason, err := s.quoteLegs(ctx, c, chains)
	if err != nil {
		return declined(c, StageQuotes, "%s", reason), err
	}
	if reason != "" {
		return declined(c, StageQuotes, "%s", reason), nil
	}

	plain := make([]model.Leg, len(legs))
	for i, l := range legs {
		plain[i] = l.Leg
	}
	size := s.sizer.Size(sizing.Request{
		Symbol:       c.Symbol,
		StrategyType: c.StrategyType,
		Legs:         plain,
		Confidence:   c.Confidence,
		Equity:       acct.Equity,
		BuyingPower:  acct.BuyingPower,
		Exposure:     snap,
		HeldUnits:    portfolio.HeldUnits(positions),
	})
	if !size.CanAfford {
		s.metrics.SizingRejected()
		out := declined(c, StageSizing, "%s", size.RejectionReason)
		out.Sizing = size
		return out, nil
	}
	// Rounding up to one unit can cost more than the allocation checked above.
	if ok, reason := portfolio.Check(s.guard.Limits(), snap, c.Symbol, size.PositionPct); !ok {
		s.metrics.ExposureRejected()
		out := declined(c, StageExposure, "sized %d unit(s): %s", size.Quantity, reason)
		out.Sizing = size
		return out, nil
	}

	res, err := s.coord.Execute(ctx, execution.Request{
		Symbol:       c.Symbol,
		StrategyType: c.StrategyType,
		Purpose:      model.PurposeEntry,
		Quantity:     size.Quantity,
		Legs:         legs,
	})
	out := EntryOutcome{
		Symbol:     c.Symbol,
		StrategyID: res.StrategyID,
		Stage:      StageExecution,
		Sizing:     size,
		Execution:  &res,
	}
	if err != nil {
		if errors.Is(err, execution.ErrInvalidRequest) {
			out.Reason = err.Error()
			return out, nil
		}
		out.Reason = err.Error()
		return out, err
	}
	if !res.Success && !res.Partial {
		out.Reason = "no leg accepted: " + res.Reason()
		return out, nil
	}

	out.Stage = StageSubmitted
	out.Entered = res.Success
	out.Partial = res.Partial
	if res.Partial {
		out.Reason = "partial submission: " + res.Reason()
	}

	contracts := make([]string, len(legs))
	for i, l := range legs {
		contracts[i] = l.ContractID
	}
	if err := s.book.SaveActivePosition(ctx, model.ActivePosition{
		Symbol:       c.Symbol,
		StrategyID:   res.StrategyID,
		StrategyType: c.StrategyType,
		EntryTime:    now,
		Confidence:   c.Confidence,
		ContractIDs:  contracts,
		NetPremium:   size.NetPerShare,
		Quantity:     size.Quantity,
	}); err != nil {
		return out, resilience.Fatalf("record active position %s: %w", c.Symbol, err)
	}

	s.log.InfoContext(ctx, "entry submitted", append(logger.Attrs(ctx),
		"symbol", c.Symbol, "strategy_id", res.StrategyID, "type", c.StrategyType,
		"qty", size.Quantity, "mode", res.Mode, "limit", res.LimitPrice.StringFixed(2))...)
	return out, nil
}

// quoteLegs prices every leg from the options chain, falling back to a
// direct quote for contracts missing from it. A non-empty reason declines
// the entry; err is set only when the failure is fatal.
func (s *Service) quoteLegs(ctx context.Context, c Candidate, chains *marketdata.Chains) ([]execution.SizedLeg, string, error) {
	if chains == nil {
		fetched, err := s.pool.FetchChains(ctx, []string{c.Symbol})
		if err != nil {
			return nil, fmt.Sprintf("chain %s: %v", c.Symbol, err), err
		}
		chains = &fetched
	}

	legs := make([]execution.SizedLeg, len(c.Legs))
	var missing []string
	for i, cl := range c.Legs {
		parts, _ := model.ParseOCC(cl.ContractID)
		legs[i] = execution.SizedLeg{Leg: model.Leg{
			ContractID: cl.ContractID,
			OptionType: parts.Type,
			Strike:     parts.Strike,
			Expiration: parts.Expiration,
			Side:       cl.Side,
			Quantity:   cl.Ratio,
		}}
		if oc, ok := chains.Contract(cl.ContractID); ok {
			legs[i].Quote = oc.Quote()
		} else {
			missing = append(missing, cl.ContractID)
		}
	}

	if len(missing) > 0 {
		quotes, errs, err := s.pool.FetchQuotes(ctx, missing)
		if err != nil {
			return nil, fmt.Sprintf("quotes: %v", err), err
		}
		for i := range legs {
			if q, ok := quotes[legs[i].ContractID]; ok {
				legs[i].Quote = q
			}
		}
		for _, id := range missing {
			if e, ok := errs[id]; ok {
				return nil, fmt.Sprintf("no quote for %s: %v", id, e), nil
			}
		}
	}

	for i := range legs {
		mid := legs[i].Quote.Mid()
		if !mid.IsPositive() {
			return nil, fmt.Sprintf("no usable price for %s", legs[i].ContractID), nil
		}
		legs[i].Price = mid
	}
	return legs, "", nil
}

func fatalOnly(err error) error {
	if resilience.IsFatal(err) {
		return err
	}
	return nil
}
