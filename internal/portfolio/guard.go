package portfolio

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Remdon/DubK-Options-sub000/config"
	"github.com/Remdon/DubK-Options-sub000/internal/logger"
	"github.com/Remdon/DubK-Options-sub000/internal/model"
)

// PositionSource is the slice of the broker the guard reads.
type PositionSource interface {
	GetAllPositions(ctx context.Context) ([]model.Position, error)
	GetAccount(ctx context.Context) (model.Account, error)
}

// Guard gates new positions against portfolio limits. It keeps no counters:
// every call reads positions and equity from the broker.
type Guard struct {
	limits config.ExposurePolicy
	src    PositionSource
	log    *slog.Logger
	now    func() time.Time
}

// NewGuard creates a Guard over src.
func NewGuard(limits config.ExposurePolicy, src PositionSource, log *slog.Logger) *Guard {
	return &Guard{
		limits: limits,
		src:    src,
		log:    logger.OrDefault(log).With("component", "exposure"),
		now:    time.Now,
	}
}

// WithClock overrides the time source for tests.
func (g *Guard) WithClock(now func() time.Time) *Guard {
	g.now = now
	return g
}

// Limits returns the configured limits.
func (g *Guard) Limits() config.ExposurePolicy { return g.limits }

// CurrentExposure reads broker state and returns a fresh snapshot.
func (g *Guard) CurrentExposure(ctx context.Context) (model.ExposureSnapshot, error) {
	snap, _, err := g.Read(ctx)
	return snap, err
}

// Read returns a fresh snapshot together with the positions it was built from.
func (g *Guard) Read(ctx context.Context) (model.ExposureSnapshot, []model.Position, error) {
	acct, err := g.src.GetAccount(ctx)
	if err != nil {
		return model.ExposureSnapshot{}, nil, fmt.Errorf("read account: %w", err)
	}
	positions, err := g.src.GetAllPositions(ctx)
	if err != nil {
		return model.ExposureSnapshot{}, nil, fmt.Errorf("read positions: %w", err)
	}
	return Snapshot(positions, acct.Equity, g.now()), positions, nil
}

// CanEnter checks whether a new position of proposedPct of equity on symbol
// passes the limits. A rejection is a normal outcome reported through the
// bool and reason; err is set only when broker state could not be read.
func (g *Guard) CanEnter(ctx context.Context, symbol string, proposedPct float64) (bool, string, error) {
	snap, err := g.CurrentExposure(ctx)
	if err != nil {
		return false, "", err
	}
	ok, reason := Check(g.limits, snap, symbol, proposedPct)
	if !ok {
		g.log.Info("entry rejected", append(logger.Attrs(ctx),
			"symbol", symbol, "proposed_pct", proposedPct, "reason", reason)...)
	}
	return ok, reason, nil
}

// Check applies the exposure rules to a snapshot. It is pure.
func Check(limits config.ExposurePolicy, snap model.ExposureSnapshot, symbol string, proposedPct float64) (bool, string) {
	if snap.PositionCount >= limits.MaxPositions {
		return false, fmt.Sprintf("max positions reached (%d/%d)", snap.PositionCount, limits.MaxPositions)
	}
	if proposedPct > limits.MaxPositionPct {
		return false, fmt.Sprintf("position size %s exceeds %s per-position cap",
			percent(proposedPct), percent(limits.MaxPositionPct))
	}
	current := snap.SymbolPct(symbol)
	if current+proposedPct > limits.MaxSymbolPct {
		return false, fmt.Sprintf("%s exposure would reach %s (current %s), above %s per-symbol cap",
			symbol, percent(current+proposedPct), percent(current), percent(limits.MaxSymbolPct))
	}
	return true, ""
}

func percent(f float64) string {
	return fmt.Sprintf("%.1f%%", f*100)
}
