package exit

import (
	"fmt"
	"sync"
	"time"

	"github.com/Remdon/DubK-Options-sub000/config"
	"github.com/Remdon/DubK-Options-sub000/internal/model"
)

// Cooldown blocks re-entry into a symbol shortly after a close, and for the
// rest of the trading day once it has lost too often.
type Cooldown struct {
	mu        sync.Mutex
	window    time.Duration
	maxLosses int
	loc       *time.Location

	lastClose map[string]time.Time
	losses    map[string]map[string]int // symbol -> trading day -> count
}

// NewCooldown creates a Cooldown. Trading days are counted in loc (nil = UTC).
func NewCooldown(p config.ExitPolicy, loc *time.Location) *Cooldown {
	if loc == nil {
		loc = time.UTC
	}
	return &Cooldown{
		window:    p.ReentryCooldown,
		maxLosses: p.MaxLossesPerSymbolDay,
		loc:       loc,
		lastClose: make(map[string]time.Time),
		losses:    make(map[string]map[string]int),
	}
}

func (c *Cooldown) day(t time.Time) string {
	return t.In(c.loc).Format("2006-01-02")
}

// RecordClose notes a completed close.
func (c *Cooldown) RecordClose(symbol string, at time.Time, loss bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.lastClose[symbol]; !ok || at.After(prev) {
		c.lastClose[symbol] = at
	}
	if !loss {
		return
	}
	days := c.losses[symbol]
	if days == nil {
		days = make(map[string]int)
		c.losses[symbol] = days
	}
	days[c.day(at)]++
}

// Seed replays journaled exits, e.g. today's after a restart.
func (c *Cooldown) Seed(exits []model.ExitRecord) {
	for _, e := range exits {
		c.RecordClose(e.Symbol, e.ExitTime, e.IsLoss())
	}
}

// Blocked reports whether symbol may not be entered at now, with the reason.
func (c *Cooldown) Blocked(symbol string, now time.Time) (bool, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.maxLosses > 0 {
		if n := c.losses[symbol][c.day(now)]; n >= c.maxLosses {
			return true, fmt.Sprintf("%s blocked for the day after %d losing closes", symbol, n)
		}
	}
	if last, ok := c.lastClose[symbol]; ok && c.window > 0 {
		if since := now.Sub(last); since < c.window {
			return true, fmt.Sprintf("%s closed %s ago, re-entry cooldown %s",
				symbol, since.Round(time.Minute), c.window)
		}
	}
	return false, ""
}
