// Package marketdata fans read-only market-data requests out over a bounded
// number of concurrent calls.
package marketdata

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/Remdon/DubK-Options-sub000/internal/logger"
	"github.com/Remdon/DubK-Options-sub000/internal/model"
	"github.com/Remdon/DubK-Options-sub000/internal/resilience"
)

// DefaultWorkers keeps chain fetches well under typical data API rate limits.
const DefaultWorkers = 4

// Pool runs market-data reads with at most Workers in flight.
type Pool struct {
	md      model.MarketData
	workers int
	log     *slog.Logger
}

// NewPool creates a Pool. workers <= 0 uses DefaultWorkers.
func NewPool(md model.MarketData, workers int, log *slog.Logger) *Pool {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Pool{
		md:      md,
		workers: workers,
		log:     logger.OrDefault(log).With("component", "marketdata"),
	}
}

// Chains holds the chains fetched for a batch, keyed by underlying.
type Chains struct {
	Contracts map[string][]model.OptionContract
	Errors    map[string]error
}

// Contract looks up one contract in the fetched chains.
func (c Chains) Contract(contractID string) (model.OptionContract, bool) {
	for _, oc := range c.Contracts[model.Underlying(contractID)] {
		if oc.Symbol == contractID {
			return oc, true
		}
	}
	return model.OptionContract{}, false
}

// FetchChains reads the options chain of every distinct symbol. A failing
// symbol is reported in Errors and does not affect the others, except a
// fatal error which cancels the batch and is returned.
func (p *Pool) FetchChains(ctx context.Context, symbols []string) (Chains, error) {
	out := Chains{
		Contracts: make(map[string][]model.OptionContract),
		Errors:    make(map[string]error),
	}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)
	for _, sym := range distinct(symbols) {
		g.Go(func() error {
			chain, err := p.md.GetOptionsChain(gctx, sym)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				out.Errors[sym] = err
				p.log.WarnContext(gctx, "chain fetch failed", "symbol", sym, "err", err)
				if resilience.IsFatal(err) {
					return err
				}
				return nil
			}
			out.Contracts[sym] = chain
			return nil
		})
	}
	err := g.Wait()
	return out, err
}

// FetchQuotes reads top of book for every distinct symbol, with the same
// error handling as FetchChains.
func (p *Pool) FetchQuotes(ctx context.Context, symbols []string) (map[string]model.Quote, map[string]error, error) {
	quotes := make(map[string]model.Quote)
	errs := make(map[string]error)
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)
	for _, sym := range distinct(symbols) {
		g.Go(func() error {
			q, err := p.md.GetQuote(gctx, sym)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs[sym] = err
				if resilience.IsFatal(err) {
					return err
				}
				return nil
			}
			quotes[sym] = q
			return nil
		})
	}
	err := g.Wait()
	return quotes, errs, err
}

func distinct(symbols []string) []string {
	seen := make(map[string]bool, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
