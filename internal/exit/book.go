package exit

import (
	"context"
	"sync"

	"github.com/Remdon/DubK-Options-sub000/internal/model"
)

// Book is the position-tracking store keyed by underlying.
type Book interface {
	ActivePosition(ctx context.Context, symbol string) (model.ActivePosition, bool, error)
	SaveActivePosition(ctx context.Context, p model.ActivePosition) error
	RemoveActivePosition(ctx context.Context, symbol, strategyID string) error
	// CloseOut removes the active record owned by rec.StrategyID and appends
	// the exit row atomically.
	CloseOut(ctx context.Context, rec model.ExitRecord) error
}

// MemoryBook is a Book held in memory.
type MemoryBook struct {
	mu     sync.Mutex
	active map[string]model.ActivePosition
	exits  []model.ExitRecord
}

// NewMemoryBook creates an empty MemoryBook.
func NewMemoryBook() *MemoryBook {
	return &MemoryBook{active: make(map[string]model.ActivePosition)}
}

func (b *MemoryBook) ActivePosition(_ context.Context, symbol string) (model.ActivePosition, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.active[symbol]
	return p, ok, nil
}

func (b *MemoryBook) SaveActivePosition(_ context.Context, p model.ActivePosition) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.active[p.Symbol] = p
	return nil
}

func (b *MemoryBook) RemoveActivePosition(_ context.Context, symbol, strategyID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p, ok := b.active[symbol]; ok && p.StrategyID == strategyID {
		delete(b.active, symbol)
	}
	return nil
}

func (b *MemoryBook) CloseOut(_ context.Context, rec model.ExitRecord) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p, ok := b.active[rec.Symbol]; ok && p.StrategyID == rec.StrategyID {
		delete(b.active, rec.Symbol)
	}
	b.exits = append(b.exits, rec)
	return nil
}

// Exits returns the recorded exits.
func (b *MemoryBook) Exits() []model.ExitRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]model.ExitRecord, len(b.exits))
	copy(out, b.exits)
	return out
}
