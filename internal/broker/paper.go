// Package broker provides Broker implementations: an in-memory paper broker,
// a REST adapter over pkg/brokerapi, and a guarded decorator adding timeouts,
// retries and a circuit breaker around either.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Remdon/DubK-Options-sub000/internal/model"
	"github.com/Remdon/DubK-Options-sub000/internal/resilience"
)

var hundred = decimal.NewFromInt(model.ContractMultiplier)

// Fill represents a simulated order fill.
type Fill struct {
	OrderID    string          `json:"order_id"`
	ContractID string          `json:"contract_id"`
	Side       model.Side      `json:"side"`
	Quantity   int64           `json:"quantity"`
	Price      decimal.Decimal `json:"price"`
	Slippage   decimal.Decimal `json:"slippage"`
	FilledAt   time.Time       `json:"filled_at"`
}

type paperOrder struct {
	id    string
	req   model.OrderRequest
	state model.FillState
}

type paperPosition struct {
	qty       int64
	avg       decimal.Decimal
	enteredAt time.Time
}

// Paper simulates a brokerage in memory. Orders either fill on submit
// (AutoFill) or wait for Fill. Marks come from SetQuote.
type Paper struct {
	mu        sync.RWMutex
	orders    map[string]*paperOrder
	byClient  map[string]string
	positions map[string]*paperPosition
	quotes    map[string]model.Quote
	chains    map[string][]model.OptionContract
	fills     []Fill
	rejects   map[string]error
	cash      decimal.Decimal
	orderSeq  int64
	now       func() time.Time

	// AutoFill fills every accepted order immediately.
	AutoFill bool
	// slippageBps is applied against the trader on every fill.
	slippageBps int64
}

// NewPaper creates a paper broker with starting cash.
// slippageBps controls simulated slippage in basis points.
func NewPaper(cash decimal.Decimal, slippageBps int64) *Paper {
	return &Paper{
		orders:      make(map[string]*paperOrder),
		byClient:    make(map[string]string),
		positions:   make(map[string]*paperPosition),
		quotes:      make(map[string]model.Quote),
		chains:      make(map[string][]model.OptionContract),
		rejects:     make(map[string]error),
		cash:        cash,
		now:         time.Now,
		slippageBps: slippageBps,
	}
}

// WithClock overrides the time source.
func (p *Paper) WithClock(now func() time.Time) *Paper {
	p.now = now
	return p
}

// SetQuote sets the quote used for marks and fills of symbol.
func (p *Paper) SetQuote(symbol string, q model.Quote) {
	p.mu.Lock()
	defer p.mu.Unlock()
	q.Symbol = symbol
	p.quotes[symbol] = q
}

// SetChain sets the options chain returned for an underlying. Contract
// quotes are registered as marks.
func (p *Paper) SetChain(underlying string, chain []model.OptionContract) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.chains[underlying] = chain
	for _, c := range chain {
		p.quotes[c.Symbol] = c.Quote()
	}
}

// RejectNext makes the next submission touching contractID fail with err.
func (p *Paper) RejectNext(contractID string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rejects[contractID] = err
}

// GetFills returns a snapshot of all fills.
func (p *Paper) GetFills() []Fill {
	p.mu.RLock()
	defer p.mu.RUnlock()
	cp := make([]Fill, len(p.fills))
	copy(cp, p.fills)
	return cp
}

// SubmitOrder accepts an order and, with AutoFill, fills it at once.
func (p *Paper) SubmitOrder(ctx context.Context, req model.OrderRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(req.Legs) == 0 || req.Quantity <= 0 {
		return "", resilience.Definitive(fmt.Errorf("paper: empty order"))
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, l := range req.Legs {
		if err, ok := p.rejects[l.ContractID]; ok {
			delete(p.rejects, l.ContractID)
			return "", err
		}
	}
	if req.ClientOrderID != "" {
		if _, dup := p.byClient[req.ClientOrderID]; dup {
			return "", fmt.Errorf("%w: %s", ErrDuplicateClientOrderID, req.ClientOrderID)
		}
	}
	p.orderSeq++
	id := fmt.Sprintf("PAPER-%d", p.orderSeq)
	o := &paperOrder{id: id, req: req, state: model.FillOpen}
	p.orders[id] = o
	if req.ClientOrderID != "" {
		p.byClient[req.ClientOrderID] = id
	}
	if p.AutoFill {
		p.fillLocked(o)
	}
	return id, nil
}

// Fill fills an open order.
func (p *Paper) Fill(orderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[orderID]
	if !ok {
		return fmt.Errorf("paper: unknown order %s", orderID)
	}
	if o.state != model.FillOpen {
		return fmt.Errorf("paper: order %s is %s", orderID, o.state)
	}
	p.fillLocked(o)
	return nil
}

// SetOrderState forces an order state, e.g. to simulate an expiry.
func (p *Paper) SetOrderState(orderID string, state model.FillState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if o, ok := p.orders[orderID]; ok {
		o.state = state
	}
}

// Orders returns accepted order requests by id.
func (p *Paper) Orders() map[string]model.OrderRequest {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]model.OrderRequest, len(p.orders))
	for id, o := range p.orders {
		out[id] = o.req
	}
	return out
}

func (p *Paper) GetOrderStatus(ctx context.Context, orderID string) (model.FillState, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	o, ok := p.orders[orderID]
	if !ok {
		return "", resilience.Definitive(fmt.Errorf("paper: unknown order %s", orderID))
	}
	return o.state, nil
}

func (p *Paper) GetOrderByClientID(ctx context.Context, clientOrderID string) (string, model.FillState, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	id, ok := p.byClient[clientOrderID]
	if !ok {
		return "", "", resilience.Definitive(fmt.Errorf("paper: client order %s: %w", clientOrderID, model.ErrOrderNotFound))
	}
	return id, p.orders[id].state, nil
}

func (p *Paper) CancelOrder(ctx context.Context, orderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[orderID]
	if !ok {
		return resilience.Definitive(fmt.Errorf("paper: unknown order %s", orderID))
	}
	if o.state != model.FillOpen {
		return resilience.Definitive(fmt.Errorf("paper: order %s is %s", orderID, o.state))
	}
	o.state = model.FillCancelled
	return nil
}

// ClosePosition flattens a position at the current mark.
func (p *Paper) ClosePosition(ctx context.Context, contractID string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pos, ok := p.positions[contractID]
	if !ok || pos.qty == 0 {
		return "", resilience.Definitive(fmt.Errorf("paper: no position in %s", contractID))
	}
	side := model.Sell
	qty := pos.qty
	if qty < 0 {
		side, qty = model.Buy, -qty
	}
	p.orderSeq++
	id := fmt.Sprintf("PAPER-%d", p.orderSeq)
	o := &paperOrder{id: id, state: model.FillOpen, req: model.OrderRequest{
		Symbol:   model.Underlying(contractID),
		Mode:     model.ModeSingle,
		Quantity: qty,
		Legs:     []model.OrderLeg{{ContractID: contractID, Side: side, Ratio: 1, Closing: true}},
	}}
	p.orders[id] = o
	p.fillLocked(o)
	return id, nil
}

func (p *Paper) GetAllPositions(ctx context.Context) ([]model.Position, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]model.Position, 0, len(p.positions))
	for sym, pos := range p.positions {
		out = append(out, p.positionLocked(sym, pos))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (p *Paper) GetAccount(ctx context.Context) (model.Account, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	equity := p.cash
	for sym, pos := range p.positions {
		equity = equity.Add(p.positionLocked(sym, pos).MarketValue)
	}
	return model.Account{Equity: equity, BuyingPower: p.cash, Cash: p.cash}, nil
}

func (p *Paper) GetQuote(ctx context.Context, symbol string) (model.Quote, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	q, ok := p.quotes[symbol]
	if !ok {
		return model.Quote{}, resilience.Definitive(fmt.Errorf("paper: no quote for %s", symbol))
	}
	return q, nil
}

func (p *Paper) GetOptionsChain(ctx context.Context, symbol string) ([]model.OptionContract, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	chain, ok := p.chains[symbol]
	if !ok {
		return nil, resilience.Definitive(fmt.Errorf("paper: no chain for %s", symbol))
	}
	out := make([]model.OptionContract, len(chain))
	copy(out, chain)
	return out, nil
}

// fillLocked fills every leg of o at its mark, or at the limit for a
// single-leg order without a mark.
func (p *Paper) fillLocked(o *paperOrder) {
	now := p.now()
	for _, l := range o.req.Legs {
		qty := o.req.Quantity * max(l.Ratio, 1)
		price := p.markLocked(l.ContractID)
		if price.IsZero() && len(o.req.Legs) == 1 {
			price = o.req.LimitPrice.Abs()
		}
		slippage := decimal.Zero
		if price.IsPositive() && p.slippageBps > 0 {
			slippage = price.Mul(decimal.NewFromInt(p.slippageBps)).Div(decimal.NewFromInt(10000)).Round(4)
			if l.Side == model.Buy {
				price = price.Add(slippage) // buy higher
			} else {
				price = price.Sub(slippage) // sell lower
			}
		}
		p.applyLocked(l.ContractID, l.Side.Sign()*qty, price, now)
		p.fills = append(p.fills, Fill{
			OrderID: o.id, ContractID: l.ContractID, Side: l.Side,
			Quantity: qty, Price: price, Slippage: slippage, FilledAt: now,
		})
		log.Printf("[paper] %s %s qty=%d price=%s (slip=%s) order=%s",
			l.Side, l.ContractID, qty, price.StringFixed(2), slippage.StringFixed(4), o.id)
	}
	o.state = model.FillFilled
}

func (p *Paper) applyLocked(contractID string, delta int64, price decimal.Decimal, now time.Time) {
	p.cash = p.cash.Sub(price.Mul(decimal.NewFromInt(delta)).Mul(hundred))

	pos, ok := p.positions[contractID]
	if !ok {
		p.positions[contractID] = &paperPosition{qty: delta, avg: price, enteredAt: now}
		return
	}
	switch {
	case pos.qty == 0 || (pos.qty > 0) == (delta > 0):
		total := abs(pos.qty) + abs(delta)
		pos.avg = pos.avg.Mul(decimal.NewFromInt(abs(pos.qty))).
			Add(price.Mul(decimal.NewFromInt(abs(delta)))).
			Div(decimal.NewFromInt(total))
		pos.qty += delta
	case abs(delta) <= abs(pos.qty):
		pos.qty += delta
	default:
		pos.qty += delta
		pos.avg = price
		pos.enteredAt = now
	}
	if pos.qty == 0 {
		delete(p.positions, contractID)
	}
}

func (p *Paper) markLocked(symbol string) decimal.Decimal {
	q, ok := p.quotes[symbol]
	if !ok {
		return decimal.Zero
	}
	if mid := q.Mid(); mid.IsPositive() {
		return mid
	}
	return q.Last
}

func (p *Paper) positionLocked(sym string, pos *paperPosition) model.Position {
	mark := p.markLocked(sym)
	if mark.IsZero() {
		mark = pos.avg
	}
	qty := decimal.NewFromInt(pos.qty)
	mult := decimal.NewFromInt(1)
	if model.IsOCC(sym) {
		mult = hundred
	}
	cost := pos.avg.Mul(qty).Mul(mult)
	value := mark.Mul(qty).Mul(mult)
	out := model.Position{
		Symbol:        sym,
		Underlying:    model.Underlying(sym),
		Quantity:      pos.qty,
		EntryPrice:    pos.avg,
		CurrentPrice:  mark,
		CostBasis:     cost,
		MarketValue:   value,
		UnrealizedPnL: value.Sub(cost),
		EntryTime:     pos.enteredAt,
	}
	if !cost.IsZero() {
		out.UnrealizedPnLPct, _ = value.Sub(cost).Div(cost.Abs()).Float64()
	}
	if parts, err := model.ParseOCC(sym); err == nil {
		dte := model.DaysToExpiration(parts.Expiration, p.now())
		out.DaysToExpiration = &dte
	}
	return out
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// ErrPaperRejected is a ready-made definitive rejection for tests and demos.
var ErrPaperRejected = resilience.Definitive(errors.New("paper: contract not tradable"))

// ErrDuplicateClientOrderID is returned for a resubmitted client order id.
var ErrDuplicateClientOrderID = resilience.Definitive(errors.New("paper: duplicate client_order_id"))
