package broker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/Remdon/DubK-Options-sub000/internal/model"
	"github.com/Remdon/DubK-Options-sub000/internal/resilience"
	"github.com/Remdon/DubK-Options-sub000/pkg/brokerapi"
)

// REST adapts the brokerapi client to the Broker and MarketData ports.
type REST struct {
	client *brokerapi.Client
	now    func() time.Time
}

// NewREST wraps a brokerapi client.
func NewREST(client *brokerapi.Client) *REST {
	return &REST{client: client, now: time.Now}
}

// WithClock overrides the clock used for days-to-expiration.
func (r *REST) WithClock(now func() time.Time) *REST {
	r.now = now
	return r
}

// ToOrderRequest maps a port submission onto the wire request. Atomic
// requests become one mleg limit order with the signed net price.
func ToOrderRequest(req model.OrderRequest) (brokerapi.OrderRequest, error) {
	if len(req.Legs) == 0 {
		return brokerapi.OrderRequest{}, resilience.Definitive(fmt.Errorf("order %s has no legs", req.ClientOrderID))
	}
	if req.Quantity <= 0 {
		return brokerapi.OrderRequest{}, resilience.Definitive(fmt.Errorf("order %s has quantity %d", req.ClientOrderID, req.Quantity))
	}
	limit := req.LimitPrice.Round(2)
	out := brokerapi.OrderRequest{
		Qty:           strconv.FormatInt(req.Quantity, 10),
		Type:          brokerapi.TypeLimit,
		TimeInForce:   brokerapi.TimeInForceDay,
		LimitPrice:    &limit,
		ClientOrderID: req.ClientOrderID,
	}
	if req.Mode == model.ModeAtomic && len(req.Legs) > 1 {
		out.OrderClass = brokerapi.ClassMLeg
		for _, l := range req.Legs {
			ratio := l.Ratio
			if ratio <= 0 {
				ratio = 1
			}
			out.Legs = append(out.Legs, brokerapi.OrderLeg{
				Symbol:         l.ContractID,
				RatioQty:       strconv.FormatInt(ratio, 10),
				Side:           wireSide(l.Side),
				PositionIntent: intent(l),
			})
		}
		return out, nil
	}

	l := req.Legs[0]
	if limit.IsNegative() {
		limit = limit.Neg()
		out.LimitPrice = &limit
	}
	out.Symbol = l.ContractID
	out.Side = wireSide(l.Side)
	out.OrderClass = brokerapi.ClassSimple
	out.PositionIntent = intent(l)
	return out, nil
}

func wireSide(s model.Side) string {
	if s == model.Sell {
		return brokerapi.SideSell
	}
	return brokerapi.SideBuy
}

func intent(l model.OrderLeg) string {
	switch {
	case l.Side == model.Buy && l.Closing:
		return brokerapi.IntentBuyToClose
	case l.Side == model.Sell && l.Closing:
		return brokerapi.IntentSellToClose
	case l.Side == model.Sell:
		return brokerapi.IntentSellToOpen
	}
	return brokerapi.IntentBuyToOpen
}

// FillStateOf maps a wire order status to a leg fill state.
func FillStateOf(status string) model.FillState {
	switch status {
	case brokerapi.StatusFilled:
		return model.FillFilled
	case brokerapi.StatusCanceled, brokerapi.StatusExpired, brokerapi.StatusDoneForDay, brokerapi.StatusReplaced:
		return model.FillCancelled
	case brokerapi.StatusRejected:
		return model.FillFailed
	}
	return model.FillOpen
}

func (r *REST) SubmitOrder(ctx context.Context, req model.OrderRequest) (string, error) {
	wire, err := ToOrderRequest(req)
	if err != nil {
		return "", err
	}
	o, err := r.client.SubmitOrder(ctx, wire)
	if err != nil {
		return "", err
	}
	return o.ID, nil
}

func (r *REST) GetOrderStatus(ctx context.Context, orderID string) (model.FillState, error) {
	o, err := r.client.GetOrder(ctx, orderID)
	if err != nil {
		return "", err
	}
	return FillStateOf(o.Status), nil
}

func (r *REST) GetOrderByClientID(ctx context.Context, clientOrderID string) (string, model.FillState, error) {
	o, err := r.client.GetOrderByClientID(ctx, clientOrderID)
	var apiErr *brokerapi.APIError
	if errors.As(err, &apiErr) && apiErr.IsNotFound() {
		return "", "", resilience.Definitive(fmt.Errorf("client order %s: %w", clientOrderID, model.ErrOrderNotFound))
	}
	if err != nil {
		return "", "", err
	}
	return o.ID, FillStateOf(o.Status), nil
}

func (r *REST) CancelOrder(ctx context.Context, orderID string) error {
	return r.client.CancelOrder(ctx, orderID)
}

func (r *REST) ClosePosition(ctx context.Context, contractID string) (string, error) {
	o, err := r.client.ClosePosition(ctx, contractID)
	if err != nil {
		return "", err
	}
	return o.ID, nil
}

func (r *REST) GetAllPositions(ctx context.Context) ([]model.Position, error) {
	wire, err := r.client.ListPositions(ctx)
	if err != nil {
		return nil, err
	}
	now := r.now()
	out := make([]model.Position, 0, len(wire))
	for _, p := range wire {
		out = append(out, toPosition(p, now))
	}
	return out, nil
}

func toPosition(p brokerapi.Position, now time.Time) model.Position {
	pct, _ := p.UnrealizedPLPC.Float64()
	out := model.Position{
		Symbol:           p.Symbol,
		Underlying:       model.Underlying(p.Symbol),
		Quantity:         p.Qty.IntPart(),
		EntryPrice:       p.AvgEntryPrice,
		CurrentPrice:     p.CurrentPrice,
		CostBasis:        p.CostBasis,
		MarketValue:      p.MarketValue,
		UnrealizedPnL:    p.UnrealizedPL,
		UnrealizedPnLPct: pct,
	}
	if parts, err := model.ParseOCC(p.Symbol); err == nil {
		dte := model.DaysToExpiration(parts.Expiration, now)
		out.DaysToExpiration = &dte
	}
	return out
}

func (r *REST) GetAccount(ctx context.Context) (model.Account, error) {
	a, err := r.client.GetAccount(ctx)
	if err != nil {
		return model.Account{}, err
	}
	if a.TradingBlocked {
		return model.Account{}, resilience.Fatalf("account %s is blocked from trading", a.ID)
	}
	return model.Account{Equity: a.Equity, BuyingPower: a.BuyingPower, Cash: a.Cash}, nil
}

// GetQuote serves both underlyings and OCC contracts.
func (r *REST) GetQuote(ctx context.Context, symbol string) (model.Quote, error) {
	if model.IsOCC(symbol) {
		qs, err := r.client.LatestOptionQuotes(ctx, []string{symbol})
		if err != nil {
			return model.Quote{}, err
		}
		q, ok := qs[symbol]
		if !ok {
			return model.Quote{}, resilience.Definitive(fmt.Errorf("no quote for %s", symbol))
		}
		return toQuote(symbol, q), nil
	}
	q, err := r.client.LatestQuote(ctx, symbol)
	if err != nil {
		return model.Quote{}, err
	}
	return toQuote(symbol, *q), nil
}

func toQuote(symbol string, q brokerapi.Quote) model.Quote {
	return model.Quote{Symbol: symbol, Bid: q.BidPrice, Ask: q.AskPrice, TS: q.Timestamp}
}

// GetOptionsChain returns the chain sorted by contract symbol. Snapshot
// keys that are not OCC symbols are skipped.
func (r *REST) GetOptionsChain(ctx context.Context, symbol string) ([]model.OptionContract, error) {
	snaps, err := r.client.OptionSnapshots(ctx, symbol)
	if err != nil {
		return nil, err
	}
	out := make([]model.OptionContract, 0, len(snaps))
	for occ, s := range snaps {
		parts, err := model.ParseOCC(occ)
		if err != nil {
			continue
		}
		c := model.OptionContract{
			Symbol:       occ,
			Underlying:   parts.Underlying,
			Type:         parts.Type,
			Strike:       parts.Strike,
			Expiration:   parts.Expiration,
			Bid:          s.LatestQuote.BidPrice,
			Ask:          s.LatestQuote.AskPrice,
			OpenInterest: s.OpenInterest,
		}
		if s.LatestTrade != nil {
			c.Last = s.LatestTrade.Price
		}
		if s.DailyBar != nil {
			c.Volume = s.DailyBar.Volume
		}
		if s.Greeks != nil {
			c.Greeks = &model.Greeks{
				Delta: s.Greeks.Delta,
				Gamma: s.Greeks.Gamma,
				Theta: s.Greeks.Theta,
				Vega:  s.Greeks.Vega,
				IV:    s.ImpliedVolatility,
			}
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}
