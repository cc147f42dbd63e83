package brokerapi

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Order sides, types and classes as the API spells them.
const (
	SideBuy  = "buy"
	SideSell = "sell"

	TypeLimit  = "limit"
	TypeMarket = "market"

	TimeInForceDay = "day"

	ClassSimple = "simple"
	ClassMLeg   = "mleg"

	IntentBuyToOpen   = "buy_to_open"
	IntentSellToOpen  = "sell_to_open"
	IntentBuyToClose  = "buy_to_close"
	IntentSellToClose = "sell_to_close"
)

// Order statuses.
const (
	StatusNew             = "new"
	StatusAccepted        = "accepted"
	StatusPendingNew      = "pending_new"
	StatusPartiallyFilled = "partially_filled"
	StatusFilled          = "filled"
	StatusCanceled        = "canceled"
	StatusExpired         = "expired"
	StatusRejected        = "rejected"
	StatusPendingCancel   = "pending_cancel"
	StatusDoneForDay      = "done_for_day"
	StatusReplaced        = "replaced"
)

// OrderLeg is one leg of a multi-leg order.
type OrderLeg struct {
	Symbol         string `json:"symbol"`
	RatioQty       string `json:"ratio_qty"`
	Side           string `json:"side"`
	PositionIntent string `json:"position_intent,omitempty"`
}

// OrderRequest is the body of POST /v2/orders.
type OrderRequest struct {
	Symbol         string           `json:"symbol,omitempty"`
	Qty            string           `json:"qty"`
	Side           string           `json:"side,omitempty"`
	Type           string           `json:"type"`
	TimeInForce    string           `json:"time_in_force"`
	LimitPrice     *decimal.Decimal `json:"limit_price,omitempty"`
	OrderClass     string           `json:"order_class,omitempty"`
	PositionIntent string           `json:"position_intent,omitempty"`
	Legs           []OrderLeg       `json:"legs,omitempty"`
	ClientOrderID  string           `json:"client_order_id,omitempty"`
}

// Order is an order as returned by the API.
type Order struct {
	ID             string           `json:"id"`
	ClientOrderID  string           `json:"client_order_id"`
	Symbol         string           `json:"symbol"`
	Status         string           `json:"status"`
	Side           string           `json:"side"`
	OrderClass     string           `json:"order_class"`
	Qty            decimal.Decimal  `json:"qty"`
	FilledQty      decimal.Decimal  `json:"filled_qty"`
	FilledAvgPrice *decimal.Decimal `json:"filled_avg_price"`
	LimitPrice     *decimal.Decimal `json:"limit_price"`
	SubmittedAt    time.Time        `json:"submitted_at"`
	FilledAt       *time.Time       `json:"filled_at"`
	Legs           []Order          `json:"legs"`
}

// Validate rejects responses missing required fields.
func (o *Order) Validate() error {
	if o.ID == "" {
		return fmt.Errorf("order without id")
	}
	if o.Status == "" {
		return fmt.Errorf("order %s without status", o.ID)
	}
	return nil
}

// Position is an open position as returned by the API.
type Position struct {
	Symbol         string          `json:"symbol"`
	AssetClass     string          `json:"asset_class"`
	Side           string          `json:"side"`
	Qty            decimal.Decimal `json:"qty"`
	AvgEntryPrice  decimal.Decimal `json:"avg_entry_price"`
	CurrentPrice   decimal.Decimal `json:"current_price"`
	CostBasis      decimal.Decimal `json:"cost_basis"`
	MarketValue    decimal.Decimal `json:"market_value"`
	UnrealizedPL   decimal.Decimal `json:"unrealized_pl"`
	UnrealizedPLPC decimal.Decimal `json:"unrealized_plpc"`
}

// Validate rejects positions missing required fields.
func (p *Position) Validate() error {
	if p.Symbol == "" {
		return fmt.Errorf("position without symbol")
	}
	if !p.Qty.Equal(p.Qty.Truncate(0)) {
		return fmt.Errorf("position %s has fractional quantity %s", p.Symbol, p.Qty)
	}
	return nil
}

// Account is the account summary.
type Account struct {
	ID             string          `json:"id"`
	Status         string          `json:"status"`
	Equity         decimal.Decimal `json:"equity"`
	BuyingPower    decimal.Decimal `json:"buying_power"`
	Cash           decimal.Decimal `json:"cash"`
	TradingBlocked bool            `json:"trading_blocked"`
}

// Quote is a top-of-book quote in the market-data API's short field names.
type Quote struct {
	BidPrice  decimal.Decimal `json:"bp"`
	AskPrice  decimal.Decimal `json:"ap"`
	BidSize   int64           `json:"bs"`
	AskSize   int64           `json:"as"`
	Timestamp time.Time       `json:"t"`
}

// LatestQuoteResponse is returned by the latest stock quote endpoint.
type LatestQuoteResponse struct {
	Symbol string `json:"symbol"`
	Quote  Quote  `json:"quote"`
}

// Trade is a last-trade print.
type Trade struct {
	Price     decimal.Decimal `json:"p"`
	Size      int64           `json:"s"`
	Timestamp time.Time       `json:"t"`
}

// Bar is an OHLCV bar.
type Bar struct {
	Close  decimal.Decimal `json:"c"`
	Volume int64           `json:"v"`
}

// Greeks are option sensitivities.
type Greeks struct {
	Delta float64 `json:"delta"`
	Gamma float64 `json:"gamma"`
	Theta float64 `json:"theta"`
	Vega  float64 `json:"vega"`
	Rho   float64 `json:"rho"`
}

// OptionSnapshot is one contract in a chain snapshot.
type OptionSnapshot struct {
	LatestQuote       Quote   `json:"latestQuote"`
	LatestTrade       *Trade  `json:"latestTrade"`
	DailyBar          *Bar    `json:"dailyBar"`
	Greeks            *Greeks `json:"greeks"`
	ImpliedVolatility float64 `json:"impliedVolatility"`
	OpenInterest      int64   `json:"openInterest"`
}

// SnapshotsResponse is one page of a chain snapshot.
type SnapshotsResponse struct {
	Snapshots     map[string]OptionSnapshot `json:"snapshots"`
	NextPageToken *string                   `json:"next_page_token"`
}

// Trade update events on the order stream.
const (
	EventNew       = "new"
	EventFill      = "fill"
	EventPartial   = "partial_fill"
	EventCanceled  = "canceled"
	EventExpired   = "expired"
	EventRejected  = "rejected"
	EventReplaced  = "replaced"
	EventDoneToday = "done_for_day"
)

// StreamMessage is the envelope of every websocket frame.
type StreamMessage struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// TradeUpdate is the data of a trade_updates frame.
type TradeUpdate struct {
	Event     string    `json:"event"`
	Order     Order     `json:"order"`
	Timestamp time.Time `json:"timestamp"`
}

// AuthData is the data of an authorization frame.
type AuthData struct {
	Status string `json:"status"`
	Action string `json:"action"`
}
