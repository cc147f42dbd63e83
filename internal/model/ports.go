package model

import (
	"context"
	"errors"
)

// ErrOrderNotFound is returned when the broker holds no order for an id.
var ErrOrderNotFound = errors.New("order not found")

// ── Collaborator Port Interfaces ──
// These interfaces decouple the trading core from concrete brokerage and
// market-data implementations (REST client, paper broker, test fakes).

// Broker is the brokerage collaborator.
type Broker interface {
	// SubmitOrder places one order (atomic multi-leg or single leg) and
	// returns the broker order id.
	SubmitOrder(ctx context.Context, req OrderRequest) (string, error)

	// GetOrderStatus reads the current fill state of an order.
	GetOrderStatus(ctx context.Context, orderID string) (FillState, error)

	// GetOrderByClientID resolves the order created by a submission carrying
	// clientOrderID. The error wraps ErrOrderNotFound when none was accepted.
	GetOrderByClientID(ctx context.Context, clientOrderID string) (string, FillState, error)

	// CancelOrder requests cancellation of an open order.
	CancelOrder(ctx context.Context, orderID string) error

	// ClosePosition liquidates the full position in contractID at market and
	// returns the resulting order id.
	ClosePosition(ctx context.Context, contractID string) (string, error)

	// GetAllPositions lists every open position.
	GetAllPositions(ctx context.Context) ([]Position, error)

	// GetAccount reads equity, buying power and cash.
	GetAccount(ctx context.Context) (Account, error)
}

// MarketData is the read-only market-data collaborator.
type MarketData interface {
	// GetQuote returns top of book for an underlying or contract symbol.
	GetQuote(ctx context.Context, symbol string) (Quote, error)

	// GetOptionsChain returns every listed contract for an underlying.
	GetOptionsChain(ctx context.Context, symbol string) ([]OptionContract, error)
}
