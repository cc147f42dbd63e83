package brokerapi

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
)

// SubmitOrder places an order and returns the broker's view of it.
func (c *Client) SubmitOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	u, err := c.buildURL("orders")
	if err != nil {
		return nil, err
	}
	var o Order
	if err := c.doRequest(ctx, http.MethodPost, u, nil, req, &o); err != nil {
		return nil, err
	}
	if err := o.Validate(); err != nil {
		return nil, fmt.Errorf("submit order: %w", err)
	}
	return &o, nil
}

// GetOrder fetches one order by broker id.
func (c *Client) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	var o Order
	if err := c.get(ctx, "order", nil, &o, orderID); err != nil {
		return nil, err
	}
	if err := o.Validate(); err != nil {
		return nil, fmt.Errorf("get order %s: %w", orderID, err)
	}
	return &o, nil
}

// GetOrderByClientID fetches the order submitted with a client order id.
func (c *Client) GetOrderByClientID(ctx context.Context, clientOrderID string) (*Order, error) {
	var o Order
	q := url.Values{"client_order_id": {clientOrderID}}
	if err := c.get(ctx, "order.by_client_id", q, &o); err != nil {
		return nil, err
	}
	if err := o.Validate(); err != nil {
		return nil, fmt.Errorf("get order by client id %s: %w", clientOrderID, err)
	}
	return &o, nil
}

// CancelOrder requests cancellation of an open order.
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	u, err := c.buildURL("order", orderID)
	if err != nil {
		return err
	}
	return c.doRequest(ctx, http.MethodDelete, u, nil, nil, nil)
}

// ClosePosition liquidates the whole position in symbol at market.
func (c *Client) ClosePosition(ctx context.Context, symbol string) (*Order, error) {
	u, err := c.buildURL("position", symbol)
	if err != nil {
		return nil, err
	}
	var o Order
	if err := c.doRequest(ctx, http.MethodDelete, u, nil, nil, &o); err != nil {
		return nil, err
	}
	if err := o.Validate(); err != nil {
		return nil, fmt.Errorf("close position %s: %w", symbol, err)
	}
	return &o, nil
}
