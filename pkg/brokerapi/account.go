package brokerapi

import (
	"context"
	"fmt"
)

// GetAccount reads the account summary.
func (c *Client) GetAccount(ctx context.Context) (*Account, error) {
	var a Account
	if err := c.get(ctx, "account", nil, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// ListPositions lists every open position. A malformed entry fails the
// whole read rather than being silently dropped.
func (c *Client) ListPositions(ctx context.Context) ([]Position, error) {
	var out []Position
	if err := c.get(ctx, "positions", nil, &out); err != nil {
		return nil, err
	}
	for i := range out {
		if err := out[i].Validate(); err != nil {
			return nil, fmt.Errorf("list positions: %w", err)
		}
	}
	return out, nil
}
