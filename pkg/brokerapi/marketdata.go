package brokerapi

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
)

// snapshotPageLimit is the largest page the snapshots endpoint serves.
const snapshotPageLimit = 1000

// LatestQuote returns the latest top-of-book quote for a stock symbol.
func (c *Client) LatestQuote(ctx context.Context, symbol string) (*Quote, error) {
	var r LatestQuoteResponse
	if err := c.get(ctx, "stocks.quote.latest", nil, &r, symbol); err != nil {
		return nil, err
	}
	return &r.Quote, nil
}

// LatestOptionQuotes returns the latest quotes for a batch of contract symbols.
func (c *Client) LatestOptionQuotes(ctx context.Context, symbols []string) (map[string]Quote, error) {
	if len(symbols) == 0 {
		return map[string]Quote{}, nil
	}
	q := url.Values{}
	for _, s := range symbols {
		q.Add("symbols", s)
	}
	var r struct {
		Quotes map[string]Quote `json:"quotes"`
	}
	if err := c.get(ctx, "options.quotes.latest", q, &r); err != nil {
		return nil, err
	}
	return r.Quotes, nil
}

// OptionSnapshots returns the full chain snapshot for an underlying,
// following page tokens until exhausted.
func (c *Client) OptionSnapshots(ctx context.Context, underlying string) (map[string]OptionSnapshot, error) {
	out := make(map[string]OptionSnapshot)
	token := ""
	for page := 0; ; page++ {
		q := url.Values{}
		q.Set("limit", strconv.Itoa(snapshotPageLimit))
		if token != "" {
			q.Set("page_token", token)
		}
		var r SnapshotsResponse
		if err := c.get(ctx, "options.snapshots", q, &r, underlying); err != nil {
			return nil, fmt.Errorf("option snapshots %s page %d: %w", underlying, page, err)
		}
		for k, v := range r.Snapshots {
			out[k] = v
		}
		if r.NextPageToken == nil || *r.NextPageToken == "" {
			return out, nil
		}
		token = *r.NextPageToken
	}
}
