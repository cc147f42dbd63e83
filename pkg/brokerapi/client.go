// Package brokerapi is a typed REST client for an Alpaca-style brokerage:
// the trading API (orders, positions, account) and the market-data API
// (latest quotes, option chain snapshots).
//
// Usage example:
//
//	c := brokerapi.NewClient(brokerapi.Config{KeyID: "key", Secret: "secret"})
//	acct, err := c.GetAccount(ctx)
//	if err != nil { log.Fatal(err) }
//	fmt.Println("equity:", acct.Equity)
package brokerapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ---- Config & client ----

type Config struct {
	KeyID   string
	Secret  string
	BaseURL string        // default: https://paper-api.alpaca.markets
	DataURL string        // default: https://data.alpaca.markets
	Timeout time.Duration // default: 10s
	Debug   bool
}

type Client struct {
	keyID   string
	secret  string
	baseURL string
	dataURL string
	debug   bool

	httpClient *http.Client
}

const (
	DefaultBaseURL = "https://paper-api.alpaca.markets"
	DefaultDataURL = "https://data.alpaca.markets"
	LiveBaseURL    = "https://api.alpaca.markets"
)

// api selects which host a route lives on.
type api int

const (
	trading api = iota
	data
)

type route struct {
	api  api
	path string
}

var routes = map[string]route{
	"orders":    {trading, "/v2/orders"},
	"order":     {trading, "/v2/orders/%s"},
	"position":  {trading, "/v2/positions/%s"},
	"positions": {trading, "/v2/positions"},
	"account":   {trading, "/v2/account"},

	"order.by_client_id": {trading, "/v2/orders:by_client_order_id"},

	"stocks.quote.latest":   {data, "/v2/stocks/%s/quotes/latest"},
	"options.quotes.latest": {data, "/v1beta1/options/quotes/latest"},
	"options.snapshots":     {data, "/v1beta1/options/snapshots/%s"},
}

func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.DataURL == "" {
		cfg.DataURL = DefaultDataURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{
		keyID:      cfg.KeyID,
		secret:     cfg.Secret,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		dataURL:    strings.TrimRight(cfg.DataURL, "/"),
		debug:      cfg.Debug,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.httpClient = hc
	return c
}

// ---- Internals ----

func (c *Client) requestHeaders() http.Header {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("Accept", "application/json")
	h.Set("APCA-API-KEY-ID", c.keyID)
	h.Set("APCA-API-SECRET-KEY", c.secret)
	return h
}

func (c *Client) buildURL(name string, args ...any) (string, error) {
	r, ok := routes[name]
	if !ok {
		return "", fmt.Errorf("unknown route: %s", name)
	}
	p := r.path
	if len(args) > 0 {
		esc := make([]any, len(args))
		for i, a := range args {
			esc[i] = url.PathEscape(fmt.Sprint(a))
		}
		p = fmt.Sprintf(p, esc...)
	}
	root := c.baseURL
	if r.api == data {
		root = c.dataURL
	}
	return root + p, nil
}

// doRequest sends one request and decodes a 2xx JSON body into out (if
// non-nil). Non-2xx responses come back as *APIError.
func (c *Client) doRequest(ctx context.Context, method, fullURL string, query url.Values, in, out any) error {
	if len(query) > 0 {
		fullURL += "?" + query.Encode()
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, body)
	if err != nil {
		return err
	}
	req.Header = c.requestHeaders()

	if c.debug {
		log.Printf("[brokerapi] request: %s %s", method, fullURL)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := CheckResponse(resp); err != nil {
		if c.debug {
			log.Printf("[brokerapi] %s %s: %v", method, fullURL, err)
		}
		return err
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", req.URL.Path, err)
	}
	return nil
}

func (c *Client) get(ctx context.Context, name string, query url.Values, out any, args ...any) error {
	u, err := c.buildURL(name, args...)
	if err != nil {
		return err
	}
	return c.doRequest(ctx, http.MethodGet, u, query, nil, out)
}
