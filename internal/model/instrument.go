package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Quote is a top-of-book snapshot for a contract or underlying.
type Quote struct {
	Symbol string          `json:"symbol"`
	Bid    decimal.Decimal `json:"bid"`
	Ask    decimal.Decimal `json:"ask"`
	Last   decimal.Decimal `json:"last"`
	TS     time.Time       `json:"ts"`
}

// Mid returns the bid/ask midpoint, or whichever side is present.
func (q Quote) Mid() decimal.Decimal {
	switch {
	case q.Bid.IsPositive() && q.Ask.IsPositive():
		return q.Bid.Add(q.Ask).Div(decimal.NewFromInt(2))
	case q.Ask.IsPositive():
		return q.Ask
	case q.Bid.IsPositive():
		return q.Bid
	}
	return q.Last
}

// Greeks are optional sensitivities attached to a chain entry.
type Greeks struct {
	Delta float64 `json:"delta"`
	Gamma float64 `json:"gamma"`
	Theta float64 `json:"theta"`
	Vega  float64 `json:"vega"`
	IV    float64 `json:"iv"`
}

// OptionContract is one entry of an options chain.
type OptionContract struct {
	Symbol       string          `json:"symbol"` // OCC contract id
	Underlying   string          `json:"underlying"`
	Type         OptionType      `json:"type"`
	Strike       decimal.Decimal `json:"strike"`
	Expiration   time.Time       `json:"expiration"`
	Bid          decimal.Decimal `json:"bid"`
	Ask          decimal.Decimal `json:"ask"`
	Last         decimal.Decimal `json:"last"`
	Volume       int64           `json:"volume"`
	OpenInterest int64           `json:"open_interest"`
	Greeks       *Greeks         `json:"greeks,omitempty"`
}

// Quote returns the contract's top of book.
func (c OptionContract) Quote() Quote {
	return Quote{Symbol: c.Symbol, Bid: c.Bid, Ask: c.Ask, Last: c.Last}
}

// occMinLen is the shortest valid OCC symbol: 1-char root + 15.
const occMinLen = 16

// BuildOCC formats an OCC option symbol: ROOT + YYMMDD + C|P + strike*1000 (8 digits).
func BuildOCC(underlying string, expiration time.Time, typ OptionType, strike decimal.Decimal) string {
	cp := "C"
	if typ == Put {
		cp = "P"
	}
	milli := strike.Mul(decimal.NewFromInt(1000)).Round(0).IntPart()
	return fmt.Sprintf("%s%s%s%08d", strings.ToUpper(underlying), expiration.Format("060102"), cp, milli)
}

// OCCParts is a decoded OCC symbol.
type OCCParts struct {
	Underlying string
	Expiration time.Time
	Type       OptionType
	Strike     decimal.Decimal
}

// ParseOCC decodes an OCC option symbol.
func ParseOCC(symbol string) (OCCParts, error) {
	if len(symbol) < occMinLen {
		return OCCParts{}, fmt.Errorf("occ: %q too short", symbol)
	}
	tail := symbol[len(symbol)-15:]
	root := strings.TrimSpace(symbol[:len(symbol)-15])
	exp, err := time.Parse("060102", tail[:6])
	if err != nil {
		return OCCParts{}, fmt.Errorf("occ: %q bad expiration: %w", symbol, err)
	}
	var typ OptionType
	switch tail[6] {
	case 'C':
		typ = Call
	case 'P':
		typ = Put
	default:
		return OCCParts{}, fmt.Errorf("occ: %q bad option type %q", symbol, tail[6])
	}
	milli, err := strconv.ParseInt(tail[7:], 10, 64)
	if err != nil {
		return OCCParts{}, fmt.Errorf("occ: %q bad strike: %w", symbol, err)
	}
	return OCCParts{
		Underlying: root,
		Expiration: exp,
		Type:       typ,
		Strike:     decimal.New(milli, -3),
	}, nil
}

// IsOCC reports whether symbol parses as an OCC option symbol.
func IsOCC(symbol string) bool {
	_, err := ParseOCC(symbol)
	return err == nil
}

// Underlying returns the root ticker of an OCC symbol, or the symbol itself
// for equities.
func Underlying(symbol string) string {
	if p, err := ParseOCC(symbol); err == nil {
		return p.Underlying
	}
	return symbol
}

// DaysToExpiration counts calendar days from now until expiration, measured
// between dates so intraday time does not matter. Past expirations return 0.
func DaysToExpiration(expiration, now time.Time) int {
	e := time.Date(expiration.Year(), expiration.Month(), expiration.Day(), 0, 0, 0, 0, time.UTC)
	n := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	d := int(e.Sub(n).Hours() / 24)
	if d < 0 {
		return 0
	}
	return d
}
