package sizing

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Remdon/DubK-Options-sub000/config"
	"github.com/Remdon/DubK-Options-sub000/internal/model"
)

var expiry = time.Date(2024, 4, 19, 0, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newEngine() *Engine {
	return New(config.DefaultPolicy().Sizing, nil)
}

func leg(typ model.OptionType, side model.Side, strike, price string) model.Leg {
	return model.Leg{
		ContractID: model.BuildOCC("SPY", expiry, typ, d(strike)),
		OptionType: typ,
		Side:       side,
		Strike:     d(strike),
		Expiration: expiry,
		Price:      d(price),
		Quantity:   1,
	}
}

// bullPut builds a put credit spread whose net credit is exactly credit.
func bullPut(credit string) []model.Leg {
	long := d("0.40")
	short := long.Add(d(credit))
	return []model.Leg{
		leg(model.Put, model.Sell, "95", short.String()),
		leg(model.Put, model.Buy, "90", long.String()),
	}
}

// bullCall builds a call debit spread whose net debit is exactly debit.
func bullCall(debit string) []model.Leg {
	short := d("1.00")
	long := short.Add(d(debit))
	return []model.Leg{
		leg(model.Call, model.Buy, "100", long.String()),
		leg(model.Call, model.Sell, "105", short.String()),
	}
}

func request(st model.StrategyType, legs []model.Leg) Request {
	return Request{
		Symbol:       "SPY",
		StrategyType: st,
		Legs:         legs,
		Confidence:   80,
		Equity:       d("50000"),
	}
}

func TestDebitSpread_WidthBoundary(t *testing.T) {
	e := newEngine()

	res := e.Size(request(model.BullCallSpread, bullCall("3.10")))
	assert.False(t, res.CanAfford)
	assert.Equal(t, "debit $3.10 exceeds 60% of $5.00 width", res.RejectionReason)

	res = e.Size(request(model.BullCallSpread, bullCall("2.99")))
	assert.True(t, res.CanAfford, res.RejectionReason)
	assert.Positive(t, res.Quantity)

	res = e.Size(request(model.BullCallSpread, bullCall("3.00")))
	assert.True(t, res.CanAfford, "exactly 60 percent of width is allowed")
}

func TestCreditSpread_WidthBoundary(t *testing.T) {
	e := newEngine()

	res := e.Size(request(model.BullPutSpread, bullPut("1.49")))
	assert.False(t, res.CanAfford)
	assert.Equal(t, "credit $1.49 below 30% of $5.00 width", res.RejectionReason)

	res = e.Size(request(model.BullPutSpread, bullPut("1.50")))
	assert.True(t, res.CanAfford, res.RejectionReason)
	assert.True(t, res.IsCredit())
}

func TestCreditSpread_EndToEndSizing(t *testing.T) {
	e := newEngine()
	res := e.Size(request(model.BullPutSpread, bullPut("1.60")))

	require.True(t, res.CanAfford, res.RejectionReason)
	assert.InDelta(t, 0.0495, res.AllocationPct, 1e-9)
	assert.True(t, res.AllocatedCapital.Equal(d("2475")))
	assert.True(t, res.NetPerUnit.Equal(d("-160")))
	assert.Equal(t, int64(15), res.Quantity)
	assert.True(t, res.TotalCost.Equal(d("2400")))
	assert.InDelta(t, 0.048, res.PositionPct, 1e-9)
}

func TestCreditVertical_PricedAsDebitRejected(t *testing.T) {
	e := newEngine()
	legs := []model.Leg{
		leg(model.Put, model.Sell, "95", "1.00"),
		leg(model.Put, model.Buy, "90", "1.50"),
	}
	res := e.Size(request(model.BullPutSpread, legs))
	assert.False(t, res.CanAfford)
	assert.Contains(t, res.RejectionReason, "expected a credit")
}

func TestAllocation_ConfidenceBuckets(t *testing.T) {
	e := newEngine()
	snap := model.ExposureSnapshot{}
	// base 5% times bucket, capped at 8%, times the 0.7 default multiplier
	assert.InDelta(t, 0.08*0.7, e.Allocation(96, model.CoveredCall, snap), 1e-9)
	assert.InDelta(t, 0.065*0.7, e.Allocation(91, model.CoveredCall, snap), 1e-9)
	assert.InDelta(t, 0.055*0.7, e.Allocation(85, model.CoveredCall, snap), 1e-9)
	assert.InDelta(t, 0.05*0.7, e.Allocation(60, model.CoveredCall, snap), 1e-9)
	assert.InDelta(t, 0.055*0.7, e.Allocation(0.85, model.CoveredCall, snap), 1e-9, "fractions are scaled")
}

func TestAllocation_StrategyMultipliers(t *testing.T) {
	e := newEngine()
	snap := model.ExposureSnapshot{}
	spread := e.Allocation(80, model.BullPutSpread, snap)
	straddle := e.Allocation(80, model.LongStraddle, snap)
	strangle := e.Allocation(80, model.LongStrangle, snap)
	assert.Greater(t, spread, straddle)
	assert.Greater(t, straddle, strangle)
}

func TestAllocation_Dampening(t *testing.T) {
	e := newEngine()
	base := e.Allocation(80, model.IronCondor, model.ExposureSnapshot{TotalAllocatedPct: 0.50})
	mid := e.Allocation(80, model.IronCondor, model.ExposureSnapshot{TotalAllocatedPct: 0.65})
	high := e.Allocation(80, model.IronCondor, model.ExposureSnapshot{TotalAllocatedPct: 0.85})
	edge := e.Allocation(80, model.IronCondor, model.ExposureSnapshot{TotalAllocatedPct: 0.80})

	assert.InDelta(t, base*0.75, mid, 1e-12)
	assert.InDelta(t, base*0.5, high, 1e-12)
	assert.InDelta(t, base*0.75, edge, 1e-12, "80 percent exactly is not above the high-water mark")
}

func TestSize_MinimumOneUnitWithinBuffer(t *testing.T) {
	e := newEngine()
	// allocation 50000 * 0.05 * 0.6 = 1500; one unit costs 1600, inside the 1.2 buffer
	legs := []model.Leg{
		leg(model.Call, model.Buy, "100", "8.00"),
		leg(model.Put, model.Buy, "100", "8.00"),
	}
	req := request(model.LongStraddle, legs)
	req.Confidence = 50
	res := e.Size(req)
	require.True(t, res.CanAfford, res.RejectionReason)
	assert.Equal(t, int64(1), res.Quantity)
}

func TestSize_TooExpensive(t *testing.T) {
	e := newEngine()
	legs := []model.Leg{
		leg(model.Call, model.Buy, "100", "10.00"),
		leg(model.Put, model.Buy, "100", "10.00"),
	}
	req := request(model.LongStraddle, legs)
	req.Confidence = 50
	res := e.Size(req)
	assert.False(t, res.CanAfford)
	assert.Equal(t, "one unit costs $2000.00, above allocation $1500.00", res.RejectionReason)
}

func TestSize_UnitCaps(t *testing.T) {
	e := newEngine()
	req := request(model.LongCall, []model.Leg{leg(model.Call, model.Buy, "100", "0.05")})
	req.Equity = d("1000000")
	res := e.Size(req)
	require.True(t, res.CanAfford)
	assert.Equal(t, int64(50), res.Quantity, "per-symbol cap")

	req.HeldUnits = 190
	res = e.Size(req)
	assert.Equal(t, int64(10), res.Quantity, "account cap")

	req.HeldUnits = 200
	res = e.Size(req)
	assert.False(t, res.CanAfford)
	assert.Contains(t, res.RejectionReason, "account unit cap")
}

func TestSize_BuyingPowerCapsDebit(t *testing.T) {
	e := newEngine()
	req := request(model.BullCallSpread, bullCall("2.00"))
	req.BuyingPower = d("450")
	res := e.Size(req)
	require.True(t, res.CanAfford, res.RejectionReason)
	assert.Equal(t, int64(2), res.Quantity)

	req.BuyingPower = d("100")
	res = e.Size(req)
	assert.False(t, res.CanAfford)
	assert.Contains(t, res.RejectionReason, "buying power")
}

func TestSize_ZeroNetRejected(t *testing.T) {
	e := newEngine()
	legs := []model.Leg{
		leg(model.Put, model.Buy, "85", "1.00"),
		leg(model.Put, model.Sell, "90", "1.00"),
		leg(model.Call, model.Sell, "110", "1.00"),
		leg(model.Call, model.Buy, "115", "1.00"),
	}
	res := e.Size(request(model.IronCondor, legs))
	assert.False(t, res.CanAfford)
	assert.Equal(t, "net premium is zero", res.RejectionReason)
}

func TestSize_NoEquity(t *testing.T) {
	e := newEngine()
	req := request(model.BullPutSpread, bullPut("1.60"))
	req.Equity = decimal.Zero
	res := e.Size(req)
	assert.False(t, res.CanAfford)
	assert.Contains(t, res.RejectionReason, "equity")
}

func TestValidateLegs(t *testing.T) {
	cases := []struct {
		name string
		st   model.StrategyType
		legs []model.Leg
		ok   bool
	}{
		{"vertical ok", model.BullPutSpread, bullPut("1.60"), true},
		{"vertical same side", model.BullPutSpread, []model.Leg{
			leg(model.Put, model.Sell, "95", "2"), leg(model.Put, model.Sell, "90", "1")}, false},
		{"vertical mixed types", model.BullPutSpread, []model.Leg{
			leg(model.Put, model.Sell, "95", "2"), leg(model.Call, model.Buy, "90", "1")}, false},
		{"straddle ok", model.LongStraddle, []model.Leg{
			leg(model.Call, model.Buy, "100", "2"), leg(model.Put, model.Buy, "100", "2")}, true},
		{"straddle strikes differ", model.LongStraddle, []model.Leg{
			leg(model.Call, model.Buy, "105", "2"), leg(model.Put, model.Buy, "100", "2")}, false},
		{"short strangle ok", model.ShortStrangle, []model.Leg{
			leg(model.Call, model.Sell, "105", "2"), leg(model.Put, model.Sell, "95", "2")}, true},
		{"short strangle bought", model.ShortStrangle, []model.Leg{
			leg(model.Call, model.Buy, "105", "2"), leg(model.Put, model.Sell, "95", "2")}, false},
		{"condor ok", model.IronCondor, []model.Leg{
			leg(model.Put, model.Buy, "85", "0.5"), leg(model.Put, model.Sell, "90", "1"),
			leg(model.Call, model.Sell, "110", "1"), leg(model.Call, model.Buy, "115", "0.5")}, true},
		{"condor wrong count", model.IronCondor, bullPut("1.60"), false},
		{"csp must sell put", model.CashSecuredPut, []model.Leg{leg(model.Put, model.Buy, "90", "1")}, false},
		{"long call ok", model.LongCall, []model.Leg{leg(model.Call, model.Buy, "100", "1")}, true},
		{"long call is put", model.LongCall, []model.Leg{leg(model.Put, model.Buy, "100", "1")}, false},
		{"unpriced", model.LongCall, []model.Leg{leg(model.Call, model.Buy, "100", "0")}, false},
		{"no legs", model.LongCall, nil, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			reason := ValidateLegs(tc.st, tc.legs)
			if tc.ok {
				assert.Empty(t, reason)
			} else {
				assert.NotEmpty(t, reason)
			}
		})
	}
}

func TestNetPremiumAndWidth(t *testing.T) {
	legs := bullPut("1.60")
	assert.True(t, NetPremium(legs).Equal(d("-1.60")))
	assert.True(t, Width(legs).Equal(d("5")))
	assert.True(t, Width(legs[:1]).IsZero())
}
