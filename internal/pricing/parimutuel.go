// Package pricing implements the pari-mutuel pool pricing model: pool sizes
// and a fee rate in, the odds multiple a unit of stake would be worth if the
// option wins out.
//
// Fees are charged only against the losing pool, exactly as the payout
// calculator charges them at settlement, so a quote and the final payout are
// computed from the same formula.
//
// All money inputs are money.Cents. The multiple itself is a ratio, not
// money, and is carried as a decimal with MultipleScale fractional digits.
package pricing

import (
	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/money"
)

var (
	// MultipleScale is the number of decimal places kept on the odds
	// multiple. Rounding is monotone, so the multiple stays non-increasing
	// in stake after rounding.
	MultipleScale int32 = 16

	// DisplayScale is the number of decimal places exposed to clients.
	DisplayScale int32 = 6

	// DefaultFees applies when a market has no explicit fee configuration.
	DefaultFees = model.FeeSchedule{PlatformBps: 250, CreatorBps: 100}

	bpsDenominator = decimal.NewFromInt(money.BpsDenominator)
	hundred        = decimal.NewFromInt(100)
)

// Pools is a snapshot of a market's total pool and one option's pool.
type Pools struct {
	Total  money.Cents
	Option money.Cents
}

// PostOddsMultiple returns the multiple a unit stake on the option would be
// worth if it wins, after adding stake to both pools:
//
//	effectiveTotal  = total + stake
//	effectiveOption = option + stake
//	losing          = effectiveTotal - effectiveOption
//	fee             = losing * feeBps / 10000
//	multiple        = (effectiveOption + losing - fee) / effectiveOption
//
// ok is false when effectiveOption is zero (the multiple is undefined).
// Negative inputs are treated as zero and feeBps is clamped to [0, 10000].
func PostOddsMultiple(pools Pools, stake money.Cents, feeBps int64) (multiple decimal.Decimal, ok bool) {
	total := money.Max(pools.Total, 0)
	option := money.Max(pools.Option, 0)
	stake = money.Max(stake, 0)

	effectiveOption := option + stake
	if effectiveOption == 0 {
		return decimal.Zero, false
	}
	losing := money.Max(total+stake-effectiveOption, 0)

	fee := decimal.NewFromInt(int64(losing)).
		Mul(decimal.NewFromInt(clampBps(feeBps))).
		Div(bpsDenominator)
	distributable := decimal.NewFromInt(int64(effectiveOption + losing)).Sub(fee)

	return distributable.DivRound(decimal.NewFromInt(int64(effectiveOption)), MultipleScale), true
}

// EstimatePayout applies a multiple to a stake, rounding to the cent.
func EstimatePayout(stake money.Cents, multiple decimal.Decimal) money.Cents {
	if stake <= 0 {
		return 0
	}
	return money.Cents(decimal.NewFromInt(int64(stake)).Mul(multiple).Round(0).IntPart())
}

// Display rounds a multiple for clients.
func Display(multiple decimal.Decimal) decimal.Decimal {
	return multiple.Round(DisplayScale)
}

// FeesFromPercent derives a fee schedule from percentage settings, e.g.
// 2.5 → 250 bps. A nil percentage falls back to the matching default.
func FeesFromPercent(platformPct, creatorPct *decimal.Decimal, defaults model.FeeSchedule) model.FeeSchedule {
	fees := defaults
	if platformPct != nil {
		fees.PlatformBps = platformPct.Mul(hundred).Round(0).IntPart()
	}
	if creatorPct != nil {
		fees.CreatorBps = creatorPct.Mul(hundred).Round(0).IntPart()
	}
	return fees
}

// MarketFees returns the fee schedule configured on a market.
func MarketFees(m *model.Market, defaults model.FeeSchedule) model.FeeSchedule {
	return FeesFromPercent(m.PlatformFeePct, m.CreatorFeePct, defaults)
}

func clampBps(bps int64) int64 {
	if bps < 0 {
		return 0
	}
	if bps > money.BpsDenominator {
		return money.BpsDenominator
	}
	return bps
}
