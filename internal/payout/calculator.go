// Package payout computes how a closed market's pot is split among the
// winners of one settlement rail.
//
// Fees are charged only on losing stakes. Winner shares are computed in
// integer cents with exact arithmetic, and the cents lost to flooring are
// handed out by largest remainder (ties by ascending user id), so the sum of
// payouts always equals the distributable pot.
package payout

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/money"
	"github.com/atmx/settlement-engine/internal/position"
	"github.com/atmx/settlement-engine/internal/rail"
)

var (
	// ErrInvalidFees is returned for a fee schedule with a negative rate.
	ErrInvalidFees = errors.New("payout: fee rates must not be negative")

	// ErrNoWinningOption is returned when no winning option is given.
	ErrNoWinningOption = errors.New("payout: winning option is required")

	// ErrDistributionMismatch means the remainder allocation produced a
	// total different from the distributable pot. It is a programming error.
	ErrDistributionMismatch = errors.New("payout: distributed total does not match distributable pot")
)

// Input is everything the calculator needs for one (market, rail).
type Input struct {
	MarketID        string
	WinningOptionID string
	Entries         []model.Entry
	Fees            model.FeeSchedule
	Rail            rail.Rail

	// Predicate overrides Rail.Predicate() when set.
	Predicate func(provider string) bool
}

// Calculator is a stateless payout calculator. It is safe for concurrent
// use; the logger only reports arithmetic defects.
type Calculator struct {
	logger *slog.Logger
}

// NewCalculator returns a calculator. A nil logger uses slog.Default().
func NewCalculator(logger *slog.Logger) *Calculator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Calculator{logger: logger}
}

// Calculate is shorthand for a calculator with the default logger.
func Calculate(in Input) (*model.PayoutResult, error) {
	return NewCalculator(nil).Calculate(in)
}

// Calculate computes the payout result for in.Rail.
func (c *Calculator) Calculate(in Input) (*model.PayoutResult, error) {
	if in.Fees.PlatformBps < 0 || in.Fees.CreatorBps < 0 {
		return nil, fmt.Errorf("%w: platform=%d creator=%d", ErrInvalidFees, in.Fees.PlatformBps, in.Fees.CreatorBps)
	}
	if in.WinningOptionID == "" {
		return nil, ErrNoWinningOption
	}

	keep := in.Predicate
	if keep == nil {
		keep = in.Rail.Predicate()
	}

	result := &model.PayoutResult{
		MarketID:        in.MarketID,
		Rail:            in.Rail,
		WinningOptionID: in.WinningOptionID,
		Payouts:         make(map[string]money.Cents),
		WinnerStakes:    make(map[string]money.Cents),
	}

	book := position.NewBook(in.Entries, keep)
	for _, p := range book.Positions() {
		if p.OptionID == in.WinningOptionID {
			result.WinnersStakeTotal += p.Stake
			result.WinnerStakes[p.UserID] += p.Stake
		} else {
			result.LosersStakeTotal += p.Stake
		}
	}
	result.TotalPot = result.WinnersStakeTotal + result.LosersStakeTotal
	if result.TotalPot == 0 {
		return result, nil
	}

	// Fees never exceed the losing pool, whatever the schedule.
	losers := result.LosersStakeTotal
	result.PlatformFee = money.Min(losers.ApplyBps(in.Fees.PlatformBps), losers)
	result.CreatorFee = money.Min(losers.ApplyBps(in.Fees.CreatorBps), losers-result.PlatformFee)

	if result.WinnersStakeTotal == 0 {
		// Fees are charged even with no claimants; nobody is paid.
		return result, nil
	}

	prizePool := money.Max(losers-result.PlatformFee-result.CreatorFee, 0)
	result.DistributablePot = result.WinnersStakeTotal + prizePool

	distribute(result)

	if paid := result.TotalPaid(); paid != result.DistributablePot {
		c.logger.Error("payout distribution mismatch",
			"market", in.MarketID,
			"rail", in.Rail.String(),
			"distributable", result.DistributablePot.String(),
			"paid", paid.String(),
		)
		return nil, fmt.Errorf("%w: market %s rail %s paid %s of %s",
			ErrDistributionMismatch, in.MarketID, in.Rail, paid, result.DistributablePot)
	}
	return result, nil
}

type share struct {
	userID    string
	cents     money.Cents
	remainder decimal.Decimal
}

// distribute fills result.Payouts from result.WinnerStakes.
func distribute(result *model.PayoutResult) {
	pot := decimal.NewFromInt(int64(result.DistributablePot))
	winners := decimal.NewFromInt(int64(result.WinnersStakeTotal))

	shares := make([]share, 0, len(result.WinnerStakes))
	var allocated money.Cents
	for userID, stake := range result.WinnerStakes {
		// floor(stake * pot / winners) with the exact discarded remainder.
		q, r := decimal.NewFromInt(int64(stake)).Mul(pot).QuoRem(winners, 0)
		s := share{userID: userID, cents: money.Cents(q.IntPart()), remainder: r}
		allocated += s.cents
		shares = append(shares, s)
	}

	sort.Slice(shares, func(i, j int) bool {
		if cmp := shares[i].remainder.Cmp(shares[j].remainder); cmp != 0 {
			return cmp > 0
		}
		return shares[i].userID < shares[j].userID
	})

	leftover := int(result.DistributablePot - allocated)
	for i := 0; i < leftover && len(shares) > 0; i++ {
		shares[i%len(shares)].cents++
	}

	for _, s := range shares {
		result.Payouts[s.userID] = s.cents
	}
}
