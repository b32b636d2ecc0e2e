package pricing

import (
	"math/rand"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/money"
)

// d is a test helper for creating decimals from strings.
func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func pools(total, option int64) Pools {
	return Pools{Total: money.FromUnits(total), Option: money.FromUnits(option)}
}

// --- Multiple ---

func TestPostOddsMultiple_UndefinedWithoutStake(t *testing.T) {
	_, ok := PostOddsMultiple(pools(100, 0), 0, 250)
	if ok {
		t.Error("multiple should be undefined when the option pool is empty and stake is 0")
	}
}

func TestPostOddsMultiple_CurrentPool(t *testing.T) {
	// total 100, option 40: losing 60, fee 1.5, distributable 98.5 over 40.
	m, ok := PostOddsMultiple(pools(100, 40), 0, 250)
	if !ok {
		t.Fatal("expected defined multiple")
	}
	if !m.Equal(d("2.4625")) {
		t.Errorf("expected 2.4625, got %s", m)
	}
}

func TestPostOddsMultiple_AfterStake(t *testing.T) {
	// effectiveOption 50, effectiveTotal 110, losing 60, fee 1.5 → 108.5 / 50.
	m, ok := PostOddsMultiple(pools(100, 40), money.FromUnits(10), 250)
	if !ok {
		t.Fatal("expected defined multiple")
	}
	if !m.Equal(d("2.17")) {
		t.Errorf("expected 2.17, got %s", m)
	}
	if got := EstimatePayout(money.FromUnits(10), m); got != money.MustParse("21.70") {
		t.Errorf("expected est payout 21.70, got %s", got)
	}
}

func TestPostOddsMultiple_NoLosingPool(t *testing.T) {
	// Everyone on the same option: the stake just comes back.
	m, ok := PostOddsMultiple(pools(80, 80), money.FromUnits(20), 350)
	if !ok {
		t.Fatal("expected defined multiple")
	}
	if !m.Equal(decimal.NewFromInt(1)) {
		t.Errorf("expected multiple 1, got %s", m)
	}
}

func TestPostOddsMultiple_FirstBettorOnEmptySide(t *testing.T) {
	m, ok := PostOddsMultiple(pools(100, 0), money.FromUnits(1), 350)
	if !ok {
		t.Fatal("expected defined multiple")
	}
	if m.LessThanOrEqual(decimal.NewFromInt(10)) {
		t.Errorf("first bettor on empty side should get a large multiple, got %s", m)
	}
}

func TestPostOddsMultiple_ClampsInputs(t *testing.T) {
	m, ok := PostOddsMultiple(pools(100, 50), money.FromUnits(50), 20000)
	if !ok {
		t.Fatal("expected defined multiple")
	}
	// Fee clamped at 100% of the losing pool: multiple is exactly 1.
	if !m.Equal(decimal.NewFromInt(1)) {
		t.Errorf("expected 1 with fee clamped to 10000 bps, got %s", m)
	}

	neg, ok := PostOddsMultiple(pools(100, 40), -500, -10)
	if !ok {
		t.Fatal("expected defined multiple")
	}
	zero, _ := PostOddsMultiple(pools(100, 40), 0, 0)
	if !neg.Equal(zero) {
		t.Errorf("negative stake/fee should behave as zero: %s vs %s", neg, zero)
	}
}

func TestPostOddsMultiple_Deterministic(t *testing.T) {
	a, _ := PostOddsMultiple(pools(1234, 321), 777, 350)
	b, _ := PostOddsMultiple(pools(1234, 321), 777, 350)
	if !a.Equal(b) {
		t.Errorf("identical inputs must give identical multiples: %s vs %s", a, b)
	}
}

// --- Monotonicity property ---

func TestPostOddsMultiple_MonotonicInStake(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for trial := 0; trial < 500; trial++ {
		losing := money.Cents(rng.Int63n(1_000_000))
		option := money.Cents(rng.Int63n(1_000_000))
		feeBps := rng.Int63n(2000)
		p := Pools{Total: option + losing, Option: option}

		prev, prevOK := PostOddsMultiple(p, 0, feeBps)
		stake := money.Cents(0)
		for step := 0; step < 20; step++ {
			stake += money.Cents(1 + rng.Int63n(50_000))
			cur, ok := PostOddsMultiple(p, stake, feeBps)
			if !ok {
				t.Fatalf("multiple undefined with positive stake %s", stake)
			}
			if prevOK && cur.GreaterThan(prev) {
				t.Fatalf("multiple increased with stake: pools=%+v fee=%d stake=%s prev=%s cur=%s",
					p, feeBps, stake, prev, cur)
			}
			prev, prevOK = cur, true
		}
	}
}

func TestPostOddsMultiple_NeverBelowOneWithValidFees(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	one := decimal.NewFromInt(1)
	for i := 0; i < 1000; i++ {
		option := money.Cents(rng.Int63n(100_000))
		total := option + money.Cents(rng.Int63n(100_000))
		m, ok := PostOddsMultiple(Pools{Total: total, Option: option}, money.Cents(1+rng.Int63n(10_000)), rng.Int63n(10_001))
		if ok && m.LessThan(one) {
			t.Fatalf("multiple below 1: %s", m)
		}
	}
}

// --- Fee derivation ---

func TestFeesFromPercent(t *testing.T) {
	platform := d("2.5")
	creator := d("1")
	got := FeesFromPercent(&platform, &creator, DefaultFees)
	if got.PlatformBps != 250 || got.CreatorBps != 100 {
		t.Errorf("expected 250/100, got %+v", got)
	}
	if got.TotalBps() != 350 {
		t.Errorf("expected total 350, got %d", got.TotalBps())
	}
}

func TestFeesFromPercent_Defaults(t *testing.T) {
	got := FeesFromPercent(nil, nil, DefaultFees)
	if got != DefaultFees {
		t.Errorf("expected defaults, got %+v", got)
	}

	onlyCreator := d("0.255")
	got = FeesFromPercent(nil, &onlyCreator, DefaultFees)
	if got.PlatformBps != 250 || got.CreatorBps != 26 {
		t.Errorf("expected 250/26, got %+v", got)
	}
}

func TestMarketFees(t *testing.T) {
	pct := d("5")
	m := &model.Market{PlatformFeePct: &pct}
	got := MarketFees(m, DefaultFees)
	if got.PlatformBps != 500 || got.CreatorBps != 100 {
		t.Errorf("expected 500/100, got %+v", got)
	}
}

func TestDisplay(t *testing.T) {
	m, _ := PostOddsMultiple(pools(300, 70), 0, 350)
	if got := Display(m); got.Exponent() < -DisplayScale {
		t.Errorf("display should have at most %d decimals, got %s", DisplayScale, got)
	}
}
