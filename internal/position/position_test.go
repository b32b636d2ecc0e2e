package position

import (
	"errors"
	"testing"

	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/money"
	"github.com/atmx/settlement-engine/internal/rail"
)

func entry(user, option, provider string, units int64) model.Entry {
	return model.Entry{
		ID:       user + "-" + option,
		MarketID: "m1",
		OptionID: option,
		UserID:   user,
		Amount:   money.FromUnits(units),
		Provider: provider,
		Status:   model.EntryActive,
	}
}

func TestBook_AggregatesTopUps(t *testing.T) {
	book := NewBook([]model.Entry{
		entry("u1", "A", rail.ProviderDemoWallet, 10),
		entry("u1", "A", rail.ProviderDemoWallet, 15),
		entry("u2", "A", rail.ProviderDemoWallet, 5),
	}, nil)

	if got := book.Stake("u1", "A"); got != money.FromUnits(25) {
		t.Errorf("expected 25.00, got %s", got)
	}

	positions := book.Positions()
	if len(positions) != 2 {
		t.Fatalf("expected 2 positions, got %d", len(positions))
	}
	if positions[0].UserID != "u1" || positions[0].Entries != 2 {
		t.Errorf("unexpected first position: %+v", positions[0])
	}
}

func TestBook_IgnoresInactiveEntries(t *testing.T) {
	e := entry("u1", "A", rail.ProviderDemoWallet, 10)
	e.Status = "refunded"

	book := NewBook([]model.Entry{e}, nil)
	if got := book.Stake("u1", "A"); got != 0 {
		t.Errorf("inactive entry should not count, got %s", got)
	}
}

func TestCheckConflict_SameRail(t *testing.T) {
	book := NewBook([]model.Entry{
		entry("u1", "B", rail.ProviderDemoWallet, 10),
	}, rail.ModeDemo.Relevant)

	err := book.CheckConflict("u1", "A")
	if !errors.Is(err, ErrConflictingPosition) {
		t.Errorf("expected ErrConflictingPosition, got %v", err)
	}
	if err := book.CheckConflict("u1", "B"); err != nil {
		t.Errorf("top-up on the same option should be allowed, got %v", err)
	}
}

func TestCheckConflict_OtherRailIgnored(t *testing.T) {
	entries := []model.Entry{
		entry("u1", "B", rail.ProviderCryptoBaseUSDC, 10),
	}

	demo := NewBook(entries, rail.ModeDemo.Relevant)
	if err := demo.CheckConflict("u1", "A"); err != nil {
		t.Errorf("crypto entry should not conflict in demo mode, got %v", err)
	}

	realBook := NewBook(entries, rail.ModeReal.Relevant)
	if err := realBook.CheckConflict("u1", "A"); !errors.Is(err, ErrConflictingPosition) {
		t.Errorf("expected conflict in real mode, got %v", err)
	}
}

func TestByUser(t *testing.T) {
	book := NewBook([]model.Entry{
		entry("u1", "A", rail.ProviderDemoWallet, 50),
		entry("u2", "A", rail.ProviderDemoWallet, 50),
		entry("u3", "B", rail.ProviderDemoWallet, 20),
		entry("u4", "A", rail.ProviderCryptoBaseUSDC, 7),
	}, rail.Demo.Predicate())

	got := book.ByUser("A")
	if len(got) != 2 {
		t.Fatalf("expected 2 winners on demo rail, got %v", got)
	}
	if got["u1"] != money.FromUnits(50) || got["u2"] != money.FromUnits(50) {
		t.Errorf("unexpected stakes: %v", got)
	}
}
