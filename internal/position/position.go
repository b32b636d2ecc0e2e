// Package position aggregates stake entries into positions and enforces the
// single-side rule.
//
// A user may top up the same option many times; those rows are one logical
// position per (user, option, rail). A user must not hold active entries on
// two different options of the same market within one rail.
package position

import (
	"errors"
	"fmt"
	"sort"

	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/money"
	"github.com/atmx/settlement-engine/internal/rail"
)

// ErrConflictingPosition is returned when a stake would put a user on a
// second option of the same market within one rail.
var ErrConflictingPosition = errors.New("position: active stake on another option of this market")

// Position is the aggregate of one user's active entries on one option of
// one rail.
type Position struct {
	UserID   string      `json:"user_id"`
	MarketID string      `json:"market_id"`
	OptionID string      `json:"option_id"`
	Rail     rail.Rail   `json:"rail"`
	Stake    money.Cents `json:"stake"`
	Entries  int         `json:"entries"`
}

type key struct {
	userID   string
	optionID string
	rail     string
}

// Book indexes the active entries of one market that pass a provider
// filter. A nil filter keeps every entry.
type Book struct {
	marketID  string
	positions map[key]*Position
	byUser    map[string][]*Position
}

// NewBook builds a book over entries. Entries that are not active, or
// whose provider is rejected by keep, are ignored.
func NewBook(entries []model.Entry, keep func(provider string) bool) *Book {
	b := &Book{
		positions: make(map[key]*Position),
		byUser:    make(map[string][]*Position),
	}
	for i := range entries {
		e := &entries[i]
		if e.Status != model.EntryActive {
			continue
		}
		if keep != nil && !keep(e.Provider) {
			continue
		}
		if b.marketID == "" {
			b.marketID = e.MarketID
		}
		r := e.Rail()
		k := key{userID: e.UserID, optionID: e.OptionID, rail: r.String()}
		p, ok := b.positions[k]
		if !ok {
			p = &Position{
				UserID:   e.UserID,
				MarketID: e.MarketID,
				OptionID: e.OptionID,
				Rail:     r,
			}
			b.positions[k] = p
			b.byUser[e.UserID] = append(b.byUser[e.UserID], p)
		}
		p.Stake += e.Amount
		p.Entries++
	}
	return b
}

// Stake returns the user's summed active stake on optionID.
func (b *Book) Stake(userID, optionID string) money.Cents {
	var total money.Cents
	for _, p := range b.byUser[userID] {
		if p.OptionID == optionID {
			total += p.Stake
		}
	}
	return total
}

// CheckConflict returns ErrConflictingPosition if the user holds a
// position on any option of the book other than optionID. The filter
// passed to NewBook decides which rail is being checked.
func (b *Book) CheckConflict(userID, optionID string) error {
	for _, p := range b.byUser[userID] {
		if p.OptionID != optionID && p.Stake > 0 {
			return fmt.Errorf("%w: user %s holds %s on option %s",
				ErrConflictingPosition, userID, p.Stake, p.OptionID)
		}
	}
	return nil
}

// ByUser returns each user's summed stake on optionID.
func (b *Book) ByUser(optionID string) map[string]money.Cents {
	out := make(map[string]money.Cents)
	for _, p := range b.positions {
		if p.OptionID == optionID {
			out[p.UserID] += p.Stake
		}
	}
	return out
}

// Positions returns every position ordered by user, option and rail.
func (b *Book) Positions() []Position {
	out := make([]Position, 0, len(b.positions))
	for _, p := range b.positions {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UserID != out[j].UserID {
			return out[i].UserID < out[j].UserID
		}
		if out[i].OptionID != out[j].OptionID {
			return out[i].OptionID < out[j].OptionID
		}
		return out[i].Rail.String() < out[j].Rail.String()
	})
	return out
}
