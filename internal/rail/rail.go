// Package rail defines the settlement rails (isolated sub-ledgers sharing
// only the winning-outcome decision) and maps entry provider identifiers
// onto them.
package rail

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Kind enumerates the rail families.
type Kind uint8

const (
	KindDemo Kind = iota + 1
	KindCryptoBaseUSDC
	KindFiat
)

// Well-known provider identifiers.
const (
	ProviderDemoWallet     = "demo-wallet"
	ProviderCryptoBaseUSDC = "crypto-base-usdc"
	fiatProviderPrefix     = "fiat-"
	fiatProvider           = "fiat"
)

// fiatProviderRegex matches fiat-{variant}, e.g. fiat-paystack.
var fiatProviderRegex = regexp.MustCompile(`^fiat-([a-z0-9_]+)$`)

var (
	ErrUnknownProvider = errors.New("rail: unknown provider")
	ErrUnknownRail     = errors.New("rail: unknown rail")
	ErrUnknownMode     = errors.New("rail: unknown stake mode")
)

// Rail identifies one settlement track. Variant is only meaningful for
// fiat rails; an empty fiat variant matches every fiat provider.
type Rail struct {
	Kind    Kind
	Variant string
}

var (
	Demo   = Rail{Kind: KindDemo}
	Crypto = Rail{Kind: KindCryptoBaseUSDC}
)

// Fiat returns the fiat rail for a processor variant such as "paystack".
func Fiat(variant string) Rail {
	return Rail{Kind: KindFiat, Variant: strings.ToLower(variant)}
}

// All returns the rails a hybrid market is settled on by default.
func All() []Rail {
	return []Rail{Demo, Crypto, Fiat("")}
}

// String returns the rail key: "demo", "crypto", "fiat" or "fiat:{variant}".
// It is also the idempotency key component for settlement.
func (r Rail) String() string {
	switch r.Kind {
	case KindDemo:
		return "demo"
	case KindCryptoBaseUSDC:
		return "crypto"
	case KindFiat:
		if r.Variant != "" {
			return "fiat:" + r.Variant
		}
		return "fiat"
	default:
		return "unknown"
	}
}

// Parse is the inverse of String.
func Parse(s string) (Rail, error) {
	switch {
	case s == "demo":
		return Demo, nil
	case s == "crypto":
		return Crypto, nil
	case s == "fiat":
		return Fiat(""), nil
	case strings.HasPrefix(s, "fiat:") && len(s) > len("fiat:"):
		return Fiat(strings.TrimPrefix(s, "fiat:")), nil
	}
	return Rail{}, fmt.Errorf("%w: %q", ErrUnknownRail, s)
}

// MarshalText implements encoding.TextMarshaler.
func (r Rail) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *Rail) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// Currency is the wallet currency that entries on this rail are funded
// from and payouts are credited to.
func (r Rail) Currency() string {
	switch r.Kind {
	case KindCryptoBaseUSDC:
		return "USDC"
	case KindFiat:
		return "USD"
	default:
		return "DEMO"
	}
}

// Provider returns the canonical provider identifier written on entries
// and wallet transactions for this rail.
func (r Rail) Provider() string {
	switch r.Kind {
	case KindCryptoBaseUSDC:
		return ProviderCryptoBaseUSDC
	case KindFiat:
		if r.Variant != "" {
			return fiatProviderPrefix + r.Variant
		}
		return fiatProvider
	default:
		return ProviderDemoWallet
	}
}

// Matches reports whether an entry with the given provider belongs to r.
func (r Rail) Matches(provider string) bool {
	got := Classify(provider)
	if got.Kind != r.Kind {
		return false
	}
	if r.Kind == KindFiat && r.Variant != "" {
		return got.Variant == r.Variant
	}
	return true
}

// Predicate returns Matches as a function value for filtering entries.
func (r Rail) Predicate() func(provider string) bool {
	return r.Matches
}

// ParseProvider strictly maps a provider identifier onto its rail.
func ParseProvider(provider string) (Rail, error) {
	p := strings.ToLower(strings.TrimSpace(provider))
	switch p {
	case ProviderDemoWallet, "demo":
		return Demo, nil
	case ProviderCryptoBaseUSDC:
		return Crypto, nil
	case fiatProvider:
		return Fiat(""), nil
	}
	if m := fiatProviderRegex.FindStringSubmatch(p); m != nil {
		return Fiat(m[1]), nil
	}
	return Rail{}, fmt.Errorf("%w: %q", ErrUnknownProvider, provider)
}

// Classify maps any provider identifier onto a rail. Legacy entries without
// a provider, and unrecognised providers, are demo stakes.
func Classify(provider string) Rail {
	r, err := ParseProvider(provider)
	if err != nil {
		return Demo
	}
	return r
}

// Mode selects which of a user's entries a stake quote considers.
type Mode string

const (
	ModeDemo Mode = "DEMO"
	ModeReal Mode = "REAL"
)

// ParseMode accepts "demo"/"real" in any case; empty defaults to demo.
func ParseMode(s string) (Mode, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", string(ModeDemo):
		return ModeDemo, nil
	case string(ModeReal):
		return ModeReal, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownMode, s)
}

// Relevant reports whether an entry with provider counts toward a quote in
// this mode: real mode looks only at the crypto provider, demo mode at
// everything else.
func (m Mode) Relevant(provider string) bool {
	isCrypto := Classify(provider).Kind == KindCryptoBaseUSDC
	if m == ModeReal {
		return isCrypto
	}
	return !isCrypto
}
