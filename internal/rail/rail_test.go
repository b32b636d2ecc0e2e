package rail

import (
	"errors"
	"testing"
)

func TestParseProvider(t *testing.T) {
	tests := []struct {
		provider string
		want     Rail
	}{
		{"demo-wallet", Demo},
		{"crypto-base-usdc", Crypto},
		{"fiat-paystack", Fiat("paystack")},
		{"FIAT-Paystack", Fiat("paystack")},
		{"fiat", Fiat("")},
	}
	for _, tt := range tests {
		got, err := ParseProvider(tt.provider)
		if err != nil {
			t.Fatalf("ParseProvider(%q): %v", tt.provider, err)
		}
		if got != tt.want {
			t.Errorf("ParseProvider(%q) = %v, want %v", tt.provider, got, tt.want)
		}
	}
}

func TestParseProvider_Unknown(t *testing.T) {
	for _, p := range []string{"", "paypal", "fiat-", "crypto-eth"} {
		if _, err := ParseProvider(p); !errors.Is(err, ErrUnknownProvider) {
			t.Errorf("ParseProvider(%q): expected ErrUnknownProvider, got %v", p, err)
		}
	}
}

func TestClassify_LegacyIsDemo(t *testing.T) {
	if Classify("") != Demo {
		t.Error("empty provider should classify as demo")
	}
	if Classify("something-else") != Demo {
		t.Error("unknown provider should classify as demo")
	}
}

func TestMatches_RailIsolation(t *testing.T) {
	if Demo.Matches(ProviderCryptoBaseUSDC) {
		t.Error("demo rail must not match crypto entries")
	}
	if Crypto.Matches(ProviderDemoWallet) {
		t.Error("crypto rail must not match demo entries")
	}
	if Demo.Matches("fiat-paystack") {
		t.Error("demo rail must not match fiat entries")
	}
	if !Fiat("").Matches("fiat-paystack") {
		t.Error("any-fiat rail should match fiat-paystack")
	}
	if Fiat("flutterwave").Matches("fiat-paystack") {
		t.Error("fiat variants must stay isolated")
	}
}

func TestProviderClassifyRoundTrip(t *testing.T) {
	for _, r := range []Rail{Demo, Crypto, Fiat(""), Fiat("paystack")} {
		if got := Classify(r.Provider()); got != r {
			t.Errorf("Classify(%q) = %v, want %v", r.Provider(), got, r)
		}
		if !r.Matches(r.Provider()) {
			t.Errorf("%v does not match its own provider %q", r, r.Provider())
		}
	}
	if Demo.Matches(Fiat("").Provider()) {
		t.Error("demo rail must not match generic fiat payouts")
	}
}

func TestStringParseRoundTrip(t *testing.T) {
	for _, r := range []Rail{Demo, Crypto, Fiat(""), Fiat("paystack")} {
		got, err := Parse(r.String())
		if err != nil {
			t.Fatalf("Parse(%q): %v", r.String(), err)
		}
		if got != r {
			t.Errorf("round trip %v -> %q -> %v", r, r.String(), got)
		}
	}
}

func TestModeRelevant(t *testing.T) {
	if !ModeReal.Relevant(ProviderCryptoBaseUSDC) || ModeReal.Relevant(ProviderDemoWallet) {
		t.Error("real mode should only consider crypto entries")
	}
	if ModeDemo.Relevant(ProviderCryptoBaseUSDC) {
		t.Error("demo mode must ignore crypto entries")
	}
	if !ModeDemo.Relevant("") || !ModeDemo.Relevant("fiat-paystack") {
		t.Error("demo mode should consider every non-crypto entry")
	}
}

func TestParseMode(t *testing.T) {
	if m, _ := ParseMode(""); m != ModeDemo {
		t.Errorf("empty mode should default to demo, got %q", m)
	}
	if m, _ := ParseMode("real"); m != ModeReal {
		t.Errorf("expected REAL, got %q", m)
	}
	if _, err := ParseMode("paper"); !errors.Is(err, ErrUnknownMode) {
		t.Errorf("expected ErrUnknownMode, got %v", err)
	}
}
