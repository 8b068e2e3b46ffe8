package symbol

import (
	"errors"
	"testing"
	"time"

	"optionsflow/internal/vendorerr"
	"optionsflow/pkg/types"
)

func TestParseSeedScenario(t *testing.T) {
	t.Parallel()

	got, err := Parse("O:SPY251219C00650000")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	want := types.Contract{
		Underlying: "SPY",
		Strike:     650.0,
		Expiration: time.Date(2025, 12, 19, 0, 0, 0, 0, time.UTC),
		Kind:       types.Call,
	}

	if got.Underlying != want.Underlying || got.Strike != want.Strike ||
		!got.Expiration.Equal(want.Expiration) || got.Kind != want.Kind {
		t.Errorf("Parse() = %+v, want %+v", got, want)
	}
}

func TestParseDotPrefix(t *testing.T) {
	t.Parallel()

	c, err := Parse("O.AAPL260320P00150000")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if c.Underlying != "AAPL" || c.Kind != types.Put || c.Strike != 150.0 {
		t.Errorf("Parse() = %+v", c)
	}
}

func TestParseMultiLetterTicker(t *testing.T) {
	t.Parallel()

	c, err := Parse("O:GOOGL251219C01500000")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if c.Underlying != "GOOGL" || c.Strike != 1500.0 {
		t.Errorf("Parse() = %+v", c)
	}
}

func TestParseRoundTrip(t *testing.T) {
	t.Parallel()

	sym := "O:SPY251219C00650000"
	c, err := Parse(sym)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got := Format(c); got != sym {
		t.Errorf("Format(Parse(%q)) = %q, want %q", sym, got, sym)
	}
}

func TestParseMalformed(t *testing.T) {
	t.Parallel()

	cases := []string{
		"",
		"O:SPY",
		"SPY251219X00650000",
		"O:251219C00650000",
		"O:SPY251219C0065000",
		"O:SPY251219C006500AB",
	}

	for _, sym := range cases {
		_, err := Parse(sym)
		if err == nil {
			t.Errorf("Parse(%q) succeeded, want error", sym)
			continue
		}
		if !errors.Is(err, vendorerr.ErrMalformedSymbol) {
			t.Errorf("Parse(%q) error = %v, want ErrMalformedSymbol", sym, err)
		}
	}
}

func TestDTENegativeForExpired(t *testing.T) {
	t.Parallel()

	past := time.Now().AddDate(0, 0, -10)
	if dte := DTE(past); dte >= 0 {
		t.Errorf("DTE(past) = %d, want negative", dte)
	}
}
