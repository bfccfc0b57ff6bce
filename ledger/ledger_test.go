package ledger_test

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/carbonledger/compliance-engine/ledger"
)

func TestMoney_QuantizedAtConstruction(t *testing.T) {
	// GIVEN: An amount with more than 2 decimal places
	// WHEN: Constructing Money
	// THEN: It is rounded to cents immediately

	m := ledger.MoneyFromString("10536.5120")
	if m.String() != "10536.51" {
		t.Errorf("expected 10536.51, got %s", m.String())
	}
}

func TestEmissions_QuantizedAtConstruction(t *testing.T) {
	e := ledger.EmissionsFromString("100.00004999")
	if e.String() != "100.0000" {
		t.Errorf("expected 100.0000, got %s", e.String())
	}
}

func TestFeeFor_RoundsToCents(t *testing.T) {
	// GIVEN: 60 tonnes at $65.00/tonne
	// WHEN: Converting to money
	// THEN: $3900.00 exactly

	tonnes := ledger.EmissionsFromString("60.0000")
	rate := decimal.RequireFromString("65.00")

	fee := ledger.FeeFor(tonnes, rate)
	if fee.String() != "3900.00" {
		t.Errorf("expected 3900.00, got %s", fee.String())
	}
}

func TestTonnesFor_RoundsToFourPlaces(t *testing.T) {
	// $100.00 at $65.00/tonne = 1.5385 t after quantization
	amount := ledger.MoneyFromString("100.00")
	rate := decimal.RequireFromString("65.00")

	tonnes := ledger.TonnesFor(amount, rate)
	if tonnes.String() != "1.5385" {
		t.Errorf("expected 1.5385, got %s", tonnes.String())
	}
}

func TestTonnesFor_ZeroRate(t *testing.T) {
	tonnes := ledger.TonnesFor(ledger.MoneyFromString("100.00"), decimal.Zero)
	if !tonnes.IsZero() {
		t.Errorf("expected zero tonnes on zero rate, got %s", tonnes.String())
	}
}

func TestMoney_ClampNonNegative(t *testing.T) {
	if got := ledger.MoneyFromString("-5.00").ClampNonNegative(); !got.IsZero() {
		t.Errorf("expected 0.00, got %s", got.String())
	}
	if got := ledger.MoneyFromString("5.00").ClampNonNegative(); got.String() != "5.00" {
		t.Errorf("expected 5.00, got %s", got.String())
	}
}

func TestEmissions_WholeTonnes_Truncates(t *testing.T) {
	// 12.9999 t issues 12 whole tonnes; the fraction is never issued.
	e := ledger.EmissionsFromString("12.9999")
	if got := e.WholeTonnes(); got != 12 {
		t.Errorf("expected 12, got %d", got)
	}
}

func TestMoney_MinMax(t *testing.T) {
	a := ledger.MoneyFromString("3900.00")
	b := ledger.MoneyFromString("10536.51")

	if got := a.Min(b); !got.Equal(a) {
		t.Errorf("min: expected %s, got %s", a, got)
	}
	if got := a.Max(b); !got.Equal(b) {
		t.Errorf("max: expected %s, got %s", b, got)
	}
}
