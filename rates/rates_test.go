package rates_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/carbonledger/compliance-engine/rates"
)

func TestDefault_KnownYear(t *testing.T) {
	table := rates.Default()

	rate, err := table.RateForYear(2023)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rate.String() != "65" {
		t.Errorf("expected 65, got %s", rate.String())
	}
}

func TestRateForYear_Unconfigured(t *testing.T) {
	table := rates.Default()

	_, err := table.RateForYear(1999)
	var noRate *rates.ErrNoRate
	if !errors.As(err, &noRate) {
		t.Fatalf("expected ErrNoRate, got %v", err)
	}
	if noRate.Year != 1999 {
		t.Errorf("expected year 1999 in error, got %d", noRate.Year)
	}
}

func TestFromYAML(t *testing.T) {
	input := `
charge_rates:
  2024: "80.00"
  2025: "95.00"
`
	table, err := rates.FromYAML(strings.NewReader(input))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rate, err := table.RateForYear(2025)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rate.String() != "95" {
		t.Errorf("expected 95, got %s", rate.String())
	}

	// Replaces, not merges: default years vanish.
	if _, err := table.RateForYear(2022); err == nil {
		t.Error("expected 2022 to be unconfigured after YAML load")
	}
}

func TestFromYAML_RejectsNonPositiveRate(t *testing.T) {
	input := `
charge_rates:
  2024: "-1.00"
`
	if _, err := rates.FromYAML(strings.NewReader(input)); err == nil {
		t.Fatal("expected error for negative rate")
	}
}

func TestFromYAML_RejectsEmpty(t *testing.T) {
	if _, err := rates.FromYAML(strings.NewReader("charge_rates: {}")); err == nil {
		t.Fatal("expected error for empty table")
	}
}
