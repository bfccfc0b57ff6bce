/*
Package rates provides the per-tonne charge rate table used for every
money/emissions conversion in the compliance engine.

Rates are per compliance period (regulatory year). The table ships with the
statutory default schedule and can be overridden from a YAML file:

    charge_rates:
      "2024": "80.00"
      "2025": "95.00"

Lookups for years without a configured rate fail; a silently defaulted rate
would mean billing at the wrong statutory price.
*/
package rates

import (
	"fmt"
	"io"
	"sort"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// ErrNoRate wraps lookups for unconfigured years.
type ErrNoRate struct {
	Year int
}

func (e *ErrNoRate) Error() string {
	return fmt.Sprintf("no charge rate configured for compliance period %d", e.Year)
}

// Table maps compliance periods to per-tonne dollar rates.
type Table struct {
	rates map[int]decimal.Decimal
}

// Default returns the statutory schedule.
func Default() *Table {
	return &Table{rates: map[int]decimal.Decimal{
		2022: decimal.RequireFromString("50.00"),
		2023: decimal.RequireFromString("65.00"),
		2024: decimal.RequireFromString("80.00"),
		2025: decimal.RequireFromString("95.00"),
		2026: decimal.RequireFromString("110.00"),
	}}
}

// rateFile is the YAML shape.
type rateFile struct {
	ChargeRates map[int]string `yaml:"charge_rates"`
}

// FromYAML parses a rate table. The result replaces, not merges, the default
// schedule.
func FromYAML(r io.Reader) (*Table, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	var f rateFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("failed to parse charge rates: %w", err)
	}
	if len(f.ChargeRates) == 0 {
		return nil, fmt.Errorf("charge rate file has no charge_rates entries")
	}

	t := &Table{rates: make(map[int]decimal.Decimal, len(f.ChargeRates))}
	for year, s := range f.ChargeRates {
		d, err := decimal.NewFromString(s)
		if err != nil {
			return nil, fmt.Errorf("invalid charge rate for %d: %w", year, err)
		}
		if !d.IsPositive() {
			return nil, fmt.Errorf("charge rate for %d must be positive, got %s", year, s)
		}
		t.rates[year] = d
	}
	return t, nil
}

// RateForYear returns the per-tonne rate for a compliance period.
func (t *Table) RateForYear(year int) (decimal.Decimal, error) {
	rate, ok := t.rates[year]
	if !ok {
		return decimal.Zero, &ErrNoRate{Year: year}
	}
	return rate, nil
}

// Years lists configured compliance periods in ascending order.
func (t *Table) Years() []int {
	years := make([]int, 0, len(t.rates))
	for y := range t.rates {
		years = append(years, y)
	}
	sort.Ints(years)
	return years
}
