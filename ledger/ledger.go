/*
Package ledger provides the value-level quantity types for the compliance
engine: emissions tonnage and currency amounts.

PURPOSE:
  Every financial and emissions figure in the system flows through these two
  types. They exist to enforce one rule everywhere: money is exact decimal
  quantized to 2 places, emissions are exact decimal quantized to 4 places.
  Rounding errors here are regulatory errors, so floating point is never used.

KEY CONCEPTS:
  - Emissions: tonnes of CO2e, 4 decimal places
  - Money: currency, 2 decimal places
  - FeeFor / TonnesFor: the only two conversion points between the two,
    always passing through a per-tonne charge rate

DESIGN PRINCIPLES:
  1. Quantize at construction: a Money or Emissions value is already rounded;
     comparisons never see un-quantized intermediates.
  2. Closed arithmetic: operations on quantized values return quantized values.
  3. No floats: constructors take decimal.Decimal or strings.

SEE ALSO:
  - compliance: the entities these quantities attach to
  - rates: the per-year charge-rate table used for conversions
*/
package ledger

import (
	"github.com/shopspring/decimal"
)

const (
	// MoneyPlaces is the quantization for currency values.
	MoneyPlaces int32 = 2

	// EmissionPlaces is the quantization for tonnage values.
	EmissionPlaces int32 = 4
)

// =============================================================================
// MONEY - Currency amount, always 2 decimal places
// =============================================================================

// Money is a currency amount quantized to 2 decimal places.
type Money struct {
	Value decimal.Decimal
}

// NewMoney quantizes d to 2 decimal places.
func NewMoney(d decimal.Decimal) Money {
	return Money{Value: d.Round(MoneyPlaces)}
}

// MoneyFromString parses a decimal string into Money.
// Invalid input yields zero, mirroring decimal.Zero fallback semantics.
func MoneyFromString(s string) Money {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Money{Value: decimal.Zero}
	}
	return NewMoney(d)
}

// ZeroMoney returns $0.00.
func ZeroMoney() Money {
	return Money{Value: decimal.Zero}
}

func (m Money) Add(o Money) Money      { return NewMoney(m.Value.Add(o.Value)) }
func (m Money) Sub(o Money) Money      { return NewMoney(m.Value.Sub(o.Value)) }
func (m Money) Neg() Money             { return Money{Value: m.Value.Neg()} }
func (m Money) Abs() Money             { return Money{Value: m.Value.Abs()} }
func (m Money) IsZero() bool           { return m.Value.IsZero() }
func (m Money) IsNegative() bool       { return m.Value.IsNegative() }
func (m Money) IsPositive() bool       { return m.Value.IsPositive() }
func (m Money) Equal(o Money) bool     { return m.Value.Equal(o.Value) }
func (m Money) GreaterThan(o Money) bool { return m.Value.GreaterThan(o.Value) }
func (m Money) LessThan(o Money) bool  { return m.Value.LessThan(o.Value) }

func (m Money) Min(o Money) Money {
	if m.LessThan(o) {
		return m
	}
	return o
}

func (m Money) Max(o Money) Money {
	if m.GreaterThan(o) {
		return m
	}
	return o
}

// ClampNonNegative floors the amount at zero.
// Used when only reductions may produce refunds.
func (m Money) ClampNonNegative() Money {
	if m.IsNegative() {
		return ZeroMoney()
	}
	return m
}

func (m Money) String() string {
	return m.Value.StringFixed(MoneyPlaces)
}

// =============================================================================
// EMISSIONS - Tonnage, always 4 decimal places
// =============================================================================

// Emissions is a CO2e tonnage quantized to 4 decimal places.
// Values may be negative: a negative excess is over-compliance.
type Emissions struct {
	Value decimal.Decimal
}

// NewEmissions quantizes d to 4 decimal places.
func NewEmissions(d decimal.Decimal) Emissions {
	return Emissions{Value: d.Round(EmissionPlaces)}
}

// EmissionsFromString parses a decimal string into Emissions.
func EmissionsFromString(s string) Emissions {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Emissions{Value: decimal.Zero}
	}
	return NewEmissions(d)
}

// EmissionsFromInt builds a whole-tonne quantity.
func EmissionsFromInt(tonnes int64) Emissions {
	return Emissions{Value: decimal.NewFromInt(tonnes)}
}

// ZeroEmissions returns 0.0000 t.
func ZeroEmissions() Emissions {
	return Emissions{Value: decimal.Zero}
}

func (e Emissions) Add(o Emissions) Emissions { return NewEmissions(e.Value.Add(o.Value)) }
func (e Emissions) Sub(o Emissions) Emissions { return NewEmissions(e.Value.Sub(o.Value)) }
func (e Emissions) Neg() Emissions            { return Emissions{Value: e.Value.Neg()} }
func (e Emissions) IsZero() bool              { return e.Value.IsZero() }
func (e Emissions) IsNegative() bool          { return e.Value.IsNegative() }
func (e Emissions) IsPositive() bool          { return e.Value.IsPositive() }
func (e Emissions) Equal(o Emissions) bool    { return e.Value.Equal(o.Value) }
func (e Emissions) GreaterThan(o Emissions) bool { return e.Value.GreaterThan(o.Value) }
func (e Emissions) LessThan(o Emissions) bool { return e.Value.LessThan(o.Value) }

// ClampNonNegative floors the tonnage at zero.
func (e Emissions) ClampNonNegative() Emissions {
	if e.IsNegative() {
		return ZeroEmissions()
	}
	return e
}

// WholeTonnes truncates to whole tonnes. Earned credits are issued in
// whole tonnes only; fractional remainders are never issued.
func (e Emissions) WholeTonnes() int64 {
	return e.Value.IntPart()
}

func (e Emissions) String() string {
	return e.Value.StringFixed(EmissionPlaces)
}

// =============================================================================
// CONVERSIONS - The only money<->emissions crossing points
// =============================================================================

// FeeFor converts tonnage to a dollar amount at the given per-tonne rate,
// quantized to cents.
func FeeFor(tonnes Emissions, rate decimal.Decimal) Money {
	return NewMoney(tonnes.Value.Mul(rate))
}

// TonnesFor converts a dollar amount back to tonnage at the given per-tonne
// rate, quantized to 4 decimal places. Rate must be non-zero; a zero rate
// yields zero tonnes rather than dividing by zero.
func TonnesFor(amount Money, rate decimal.Decimal) Emissions {
	if rate.IsZero() {
		return ZeroEmissions()
	}
	return NewEmissions(amount.Value.Div(rate))
}
