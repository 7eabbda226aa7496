/*
Package ledger is the dual-currency ledger core shared by the SAKA and EUR engines.

PURPOSE:
  Holds the money type, the persistent record types (wallets, transactions,
  pool, escrows, pockets), the storage contract, and the unit of work that
  every balance mutation goes through. The SAKA engines (package saka) and
  the EUR engine (package finance) are thin domain layers on top of this.

KEY CONCEPTS IN THIS FILE (money.go):
  - Currency: SAKA (whole units) or EUR (cents)
  - Amount: a fixed-point quantity bound to one currency

PRECISION:
  Amounts are decimal.Decimal values quantized to the currency scale.
  Percentages round half-up at the minimal unit; compost and
  redistribution floor. Binary floating point never touches a balance.

SEE ALSO:
  - types.go: Wallet, Transaction and the other persisted records
  - unit.go: Unit of work (locking, posting, flushing)
  - errors.go: Rejection codes and the failure taxonomy
*/
package ledger

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// CURRENCY
// =============================================================================

type Currency string

const (
	SAKA Currency = "SAKA"
	EUR  Currency = "EUR"
)

// Scale is the number of decimal places of the currency's minimal unit.
func (c Currency) Scale() int32 {
	if c == EUR {
		return 2
	}
	return 0
}

func (c Currency) Valid() bool { return c == SAKA || c == EUR }

// Unit is the smallest representable amount: 1 SAKA or 0.01 EUR.
func (c Currency) Unit() Amount { return AmountFromMinor(1, c) }

func ParseCurrency(s string) (Currency, error) {
	c := Currency(s)
	if !c.Valid() {
		return "", fmt.Errorf("%w: unknown currency %q", ErrInvalidAmount, s)
	}
	return c, nil
}

// =============================================================================
// AMOUNT
// =============================================================================

type Amount struct {
	Value    decimal.Decimal
	Currency Currency
}

func Zero(c Currency) Amount { return Amount{Value: decimal.Zero, Currency: c} }

// NewAmount quantizes value to the currency scale, rounding half-up.
func NewAmount(value decimal.Decimal, c Currency) Amount {
	return Amount{Value: value.Round(c.Scale()), Currency: c}
}

func NewAmountFromInt(value int64, c Currency) Amount {
	return Amount{Value: decimal.NewFromInt(value), Currency: c}
}

// AmountFromMinor builds an amount from minimal units (cents for EUR).
func AmountFromMinor(minor int64, c Currency) Amount {
	return Amount{Value: decimal.New(minor, -c.Scale()), Currency: c}
}

// ParseAmount parses a decimal string. More precision than the currency
// carries is an error, not a silent rounding.
func ParseAmount(s string, c Currency) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{}, fmt.Errorf("%w: %q is not a decimal", ErrInvalidAmount, s)
	}
	if !d.Equal(d.Round(c.Scale())) {
		return Amount{}, fmt.Errorf("%w: %s has more than %d decimal places", ErrInvalidAmount, s, c.Scale())
	}
	return Amount{Value: d.Round(c.Scale()), Currency: c}, nil
}

func MustParseAmount(s string, c Currency) Amount {
	a, err := ParseAmount(s, c)
	if err != nil {
		panic(err)
	}
	return a
}

// Minor returns the amount in minimal units. Storage keeps balances this way.
func (a Amount) Minor() int64 {
	return a.Value.Shift(a.Currency.Scale()).Round(0).IntPart()
}

func (a Amount) Add(b Amount) Amount { return Amount{Value: a.Value.Add(b.Value), Currency: a.Currency} }
func (a Amount) Sub(b Amount) Amount { return Amount{Value: a.Value.Sub(b.Value), Currency: a.Currency} }
func (a Amount) Neg() Amount         { return Amount{Value: a.Value.Neg(), Currency: a.Currency} }

// MulRate multiplies by a rate and rounds half-up to the currency scale.
func (a Amount) MulRate(rate decimal.Decimal) Amount {
	return NewAmount(a.Value.Mul(rate), a.Currency)
}

// FloorRate multiplies by a rate and floors to the currency scale.
func (a Amount) FloorRate(rate decimal.Decimal) Amount {
	return Amount{Value: a.Value.Mul(rate).RoundFloor(a.Currency.Scale()), Currency: a.Currency}
}

func (a Amount) MulInt(n int64) Amount {
	return Amount{Value: a.Value.Mul(decimal.NewFromInt(n)), Currency: a.Currency}
}

// DivFloor splits the amount into n equal shares, flooring each to the
// currency scale.
func (a Amount) DivFloor(n int64) Amount {
	if n <= 0 {
		return Zero(a.Currency)
	}
	return AmountFromMinor(a.Minor()/n, a.Currency)
}

func (a Amount) IsZero() bool                     { return a.Value.IsZero() }
func (a Amount) IsPositive() bool                 { return a.Value.IsPositive() }
func (a Amount) IsNegative() bool                 { return a.Value.IsNegative() }
func (a Amount) Equal(b Amount) bool              { return a.Value.Equal(b.Value) }
func (a Amount) LessThan(b Amount) bool           { return a.Value.LessThan(b.Value) }
func (a Amount) GreaterThan(b Amount) bool        { return a.Value.GreaterThan(b.Value) }
func (a Amount) GreaterThanOrEqual(b Amount) bool { return a.Value.GreaterThanOrEqual(b.Value) }
func (a Amount) Cmp(b Amount) int                 { return a.Value.Cmp(b.Value) }
func (a Amount) Abs() Amount                      { return Amount{Value: a.Value.Abs(), Currency: a.Currency} }
func (a Amount) Float64() float64                 { return a.Value.InexactFloat64() }

func (a Amount) Max(b Amount) Amount {
	if a.LessThan(b) {
		return b
	}
	return a
}

// String renders the amount at the currency scale, e.g. "98.26".
func (a Amount) String() string { return a.Value.StringFixed(a.Currency.Scale()) }
