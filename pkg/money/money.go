// Package money provides a fixed-precision monetary amount used across the
// decision engine wherever the data model calls for "amount (decimal, >0)".
//
// The teacher's trading package kept prices as decimal.Decimal internally but
// converted to float64 the moment two amounts combined ("Mul", "Add" on
// Money), which reintroduces the rounding error decimal.Decimal exists to
// avoid. This package keeps the underlying decimal all the way through.
package money

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Amount is a monetary value paired with its ISO-4217 currency code.
type Amount struct {
	value    decimal.Decimal
	Currency string
}

// iso4217 is the set of currency codes this engine is configured to accept.
// It is intentionally small; extend it by adding codes here rather than
// accepting arbitrary three-letter strings.
var iso4217 = map[string]bool{
	"USD": true, "EUR": true, "GBP": true, "JPY": true, "CHF": true,
	"CAD": true, "AUD": true, "SEK": true, "NOK": true, "DKK": true,
	"PLN": true, "CZK": true, "RUB": true, "CNY": true, "INR": true,
	"BRL": true, "MXN": true, "ZAR": true, "SGD": true, "HKD": true,
}

// IsValidCurrency reports whether code is a known ISO-4217 alphabetic code.
func IsValidCurrency(code string) bool {
	return iso4217[strings.ToUpper(code)]
}

// New builds an Amount from a decimal value and currency code. It does not
// enforce positivity; TransactionEvent.Validate is the positivity boundary.
func New(value decimal.Decimal, currency string) (Amount, error) {
	if !IsValidCurrency(currency) {
		return Amount{}, fmt.Errorf("unrecognized ISO-4217 currency %q", currency)
	}
	return Amount{value: value, Currency: strings.ToUpper(currency)}, nil
}

// NewFromString parses a decimal string amount plus currency code.
func NewFromString(s, currency string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{}, fmt.Errorf("invalid amount: %w", err)
	}
	return New(d, currency)
}

// Decimal returns the underlying exact value.
func (a Amount) Decimal() decimal.Decimal { return a.value }

// Float64 returns a float64 approximation for contexts that only accept
// floats (an ML feature vector, a JSON field in a downstream schema). Never
// used for comparisons or arithmetic within this package.
func (a Amount) Float64() float64 {
	f, _ := a.value.Float64()
	return f
}

// IsPositive reports whether the amount is strictly greater than zero.
func (a Amount) IsPositive() bool { return a.value.IsPositive() }

// Add returns a + b. Panics if currencies differ; callers must not mix
// currencies without an explicit conversion step (out of scope here).
func (a Amount) Add(b Amount) Amount {
	if a.Currency != b.Currency {
		panic(fmt.Sprintf("money: currency mismatch %s vs %s", a.Currency, b.Currency))
	}
	return Amount{value: a.value.Add(b.value), Currency: a.Currency}
}

// Cmp compares two amounts of the same currency: -1, 0, 1.
func (a Amount) Cmp(b Amount) int {
	if a.Currency != b.Currency {
		panic(fmt.Sprintf("money: currency mismatch %s vs %s", a.Currency, b.Currency))
	}
	return a.value.Cmp(b.value)
}

// Bucket assigns the amount to one of a small set of named buckets, used as a
// categorical ML feature (see scorer.ProjectFeatures) rather than raw amount.
func (a Amount) Bucket() string {
	switch {
	case a.value.LessThan(decimal.NewFromInt(10)):
		return "micro"
	case a.value.LessThan(decimal.NewFromInt(100)):
		return "small"
	case a.value.LessThan(decimal.NewFromInt(500)):
		return "medium"
	case a.value.LessThan(decimal.NewFromInt(2000)):
		return "large"
	default:
		return "very_large"
	}
}

// String renders the amount with its currency, e.g. "45.50 EUR".
func (a Amount) String() string {
	return fmt.Sprintf("%s %s", a.value.StringFixed(2), a.Currency)
}
