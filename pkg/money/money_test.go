package money

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RejectsUnknownCurrency(t *testing.T) {
	_, err := New(decimal.NewFromInt(10), "XYZ")
	assert.Error(t, err)
}

func TestNew_AcceptsKnownCurrencyCaseInsensitive(t *testing.T) {
	a, err := New(decimal.NewFromInt(10), "eur")
	require.NoError(t, err)
	assert.Equal(t, "EUR", a.Currency)
}

func TestBucket_Thresholds(t *testing.T) {
	cases := []struct {
		amount string
		want   string
	}{
		{"5", "micro"},
		{"50", "small"},
		{"200", "medium"},
		{"1000", "large"},
		{"5000", "very_large"},
	}
	for _, c := range cases {
		a, err := NewFromString(c.amount, "USD")
		require.NoError(t, err)
		assert.Equal(t, c.want, a.Bucket(), "amount %s", c.amount)
	}
}

func TestAdd_PanicsOnCurrencyMismatch(t *testing.T) {
	a, _ := New(decimal.NewFromInt(10), "USD")
	b, _ := New(decimal.NewFromInt(10), "EUR")
	assert.Panics(t, func() { a.Add(b) })
}

func TestCmp_SameCurrency(t *testing.T) {
	a, _ := New(decimal.NewFromInt(10), "USD")
	b, _ := New(decimal.NewFromInt(20), "USD")
	assert.Equal(t, -1, a.Cmp(b))
	assert.Equal(t, 1, b.Cmp(a))
}

func TestString_FormatsWithCurrency(t *testing.T) {
	a, _ := New(decimal.NewFromFloat(45.5), "EUR")
	assert.Equal(t, "45.50 EUR", a.String())
}
