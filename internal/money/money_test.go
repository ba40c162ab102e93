package money

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestRoundingPerCurrency(t *testing.T) {
	assert.Equal(t, "3.0001", TON.Round(d("3.00005")).String())
	assert.Equal(t, "1235", MMK.Round(d("1234.5")).String())
	assert.Equal(t, "0.0333", TON.Truncate(d("0.033333")).String())
}

func TestPercentKeepsPrecision(t *testing.T) {
	assert.True(t, Percent(d("100"), d("3")).Equal(d("3")))
	assert.True(t, Percent(d("10"), d("0.333")).Equal(d("0.0333")))
}

func TestNanoConversion(t *testing.T) {
	assert.True(t, NanoToTON(5_000_000_000).Equal(d("5")))
	assert.Equal(t, int64(1_234_500_000), TONToNano(d("1.2345")))
	assert.Equal(t, int64(1), TONToNano(d("0.0000000019")))
}

func TestParseCurrency(t *testing.T) {
	c, err := ParseCurrency(" ton ")
	require.NoError(t, err)
	assert.Equal(t, TON, c)

	_, err = ParseCurrency("USD")
	assert.Error(t, err)
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "97.0000 TON", Format(d("97"), TON))
	assert.Equal(t, "1500 MMK", Format(d("1500"), MMK))
}
