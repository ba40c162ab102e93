// Package money holds the currency rules: persisted precision, nanoTON
// conversion and percentage application. Amounts are shopspring decimals
// end to end; rounding happens only when a value is about to be stored.
package money

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

type Currency string

const (
	TON Currency = "TON"
	MMK Currency = "MMK"
)

var nanoPerTON = decimal.New(1, 9)

func ParseCurrency(s string) (Currency, error) {
	switch c := Currency(strings.ToUpper(strings.TrimSpace(s))); c {
	case TON, MMK:
		return c, nil
	}
	return "", fmt.Errorf("unknown currency %q", s)
}

// Places is the persisted precision: 4 decimals for TON, whole kyat for MMK.
func (c Currency) Places() int32 {
	if c == MMK {
		return 0
	}
	return 4
}

// Round applies the persisted precision (half away from zero).
func (c Currency) Round(d decimal.Decimal) decimal.Decimal {
	return d.Round(c.Places())
}

// Truncate drops digits beyond the persisted precision. Used for amounts
// credited to third parties so that rounding never mints funds.
func (c Currency) Truncate(d decimal.Decimal) decimal.Decimal {
	return d.Truncate(c.Places())
}

func (c Currency) String() string { return string(c) }

// Percent returns amount * rate / 100 without rounding.
func Percent(amount, rate decimal.Decimal) decimal.Decimal {
	return amount.Mul(rate).Div(decimal.NewFromInt(100))
}

// NanoToTON converts nanoTON to TON.
func NanoToTON(nano int64) decimal.Decimal {
	return decimal.NewFromInt(nano).Div(nanoPerTON)
}

// TONToNano converts TON to nanoTON, dropping sub-nano digits.
func TONToNano(ton decimal.Decimal) int64 {
	return ton.Mul(nanoPerTON).Truncate(0).IntPart()
}

// Format renders an amount at the currency precision for display.
func Format(d decimal.Decimal, c Currency) string {
	return d.StringFixed(c.Places()) + " " + string(c)
}
