// Package money rounds and formats Brazilian real amounts.
package money

import (
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/shopspring/decimal"
)

// Epsilon is the smallest amount or unit count treated as non-zero.
const Epsilon = 1e-9

// Round2 rounds half away from zero to cents.
func Round2(v float64) float64 {
	f, _ := decimal.NewFromFloat(v).Round(2).Float64()
	return f
}

// Round4 rounds to four decimal places (rates and NAVs).
func Round4(v float64) float64 {
	f, _ := decimal.NewFromFloat(v).Round(4).Float64()
	return f
}

// Format renders v as "R$1,234.56".
func Format(v float64) string {
	s := humanize.CommafWithDigits(Round2(v), 2)
	// CommafWithDigits trims trailing zeros; pad back to two decimals.
	neg := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(s, "-")
	if i := strings.IndexByte(s, '.'); i < 0 {
		s += ".00"
	} else if len(s)-i == 2 {
		s += "0"
	}
	if neg {
		return "-R$" + s
	}
	return "R$" + s
}

// Percent renders a fraction (0.125) as "12.50%".
func Percent(frac float64) string {
	return decimal.NewFromFloat(frac * 100).StringFixed(2) + "%"
}
