// Package money renders amounts for user-facing messages.
package money

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Format renders d with dot thousands separators and a comma decimal mark, e.g. Rp1.250.000 or Rp10.500,50.
// Whole amounts are printed without decimals.
func Format(label string, d decimal.Decimal) string {
	neg := d.IsNegative()
	d = d.Abs()

	var whole, frac string
	if d.Equal(d.Truncate(0)) {
		whole = d.Truncate(0).String()
	} else {
		s := d.StringFixed(2)
		whole, frac, _ = strings.Cut(s, ".")
	}

	var b strings.Builder
	if neg {
		b.WriteByte('-')
	}
	b.WriteString(label)
	for i, r := range whole {
		if i > 0 && (len(whole)-i)%3 == 0 {
			b.WriteByte('.')
		}
		b.WriteRune(r)
	}
	if frac != "" {
		b.WriteByte(',')
		b.WriteString(frac)
	}
	return b.String()
}
