package math

import (
	"strings"

	"github.com/shopspring/decimal"
)

// GroupStyle describes display separators. Display output is never a valid
// input for ToUnits round-tripping and must not be fed back into it.
type GroupStyle struct {
	Thousands string
	Decimal   string
	// Fixed keeps all of the symbol's decimals instead of trimming zeros.
	Fixed bool
}

var (
	StyleEN   = GroupStyle{Thousands: ",", Decimal: "."}
	StylePTBR = GroupStyle{Thousands: ".", Decimal: ",", Fixed: true}
)

// Decimal returns a as a shopspring decimal at the symbol's scale.
func (c *Codec) Decimal(a Amount) decimal.Decimal {
	if a.Units == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(a.Units, -int32(c.reg.Get(a.Symbol)))
}

// FormatGrouped renders a for display, e.g. "1,234.5" or "1.234,50".
func (c *Codec) FormatGrouped(a Amount, style GroupStyle) string {
	d := c.Decimal(a)
	var s string
	if style.Fixed {
		s = d.StringFixed(int32(c.reg.Get(a.Symbol)))
	} else {
		s = d.String()
	}

	sign := ""
	if strings.HasPrefix(s, "-") {
		sign, s = "-", s[1:]
	}
	intPart, fracPart, hasFrac := strings.Cut(s, ".")

	var b strings.Builder
	b.WriteString(sign)
	for i, r := range intPart {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			b.WriteString(style.Thousands)
		}
		b.WriteRune(r)
	}
	if hasFrac {
		b.WriteString(style.Decimal)
		b.WriteString(fracPart)
	}
	return b.String()
}
