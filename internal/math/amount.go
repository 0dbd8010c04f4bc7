package math

import (
	"math/big"
	"regexp"
	"strings"

	"SettleLedger/internal/errs"
)

// Amount is an integer quantity in the minor units of Symbol.
type Amount struct {
	Symbol string
	Units  *big.Int
}

func NewAmount(symbol string, units *big.Int) Amount {
	return Amount{Symbol: normalizeSymbol(symbol), Units: new(big.Int).Set(units)}
}

func ZeroAmount(symbol string) Amount {
	return Amount{Symbol: normalizeSymbol(symbol), Units: new(big.Int)}
}

func (a Amount) Sign() int {
	if a.Units == nil {
		return 0
	}
	return a.Units.Sign()
}

func (a Amount) IsZero() bool { return a.Sign() == 0 }

// String renders the raw minor units, e.g. "1050 BRL".
func (a Amount) String() string {
	if a.Units == nil {
		return "0 " + a.Symbol
	}
	return a.Units.String() + " " + a.Symbol
}

var canonicalAmount = regexp.MustCompile(`^[+-]?\d+(\.\d+)?$`)

// Codec converts between human strings and minor units using a Registry.
type Codec struct {
	reg *Registry
}

func NewCodec(reg *Registry) *Codec {
	return &Codec{reg: reg}
}

func (c *Codec) Registry() *Registry { return c.reg }

func (c *Codec) Decimals(symbol string) int { return c.reg.Get(symbol) }

// ToUnits parses a human amount into minor units of symbol. Digits beyond
// the symbol's precision are resolved with mode.
func (c *Codec) ToUnits(symbol, human string, mode RoundingMode) (Amount, error) {
	sym := normalizeSymbol(symbol)
	if sym == "" {
		return Amount{}, errs.E(errs.KindValidation, "empty symbol")
	}
	negative, intPart, fracPart, err := splitHuman(human)
	if err != nil {
		return Amount{}, err
	}

	dec := c.reg.Get(sym)
	var dropped string
	if len(fracPart) > dec {
		dropped = fracPart[dec:]
		fracPart = fracPart[:dec]
	} else {
		fracPart += strings.Repeat("0", dec-len(fracPart))
	}

	units, ok := new(big.Int).SetString(intPart+fracPart, 10)
	if !ok {
		return Amount{}, errs.E(errs.KindValidation, "invalid amount %q", human)
	}
	if bumpMagnitude(mode, negative, dropped) {
		units.Add(units, big.NewInt(1))
	}
	if negative {
		units.Neg(units)
	}
	return Amount{Symbol: sym, Units: units}, nil
}

// MustUnits is ToUnits with truncation that panics on error. Intended for
// constants and tests.
func (c *Codec) MustUnits(symbol, human string) Amount {
	a, err := c.ToUnits(symbol, human, RoundTruncate)
	if err != nil {
		panic(err)
	}
	return a
}

// FromUnits renders a canonical human string: no grouping, trailing
// fractional zeros stripped.
func (c *Codec) FromUnits(a Amount) string {
	if a.Units == nil {
		return "0"
	}
	return formatScaled(a.Units, c.reg.Get(a.Symbol))
}

// formatScaled renders v / 10^dec without trailing fractional zeros.
func formatScaled(v *big.Int, dec int) string {
	if v.Sign() == 0 {
		return "0"
	}
	digits := new(big.Int).Abs(v).String()
	if len(digits) <= dec {
		digits = strings.Repeat("0", dec-len(digits)+1) + digits
	}
	intPart := digits[:len(digits)-dec]
	fracPart := strings.TrimRight(digits[len(digits)-dec:], "0")

	var b strings.Builder
	if v.Sign() < 0 {
		b.WriteByte('-')
	}
	b.WriteString(intPart)
	if fracPart != "" {
		b.WriteByte('.')
		b.WriteString(fracPart)
	}
	return b.String()
}

func bumpMagnitude(mode RoundingMode, negative bool, dropped string) bool {
	if strings.Trim(dropped, "0") == "" {
		return false
	}
	switch mode {
	case RoundHalfUp:
		return dropped[0] >= '5'
	case RoundFloor:
		return negative
	case RoundCeiling:
		return !negative
	default:
		return false
	}
}

// splitHuman normalizes locale variants and returns the sign and the digit
// runs on each side of the decimal point. "-0" comes back as non-negative.
func splitHuman(human string) (negative bool, intPart, fracPart string, err error) {
	s := normalizeLocale(human)
	if !canonicalAmount.MatchString(s) {
		return false, "", "", errs.E(errs.KindValidation, "invalid amount %q", human)
	}
	switch s[0] {
	case '-':
		negative = true
		s = s[1:]
	case '+':
		s = s[1:]
	}
	intPart, fracPart, _ = strings.Cut(s, ".")
	if strings.Trim(intPart+fracPart, "0") == "" {
		negative = false
	}
	return negative, intPart, fracPart, nil
}

// normalizeLocale strips whitespace and resolves separators. When both '.'
// and ',' appear the last one is the decimal point. A single ',' on its own
// is a decimal comma. Repeated separators of one kind are grouping.
func normalizeLocale(human string) string {
	s := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\n', '\r', '\u00a0', '\u202f', '_':
			return -1
		}
		return r
	}, human)

	dots := strings.Count(s, ".")
	commas := strings.Count(s, ",")
	switch {
	case dots > 0 && commas > 0:
		if strings.LastIndex(s, ",") > strings.LastIndex(s, ".") {
			s = strings.ReplaceAll(s, ".", "")
			s = strings.Replace(s, ",", ".", 1)
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	case commas == 1:
		s = strings.Replace(s, ",", ".", 1)
	case commas > 1:
		s = strings.ReplaceAll(s, ",", "")
	case dots > 1:
		s = strings.ReplaceAll(s, ".", "")
	}
	return s
}
