package math

import (
	"math/big"

	"SettleLedger/internal/errs"
)

// Ratio is an exact price: Numerator/Denominator quote minor units per one
// whole base unit, at QuoteDecimals captured when the ratio was built.
type Ratio struct {
	Base          string
	Quote         string
	Numerator     *big.Int
	Denominator   *big.Int
	QuoteDecimals int
}

// PriceRatio encodes a human price ("5.25" BRL per USDC) as an exact
// reduced fraction scaled to the quote asset's decimals.
func (c *Codec) PriceRatio(quoteSymbol, baseSymbol, price string) (Ratio, error) {
	negative, intPart, fracPart, err := splitHuman(price)
	if err != nil {
		return Ratio{}, err
	}
	if negative {
		return Ratio{}, errs.E(errs.KindValidation, "negative price %q", price)
	}
	mantissa, ok := new(big.Int).SetString(intPart+fracPart, 10)
	if !ok {
		return Ratio{}, errs.E(errs.KindValidation, "invalid price %q", price)
	}

	quoteDec := c.reg.Get(quoteSymbol)
	num := new(big.Int).Mul(mantissa, Pow10(quoteDec))
	den := new(big.Int).Set(Pow10(len(fracPart)))
	if num.Sign() != 0 {
		g := new(big.Int).GCD(nil, nil, num, den)
		num.Quo(num, g)
		den.Quo(den, g)
	}
	return Ratio{
		Base:          normalizeSymbol(baseSymbol),
		Quote:         normalizeSymbol(quoteSymbol),
		Numerator:     num,
		Denominator:   den,
		QuoteDecimals: quoteDec,
	}, nil
}

// ConvertUnits converts amount of fromSymbol into toSymbol through ratio.
// Price and decimal rescaling are folded into one fraction so rounding
// happens exactly once.
func (c *Codec) ConvertUnits(amount *big.Int, fromSymbol, toSymbol string, ratio Ratio, mode RoundingMode) (*big.Int, error) {
	from, to := normalizeSymbol(fromSymbol), normalizeSymbol(toSymbol)
	fromDec, toDec := c.reg.Get(from), c.reg.Get(to)

	num := new(big.Int)
	den := new(big.Int)
	switch {
	case from == to:
		return new(big.Int).Set(amount), nil
	case from == ratio.Base && to == ratio.Quote:
		// amount * N/D / 10^quoteDec is whole quote; rescale to toDec.
		num.Mul(ratio.Numerator, Pow10(toDec))
		den.Mul(ratio.Denominator, Pow10(ratio.QuoteDecimals))
		den.Mul(den, Pow10(fromDec))
	case from == ratio.Quote && to == ratio.Base:
		num.Mul(ratio.Denominator, Pow10(ratio.QuoteDecimals))
		num.Mul(num, Pow10(toDec))
		den.Mul(ratio.Numerator, Pow10(fromDec))
	default:
		return nil, errs.E(errs.KindValidation, "ratio %s/%s cannot convert %s to %s", ratio.Base, ratio.Quote, from, to)
	}
	if den.Sign() == 0 {
		return nil, errs.E(errs.KindValidation, "zero price for %s/%s", ratio.Base, ratio.Quote)
	}
	return MulDiv(amount, num, den, mode)
}

// Rescale moves units between two decimal conventions of the same asset.
func Rescale(units *big.Int, fromDec, toDec int, mode RoundingMode) *big.Int {
	switch {
	case toDec == fromDec:
		return new(big.Int).Set(units)
	case toDec > fromDec:
		return new(big.Int).Mul(units, Pow10(toDec-fromDec))
	default:
		out, _ := MulDiv(units, big.NewInt(1), Pow10(fromDec-toDec), mode)
		return out
	}
}

// ExecutionPrice returns whole-quote per whole-base as a PriceDecimals
// fixed-point integer, rounded half-up.
func (c *Codec) ExecutionPrice(base, quote Amount) (*big.Int, error) {
	if base.Sign() <= 0 {
		return nil, errs.E(errs.KindValidation, "execution price: non-positive base amount %s", base)
	}
	num := new(big.Int).Mul(Pow10(c.reg.Get(base.Symbol)), Pow10(PriceDecimals))
	den := new(big.Int).Mul(base.Units, Pow10(c.reg.Get(quote.Symbol)))
	return MulDiv(quote.Units, num, den, RoundHalfUp)
}

// PriceRat exposes a PriceDecimals fixed-point price as an exact rational.
func PriceRat(price *big.Int) *big.Rat {
	return new(big.Rat).SetFrac(price, Pow10(PriceDecimals))
}

// FormatPrice renders a PriceDecimals fixed-point price.
func FormatPrice(price *big.Int) string {
	if price == nil {
		return "0"
	}
	return formatScaled(price, PriceDecimals)
}
