package math

import (
	"math/big"
	"sync"

	"SettleLedger/internal/errs"
)

// PriceDecimals is the fixed-point scale for execution and average prices
// (whole quote units per whole base unit).
const PriceDecimals = 18

// BpsDenominator is 100% in basis points.
const BpsDenominator = 10_000

type RoundingMode int

const (
	RoundTruncate RoundingMode = iota // toward zero
	RoundHalfUp                       // half away from zero
	RoundFloor                        // toward negative infinity
	RoundCeiling                      // toward positive infinity
)

func (m RoundingMode) String() string {
	switch m {
	case RoundTruncate:
		return "truncate"
	case RoundHalfUp:
		return "half-up"
	case RoundFloor:
		return "floor"
	case RoundCeiling:
		return "ceiling"
	default:
		return "unknown"
	}
}

// ParseRoundingMode accepts the wire names used by the HTTP API.
func ParseRoundingMode(s string) (RoundingMode, error) {
	switch s {
	case "", "truncate":
		return RoundTruncate, nil
	case "half-up", "half_up":
		return RoundHalfUp, nil
	case "floor":
		return RoundFloor, nil
	case "ceiling", "ceil":
		return RoundCeiling, nil
	}
	return RoundTruncate, errs.E(errs.KindValidation, "unknown rounding mode %q", s)
}

// Scratch big.Ints for intermediate products.
var intPool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt() *big.Int {
	return intPool.Get().(*big.Int)
}

func putInt(v *big.Int) {
	v.SetInt64(0)
	intPool.Put(v)
}

var (
	pow10Mu    sync.RWMutex
	pow10Cache = map[int]*big.Int{}
)

// Pow10 returns 10^n. The returned value must not be mutated.
func Pow10(n int) *big.Int {
	pow10Mu.RLock()
	v, ok := pow10Cache[n]
	pow10Mu.RUnlock()
	if ok {
		return v
	}
	v = new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
	pow10Mu.Lock()
	pow10Cache[n] = v
	pow10Mu.Unlock()
	return v
}

// MulDiv computes (a*b)/c exactly and rounds once. Rounding is evaluated on
// the absolute quotient and the sign is applied afterwards, with floor and
// ceiling keeping their directional meaning for negative results.
func MulDiv(a, b, c *big.Int, mode RoundingMode) (*big.Int, error) {
	if c.Sign() == 0 {
		return nil, errs.E(errs.KindValidation, "mulDiv: division by zero")
	}
	negative := a.Sign()*b.Sign()*c.Sign() < 0

	num := getInt()
	defer putInt(num)
	num.Mul(a, b)
	num.Abs(num)

	den := getInt()
	defer putInt(den)
	den.Abs(c)

	q := new(big.Int)
	r := getInt()
	defer putInt(r)
	q.QuoRem(num, den, r)

	if r.Sign() != 0 && roundsAway(mode, negative, r, den) {
		q.Add(q, big.NewInt(1))
	}
	if negative {
		q.Neg(q)
	}
	return q, nil
}

// roundsAway reports whether the magnitude must be bumped by one given a
// non-zero remainder r of a division by den.
func roundsAway(mode RoundingMode, negative bool, r, den *big.Int) bool {
	switch mode {
	case RoundHalfUp:
		twice := getInt()
		defer putInt(twice)
		twice.Lsh(r, 1)
		return twice.Cmp(den) >= 0
	case RoundFloor:
		return negative
	case RoundCeiling:
		return !negative
	default:
		return false
	}
}

// WeightedAverage returns (avg*prevQty + price*qty) / (prevQty + qty),
// rounded half-up. With no prior quantity the fill price is returned as is.
func WeightedAverage(avg, prevQty, price, qty *big.Int) *big.Int {
	total := new(big.Int).Add(prevQty, qty)
	if prevQty.Sign() == 0 || total.Sign() == 0 {
		return new(big.Int).Set(price)
	}

	term1 := getInt()
	defer putInt(term1)
	term1.Mul(avg, prevQty)

	term2 := getInt()
	defer putInt(term2)
	term2.Mul(price, qty)

	numerator := new(big.Int).Add(term1, term2)
	result, _ := MulDiv(numerator, big.NewInt(1), total, RoundHalfUp)
	return result
}
