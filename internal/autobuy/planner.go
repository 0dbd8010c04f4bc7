// Package autobuy turns a credited deposit into per-asset purchase plans.
package autobuy

import (
	"fmt"
	"math/big"
	"strings"

	"SettleLedger/internal/errs"
	fpmath "SettleLedger/internal/math"

	"github.com/shopspring/decimal"
)

// DefaultMaxChunks bounds the chunk count of one allocation.
const DefaultMaxChunks = 100

type Weight struct {
	Symbol string
	Weight decimal.Decimal
}

// Product is a named allocation template. Weights are fractions of the
// deposit and must sum to at most 1.
type Product struct {
	ID          string
	Allocations []Weight
}

func (p Product) Validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return errs.E(errs.KindValidation, "product without id")
	}
	if len(p.Allocations) == 0 {
		return errs.E(errs.KindValidation, "product %s has no allocations", p.ID)
	}
	sum := decimal.Zero
	for _, a := range p.Allocations {
		if strings.TrimSpace(a.Symbol) == "" {
			return errs.E(errs.KindValidation, "product %s: allocation without symbol", p.ID)
		}
		if a.Weight.Sign() <= 0 {
			return errs.E(errs.KindValidation, "product %s: weight for %s must be positive", p.ID, a.Symbol)
		}
		sum = sum.Add(a.Weight)
	}
	if sum.GreaterThan(decimal.NewFromInt(1)) {
		return errs.E(errs.KindValidation, "product %s: weights sum to %s > 1", p.ID, sum)
	}
	return nil
}

// Allocation is the spend for one asset, already split into chunks.
type Allocation struct {
	Symbol string
	Amount *big.Int
	Chunks []*big.Int
}

// Planner splits credited amounts per product definition.
type Planner struct {
	products  map[string]Product
	maxChunk  *big.Int
	maxChunks int
}

// NewPlanner validates products. maxChunk is the largest chunk in quote
// minor units; nil or zero means one chunk per allocation.
func NewPlanner(products []Product, maxChunk *big.Int, maxChunks int) (*Planner, error) {
	if maxChunks <= 0 {
		maxChunks = DefaultMaxChunks
	}
	p := &Planner{products: make(map[string]Product, len(products)), maxChunk: maxChunk, maxChunks: maxChunks}
	for _, prod := range products {
		if err := prod.Validate(); err != nil {
			return nil, err
		}
		p.products[prod.ID] = prod
	}
	return p, nil
}

func (p *Planner) Product(id string) (Product, bool) {
	prod, ok := p.products[id]
	return prod, ok
}

// Plan floors total*weight per allocation and skips allocations that
// floor to zero. Unallocated remainder stays in the wallet. An allocation
// that needs more than maxChunks chunks of at most maxChunk is rejected.
func (p *Planner) Plan(productID string, total *big.Int) ([]Allocation, error) {
	prod, ok := p.products[productID]
	if !ok {
		return nil, errs.E(errs.KindNotFound, "product %q", productID)
	}
	if total == nil || total.Sign() <= 0 {
		return nil, errs.E(errs.KindValidation, "plan total must be positive")
	}

	var out []Allocation
	for _, a := range prod.Allocations {
		w := a.Weight.Rat()
		amount, err := fpmath.MulDiv(total, w.Num(), w.Denom(), fpmath.RoundFloor)
		if err != nil {
			return nil, err
		}
		if amount.Sign() == 0 {
			continue
		}
		symbol := strings.ToUpper(a.Symbol)
		n, err := p.chunkCount(amount)
		if err != nil {
			return nil, errs.E(errs.KindValidation, "product %s: %s allocation of %s: %w", productID, symbol, amount, err)
		}
		out = append(out, Allocation{
			Symbol: symbol,
			Amount: amount,
			Chunks: SplitEven(amount, n),
		})
	}
	return out, nil
}

func (p *Planner) chunkCount(amount *big.Int) (int, error) {
	if p.maxChunk == nil || p.maxChunk.Sign() <= 0 {
		return 1, nil
	}
	n, err := fpmath.MulDiv(amount, big.NewInt(1), p.maxChunk, fpmath.RoundCeiling)
	if err != nil {
		return 0, err
	}
	if !n.IsInt64() || n.Int64() > int64(p.maxChunks) {
		return 0, fmt.Errorf("needs %s chunks of at most %s, limit is %d", n, p.maxChunk, p.maxChunks)
	}
	return int(n.Int64()), nil
}

// SplitEven splits total into n parts: total/n each, with the remainder
// distributed one unit at a time to the first parts. Parts that would be
// zero are dropped.
func SplitEven(total *big.Int, n int) []*big.Int {
	if n < 1 {
		n = 1
	}
	base, rem := new(big.Int).QuoRem(total, big.NewInt(int64(n)), new(big.Int))
	r := rem.Int64()

	parts := make([]*big.Int, 0, n)
	for i := 0; i < n; i++ {
		part := new(big.Int).Set(base)
		if int64(i) < r {
			part.Add(part, big.NewInt(1))
		}
		if part.Sign() == 0 {
			break
		}
		parts = append(parts, part)
	}
	return parts
}
