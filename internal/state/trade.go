package state

import (
	"math/big"
	"time"

	"github.com/google/uuid"
)

// Trade is one executed chunk of an order, unique per (OrderID, ChunkRef).
type Trade struct {
	ID          uuid.UUID
	OrderID     uuid.UUID
	ChunkIndex  int
	ChunkRef    string
	ProviderRef string
	Route       string
	AmountIn    *big.Int
	AmountOut   *big.Int
	MinOut      *big.Int
	Fee         *big.Int
	FeeAsset    string
	Price       *big.Int
	CreatedAt   time.Time
}
