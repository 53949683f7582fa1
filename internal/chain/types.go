package chain

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Reader is the read-only chain access the pipeline needs. No write
// operations: transaction submission belongs to the external chain client.
type Reader interface {
	// BlockNumber returns the current block height, used as a cheap
	// liveness probe.
	BlockNumber(ctx context.Context) (uint64, error)
	// TokenBalance reads the ERC-20 balance of holder for the given token.
	TokenBalance(ctx context.Context, token, holder common.Address) (*big.Int, error)
	// TokenName reads the ERC-20 name, doubling as a well-formedness probe
	// for the asset contract.
	TokenName(ctx context.Context, token common.Address) (string, error)
	Close()
}
