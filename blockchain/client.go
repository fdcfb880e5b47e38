package blockchain

import (
	"context"
)

// Balances maps an asset code to its decimal amount
type Balances map[string]string

// Client is the ledger boundary used by the farm. Lookups return nil, nil
// when the record does not exist.
type Client interface {
	CurrentBlock(ctx context.Context) (FarmIndex, error)
	BlockDetails(ctx context.Context, block uint32) (*BlockDetails, error)
	Pail(ctx context.Context, farmer string, block uint32) (*Pail, error)
	Submit(ctx context.Context, inv Invocation) (*Response, error)
	Balances(ctx context.Context, farmer string) (Balances, error)
}
