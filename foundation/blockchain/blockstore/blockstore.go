// Package blockstore provides the append-only persistence of fully
// validated blocks, keyed by block id and by block number.
package blockstore

import "github.com/stakeforge/blockchain/foundation/blockchain/types"

// Store is the behavior required of any block persistence implementation.
// Storage is append-only: callers never ask the store to delete a block at
// or below the last irreversible height.
type Store interface {
	Store(block *types.Block) error
	FetchOptional(id types.BlockID) (*types.Block, error)
	FetchByNumber(num uint32) (*types.Block, error)
	FetchBlockID(num uint32) (types.BlockID, error)
	Last() (*types.Block, error)
	Close() error
}
