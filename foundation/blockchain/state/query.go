package state

import (
	"fmt"

	"github.com/stakeforge/blockchain/foundation/blockchain/types"
)

// IsKnownBlock reports whether the block id is in the fork database or the
// block store.
func (s *State) IsKnownBlock(id types.BlockID) bool {
	if s.forkDB.IsKnownBlock(id) {
		return true
	}
	block, err := s.blocks.FetchOptional(id)
	return err == nil && block != nil
}

// IsKnownTransaction reports whether the transaction is still in the
// duplicate detection index. Very old transactions read false; query by
// block if they are that old.
func (s *State) IsKnownTransaction(id types.TransactionID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.FindTransaction(id) != nil
}

// FetchBlockByID returns the block from the fork database if present,
// falling back to the block store, or nil.
func (s *State) FetchBlockByID(id types.BlockID) (*types.Block, error) {
	if item := s.forkDB.FetchBlock(id); item != nil {
		return item.Block, nil
	}
	return s.blocks.FetchOptional(id)
}

// FetchBlockByNumber returns the block at the height. When the fork
// database holds exactly one candidate at that height it wins; otherwise
// the committed history in the block store answers.
func (s *State) FetchBlockByNumber(num uint32) (*types.Block, error) {
	items := s.forkDB.FetchBlocksByNumber(num)
	if len(items) == 1 {
		return items[0].Block, nil
	}
	return s.blocks.FetchByNumber(num)
}

// GetBlockIDForNum returns the id of the committed block at the height.
func (s *State) GetBlockIDForNum(num uint32) (types.BlockID, error) {
	return s.blocks.FetchBlockID(num)
}

// GetRecentTransaction returns the signed transaction behind a duplicate
// detection entry.
func (s *State) GetRecentTransaction(id types.TransactionID) (types.TransactionID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := s.db.FindTransaction(id)
	if entry == nil {
		return types.TransactionID{}, fmt.Errorf("transaction %s is not recent", id)
	}
	return entry.TrxID, nil
}

// GetBlockIDsOnFork returns the ids from the specified fork head back to
// (and including) the common ancestor with the current head.
func (s *State) GetBlockIDsOnFork(headOfFork types.BlockID) ([]types.BlockID, error) {
	branchMine, branchTheirs, err := s.forkDB.FetchBranchFrom(s.HeadBlockID(), headOfFork)
	if err != nil {
		return nil, err
	}

	if len(branchMine) > 0 && len(branchTheirs) > 0 {
		if branchMine[len(branchMine)-1].Previous != branchTheirs[len(branchTheirs)-1].Previous {
			return nil, fmt.Errorf("fork branches do not meet at a common ancestor")
		}
	}

	result := make([]types.BlockID, 0, len(branchTheirs)+1)
	for _, item := range branchTheirs {
		result = append(result, item.ID)
	}
	if len(branchMine) > 0 {
		result = append(result, branchMine[len(branchMine)-1].Previous)
	} else if len(branchTheirs) > 0 {
		result = append(result, branchTheirs[len(branchTheirs)-1].Previous)
	}

	return result, nil
}
