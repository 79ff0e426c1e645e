package state

import (
	"fmt"

	"github.com/stakeforge/blockchain/foundation/blockchain/types"
)

// SkipFlags selects which validation steps a public operation may bypass.
// Flags are scoped: set on entry to a public operation and restored on
// exit regardless of outcome.
type SkipFlags uint32

// The individual skip flags.
const (
	SkipNothing               SkipFlags = 0
	SkipWitnessSignature      SkipFlags = 1 << 0
	SkipTransactionSignatures SkipFlags = 1 << 1
	SkipMerkleCheck           SkipFlags = 1 << 2
	SkipTransactionDupeCheck  SkipFlags = 1 << 3
	SkipTaposCheck            SkipFlags = 1 << 4
	SkipWitnessScheduleCheck  SkipFlags = 1 << 5
	SkipBlockSizeCheck        SkipFlags = 1 << 6

	// SkipEverything is applied to blocks confirmed against a checkpoint.
	SkipEverything SkipFlags = ^SkipFlags(0)
)

// SkipExpensive bundles the checks that dominate block application cost.
const SkipExpensive = SkipTransactionSignatures | SkipWitnessSignature | SkipMerkleCheck | SkipTransactionDupeCheck

// =============================================================================

// setSkipFlags installs the flags and returns the restore function.
// Callers defer the restore so every exit path puts the old flags back.
func (s *State) setSkipFlags(skip SkipFlags) (restore func()) {
	old := s.skipFlags
	s.skipFlags = skip
	return func() {
		s.skipFlags = old
	}
}

func (s *State) skip(flag SkipFlags) bool {
	return s.skipFlags&flag != 0
}

// =============================================================================

// AddCheckpoints records expected block ids by height. Any block at or
// below the highest checkpoint height is applied with all verification
// skipped once its id has been confirmed; a mismatch is fatal.
func (s *State) AddCheckpoints(checkpoints map[uint32]types.BlockID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for num, id := range checkpoints {
		s.checkpoints[num] = id
	}
}

// BeforeLastCheckpoint reports whether the head is still at or below the
// highest configured checkpoint.
func (s *State) BeforeLastCheckpoint() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.highestCheckpoint() >= s.HeadBlockNum() && len(s.checkpoints) > 0
}

func (s *State) highestCheckpoint() uint32 {
	var highest uint32
	for num := range s.checkpoints {
		if num > highest {
			highest = num
		}
	}
	return highest
}

// checkCheckpoints verifies the block against a configured checkpoint and
// escalates the skip mask when the block is still under checkpoint cover.
func (s *State) checkCheckpoints(block *types.Block, skip SkipFlags) (SkipFlags, error) {
	if len(s.checkpoints) == 0 {
		return skip, nil
	}

	num := block.BlockNum()
	if expected, exists := s.checkpoints[num]; exists {
		if block.ID() != expected {
			return skip, fmt.Errorf("%w: block %d id %s, checkpoint %s", ErrCheckpointViolation, num, block.ID(), expected)
		}
	}

	if s.highestCheckpoint() >= num {
		return SkipEverything, nil
	}

	return skip, nil
}
