package state

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/stakeforge/blockchain/foundation/blockchain/evaluator"
	"github.com/stakeforge/blockchain/foundation/blockchain/forkdb"
	"github.com/stakeforge/blockchain/foundation/blockchain/precompute"
	"github.com/stakeforge/blockchain/foundation/blockchain/store"
	"github.com/stakeforge/blockchain/foundation/blockchain/types"
)

// PushBlock ingests a block received from the network. It may fail, in
// which case every partial change is unwound; after success the block is
// persisted in the block store. The return reports whether the push caused
// a switch to a different fork.
//
// The pending pool is set aside for the duration of the push and rebuilt
// afterwards by re-applying each pending transaction under a fresh
// session; transactions the new head state rejects are dropped silently.
func (s *State) PushBlock(block *types.Block, skip SkipFlags) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Pre-validate the independent per-transaction work in parallel and
	// join before entering the serial section.
	if err := s.precomputeBlock(block, skip).Wait(); err != nil {
		return false, fmt.Errorf("precompute: %w", err)
	}

	restore := s.setSkipFlags(skip)
	defer restore()

	// Set the pending pool aside, returning to clean head state.
	oldPending := s.pendingTx
	s.clearPendingLocked()
	defer s.rebuildPending(oldPending)

	return s.pushBlock(block)
}

// precomputeBlock maps the skip flags onto the precompute options and
// submits the block to the worker pool.
func (s *State) precomputeBlock(block *types.Block, skip SkipFlags) *precompute.Join {
	opts := precompute.Options{
		Validate:          true,
		ComputeIDs:        skip&SkipTransactionDupeCheck == 0,
		RecoverSignatures: skip&SkipTransactionSignatures == 0,
		RecoverSignee:     skip&SkipWitnessSignature == 0,
		ComputeMerkle:     skip&SkipMerkleCheck == 0,
	}
	return s.pre.SubmitBlock(context.Background(), block, opts)
}

// pushBlock inserts the block into the fork database and advances the
// chain: a linear extension applies directly, a longer competing fork
// triggers a fork switch, and an equal-height block changes nothing.
func (s *State) pushBlock(block *types.Block) (bool, error) {
	newHead, err := s.forkDB.PushBlock(block)
	if err != nil {
		return false, err
	}

	// If the head of the longest chain does not build off our current
	// head, we are on the wrong fork or the push changed nothing.
	if newHead.Previous != s.HeadBlockID() {
		if newHead.Num <= s.HeadBlockNum() {
			return false, nil
		}
		if err := s.switchForks(newHead); err != nil {
			return true, err
		}
		s.metrics.IncForkSwitches()
		return true, nil
	}

	// Linear extension of the current head.
	session := s.undo.StartSession()
	defer session.Undo()

	if err := s.applyBlockChecked(block); err != nil {
		s.evHandler("state: pushBlock: failed to push new block: %s", err)
		s.forkDB.Remove(block.ID())
		return false, err
	}
	if err := s.blocks.Store(block); err != nil {
		s.forkDB.Remove(block.ID())
		return false, err
	}
	session.Commit()

	s.forkDB.Prune(s.dgp().LastIrreversibleBlockNum)
	return false, nil
}

// switchForks replaces the current head chain with the longer chain ending
// at newHead. If any block of the new branch fails to apply, the failed
// block and its not yet applied successors leave the fork database, the
// partially applied prefix is popped, the old branch is restored, and the
// original failure surfaces. Either way the pending pool was already set
// aside by the caller.
func (s *State) switchForks(newHead *forkdb.Item) error {
	s.evHandler("state: switchForks: switching to fork: blk[%s]", newHead.ID)

	newBranch, oldBranch, err := s.forkDB.FetchBranchFrom(newHead.ID, s.HeadBlockID())
	if err != nil {
		return err
	}

	commonAncestor := newBranch[len(newBranch)-1].Previous

	// Pop blocks until we hit the forked block.
	for s.HeadBlockID() != commonAncestor {
		s.evHandler("state: switchForks: popping block: num[%d] blk[%s]", s.HeadBlockNum(), s.HeadBlockID())
		if err := s.popBlockLocked(); err != nil {
			return err
		}
	}

	// Push all blocks on the new fork, oldest first.
	for i := len(newBranch) - 1; i >= 0; i-- {
		item := newBranch[i]
		s.evHandler("state: switchForks: pushing block from fork: num[%d] blk[%s]", item.Num, item.ID)

		applyErr := s.applyBranchBlock(item)
		if applyErr == nil {
			continue
		}

		s.evHandler("state: switchForks: exception while switching forks: %s", applyErr)

		// The failed block and everything above it are invalid.
		for j := i; j >= 0; j-- {
			s.evHandler("state: switchForks: removing block from fork database: num[%d] blk[%s]", newBranch[j].Num, newBranch[j].ID)
			s.forkDB.Remove(newBranch[j].ID)
		}
		s.forkDB.SetHead(oldBranch[0])

		// Pop what we already applied from the bad fork.
		for s.HeadBlockID() != commonAncestor {
			if err := s.popBlockLocked(); err != nil {
				return fmt.Errorf("recovering from failed fork switch: %w (original: %v)", err, applyErr)
			}
		}

		// Restore all blocks from the good fork.
		s.evHandler("state: switchForks: switching back to fork: blk[%s]", oldBranch[0].ID)
		for j := len(oldBranch) - 1; j >= 0; j-- {
			if err := s.applyBranchBlock(oldBranch[j]); err != nil {
				return fmt.Errorf("restoring original fork: %w (original: %v)", err, applyErr)
			}
		}

		return applyErr
	}

	return nil
}

// applyBranchBlock applies one fork item inside its own undo session and
// persists it on success.
func (s *State) applyBranchBlock(item *forkdb.Item) error {
	session := s.undo.StartSession()
	defer session.Undo()

	if err := s.applyBlockChecked(item.Block); err != nil {
		return err
	}
	if err := s.blocks.Store(item.Block); err != nil {
		return err
	}
	session.Commit()
	return nil
}

// =============================================================================

// applyBlockChecked confirms the block against the configured checkpoints
// before applying, escalating the skip mask when it is under checkpoint
// cover.
func (s *State) applyBlockChecked(block *types.Block) error {
	skip, err := s.checkCheckpoints(block, s.skipFlags)
	if err != nil {
		return err
	}
	return s.applyBlock(block, skip)
}

// applyBlock applies the block as one unit: the header checks, every
// transaction in order, then the per-block bookkeeping. There is no per
// transaction undo session; either the whole block applies or the
// enclosing session rolls everything back.
func (s *State) applyBlock(block *types.Block, skip SkipFlags) error {
	restore := s.setSkipFlags(skip)
	defer restore()

	s.appliedOps = nil

	if !s.skip(SkipBlockSizeCheck) {
		maxSize := int(s.gpo().Parameters.MaximumBlockSize)
		if size := block.PackSize(); size > maxSize {
			return fmt.Errorf("block size %d exceeds maximum %d", size, maxSize)
		}
	}

	if !s.skip(SkipMerkleCheck) {
		root, err := block.CalculateMerkleRoot()
		if err != nil {
			return err
		}
		if root != block.TransactionMerkleRoot {
			return fmt.Errorf("merkle root mismatch, header %x, calculated %x", block.TransactionMerkleRoot, root)
		}
	}

	signingWitness, err := s.validateBlockHeader(block)
	if err != nil {
		return err
	}

	maintenanceNeeded := s.dgp().NextMaintenanceTime <= block.Timestamp

	s.currentBlockNum = block.BlockNum()
	s.currentTrxInBlock = 0
	s.currentVirtualOp = 0

	for _, ptx := range block.Transactions {
		// Re-apply each transaction against this block's state. The
		// processed results must be recomputed; peers compare them through
		// the merkle root.
		applied, err := s.applyTransaction(ptx.SignedTransaction)
		if err != nil {
			return fmt.Errorf("transaction %d: %w", s.currentTrxInBlock, err)
		}
		ptx.OperationResults = applied.OperationResults
		s.currentTrxInBlock++
	}

	missed := s.updateWitnessMissedBlocks(block)
	if err := s.updateGlobalDynamicData(block, missed); err != nil {
		return err
	}
	if err := s.updateSigningWitness(signingWitness, block); err != nil {
		return err
	}
	if err := s.updateLastIrreversibleBlock(); err != nil {
		return err
	}

	if maintenanceNeeded {
		if err := s.performChainMaintenance(block); err != nil {
			return err
		}
	}

	if err := s.createBlockSummary(block); err != nil {
		return err
	}
	if err := s.clearExpiredTransactions(); err != nil {
		return err
	}
	if err := s.clearExpiredProposals(); err != nil {
		return err
	}
	if err := s.clearExpiredOrders(); err != nil {
		return err
	}
	if err := s.updateMaintenanceFlag(maintenanceNeeded); err != nil {
		return err
	}
	if err := s.updateWitnessSchedule(); err != nil {
		return err
	}

	if len(s.debugUpdates) > 0 {
		for _, fn := range s.debugUpdates {
			fn(s.db)
		}
		s.debugUpdates = nil
	}

	s.metrics.IncBlocksApplied()
	s.notifyAppliedBlock(block)
	s.appliedOps = nil
	s.notifyChangedObjects()

	return nil
}

// validateBlockHeader checks the block links to our head, lands on a
// future slot assigned to its witness, and carries that witness's
// signature.
func (s *State) validateBlockHeader(block *types.Block) (*store.WitnessObject, error) {
	if block.Previous != s.HeadBlockID() {
		return nil, fmt.Errorf("block previous %s does not match head %s", block.Previous, s.HeadBlockID())
	}
	if block.Timestamp <= s.HeadTime() {
		return nil, fmt.Errorf("block timestamp %d not after head time %d", block.Timestamp, s.HeadTime())
	}

	witness, err := s.db.Witness(block.Witness)
	if err != nil {
		return nil, fmt.Errorf("block witness: %w", err)
	}

	if !s.skip(SkipWitnessSignature) {
		signee, err := block.Signee(s.chainID)
		if err != nil {
			return nil, fmt.Errorf("block signature: %w", err)
		}
		if signee != witness.SigningKey {
			return nil, fmt.Errorf("block signed by %s, witness key is %s", signee, witness.SigningKey)
		}
	}

	if !s.skip(SkipWitnessScheduleCheck) {
		slot := s.SlotAtTime(block.Timestamp)
		if slot == 0 {
			return nil, fmt.Errorf("block timestamp %d is not in a valid slot", block.Timestamp)
		}
		scheduled := s.ScheduledWitness(slot)
		if block.Witness != scheduled {
			return nil, fmt.Errorf("witness %d produced block in slot %d scheduled for witness %d", block.Witness, slot, scheduled)
		}
	}

	return witness, nil
}

// =============================================================================
// Per-block bookkeeping.

// updateWitnessMissedBlocks charges every witness whose slot between head
// and this block went unfilled.
func (s *State) updateWitnessMissedBlocks(block *types.Block) uint32 {
	slot := s.SlotAtTime(block.Timestamp)
	if slot <= 1 {
		return 0
	}

	missed := slot - 1
	for missedSlot := uint32(1); missedSlot < slot; missedSlot++ {
		witnessID := s.ScheduledWitness(missedSlot)
		if witnessID == block.Witness {
			continue
		}
		witness, err := s.db.Witness(witnessID)
		if err != nil {
			continue
		}
		s.db.Modify(witness.Key(), func(obj store.Object) {
			obj.(*store.WitnessObject).TotalMissed++
		})
	}

	return missed
}

// updateGlobalDynamicData advances the head pointers and the slot clock.
func (s *State) updateGlobalDynamicData(block *types.Block, missed uint32) error {
	slot := s.SlotAtTime(block.Timestamp)

	return s.db.ModifyDynamicGlobalProperties(func(dgp *store.DynamicGlobalPropertyObject) {
		dgp.HeadBlockNumber = block.BlockNum()
		dgp.HeadBlockID = block.ID()
		dgp.Time = block.Timestamp
		dgp.CurrentWitness = block.Witness
		dgp.CurrentAslot += uint64(slot)

		if missed == 0 && dgp.RecentlyMissedCount > 0 {
			dgp.RecentlyMissedCount--
		} else {
			dgp.RecentlyMissedCount += missed
		}
	})
}

// updateSigningWitness credits the producing witness: its production
// bookkeeping advances and it collects the fees accumulated since the
// last block.
func (s *State) updateSigningWitness(witness *store.WitnessObject, block *types.Block) error {
	newAslot := s.dgp().CurrentAslot
	payout := s.dgp().AccumulatedFees

	if payout > 0 {
		if err := s.db.AdjustBalance(witness.Account, evaluator.CoreAsset, payout); err != nil {
			return err
		}
		if err := s.db.ModifyDynamicGlobalProperties(func(dgp *store.DynamicGlobalPropertyObject) {
			dgp.AccumulatedFees = 0
		}); err != nil {
			return err
		}
	}

	return s.db.Modify(witness.Key(), func(obj store.Object) {
		w := obj.(*store.WitnessObject)
		w.LastAslot = newAslot
		w.LastConfirmedBlockNum = block.BlockNum()
	})
}

// updateLastIrreversibleBlock recomputes the height confirmed by a
// sufficient fraction of the active witness set. No fork switch may cross
// this boundary.
func (s *State) updateLastIrreversibleBlock() error {
	active := s.gpo().ActiveWitnesses

	confirmed := make([]uint32, 0, len(active))
	for _, id := range active {
		witness, err := s.db.Witness(id)
		if err != nil {
			return err
		}
		confirmed = append(confirmed, witness.LastConfirmedBlockNum)
	}
	sort.Slice(confirmed, func(i, j int) bool { return confirmed[i] < confirmed[j] })

	// The block number the witness at the 1/3 boundary has confirmed is
	// final: 2/3 of the set confirmed it or something later.
	irreversible := confirmed[(len(confirmed)-1)/3]

	return s.db.ModifyDynamicGlobalProperties(func(dgp *store.DynamicGlobalPropertyObject) {
		if irreversible > dgp.LastIrreversibleBlockNum {
			dgp.LastIrreversibleBlockNum = irreversible
		}
	})
}

// performChainMaintenance runs the maintenance boundary work: the next
// maintenance time advances past the block. The witness schedule refresh
// follows later in the block order, once the slot bookkeeping is final.
func (s *State) performChainMaintenance(block *types.Block) error {
	s.evHandler("state: maintenance: performing chain maintenance: blk[%d]", block.BlockNum())

	interval := s.gpo().Parameters.MaintenanceInterval
	return s.db.ModifyDynamicGlobalProperties(func(dgp *store.DynamicGlobalPropertyObject) {
		next := dgp.NextMaintenanceTime
		for next <= block.Timestamp {
			next += interval
		}
		dgp.NextMaintenanceTime = next
	})
}

// createBlockSummary writes the block's id into its slot of the summary
// ring for future TaPoS references.
func (s *State) createBlockSummary(block *types.Block) error {
	instance := uint64(block.BlockNum() & 0xffff)

	if s.db.FindBlockSummary(instance) == nil {
		return s.db.CreateAt(&store.BlockSummaryObject{ID: instance, BlockID: block.ID()})
	}

	return s.db.Modify(store.ObjectKey{Type: store.ObjectBlockSummary, Instance: instance}, func(obj store.Object) {
		obj.(*store.BlockSummaryObject).BlockID = block.ID()
	})
}

// clearExpiredTransactions drops duplicate-detection entries whose
// expiration has passed; they can never be replayed now.
func (s *State) clearExpiredTransactions() error {
	for _, expired := range s.db.ExpiredTransactions(s.HeadTime()) {
		if err := s.db.Remove(expired.Key()); err != nil {
			return err
		}
	}
	return nil
}

// clearExpiredProposals drops proposals that ran out of time unexecuted.
func (s *State) clearExpiredProposals() error {
	for _, expired := range s.db.ExpiredProposals(s.HeadTime()) {
		s.evHandler("state: maintenance: proposal %d expired without execution", expired.ID)
		if err := s.db.Remove(expired.Key()); err != nil {
			return err
		}
	}
	return nil
}

// clearExpiredOrders cancels resting orders past their expiration,
// refunding the locked remainder.
func (s *State) clearExpiredOrders() error {
	for _, expired := range s.db.ExpiredLimitOrders(s.HeadTime()) {
		refund := types.AssetAmount{Amount: expired.ForSale, AssetID: expired.SellPrice.Base.AssetID}
		if err := s.db.AdjustBalance(expired.Seller, refund.AssetID, refund.Amount); err != nil {
			return err
		}
		if err := s.db.Remove(expired.Key()); err != nil {
			return err
		}
	}
	return nil
}

// updateMaintenanceFlag records whether the block just applied sat on a
// maintenance boundary.
func (s *State) updateMaintenanceFlag(maintenanceNeeded bool) error {
	return s.db.ModifyDynamicGlobalProperties(func(dgp *store.DynamicGlobalPropertyObject) {
		dgp.MaintenanceFlag = maintenanceNeeded
	})
}

// =============================================================================

// PopBlock removes the head block, reverting its effects. The pending pool
// is dropped in the process: callers that care re-inject via the popped
// transaction queue, everyone else loses silently. The popped block's
// transactions are queued for possible re-inclusion by the next block
// production or push.
func (s *State) PopBlock() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.popBlockLocked()
}

func (s *State) popBlockLocked() error {
	s.clearPendingLocked()

	head := s.forkDB.Head()
	if head == nil {
		return errors.New("pop block from empty fork database")
	}

	var popped *forkdb.Item
	if head.ID == s.HeadBlockID() {
		item, err := s.forkDB.PopBlock()
		if err != nil {
			return err
		}
		popped = item
	} else {
		popped = s.forkDB.FetchBlock(s.HeadBlockID())
		if popped == nil {
			return fmt.Errorf("pop block: head %s is not in the fork database", s.HeadBlockID())
		}
	}

	if err := s.undo.PopUndo(); err != nil {
		return err
	}

	s.poppedTx = append(append([]*types.ProcessedTransaction(nil), popped.Block.Transactions...), s.poppedTx...)
	return nil
}

// ClearPending drops the pending pool and its session, returning the
// in-memory state to the head block. Pending user transactions are lost.
func (s *State) ClearPending() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.clearPendingLocked()
}

func (s *State) clearPendingLocked() {
	s.pendingTx = nil
	if s.pendingTxSession != nil {
		s.pendingTxSession.Undo()
		s.pendingTxSession = nil
	}
	s.metrics.SetPendingDepth(0)
}

// rebuildPending re-establishes the pending pool after a push: first any
// transactions recovered from popped blocks, then the previous pool, each
// under a fresh session. Transactions the new head state rejects are
// logged and dropped, never surfaced.
func (s *State) rebuildPending(oldPending []*types.ProcessedTransaction) {
	popped := s.poppedTx
	s.poppedTx = nil

	for _, ptx := range popped {
		if _, err := s.pushTransaction(ptx.SignedTransaction); err != nil {
			s.evHandler("state: rebuildPending: dropping popped tx[%s]: %s", ptx.ID(), err)
		}
	}
	for _, ptx := range oldPending {
		if _, err := s.pushTransaction(ptx.SignedTransaction); err != nil {
			s.evHandler("state: rebuildPending: dropping pending tx[%s]: %s", ptx.ID(), err)
		}
	}

	// An empty pool must mean no session: that is the invariant between
	// the pool and the speculative head state.
	if len(s.pendingTx) == 0 && s.pendingTxSession != nil {
		s.pendingTxSession.Undo()
		s.pendingTxSession = nil
	}

	s.metrics.SetPendingDepth(len(s.pendingTx))
}

// PendingTransactions returns a snapshot of the pending pool in insertion
// order.
func (s *State) PendingTransactions() []*types.ProcessedTransaction {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]*types.ProcessedTransaction(nil), s.pendingTx...)
}
