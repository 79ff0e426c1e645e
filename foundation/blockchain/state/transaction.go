package state

import (
	"context"
	"fmt"

	"github.com/stakeforge/blockchain/foundation/blockchain/precompute"
	"github.com/stakeforge/blockchain/foundation/blockchain/signature"
	"github.com/stakeforge/blockchain/foundation/blockchain/store"
	"github.com/stakeforge/blockchain/foundation/blockchain/types"
)

// maxTransactionSize caps any single transaction's wire form.
const maxTransactionSize = 1024 * 1024

// PushTransaction attempts to move the transaction into the pending pool.
// On success the pending session absorbs its effects, keeping the
// invariant that the session's contents equal the application of the pool
// atop head state. On failure the temporary child session rolls back and
// the pool is unchanged.
func (s *State) PushTransaction(tx *types.SignedTransaction, skip SkipFlags) (*types.ProcessedTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tx.PackSize() >= maxTransactionSize {
		return nil, ErrTransactionTooLarge
	}

	restore := s.setSkipFlags(skip)
	defer restore()

	return s.pushTransaction(tx)
}

func (s *State) pushTransaction(tx *types.SignedTransaction) (*types.ProcessedTransaction, error) {
	// The first transaction pushed after a block opens the pending
	// session, giving a quick rewind to clean head state when the next
	// block arrives.
	if s.pendingTxSession == nil {
		s.pendingTxSession = s.undo.StartSession()
	}

	tempSession := s.undo.StartSession()
	defer tempSession.Undo()

	ptx, err := s.applyTransaction(tx)
	if err != nil {
		return nil, err
	}
	s.pendingTx = append(s.pendingTx, ptx)

	// The transaction applied. Fold its changes into the pending session.
	tempSession.Merge()

	s.metrics.IncTransactions()
	s.metrics.SetPendingDepth(len(s.pendingTx))
	s.notifyPendingTransaction(tx)

	return ptx, nil
}

// PrecomputeTransaction schedules the expensive per-transaction work (id,
// signature key recovery, structural checks) on a background worker. The
// results are memoised on the transaction, so the next PushTransaction of
// it finds them ready. The work is advisory: skipping the join just means
// the serial path redoes it.
func (s *State) PrecomputeTransaction(ctx context.Context, tx *types.SignedTransaction) *precompute.Join {
	return s.pre.SubmitTransaction(ctx, tx, precompute.EverythingOn())
}

// ValidateTransaction dry-runs the transaction against head state inside a
// session that always rolls back. Nothing is retained, pending pool
// included.
func (s *State) ValidateTransaction(tx *types.SignedTransaction) (*types.ProcessedTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session := s.undo.StartSession()
	defer session.Undo()

	return s.applyTransaction(tx)
}

// =============================================================================

// applyTransaction validates, authorises, and applies one signed
// transaction. Any failure surfaces after the enclosing session rolls the
// partial effects back.
func (s *State) applyTransaction(tx *types.SignedTransaction) (*types.ProcessedTransaction, error) {
	if err := tx.Validate(); err != nil {
		return nil, fmt.Errorf("transaction validation: %w", err)
	}

	if !s.skip(SkipTransactionDupeCheck) {
		if s.db.FindTransaction(tx.ID()) != nil {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateTransaction, tx.ID())
		}
	}

	if !s.skip(SkipTransactionSignatures) {
		if err := s.verifyAuthority(tx); err != nil {
			return nil, err
		}
	}

	// Expiration and TaPoS make no sense while no blocks exist.
	if s.HeadBlockNum() > 0 {
		if !s.skip(SkipTaposCheck) {
			summary := s.db.FindBlockSummary(uint64(tx.RefBlockNum))
			if summary == nil {
				return nil, fmt.Errorf("%w: no summary for ref block %d", ErrTaposCheck, tx.RefBlockNum)
			}
			if summary.BlockID.TaposPrefix() != tx.RefBlockPrefix {
				return nil, fmt.Errorf("%w: ref block %d prefix %d, summary %d", ErrTaposCheck, tx.RefBlockNum, tx.RefBlockPrefix, summary.BlockID.TaposPrefix())
			}
		}

		now := s.HeadTime()
		maxExpiration := s.gpo().Parameters.MaximumTimeUntilExpiration
		if tx.Expiration > now+maxExpiration {
			return nil, fmt.Errorf("%w: expiration %d too far past head time %d", ErrExpiration, tx.Expiration, now)
		}
		if tx.Expiration <= now {
			return nil, fmt.Errorf("%w: expiration %d at or before head time %d", ErrExpiration, tx.Expiration, now)
		}
	}

	// The duplicate-detection entry is recorded even when the check above
	// was skipped: otherwise a chain replayed with skips would diverge from
	// one applied with full checks.
	if _, err := s.db.Create(&store.TransactionObject{TrxID: tx.ID(), Expiration: tx.Expiration}); err != nil {
		return nil, err
	}

	ptx := types.NewProcessedTransaction(tx)
	s.currentOpInTrx = 0
	for _, op := range tx.Operations {
		result, err := s.applyOperation(op)
		if err != nil {
			return nil, err
		}
		ptx.OperationResults = append(ptx.OperationResults, result)
		s.currentOpInTrx++
	}

	return ptx, nil
}

// applyOperation records the operation in the applied operations log,
// dispatches it to its evaluator, and records the result at the same
// index.
func (s *State) applyOperation(op types.Operation) (types.OperationResult, error) {
	opIdx := s.pushAppliedOperation(op)

	result, err := s.registry.Apply(s, op)
	if err != nil {
		return types.OperationResult{}, err
	}

	s.setAppliedOperationResult(opIdx, result)
	if entry := s.appliedOps[opIdx]; entry != nil {
		s.notifyAppliedOperation(*entry)
	}
	return result, nil
}

// RecordVirtualOperation appends a side-effect operation to the applied
// operations log. Part of the evaluator context.
func (s *State) RecordVirtualOperation(op types.Operation, result types.OperationResult) {
	opIdx := s.pushAppliedOperation(op)
	s.setAppliedOperationResult(opIdx, result)
	if entry := s.appliedOps[opIdx]; entry != nil {
		s.notifyAppliedOperation(*entry)
	}
}

// =============================================================================
// Applied operations log.

// pushAppliedOperation appends a log entry capturing where in the block
// the operation ran, and hands back its index so the result can be filled
// in after evaluation.
func (s *State) pushAppliedOperation(op types.Operation) int {
	entry := AppliedOperation{
		Op:         op,
		BlockNum:   s.currentBlockNum,
		TrxInBlock: s.currentTrxInBlock,
		OpInTrx:    s.currentOpInTrx,
		VirtualOp:  s.currentVirtualOp,
	}
	s.currentVirtualOp++

	s.appliedOps = append(s.appliedOps, &entry)
	return len(s.appliedOps) - 1
}

func (s *State) setAppliedOperationResult(opIdx int, result types.OperationResult) {
	if opIdx >= len(s.appliedOps) {
		s.evHandler("state: setAppliedOperationResult: ERROR: index %d past log size %d", opIdx, len(s.appliedOps))
		return
	}
	if s.appliedOps[opIdx] == nil {
		s.evHandler("state: setAppliedOperationResult: WARNING: entry %d was cleared (head %d)", opIdx, s.HeadBlockNum())
		return
	}
	s.appliedOps[opIdx].Result = result
}

// AppliedOperations returns the log for the block currently being applied.
func (s *State) AppliedOperations() []*AppliedOperation {
	return s.appliedOps
}

// =============================================================================

// verifyAuthority checks every required account's authority is satisfied
// by the signatures on the transaction.
func (s *State) verifyAuthority(tx *types.SignedTransaction) error {
	keys, err := tx.SignatureKeys(s.chainID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAuthority, err)
	}

	provided := make(map[signature.PublicKey]struct{}, len(keys))
	for _, key := range keys {
		provided[key] = struct{}{}
	}

	maxDepth := int(s.gpo().Parameters.MaximumAuthorityDepth)
	active, owner := tx.RequiredAuthorities()

	for _, account := range active {
		if !s.authoritySatisfied(account, provided, false, 0, maxDepth) {
			return fmt.Errorf("%w: active authority of account %d", ErrAuthority, account)
		}
	}
	for _, account := range owner {
		if !s.authoritySatisfied(account, provided, true, 0, maxDepth) {
			return fmt.Errorf("%w: owner authority of account %d", ErrAuthority, account)
		}
	}

	return nil
}

// authoritySatisfied walks one account's authority tree, accumulating
// satisfied weights until the threshold is met or the depth budget runs
// out. The owner authority satisfies where the active authority is asked
// for, never the reverse.
func (s *State) authoritySatisfied(account types.AccountID, provided map[signature.PublicKey]struct{}, wantOwner bool, depth int, maxDepth int) bool {
	if depth > maxDepth {
		return false
	}

	acc, err := s.db.Account(account)
	if err != nil {
		return false
	}

	auth := acc.Active
	if wantOwner {
		auth = acc.Owner
	}

	var weight uint32
	for _, kw := range auth.KeyAuths {
		if _, ok := provided[kw.Key]; ok {
			weight += uint32(kw.Weight)
			if weight >= auth.Threshold {
				return true
			}
		}
	}

	// Nested accounts satisfy through their active authority regardless of
	// which authority is being walked.
	for _, aw := range auth.AccountAuths {
		if s.authoritySatisfied(aw.Account, provided, false, depth+1, maxDepth) {
			weight += uint32(aw.Weight)
			if weight >= auth.Threshold {
				return true
			}
		}
	}

	if !wantOwner && weight < auth.Threshold {
		// Fall back to the owner authority, which dominates active.
		return s.authoritySatisfied(account, provided, true, depth, maxDepth)
	}

	return false
}
