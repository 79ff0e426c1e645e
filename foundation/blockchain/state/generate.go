package state

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/stakeforge/blockchain/foundation/blockchain/signature"
	"github.com/stakeforge/blockchain/foundation/blockchain/types"
)

// GenerateBlock produces, signs, and pushes a new block on behalf of the
// witness scheduled for the specified time. The pending pool is re-applied
// from scratch under the production time so time-based semantics hold;
// transactions that no longer fit are postponed and failures are dropped.
func (s *State) GenerateBlock(when uint32, witnessID types.WitnessID, signingKey *ecdsa.PrivateKey, skip SkipFlags) (*types.Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	restore := s.setSkipFlags(skip)
	defer restore()

	return s.generateBlock(when, witnessID, signingKey)
}

func (s *State) generateBlock(when uint32, witnessID types.WitnessID, signingKey *ecdsa.PrivateKey) (*types.Block, error) {
	slot := s.SlotAtTime(when)
	if slot == 0 {
		return nil, fmt.Errorf("generation time %d is at or before the head block", when)
	}
	if scheduled := s.ScheduledWitness(slot); scheduled != witnessID {
		return nil, fmt.Errorf("witness %d requested slot %d scheduled for witness %d", witnessID, slot, scheduled)
	}

	// Throw the pending session away and return to head block state. The
	// pool itself is kept: it is re-applied below under the production
	// time, because time-based semantics may have shifted since the
	// transactions arrived. An early failure below leaves the pool/session
	// invariant broken; the next push re-creates the session.
	if s.pendingTxSession != nil {
		s.pendingTxSession.Undo()
		s.pendingTxSession = nil
	}

	if !s.skip(SkipWitnessSignature) {
		witness, err := s.db.Witness(witnessID)
		if err != nil {
			return nil, err
		}
		if got := signature.PublicKeyFromECDSA(&signingKey.PublicKey); got != witness.SigningKey {
			return nil, fmt.Errorf("signing key %s does not match witness key %s", got, witness.SigningKey)
		}
	}

	maxBlockSize := int(s.gpo().Parameters.MaximumBlockSize)

	pendingBlock := types.Block{
		BlockHeader: types.BlockHeader{
			Previous:  s.HeadBlockID(),
			Timestamp: when,
			Witness:   witnessID,
		},
	}

	// Size accounting starts from the assembled empty block so the header
	// and signature overhead count against the limit.
	totalBlockSize := pendingBlock.PackSize() + signature.SignatureLength

	session := s.undo.StartSession()

	var postponed int
	for _, tx := range s.pendingTx {
		// Postpone on the prospective size first to avoid applying a
		// transaction that cannot fit.
		if totalBlockSize+tx.PackSize() > maxBlockSize {
			postponed++
			continue
		}

		applied, err := s.generateApplyOne(tx, totalBlockSize, maxBlockSize)
		switch {
		case err != nil:
			// The transaction will not be re-applied.
			s.evHandler("state: generateBlock: transaction not processed: tx[%s]: %s", tx.ID(), err)
		case applied == nil:
			postponed++
		default:
			totalBlockSize += applied.PackSize()
			pendingBlock.Transactions = append(pendingBlock.Transactions, applied)
		}
	}

	if postponed > 0 {
		s.evHandler("state: generateBlock: postponed %d transactions due to block size limit", postponed)
	}

	// The session now reflects the included set, not the postponed
	// residue; throw it away. The push below re-applies the saved pool
	// under a fresh session, where the included transactions fall out on
	// the duplicate check.
	session.Undo()

	root, err := pendingBlock.CalculateMerkleRoot()
	if err != nil {
		return nil, err
	}
	pendingBlock.TransactionMerkleRoot = root

	if !s.skip(SkipWitnessSignature) {
		if err := pendingBlock.Sign(signingKey, s.chainID); err != nil {
			return nil, err
		}
	}

	// Authority checks already ran while building; skip them on the self
	// push. The rebuild below re-applies the whole saved pool; the included
	// transactions fall out on the duplicate check.
	pending := s.pendingTx
	s.pendingTx = nil
	restore := s.setSkipFlags(s.skipFlags | SkipTransactionSignatures)
	defer restore()
	defer s.rebuildPending(pending)

	if _, err := s.pushBlock(&pendingBlock); err != nil {
		return nil, err
	}

	return &pendingBlock, nil
}

// generateApplyOne re-applies one pending transaction inside its own
// session and re-measures the block size with the fresh results, which may
// have grown. A nil, nil return means the transaction must be postponed.
func (s *State) generateApplyOne(tx *types.ProcessedTransaction, totalBlockSize int, maxBlockSize int) (*types.ProcessedTransaction, error) {
	tempSession := s.undo.StartSession()
	defer tempSession.Undo()

	ptx, err := s.applyTransaction(tx.SignedTransaction)
	if err != nil {
		return nil, err
	}

	if totalBlockSize+ptx.PackSize() > maxBlockSize {
		return nil, nil
	}

	tempSession.Merge()
	return ptx, nil
}
