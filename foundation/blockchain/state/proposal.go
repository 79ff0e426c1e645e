package state

import (
	"fmt"

	"github.com/stakeforge/blockchain/foundation/blockchain/evaluator"
	"github.com/stakeforge/blockchain/foundation/blockchain/store"
)

// proposalHistoryFixTime is the hardfork instant after which a failed
// proposal truncates the applied operations log by resizing it, instead of
// clearing the entries one by one. Replaying old blocks must reproduce the
// old behaviour bit for bit, so both paths stay.
const proposalHistoryFixTime uint32 = 1600000000

// ApplyProposal executes a stored proposal's operations inside a nested
// undo session. Part of the evaluator context. Nesting is bounded at twice
// the active witness count; exceeding it is fatal for the containing
// transaction. Any other failure rolls the nested session back, truncates
// the proposal's applied-op entries, and leaves the proposal resting.
func (s *State) ApplyProposal(proposal *store.ProposalObject) error {
	active := len(s.gpo().ActiveWitnesses)
	if s.proposalNestingDepth >= 2*active {
		return fmt.Errorf("%w: depth %d", evaluator.ErrProposalNestingExceeded, s.proposalNestingDepth)
	}
	s.proposalNestingDepth++
	defer func() { s.proposalNestingDepth-- }()

	oldAppliedOpsSize := len(s.appliedOps)

	// A nested session may push the stack past the retained depth cap;
	// lift the cap for the duration of this session.
	if s.undo.Size() >= s.undo.MaxSize() {
		oldMax := s.undo.MaxSize()
		s.undo.SetMaxSize(s.undo.Size() + 1)
		defer s.undo.SetMaxSize(oldMax)
	}

	err := func() error {
		session := s.undo.StartSession()
		defer session.Undo()

		for _, op := range proposal.Operations {
			if _, err := s.applyOperation(op); err != nil {
				return err
			}
		}
		if err := s.db.Remove(proposal.Key()); err != nil {
			return err
		}

		session.Merge()
		return nil
	}()

	if err != nil {
		s.truncateAppliedOps(oldAppliedOpsSize)
		s.evHandler("state: applyProposal: proposal %d failed: %s", proposal.ID, err)
		return err
	}

	return nil
}

// truncateAppliedOps drops the log entries a failed proposal recorded. The
// behaviour changed at a hardfork: before it each entry is cleared in
// place, leaving nil holes; after it the log is resized. Block replay
// determinism requires preserving both.
func (s *State) truncateAppliedOps(oldSize int) {
	if s.HeadTime() <= proposalHistoryFixTime {
		for i := oldSize; i < len(s.appliedOps); i++ {
			s.evHandler("state: applyProposal: removing failed operation from applied ops: index %d", i)
			s.appliedOps[i] = nil
		}
		return
	}

	s.appliedOps = s.appliedOps[:oldSize]
}
