package evaluator

import (
	"errors"
	"fmt"

	"github.com/stakeforge/blockchain/foundation/blockchain/store"
	"github.com/stakeforge/blockchain/foundation/blockchain/types"
)

// proposalCreateEvaluator stores the proposed transaction and immediately
// attempts to execute it inside a nested undo session. When the nested
// execution fails the proposal object survives until its expiration, so a
// later chain state can still satisfy it; the failed attempt itself leaves
// no trace.
type proposalCreateEvaluator struct{}

// Evaluate implements the Evaluator interface.
func (proposalCreateEvaluator) Evaluate(ctx Context, operation types.Operation) (types.OperationResult, error) {
	op := operation.(*types.ProposalCreateOperation)
	s := ctx.Store()

	if _, err := s.Account(op.FeePayingAccount); err != nil {
		return types.OperationResult{}, fmt.Errorf("fee paying account: %w", err)
	}

	now := ctx.HeadTime()
	if op.ExpirationTime <= now {
		return types.OperationResult{}, errors.New("proposal expiration is in the past")
	}
	lifetime := s.GlobalProperties().Parameters.MaximumProposalLifetime
	if lifetime > 0 && op.ExpirationTime > now+lifetime {
		return types.OperationResult{}, fmt.Errorf("proposal expiration exceeds maximum lifetime of %d seconds", lifetime)
	}

	if err := payFee(ctx, op.FeePayingAccount, op.Fee); err != nil {
		return types.OperationResult{}, err
	}

	obj, err := s.Create(&store.ProposalObject{
		Proposer:       op.FeePayingAccount,
		Operations:     op.ProposedOps,
		ExpirationTime: op.ExpirationTime,
	})
	if err != nil {
		return types.OperationResult{}, err
	}
	proposal := obj.(*store.ProposalObject)

	// Nested execution. A nesting failure is fatal for the containing
	// transaction; any other failure just leaves the proposal resting.
	if err := ctx.ApplyProposal(proposal); err != nil {
		if errors.Is(err, ErrProposalNestingExceeded) {
			return types.OperationResult{}, err
		}
	}

	return types.ObjectResult(obj.Key().Instance), nil
}

// ErrProposalNestingExceeded is returned when proposal execution recurses
// past twice the active witness count. It is fatal for the containing
// transaction.
var ErrProposalNestingExceeded = errors.New("max proposal nesting depth exceeded")
