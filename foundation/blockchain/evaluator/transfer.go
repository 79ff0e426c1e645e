package evaluator

import (
	"fmt"

	"github.com/stakeforge/blockchain/foundation/blockchain/types"
)

// transferEvaluator moves an asset amount between two accounts.
type transferEvaluator struct{}

// Evaluate implements the Evaluator interface.
func (transferEvaluator) Evaluate(ctx Context, operation types.Operation) (types.OperationResult, error) {
	op := operation.(*types.TransferOperation)
	s := ctx.Store()

	if _, err := s.Account(op.From); err != nil {
		return types.OperationResult{}, fmt.Errorf("from account: %w", err)
	}
	if _, err := s.Account(op.To); err != nil {
		return types.OperationResult{}, fmt.Errorf("to account: %w", err)
	}
	if _, err := s.Asset(op.Amount.AssetID); err != nil {
		return types.OperationResult{}, fmt.Errorf("asset: %w", err)
	}

	if err := payFee(ctx, op.From, op.Fee); err != nil {
		return types.OperationResult{}, err
	}

	if err := s.AdjustBalance(op.From, op.Amount.AssetID, -op.Amount.Amount); err != nil {
		return types.OperationResult{}, err
	}
	if err := s.AdjustBalance(op.To, op.Amount.AssetID, op.Amount.Amount); err != nil {
		return types.OperationResult{}, err
	}

	return types.OperationResult{}, nil
}
