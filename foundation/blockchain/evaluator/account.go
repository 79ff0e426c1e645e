package evaluator

import (
	"fmt"

	"github.com/stakeforge/blockchain/foundation/blockchain/store"
	"github.com/stakeforge/blockchain/foundation/blockchain/types"
)

// accountCreateEvaluator registers a new account under a unique name.
type accountCreateEvaluator struct{}

// Evaluate implements the Evaluator interface.
func (accountCreateEvaluator) Evaluate(ctx Context, operation types.Operation) (types.OperationResult, error) {
	op := operation.(*types.AccountCreateOperation)
	s := ctx.Store()

	if _, err := s.Account(op.Registrar); err != nil {
		return types.OperationResult{}, fmt.Errorf("registrar: %w", err)
	}
	if existing := s.FindAccountByName(op.Name); existing != nil {
		return types.OperationResult{}, fmt.Errorf("account name %q is taken", op.Name)
	}

	if err := payFee(ctx, op.Registrar, op.Fee); err != nil {
		return types.OperationResult{}, err
	}

	account, err := s.Create(&store.AccountObject{
		Name:   op.Name,
		Owner:  op.Owner,
		Active: op.Active,
	})
	if err != nil {
		return types.OperationResult{}, err
	}

	return types.ObjectResult(account.Key().Instance), nil
}

// =============================================================================

// accountUpdateEvaluator replaces an account's authorities.
type accountUpdateEvaluator struct{}

// Evaluate implements the Evaluator interface.
func (accountUpdateEvaluator) Evaluate(ctx Context, operation types.Operation) (types.OperationResult, error) {
	op := operation.(*types.AccountUpdateOperation)
	s := ctx.Store()

	account, err := s.Account(op.Account)
	if err != nil {
		return types.OperationResult{}, err
	}

	if err := payFee(ctx, op.Account, op.Fee); err != nil {
		return types.OperationResult{}, err
	}

	if err := s.Modify(account.Key(), func(obj store.Object) {
		acc := obj.(*store.AccountObject)
		if op.Owner != nil {
			acc.Owner = *op.Owner
		}
		if op.Active != nil {
			acc.Active = *op.Active
		}
	}); err != nil {
		return types.OperationResult{}, err
	}

	return types.OperationResult{}, nil
}

// =============================================================================

// witnessUpdateEvaluator rotates a witness's block signing key.
type witnessUpdateEvaluator struct{}

// Evaluate implements the Evaluator interface.
func (witnessUpdateEvaluator) Evaluate(ctx Context, operation types.Operation) (types.OperationResult, error) {
	op := operation.(*types.WitnessUpdateOperation)
	s := ctx.Store()

	witness, err := s.Witness(op.Witness)
	if err != nil {
		return types.OperationResult{}, err
	}
	if witness.Account != op.WitnessAccount {
		return types.OperationResult{}, fmt.Errorf("witness %d is controlled by account %d, not %d", op.Witness, witness.Account, op.WitnessAccount)
	}

	if err := payFee(ctx, op.WitnessAccount, op.Fee); err != nil {
		return types.OperationResult{}, err
	}

	if err := s.Modify(witness.Key(), func(obj store.Object) {
		obj.(*store.WitnessObject).SigningKey = op.NewSigningKey
	}); err != nil {
		return types.OperationResult{}, err
	}

	return types.OperationResult{}, nil
}
