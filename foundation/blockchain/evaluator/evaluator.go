// Package evaluator applies the closed operation set to the object store.
// A dispatch table indexed by operation tag replaces open polymorphism so
// the evaluated behavior is frozen per protocol version.
package evaluator

import (
	"fmt"

	"github.com/stakeforge/blockchain/foundation/blockchain/store"
	"github.com/stakeforge/blockchain/foundation/blockchain/types"
)

// CoreAsset is the asset fees are paid in.
const CoreAsset types.AssetID = 0

// Context is what the chain state exposes to evaluators: the store, the
// head clock, virtual operation recording, and nested proposal execution.
type Context interface {
	Store() *store.Store
	HeadTime() uint32

	// RecordVirtualOperation appends a side-effect operation (an order
	// fill) to the applied operations log.
	RecordVirtualOperation(op types.Operation, result types.OperationResult)

	// ApplyProposal executes a stored proposal's operations inside a
	// nested undo session, guarded against runaway nesting.
	ApplyProposal(proposal *store.ProposalObject) error
}

// Evaluator applies one operation variant.
type Evaluator interface {
	Evaluate(ctx Context, op types.Operation) (types.OperationResult, error)
}

// =============================================================================

// Registry is the dense dispatch table from operation tag to evaluator.
type Registry struct {
	evaluators [types.OperationCount]Evaluator
}

// NewRegistry constructs the registry with every protocol evaluator
// registered. FillOrder has no evaluator: it is produced, never applied.
func NewRegistry() *Registry {
	var r Registry
	r.register(types.OpTransfer, transferEvaluator{})
	r.register(types.OpLimitOrderCreate, limitOrderCreateEvaluator{})
	r.register(types.OpLimitOrderCancel, limitOrderCancelEvaluator{})
	r.register(types.OpAccountCreate, accountCreateEvaluator{})
	r.register(types.OpAccountUpdate, accountUpdateEvaluator{})
	r.register(types.OpWitnessUpdate, witnessUpdateEvaluator{})
	r.register(types.OpProposalCreate, proposalCreateEvaluator{})
	return &r
}

func (r *Registry) register(tag types.OpTag, ev Evaluator) {
	r.evaluators[tag] = ev
}

// Apply dispatches the operation to its evaluator.
func (r *Registry) Apply(ctx Context, op types.Operation) (types.OperationResult, error) {
	tag := op.Tag()
	if int(tag) >= len(r.evaluators) || r.evaluators[tag] == nil {
		return types.OperationResult{}, fmt.Errorf("no registered evaluator for operation tag %d", tag)
	}
	return r.evaluators[tag].Evaluate(ctx, op)
}

// =============================================================================

// payFee debits the operation fee from the payer and accrues it for the
// witness budget. Fees are always denominated in the core asset.
func payFee(ctx Context, payer types.AccountID, fee types.AssetAmount) error {
	if fee.Amount == 0 {
		return nil
	}
	if fee.AssetID != CoreAsset {
		return fmt.Errorf("fees must be paid in the core asset, got asset %d", fee.AssetID)
	}

	s := ctx.Store()
	if err := s.AdjustBalance(payer, CoreAsset, -fee.Amount); err != nil {
		return fmt.Errorf("fee: %w", err)
	}

	return s.ModifyDynamicGlobalProperties(func(dgp *store.DynamicGlobalPropertyObject) {
		dgp.AccumulatedFees += fee.Amount
	})
}
