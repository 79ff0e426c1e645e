package evaluator_test

import (
	"testing"

	"github.com/stakeforge/blockchain/foundation/blockchain/evaluator"
	"github.com/stakeforge/blockchain/foundation/blockchain/store"
	"github.com/stakeforge/blockchain/foundation/blockchain/types"
)

// Success and failure markers.
const (
	success = "✓"
	failed  = "✗"
)

// The seeded ids.
const (
	alice types.AccountID = 0
	bob   types.AccountID = 1

	core types.AssetID = 0
	usd  types.AssetID = 1
)

// testContext is a minimal evaluator context over a bare store.
type testContext struct {
	db      *store.Store
	virtual []types.Operation
}

func (c *testContext) Store() *store.Store { return c.db }
func (c *testContext) HeadTime() uint32    { return 1700000000 }

func (c *testContext) RecordVirtualOperation(op types.Operation, result types.OperationResult) {
	c.virtual = append(c.virtual, op)
}

func (c *testContext) ApplyProposal(proposal *store.ProposalObject) error {
	return nil
}

func newTestContext(t *testing.T) (*testContext, *store.Session) {
	t.Helper()

	db := store.New()
	db.UndoDB().Disable()

	auth := types.Authority{Threshold: 1, KeyAuths: []types.KeyWeight{{Key: [33]byte{1}, Weight: 1}}}

	mustCreate := func(obj store.Object) {
		if _, err := db.Create(obj); err != nil {
			t.Fatalf("\t%s\tShould be able to seed the store: %v", failed, err)
		}
	}

	mustCreate(&store.AssetObject{Symbol: "CORE", Precision: 5})
	mustCreate(&store.AssetObject{Symbol: "USD", Precision: 4})
	mustCreate(&store.AccountObject{Name: "alice", Owner: auth, Active: auth})
	mustCreate(&store.AccountObject{Name: "bob", Owner: auth, Active: auth})

	if err := db.CreateAt(&store.DynamicGlobalPropertyObject{Time: 1700000000}); err != nil {
		t.Fatalf("\t%s\tShould be able to seed dynamic properties: %v", failed, err)
	}

	if err := db.AdjustBalance(alice, core, 1000); err != nil {
		t.Fatalf("\t%s\tShould be able to seed alice: %v", failed, err)
	}
	if err := db.AdjustBalance(bob, usd, 1000); err != nil {
		t.Fatalf("\t%s\tShould be able to seed bob: %v", failed, err)
	}

	db.UndoDB().Enable()
	session := db.UndoDB().StartSession()

	return &testContext{db: db}, session
}

// =============================================================================

func Test_OrderMatching(t *testing.T) {
	t.Log("Given the need to match crossing limit orders at maker prices.")
	{
		t.Logf("\tTest 0:\tWhen a taker fully consumes a resting maker.")
		{
			ctx, session := newTestContext(t)
			defer session.Undo()

			registry := evaluator.NewRegistry()

			// Bob rests: sell 100 USD for 200 CORE.
			makerResult, err := registry.Apply(ctx, &types.LimitOrderCreateOperation{
				Seller:       bob,
				AmountToSell: types.AssetAmount{Amount: 100, AssetID: usd},
				MinToReceive: types.AssetAmount{Amount: 200, AssetID: core},
			})
			if err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to rest the maker order: %v", failed, err)
			}
			if makerResult.Kind != types.ResultObject {
				t.Fatalf("\t%s\tTest 0:\tShould return the resting order's id.", failed)
			}
			t.Logf("\t%s\tTest 0:\tShould rest the maker order.", success)

			if got := ctx.db.Balance(bob, usd); got != 900 {
				t.Fatalf("\t%s\tTest 0:\tShould lock the maker's funds, bob USD %d.", failed, got)
			}
			t.Logf("\t%s\tTest 0:\tShould lock the maker's funds.", success)

			// Alice crosses: sell 200 CORE, wants at least 50 USD.
			takerResult, err := registry.Apply(ctx, &types.LimitOrderCreateOperation{
				Seller:       alice,
				AmountToSell: types.AssetAmount{Amount: 200, AssetID: core},
				MinToReceive: types.AssetAmount{Amount: 50, AssetID: usd},
			})
			if err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to apply the taker order: %v", failed, err)
			}
			if takerResult.Kind != types.ResultAsset || takerResult.Amount.Amount != 100 {
				t.Errorf("\t%s\tTest 0:\tShould fully fill the taker for 100 USD, got %+v.", failed, takerResult)
			} else {
				t.Logf("\t%s\tTest 0:\tShould fully fill the taker for 100 USD.", success)
			}

			if got := ctx.db.Balance(alice, core); got != 800 {
				t.Errorf("\t%s\tTest 0:\tShould debit alice's CORE, got %d.", failed, got)
			}
			if got := ctx.db.Balance(alice, usd); got != 100 {
				t.Errorf("\t%s\tTest 0:\tShould credit alice's USD, got %d.", failed, got)
			}
			if got := ctx.db.Balance(bob, core); got != 200 {
				t.Errorf("\t%s\tTest 0:\tShould credit bob's CORE, got %d.", failed, got)
			}
			t.Logf("\t%s\tTest 0:\tShould settle both sides of the fill.", success)

			if len(ctx.virtual) != 2 {
				t.Errorf("\t%s\tTest 0:\tShould record a fill for each side, got %d.", failed, len(ctx.virtual))
			} else {
				t.Logf("\t%s\tTest 0:\tShould record a fill for each side.", success)
			}

			orderID := types.OrderID(makerResult.Object)
			if _, err := ctx.db.LimitOrder(orderID); err == nil {
				t.Errorf("\t%s\tTest 0:\tShould remove the fully filled maker order.", failed)
			} else {
				t.Logf("\t%s\tTest 0:\tShould remove the fully filled maker order.", success)
			}
		}

		t.Logf("\tTest 1:\tWhen a fill or kill order cannot complete.")
		{
			ctx, session := newTestContext(t)
			defer session.Undo()

			registry := evaluator.NewRegistry()

			if _, err := registry.Apply(ctx, &types.LimitOrderCreateOperation{
				Seller:       alice,
				AmountToSell: types.AssetAmount{Amount: 200, AssetID: core},
				MinToReceive: types.AssetAmount{Amount: 50, AssetID: usd},
				FillOrKill:   true,
			}); err == nil {
				t.Errorf("\t%s\tTest 1:\tShould reject an unfillable fill or kill order.", failed)
			} else {
				t.Logf("\t%s\tTest 1:\tShould reject an unfillable fill or kill order.", success)
			}
		}

		t.Logf("\tTest 2:\tWhen cancelling a resting order.")
		{
			ctx, session := newTestContext(t)
			defer session.Undo()

			registry := evaluator.NewRegistry()

			result, err := registry.Apply(ctx, &types.LimitOrderCreateOperation{
				Seller:       bob,
				AmountToSell: types.AssetAmount{Amount: 100, AssetID: usd},
				MinToReceive: types.AssetAmount{Amount: 200, AssetID: core},
			})
			if err != nil {
				t.Fatalf("\t%s\tTest 2:\tShould be able to rest the order: %v", failed, err)
			}

			if _, err := registry.Apply(ctx, &types.LimitOrderCancelOperation{
				FeePayingAccount: bob,
				Order:            types.OrderID(result.Object),
			}); err != nil {
				t.Fatalf("\t%s\tTest 2:\tShould be able to cancel: %v", failed, err)
			}

			if got := ctx.db.Balance(bob, usd); got != 1000 {
				t.Errorf("\t%s\tTest 2:\tShould refund the locked funds, bob USD %d.", failed, got)
			} else {
				t.Logf("\t%s\tTest 2:\tShould refund the locked funds.", success)
			}
		}
	}
}
