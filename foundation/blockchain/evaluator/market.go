package evaluator

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/stakeforge/blockchain/foundation/blockchain/store"
	"github.com/stakeforge/blockchain/foundation/blockchain/types"
)

// limitOrderCreateEvaluator locks the seller's funds, matches the order
// against the opposite side of the book at maker prices, and rests any
// remainder. Each (partial) fill is recorded as a FillOrder virtual
// operation for both sides.
type limitOrderCreateEvaluator struct{}

// Evaluate implements the Evaluator interface.
func (limitOrderCreateEvaluator) Evaluate(ctx Context, operation types.Operation) (types.OperationResult, error) {
	op := operation.(*types.LimitOrderCreateOperation)
	s := ctx.Store()

	if _, err := s.Account(op.Seller); err != nil {
		return types.OperationResult{}, fmt.Errorf("seller: %w", err)
	}
	if _, err := s.Asset(op.AmountToSell.AssetID); err != nil {
		return types.OperationResult{}, fmt.Errorf("sell asset: %w", err)
	}
	if _, err := s.Asset(op.MinToReceive.AssetID); err != nil {
		return types.OperationResult{}, fmt.Errorf("receive asset: %w", err)
	}
	if op.Expiration != 0 && op.Expiration <= ctx.HeadTime() {
		return types.OperationResult{}, errors.New("order expiration is in the past")
	}

	if err := payFee(ctx, op.Seller, op.Fee); err != nil {
		return types.OperationResult{}, err
	}

	// Lock the full sale amount; fills and the resting remainder are paid
	// out of this locked pool.
	if err := s.AdjustBalance(op.Seller, op.AmountToSell.AssetID, -op.AmountToSell.Amount); err != nil {
		return types.OperationResult{}, err
	}

	takerPrice := types.Price{Base: op.AmountToSell, Quote: op.MinToReceive}

	remaining := op.AmountToSell.Amount
	var received int64

	// Walk the opposite book best maker first. Fills happen at the maker's
	// price; the walk stops when prices no longer overlap.
	makers := s.LimitOrdersSelling(op.MinToReceive.AssetID, op.AmountToSell.AssetID)
	for _, maker := range makers {
		if remaining == 0 {
			break
		}
		if !pricesOverlap(takerPrice, maker.SellPrice) {
			break
		}

		makerRate := maker.SellPrice

		// What the taker's remaining funds buy at the maker's rate.
		canBuy := mulDiv(remaining, makerRate.Base.Amount, makerRate.Quote.Amount)
		if canBuy == 0 {
			break
		}

		var pays, gets int64
		fullMakerFill := canBuy >= maker.ForSale
		if fullMakerFill {
			gets = maker.ForSale
			pays = mulDivCeil(gets, makerRate.Quote.Amount, makerRate.Base.Amount)
			if pays > remaining {
				pays = remaining
			}
		} else {
			pays = remaining
			gets = canBuy
		}

		if err := fill(ctx, maker, pays, gets, op, fullMakerFill); err != nil {
			return types.OperationResult{}, err
		}

		remaining -= pays
		received += gets
	}

	// Pay out everything the taker bought.
	if received > 0 {
		if err := s.AdjustBalance(op.Seller, op.MinToReceive.AssetID, received); err != nil {
			return types.OperationResult{}, err
		}
	}

	if remaining == 0 {
		return types.AssetResult(types.AssetAmount{Amount: received, AssetID: op.MinToReceive.AssetID}), nil
	}

	if op.FillOrKill {
		return types.OperationResult{}, errors.New("fill or kill order could not be completely filled")
	}

	order, err := s.Create(&store.LimitOrderObject{
		Seller:     op.Seller,
		ForSale:    remaining,
		SellPrice:  takerPrice,
		Expiration: op.Expiration,
	})
	if err != nil {
		return types.OperationResult{}, err
	}

	return types.ObjectResult(order.Key().Instance), nil
}

// fill settles one match: the maker's order shrinks (or dies), the maker
// is paid, and both sides get a FillOrder virtual operation in the log.
func fill(ctx Context, maker *store.LimitOrderObject, takerPays int64, takerGets int64, op *types.LimitOrderCreateOperation, fullMakerFill bool) error {
	s := ctx.Store()

	if err := s.AdjustBalance(maker.Seller, op.AmountToSell.AssetID, takerPays); err != nil {
		return err
	}

	makerID := maker.ID
	makerSeller := maker.Seller

	if fullMakerFill {
		if err := s.Remove(maker.Key()); err != nil {
			return err
		}
	} else {
		if err := s.Modify(maker.Key(), func(obj store.Object) {
			obj.(*store.LimitOrderObject).ForSale -= takerGets
		}); err != nil {
			return err
		}
	}

	pays := types.AssetAmount{Amount: takerGets, AssetID: op.MinToReceive.AssetID}
	gets := types.AssetAmount{Amount: takerPays, AssetID: op.AmountToSell.AssetID}

	ctx.RecordVirtualOperation(
		&types.FillOrderOperation{Order: makerID, Account: makerSeller, Pays: pays, Receives: gets},
		types.AssetResult(gets),
	)
	ctx.RecordVirtualOperation(
		&types.FillOrderOperation{Order: 0, Account: op.Seller, Pays: gets, Receives: pays},
		types.AssetResult(pays),
	)

	return nil
}

// pricesOverlap reports whether a taker at taker price accepts a fill at
// the maker's price: the maker must give at least the taker's minimum
// receive rate.
func pricesOverlap(taker types.Price, maker types.Price) bool {
	// maker.Base/maker.Quote >= taker.Quote/taker.Base
	lhs := new(big.Int).Mul(big.NewInt(maker.Base.Amount), big.NewInt(taker.Base.Amount))
	rhs := new(big.Int).Mul(big.NewInt(taker.Quote.Amount), big.NewInt(maker.Quote.Amount))
	return lhs.Cmp(rhs) >= 0
}

// mulDiv computes a*b/c in 128-bit intermediate precision, rounding down.
func mulDiv(a, b, c int64) int64 {
	out := new(big.Int).Mul(big.NewInt(a), big.NewInt(b))
	out.Quo(out, big.NewInt(c))
	return out.Int64()
}

// mulDivCeil computes a*b/c in 128-bit intermediate precision, rounding up.
func mulDivCeil(a, b, c int64) int64 {
	num := new(big.Int).Mul(big.NewInt(a), big.NewInt(b))
	num.Add(num, big.NewInt(c-1))
	num.Quo(num, big.NewInt(c))
	return num.Int64()
}

// =============================================================================

// limitOrderCancelEvaluator removes a resting order and refunds what
// remains of the locked funds.
type limitOrderCancelEvaluator struct{}

// Evaluate implements the Evaluator interface.
func (limitOrderCancelEvaluator) Evaluate(ctx Context, operation types.Operation) (types.OperationResult, error) {
	op := operation.(*types.LimitOrderCancelOperation)
	s := ctx.Store()

	order, err := s.LimitOrder(op.Order)
	if err != nil {
		return types.OperationResult{}, err
	}
	if order.Seller != op.FeePayingAccount {
		return types.OperationResult{}, fmt.Errorf("order %d belongs to account %d, not %d", op.Order, order.Seller, op.FeePayingAccount)
	}

	if err := payFee(ctx, op.FeePayingAccount, op.Fee); err != nil {
		return types.OperationResult{}, err
	}

	refund := types.AssetAmount{Amount: order.ForSale, AssetID: order.SellPrice.Base.AssetID}
	if err := s.AdjustBalance(order.Seller, refund.AssetID, refund.Amount); err != nil {
		return types.OperationResult{}, err
	}
	if err := s.Remove(order.Key()); err != nil {
		return types.OperationResult{}, err
	}

	return types.AssetResult(refund), nil
}
