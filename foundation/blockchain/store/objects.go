package store

import (
	"github.com/stakeforge/blockchain/foundation/blockchain/signature"
	"github.com/stakeforge/blockchain/foundation/blockchain/types"
)

// AccountObject is the on-chain record of an account: its name and the
// authorities that may act for it.
type AccountObject struct {
	ID     types.AccountID
	Name   string
	Owner  types.Authority
	Active types.Authority
}

// Key implements the Object interface.
func (o *AccountObject) Key() ObjectKey {
	return ObjectKey{Type: ObjectAccount, Instance: uint64(o.ID)}
}

func (o *AccountObject) clone() Object {
	c := *o
	c.Owner = cloneAuthority(o.Owner)
	c.Active = cloneAuthority(o.Active)
	return &c
}

func (o *AccountObject) setInstance(instance uint64) { o.ID = types.AccountID(instance) }

func cloneAuthority(a types.Authority) types.Authority {
	c := a
	c.KeyAuths = append([]types.KeyWeight(nil), a.KeyAuths...)
	c.AccountAuths = append([]types.AccountWeight(nil), a.AccountAuths...)
	return c
}

// =============================================================================

// AssetObject describes one tradeable asset.
type AssetObject struct {
	ID        types.AssetID
	Symbol    string
	Precision uint8
	Issuer    types.AccountID
}

// Key implements the Object interface.
func (o *AssetObject) Key() ObjectKey {
	return ObjectKey{Type: ObjectAsset, Instance: uint64(o.ID)}
}

func (o *AssetObject) clone() Object {
	c := *o
	return &c
}

func (o *AssetObject) setInstance(instance uint64) { o.ID = types.AssetID(instance) }

// =============================================================================

// BalanceObject holds one account's balance in one asset.
type BalanceObject struct {
	ID      uint64
	Account types.AccountID
	Asset   types.AssetID
	Amount  int64
}

// Key implements the Object interface.
func (o *BalanceObject) Key() ObjectKey {
	return ObjectKey{Type: ObjectBalance, Instance: o.ID}
}

func (o *BalanceObject) clone() Object {
	c := *o
	return &c
}

func (o *BalanceObject) setInstance(instance uint64) { o.ID = instance }

// =============================================================================

// WitnessObject is the record of a block producer: its controlling
// account, its signing key, and its production statistics.
type WitnessObject struct {
	ID                    types.WitnessID
	Account               types.AccountID
	SigningKey            signature.PublicKey
	LastAslot             uint64
	TotalMissed           uint64
	LastConfirmedBlockNum uint32
}

// Key implements the Object interface.
func (o *WitnessObject) Key() ObjectKey {
	return ObjectKey{Type: ObjectWitness, Instance: uint64(o.ID)}
}

func (o *WitnessObject) clone() Object {
	c := *o
	return &c
}

func (o *WitnessObject) setInstance(instance uint64) { o.ID = types.WitnessID(instance) }

// =============================================================================

// LimitOrderObject is a resting order on the book. ForSale is what remains
// of the seller's locked funds; SellPrice fixes the limit price.
type LimitOrderObject struct {
	ID         types.OrderID
	Seller     types.AccountID
	ForSale    int64
	SellPrice  types.Price
	Expiration uint32
}

// Key implements the Object interface.
func (o *LimitOrderObject) Key() ObjectKey {
	return ObjectKey{Type: ObjectLimitOrder, Instance: uint64(o.ID)}
}

func (o *LimitOrderObject) clone() Object {
	c := *o
	return &c
}

func (o *LimitOrderObject) setInstance(instance uint64) { o.ID = types.OrderID(instance) }

// Market returns the order's market pair ordered (lower id, higher id).
func (o *LimitOrderObject) Market() (types.AssetID, types.AssetID) {
	a, b := o.SellPrice.Base.AssetID, o.SellPrice.Quote.AssetID
	if a > b {
		a, b = b, a
	}
	return a, b
}

// =============================================================================

// TransactionObject is one entry in the duplicate detection index. Entries
// live until their transaction's expiration passes head time.
type TransactionObject struct {
	ID         uint64
	TrxID      types.TransactionID
	Expiration uint32
}

// Key implements the Object interface.
func (o *TransactionObject) Key() ObjectKey {
	return ObjectKey{Type: ObjectTransaction, Instance: o.ID}
}

func (o *TransactionObject) clone() Object {
	c := *o
	return &c
}

func (o *TransactionObject) setInstance(instance uint64) { o.ID = instance }

// =============================================================================

// BlockSummaryObject is one slot of the 2^16 entry ring that TaPoS
// validates reference block prefixes against. The instance is the block
// number masked to 16 bits.
type BlockSummaryObject struct {
	ID      uint64
	BlockID types.BlockID
}

// Key implements the Object interface.
func (o *BlockSummaryObject) Key() ObjectKey {
	return ObjectKey{Type: ObjectBlockSummary, Instance: o.ID}
}

func (o *BlockSummaryObject) clone() Object {
	c := *o
	return &c
}

func (o *BlockSummaryObject) setInstance(instance uint64) { o.ID = instance }

// =============================================================================

// ProposalObject stores a proposed transaction waiting for the approvals
// it needs, or for its expiration.
type ProposalObject struct {
	ID             types.ProposalID
	Proposer       types.AccountID
	Operations     []types.Operation
	ExpirationTime uint32
}

// Key implements the Object interface.
func (o *ProposalObject) Key() ObjectKey {
	return ObjectKey{Type: ObjectProposal, Instance: uint64(o.ID)}
}

func (o *ProposalObject) clone() Object {
	c := *o
	c.Operations = append([]types.Operation(nil), o.Operations...)
	return &c
}

func (o *ProposalObject) setInstance(instance uint64) { o.ID = types.ProposalID(instance) }

// =============================================================================

// ChainParameters are the consensus parameters witnesses may amend at
// maintenance intervals.
type ChainParameters struct {
	BlockInterval              uint8
	MaintenanceInterval        uint32
	MaximumBlockSize           uint32
	MaximumTimeUntilExpiration uint32
	MaximumAuthorityDepth      uint8
	MaximumProposalLifetime    uint32
}

// GlobalPropertyObject is the singleton carrying the consensus parameters
// and the active witness set. It changes only at maintenance intervals.
type GlobalPropertyObject struct {
	Parameters      ChainParameters
	ActiveWitnesses []types.WitnessID
}

// Key implements the Object interface.
func (o *GlobalPropertyObject) Key() ObjectKey {
	return ObjectKey{Type: ObjectGlobalProperty, Instance: 0}
}

func (o *GlobalPropertyObject) clone() Object {
	c := *o
	c.ActiveWitnesses = append([]types.WitnessID(nil), o.ActiveWitnesses...)
	return &c
}

func (o *GlobalPropertyObject) setInstance(instance uint64) {}

// =============================================================================

// DynamicGlobalPropertyObject is the singleton carrying the fast-moving
// chain state: the head block, the slot clock, and maintenance bookkeeping.
type DynamicGlobalPropertyObject struct {
	HeadBlockNumber          uint32
	HeadBlockID              types.BlockID
	Time                     uint32
	CurrentWitness           types.WitnessID
	NextMaintenanceTime      uint32
	LastIrreversibleBlockNum uint32
	CurrentAslot             uint64
	RecentlyMissedCount      uint32
	AccumulatedFees          int64
	MaintenanceFlag          bool
}

// Key implements the Object interface.
func (o *DynamicGlobalPropertyObject) Key() ObjectKey {
	return ObjectKey{Type: ObjectDynamicGlobalProperty, Instance: 0}
}

func (o *DynamicGlobalPropertyObject) clone() Object {
	c := *o
	return &c
}

func (o *DynamicGlobalPropertyObject) setInstance(instance uint64) {}
