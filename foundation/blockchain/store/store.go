package store

import (
	"errors"
	"fmt"
	"math/big"
	"sort"

	"github.com/stakeforge/blockchain/foundation/blockchain/types"
)

// ErrNotFound is returned when a lookup misses.
var ErrNotFound = errors.New("object not found")

// balanceKey indexes balances by their owning account and asset.
type balanceKey struct {
	account types.AccountID
	asset   types.AssetID
}

// Store is the set of live objects organised into typed tables with
// secondary indices. Every mutation must happen inside an active undo
// session; the undo database records a reversible delta for each touched
// row, and the indices are restored through the same primitives on
// rollback so they never drift from primary state.
type Store struct {
	objects      map[ObjectKey]Object
	nextInstance [objectTypeCount]uint64
	undo         *UndoDB

	accountsByName  map[string]uint64
	assetsBySymbol  map[string]uint64
	trxByID         map[types.TransactionID]uint64
	balancesByOwner map[balanceKey]uint64
}

// New constructs an empty store and its undo database.
func New() *Store {
	s := Store{
		objects:         make(map[ObjectKey]Object),
		accountsByName:  make(map[string]uint64),
		assetsBySymbol:  make(map[string]uint64),
		trxByID:         make(map[types.TransactionID]uint64),
		balancesByOwner: make(map[balanceKey]uint64),
	}
	s.undo = newUndoDB(&s)
	return &s
}

// UndoDB returns the undo database owning this store's mutations.
func (s *Store) UndoDB() *UndoDB {
	return s.undo
}

// =============================================================================
// Generic object operations.

// Create inserts a new object, assigning it the next instance id of its
// table. The returned object is the live stored value.
func (s *Store) Create(obj Object) (Object, error) {
	t := obj.Key().Type
	instance := s.nextInstance[t]
	obj.setInstance(instance)

	key := obj.Key()
	if _, exists := s.objects[key]; exists {
		return nil, fmt.Errorf("create: %s already exists", key)
	}

	s.undo.onCreate(key, t, instance)
	s.nextInstance[t] = instance + 1
	s.insertRaw(obj)

	return obj, nil
}

// CreateAt inserts an object at the instance id it already carries. Used
// for singletons and the block summary ring, whose instances are fixed.
func (s *Store) CreateAt(obj Object) error {
	key := obj.Key()
	if _, exists := s.objects[key]; exists {
		return fmt.Errorf("create: %s already exists", key)
	}

	s.undo.onCreate(key, key.Type, s.nextInstance[key.Type])
	if key.Instance >= s.nextInstance[key.Type] {
		s.nextInstance[key.Type] = key.Instance + 1
	}
	s.insertRaw(obj)

	return nil
}

// Get returns the live object for the key or an error when absent.
// Mutating the returned object outside Modify is undefined behaviour.
func (s *Store) Get(key ObjectKey) (Object, error) {
	obj, exists := s.objects[key]
	if !exists {
		return nil, fmt.Errorf("get %s: %w", key, ErrNotFound)
	}
	return obj, nil
}

// Find returns the live object for the key or nil when absent.
func (s *Store) Find(key ObjectKey) Object {
	return s.objects[key]
}

// Modify applies the mutator to the live object after snapshotting its
// prior value for undo, then refreshes the secondary indices.
func (s *Store) Modify(key ObjectKey, fn func(Object)) error {
	obj, exists := s.objects[key]
	if !exists {
		return fmt.Errorf("modify %s: %w", key, ErrNotFound)
	}

	old := obj.clone()
	s.undo.onModify(key, old)

	s.unindex(obj)
	fn(obj)
	s.index(obj)

	return nil
}

// Remove deletes the object after snapshotting it for undo.
func (s *Store) Remove(key ObjectKey) error {
	obj, exists := s.objects[key]
	if !exists {
		return fmt.Errorf("remove %s: %w", key, ErrNotFound)
	}

	s.undo.onRemove(key, obj.clone())
	s.eraseRaw(key)

	return nil
}

// =============================================================================
// Raw primitives. These bypass undo recording; the undo database uses them
// to roll deltas back, which keeps the indices consistent on every path.

func (s *Store) insertRaw(obj Object) {
	s.objects[obj.Key()] = obj
	s.index(obj)
}

func (s *Store) eraseRaw(key ObjectKey) {
	if obj, exists := s.objects[key]; exists {
		s.unindex(obj)
		delete(s.objects, key)
	}
}

func (s *Store) replaceRaw(obj Object) {
	s.eraseRaw(obj.Key())
	s.insertRaw(obj)
}

func (s *Store) index(obj Object) {
	switch o := obj.(type) {
	case *AccountObject:
		s.accountsByName[o.Name] = uint64(o.ID)
	case *AssetObject:
		s.assetsBySymbol[o.Symbol] = uint64(o.ID)
	case *TransactionObject:
		s.trxByID[o.TrxID] = o.ID
	case *BalanceObject:
		s.balancesByOwner[balanceKey{o.Account, o.Asset}] = o.ID
	}
}

func (s *Store) unindex(obj Object) {
	switch o := obj.(type) {
	case *AccountObject:
		delete(s.accountsByName, o.Name)
	case *AssetObject:
		delete(s.assetsBySymbol, o.Symbol)
	case *TransactionObject:
		delete(s.trxByID, o.TrxID)
	case *BalanceObject:
		delete(s.balancesByOwner, balanceKey{o.Account, o.Asset})
	}
}

// =============================================================================
// Typed lookups.

// Account returns the account with the specified id.
func (s *Store) Account(id types.AccountID) (*AccountObject, error) {
	obj, err := s.Get(ObjectKey{Type: ObjectAccount, Instance: uint64(id)})
	if err != nil {
		return nil, err
	}
	return obj.(*AccountObject), nil
}

// FindAccountByName returns the account with the specified name or nil.
func (s *Store) FindAccountByName(name string) *AccountObject {
	instance, exists := s.accountsByName[name]
	if !exists {
		return nil
	}
	return s.Find(ObjectKey{Type: ObjectAccount, Instance: instance}).(*AccountObject)
}

// Asset returns the asset with the specified id.
func (s *Store) Asset(id types.AssetID) (*AssetObject, error) {
	obj, err := s.Get(ObjectKey{Type: ObjectAsset, Instance: uint64(id)})
	if err != nil {
		return nil, err
	}
	return obj.(*AssetObject), nil
}

// FindAssetBySymbol returns the asset with the specified symbol or nil.
func (s *Store) FindAssetBySymbol(symbol string) *AssetObject {
	instance, exists := s.assetsBySymbol[symbol]
	if !exists {
		return nil
	}
	return s.Find(ObjectKey{Type: ObjectAsset, Instance: instance}).(*AssetObject)
}

// Witness returns the witness with the specified id.
func (s *Store) Witness(id types.WitnessID) (*WitnessObject, error) {
	obj, err := s.Get(ObjectKey{Type: ObjectWitness, Instance: uint64(id)})
	if err != nil {
		return nil, err
	}
	return obj.(*WitnessObject), nil
}

// LimitOrder returns the limit order with the specified id.
func (s *Store) LimitOrder(id types.OrderID) (*LimitOrderObject, error) {
	obj, err := s.Get(ObjectKey{Type: ObjectLimitOrder, Instance: uint64(id)})
	if err != nil {
		return nil, err
	}
	return obj.(*LimitOrderObject), nil
}

// Proposal returns the proposal with the specified id.
func (s *Store) Proposal(id types.ProposalID) (*ProposalObject, error) {
	obj, err := s.Get(ObjectKey{Type: ObjectProposal, Instance: uint64(id)})
	if err != nil {
		return nil, err
	}
	return obj.(*ProposalObject), nil
}

// FindTransaction returns the duplicate-detection entry for a transaction
// id or nil.
func (s *Store) FindTransaction(id types.TransactionID) *TransactionObject {
	instance, exists := s.trxByID[id]
	if !exists {
		return nil
	}
	return s.Find(ObjectKey{Type: ObjectTransaction, Instance: instance}).(*TransactionObject)
}

// FindBlockSummary returns the summary ring entry for the instance or nil.
func (s *Store) FindBlockSummary(instance uint64) *BlockSummaryObject {
	obj := s.Find(ObjectKey{Type: ObjectBlockSummary, Instance: instance})
	if obj == nil {
		return nil
	}
	return obj.(*BlockSummaryObject)
}

// GlobalProperties returns the consensus parameter singleton.
func (s *Store) GlobalProperties() *GlobalPropertyObject {
	return s.Find(ObjectKey{Type: ObjectGlobalProperty, Instance: 0}).(*GlobalPropertyObject)
}

// ModifyGlobalProperties mutates the consensus parameter singleton.
func (s *Store) ModifyGlobalProperties(fn func(*GlobalPropertyObject)) error {
	return s.Modify(ObjectKey{Type: ObjectGlobalProperty, Instance: 0}, func(obj Object) {
		fn(obj.(*GlobalPropertyObject))
	})
}

// DynamicGlobalProperties returns the fast-moving chain state singleton.
func (s *Store) DynamicGlobalProperties() *DynamicGlobalPropertyObject {
	return s.Find(ObjectKey{Type: ObjectDynamicGlobalProperty, Instance: 0}).(*DynamicGlobalPropertyObject)
}

// ModifyDynamicGlobalProperties mutates the chain state singleton.
func (s *Store) ModifyDynamicGlobalProperties(fn func(*DynamicGlobalPropertyObject)) error {
	return s.Modify(ObjectKey{Type: ObjectDynamicGlobalProperty, Instance: 0}, func(obj Object) {
		fn(obj.(*DynamicGlobalPropertyObject))
	})
}

// =============================================================================
// Balances.

// Balance returns the account's balance in the asset. Missing balance
// objects read as zero.
func (s *Store) Balance(account types.AccountID, asset types.AssetID) int64 {
	instance, exists := s.balancesByOwner[balanceKey{account, asset}]
	if !exists {
		return 0
	}
	return s.Find(ObjectKey{Type: ObjectBalance, Instance: instance}).(*BalanceObject).Amount
}

// AdjustBalance moves the account's balance in the asset by delta,
// creating the balance object on first touch. A negative result is an
// error and leaves the balance unchanged.
func (s *Store) AdjustBalance(account types.AccountID, asset types.AssetID, delta int64) error {
	key := balanceKey{account, asset}
	instance, exists := s.balancesByOwner[key]
	if !exists {
		if delta < 0 {
			return fmt.Errorf("insufficient funds, account %d, asset %d, bal 0, needed %d", account, asset, -delta)
		}
		_, err := s.Create(&BalanceObject{Account: account, Asset: asset, Amount: delta})
		return err
	}

	obj := s.Find(ObjectKey{Type: ObjectBalance, Instance: instance}).(*BalanceObject)
	if obj.Amount+delta < 0 {
		return fmt.Errorf("insufficient funds, account %d, asset %d, bal %d, needed %d", account, asset, obj.Amount, -delta)
	}

	return s.Modify(obj.Key(), func(o Object) {
		o.(*BalanceObject).Amount += delta
	})
}

// =============================================================================
// Range queries. Secondary orderings are computed deterministically so
// range scans are stable across re-executions given identical state.

// LimitOrdersSelling returns the resting orders selling sellAsset for
// receiveAsset, best price first. Price comparison cross-multiplies so no
// precision is lost; ties break on the lower order id.
func (s *Store) LimitOrdersSelling(sellAsset types.AssetID, receiveAsset types.AssetID) []*LimitOrderObject {
	var orders []*LimitOrderObject
	for key, obj := range s.objects {
		if key.Type != ObjectLimitOrder {
			continue
		}
		o := obj.(*LimitOrderObject)
		if o.SellPrice.Base.AssetID == sellAsset && o.SellPrice.Quote.AssetID == receiveAsset {
			orders = append(orders, o)
		}
	}

	sort.Slice(orders, func(i, j int) bool {
		cmp := comparePrices(orders[i].SellPrice, orders[j].SellPrice)
		if cmp != 0 {
			return cmp > 0
		}
		return orders[i].ID < orders[j].ID
	})

	return orders
}

// comparePrices orders prices by base-per-quote: positive when a gives
// more base per unit of quote than b.
func comparePrices(a types.Price, b types.Price) int {
	lhs := new(big.Int).Mul(big.NewInt(a.Base.Amount), big.NewInt(b.Quote.Amount))
	rhs := new(big.Int).Mul(big.NewInt(b.Base.Amount), big.NewInt(a.Quote.Amount))
	return lhs.Cmp(rhs)
}

// ExpiredTransactions returns the duplicate-detection entries whose
// expiration has passed, ordered by instance id.
func (s *Store) ExpiredTransactions(now uint32) []*TransactionObject {
	var expired []*TransactionObject
	for key, obj := range s.objects {
		if key.Type != ObjectTransaction {
			continue
		}
		o := obj.(*TransactionObject)
		if o.Expiration < now {
			expired = append(expired, o)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].ID < expired[j].ID })
	return expired
}

// ExpiredProposals returns the proposals whose expiration has passed,
// ordered by instance id.
func (s *Store) ExpiredProposals(now uint32) []*ProposalObject {
	var expired []*ProposalObject
	for key, obj := range s.objects {
		if key.Type != ObjectProposal {
			continue
		}
		o := obj.(*ProposalObject)
		if o.ExpirationTime <= now {
			expired = append(expired, o)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].ID < expired[j].ID })
	return expired
}

// ExpiredLimitOrders returns the resting orders whose expiration has
// passed, ordered by instance id. Orders with a zero expiration are
// good-til-cancelled.
func (s *Store) ExpiredLimitOrders(now uint32) []*LimitOrderObject {
	var expired []*LimitOrderObject
	for key, obj := range s.objects {
		if key.Type != ObjectLimitOrder {
			continue
		}
		o := obj.(*LimitOrderObject)
		if o.Expiration != 0 && o.Expiration <= now {
			expired = append(expired, o)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].ID < expired[j].ID })
	return expired
}

// Witnesses returns all witness objects ordered by id.
func (s *Store) Witnesses() []*WitnessObject {
	var witnesses []*WitnessObject
	for key, obj := range s.objects {
		if key.Type != ObjectWitness {
			continue
		}
		witnesses = append(witnesses, obj.(*WitnessObject))
	}
	sort.Slice(witnesses, func(i, j int) bool { return witnesses[i].ID < witnesses[j].ID })
	return witnesses
}

// Accounts returns all account objects ordered by id.
func (s *Store) Accounts() []*AccountObject {
	var accounts []*AccountObject
	for key, obj := range s.objects {
		if key.Type != ObjectAccount {
			continue
		}
		accounts = append(accounts, obj.(*AccountObject))
	}
	sort.Slice(accounts, func(i, j int) bool { return accounts[i].ID < accounts[j].ID })
	return accounts
}

// Serialize produces a deterministic byte rendering of every object in the
// store, ordered by key. Tests use it to prove apply/undo round-trips are
// byte identical.
func (s *Store) Serialize() []byte {
	keys := make([]ObjectKey, 0, len(s.objects))
	for key := range s.objects {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Type != keys[j].Type {
			return keys[i].Type < keys[j].Type
		}
		return keys[i].Instance < keys[j].Instance
	})

	var out []byte
	for _, key := range keys {
		out = append(out, []byte(fmt.Sprintf("%s=%s\n", key, renderObject(s.objects[key])))...)
	}
	return out
}

// renderObject formats an object deterministically. Proposals hold
// operations behind pointers, so they render through the wire codec
// instead of the pointer values.
func renderObject(obj Object) string {
	if p, ok := obj.(*ProposalObject); ok {
		enc := types.NewEncoder()
		for _, op := range p.Operations {
			types.MarshalOperation(enc, op)
		}
		return fmt.Sprintf("{ID:%d Proposer:%d Operations:%x ExpirationTime:%d}", p.ID, p.Proposer, enc.Bytes(), p.ExpirationTime)
	}
	return fmt.Sprintf("%+v", obj)
}
