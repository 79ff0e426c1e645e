// Package state is the core API of the chain database. It owns the object
// store and its undo sessions, ingests blocks and transactions, resolves
// competing forks, and produces new blocks for a scheduled witness.
package state

import (
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/stakeforge/blockchain/foundation/blockchain/blockstore"
	"github.com/stakeforge/blockchain/foundation/blockchain/evaluator"
	"github.com/stakeforge/blockchain/foundation/blockchain/forkdb"
	"github.com/stakeforge/blockchain/foundation/blockchain/genesis"
	"github.com/stakeforge/blockchain/foundation/blockchain/precompute"
	"github.com/stakeforge/blockchain/foundation/blockchain/signature"
	"github.com/stakeforge/blockchain/foundation/blockchain/store"
	"github.com/stakeforge/blockchain/foundation/blockchain/types"
	"github.com/stakeforge/blockchain/foundation/metrics"
)

// EventHandler defines a function that is called when events occur in the
// processing of blocks and transactions.
type EventHandler func(v string, args ...any)

// Config represents the configuration required to start the chain state.
type Config struct {
	Genesis     genesis.Genesis
	BlockStore  blockstore.Store
	Parallelism int
	Metrics     *metrics.Metrics
	EvHandler   EventHandler
}

// AppliedOperation is one entry of the applied operations log: an
// operation, its result, and where in the block it ran. Entries for failed
// proposal attempts may be nil.
type AppliedOperation struct {
	Op         types.Operation
	Result     types.OperationResult
	BlockNum   uint32
	TrxInBlock int
	OpInTrx    int
	VirtualOp  uint32
}

// State manages the chain database. Only one caller at a time may mutate
// it; the public mutating operations serialise on the internal lock.
type State struct {
	mu        sync.Mutex
	evHandler EventHandler

	genesis genesis.Genesis
	chainID types.ChainID

	db       *store.Store
	undo     *store.UndoDB
	forkDB   *forkdb.ForkDB
	blocks   blockstore.Store
	registry *evaluator.Registry
	pre      *precompute.Pool
	metrics  *metrics.Metrics

	skipFlags   SkipFlags
	checkpoints map[uint32]types.BlockID

	pendingTx        []*types.ProcessedTransaction
	pendingTxSession *store.Session
	poppedTx         []*types.ProcessedTransaction

	appliedOps        []*AppliedOperation
	currentBlockNum   uint32
	currentTrxInBlock int
	currentOpInTrx    int
	currentVirtualOp  uint32

	proposalNestingDepth int

	debugUpdates []func(*store.Store)

	appliedBlockSubs []func(*types.Block)
	changedSubs      []func(changed []store.ObjectKey, removed []store.ObjectKey)
	pendingTxSubs    []func(*types.SignedTransaction)
	appliedOpSubs    []func(op AppliedOperation)
}

// New constructs the chain state: the genesis objects are written with
// undo recording off (nothing before the first block is ever rewound),
// then any blocks already in the block store are replayed.
func New(cfg Config) (*State, error) {
	ev := func(v string, args ...any) {
		if cfg.EvHandler != nil {
			cfg.EvHandler(v, args...)
		}
	}

	if cfg.BlockStore == nil {
		cfg.BlockStore = blockstore.NewMemory()
	}

	db := store.New()

	s := State{
		evHandler:   ev,
		genesis:     cfg.Genesis,
		chainID:     cfg.Genesis.ChainID(),
		db:          db,
		undo:        db.UndoDB(),
		forkDB:      forkdb.New(),
		blocks:      cfg.BlockStore,
		registry:    evaluator.NewRegistry(),
		metrics:     cfg.Metrics,
		checkpoints: make(map[uint32]types.BlockID),
	}
	s.pre = precompute.New(cfg.Parallelism, s.chainID)

	if err := s.initGenesis(); err != nil {
		return nil, fmt.Errorf("init genesis state: %w", err)
	}

	if err := s.replayBlocks(); err != nil {
		return nil, fmt.Errorf("replay block store: %w", err)
	}

	return &s, nil
}

// Shutdown cleanly brings the chain state down.
func (s *State) Shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.clearPendingLocked()
	return s.blocks.Close()
}

// ChainID returns the id binding signatures to this network.
func (s *State) ChainID() types.ChainID {
	return s.chainID
}

// =============================================================================

// initGenesis seeds the object store from the genesis file.
func (s *State) initGenesis() error {
	s.undo.Disable()
	defer s.undo.Enable()

	for _, ga := range s.genesis.Assets {
		if _, err := s.db.Create(&store.AssetObject{Symbol: ga.Symbol, Precision: ga.Precision}); err != nil {
			return err
		}
	}
	if len(s.genesis.Assets) == 0 {
		return fmt.Errorf("genesis declares no assets; the core asset is required")
	}

	accountIDs := make(map[string]types.AccountID)
	for _, ga := range s.genesis.Accounts {
		ownerKey, err := parseKey(ga.OwnerKey)
		if err != nil {
			return fmt.Errorf("account %q owner key: %w", ga.Name, err)
		}
		activeKey, err := parseKey(ga.ActiveKey)
		if err != nil {
			return fmt.Errorf("account %q active key: %w", ga.Name, err)
		}

		obj, err := s.db.Create(&store.AccountObject{
			Name:   ga.Name,
			Owner:  types.Authority{Threshold: 1, KeyAuths: []types.KeyWeight{{Key: ownerKey, Weight: 1}}},
			Active: types.Authority{Threshold: 1, KeyAuths: []types.KeyWeight{{Key: activeKey, Weight: 1}}},
		})
		if err != nil {
			return err
		}
		accountIDs[ga.Name] = obj.(*store.AccountObject).ID
	}

	var activeWitnesses []types.WitnessID
	for _, gw := range s.genesis.Witnesses {
		account, exists := accountIDs[gw.Account]
		if !exists {
			return fmt.Errorf("witness references unknown account %q", gw.Account)
		}
		signingKey, err := parseKey(gw.SigningKey)
		if err != nil {
			return fmt.Errorf("witness %q signing key: %w", gw.Account, err)
		}

		obj, err := s.db.Create(&store.WitnessObject{Account: account, SigningKey: signingKey})
		if err != nil {
			return err
		}
		activeWitnesses = append(activeWitnesses, obj.(*store.WitnessObject).ID)
	}
	if len(activeWitnesses) == 0 {
		return fmt.Errorf("genesis declares no witnesses")
	}

	for name, balances := range s.genesis.Balances {
		account, exists := accountIDs[name]
		if !exists {
			return fmt.Errorf("balance references unknown account %q", name)
		}
		for symbol, amount := range balances {
			asset := s.db.FindAssetBySymbol(symbol)
			if asset == nil {
				return fmt.Errorf("balance references unknown asset %q", symbol)
			}
			if err := s.db.AdjustBalance(account, asset.ID, amount); err != nil {
				return err
			}
		}
	}

	genesisTime := uint32(s.genesis.Date.Unix())
	p := s.genesis.Parameters

	if err := s.db.CreateAt(&store.GlobalPropertyObject{
		Parameters: store.ChainParameters{
			BlockInterval:              p.BlockInterval,
			MaintenanceInterval:        p.MaintenanceInterval,
			MaximumBlockSize:           p.MaximumBlockSize,
			MaximumTimeUntilExpiration: p.MaximumTimeUntilExpiration,
			MaximumAuthorityDepth:      p.MaximumAuthorityDepth,
			MaximumProposalLifetime:    p.MaximumProposalLifetime,
		},
		ActiveWitnesses: activeWitnesses,
	}); err != nil {
		return err
	}

	if err := s.db.CreateAt(&store.DynamicGlobalPropertyObject{
		Time:                genesisTime,
		CurrentWitness:      activeWitnesses[0],
		NextMaintenanceTime: genesisTime + p.MaintenanceInterval,
	}); err != nil {
		return err
	}

	// Slot zero of the block summary ring anchors TaPoS references to
	// block zero.
	return s.db.CreateAt(&store.BlockSummaryObject{})
}

// replayBlocks re-applies every block already persisted, rebuilding the
// in-memory state the node had when it stopped.
func (s *State) replayBlocks() error {
	last, err := s.blocks.Last()
	if err != nil {
		return err
	}
	if last == nil {
		return nil
	}

	s.evHandler("state: replay: started: head[%d]", last.BlockNum())
	defer s.evHandler("state: replay: completed")

	const replaySkip = SkipExpensive | SkipTaposCheck | SkipWitnessScheduleCheck | SkipBlockSizeCheck

	for num := uint32(1); num <= last.BlockNum(); num++ {
		block, err := s.blocks.FetchByNumber(num)
		if err != nil {
			return err
		}
		if block == nil {
			return fmt.Errorf("block store has a gap at number %d", num)
		}

		session := s.undo.StartSession()
		if err := s.applyBlock(block, replaySkip); err != nil {
			session.Undo()
			return fmt.Errorf("replaying block %d: %w", num, err)
		}
		session.Commit()
	}

	s.forkDB.Start(last)
	return nil
}

// parseKey decodes a hex encoded compressed public key from the genesis
// file.
func parseKey(hexKey string) (signature.PublicKey, error) {
	var key signature.PublicKey
	if len(hexKey) >= 2 && hexKey[0] == '0' && (hexKey[1] == 'x' || hexKey[1] == 'X') {
		hexKey = hexKey[2:]
	}

	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return key, err
	}
	if len(raw) != len(key) {
		return key, fmt.Errorf("key must be %d bytes, got %d", len(key), len(raw))
	}

	copy(key[:], raw)
	return key, nil
}

// =============================================================================
// Notifications. Subscribers receive references valid only for the
// duration of the callback and must not retain them. Handlers that can
// block hop to their own goroutine.

// SubscribeAppliedBlock registers a handler fired after a block is
// irreversibly present in the object store.
func (s *State) SubscribeAppliedBlock(fn func(*types.Block)) {
	s.appliedBlockSubs = append(s.appliedBlockSubs, fn)
}

// SubscribeChangedObjects registers a handler fired once per block with
// the aggregated mutations.
func (s *State) SubscribeChangedObjects(fn func(changed []store.ObjectKey, removed []store.ObjectKey)) {
	s.changedSubs = append(s.changedSubs, fn)
}

// SubscribePendingTransaction registers a handler fired after a
// transaction enters the pending pool.
func (s *State) SubscribePendingTransaction(fn func(*types.SignedTransaction)) {
	s.pendingTxSubs = append(s.pendingTxSubs, fn)
}

// SubscribeAppliedOperation registers a handler fired for every applied
// operation, virtual operations included. The market data side channel
// feeds from this.
func (s *State) SubscribeAppliedOperation(fn func(op AppliedOperation)) {
	s.appliedOpSubs = append(s.appliedOpSubs, fn)
}

func (s *State) notifyAppliedBlock(block *types.Block) {
	for _, fn := range s.appliedBlockSubs {
		fn(block)
	}
}

func (s *State) notifyChangedObjects() {
	if len(s.changedSubs) == 0 {
		return
	}
	changed, removed := s.undo.TouchedTop()
	for _, fn := range s.changedSubs {
		fn(changed, removed)
	}
}

func (s *State) notifyPendingTransaction(tx *types.SignedTransaction) {
	for _, fn := range s.pendingTxSubs {
		fn(tx)
	}
}

func (s *State) notifyAppliedOperation(entry AppliedOperation) {
	for _, fn := range s.appliedOpSubs {
		fn(entry)
	}
}

// =============================================================================

// ApplyDebugUpdate queues a raw store mutation to be applied at the end of
// the next block. Test tooling only.
func (s *State) ApplyDebugUpdate(fn func(*store.Store)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.debugUpdates = append(s.debugUpdates, fn)
}

// Store exposes the object store. Part of the evaluator context; readers
// outside the serialising lock must not mutate.
func (s *State) Store() *store.Store {
	return s.db
}

// =============================================================================
// Head accessors.

func (s *State) dgp() *store.DynamicGlobalPropertyObject {
	return s.db.DynamicGlobalProperties()
}

func (s *State) gpo() *store.GlobalPropertyObject {
	return s.db.GlobalProperties()
}

// HeadBlockID returns the id of the current head block.
func (s *State) HeadBlockID() types.BlockID {
	return s.dgp().HeadBlockID
}

// HeadBlockNum returns the number of the current head block.
func (s *State) HeadBlockNum() uint32 {
	return s.dgp().HeadBlockNumber
}

// HeadTime returns the timestamp of the current head block. Part of the
// evaluator context.
func (s *State) HeadTime() uint32 {
	return s.dgp().Time
}
