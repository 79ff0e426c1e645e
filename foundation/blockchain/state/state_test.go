package state_test

import (
	"crypto/ecdsa"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/stakeforge/blockchain/foundation/blockchain/genesis"
	"github.com/stakeforge/blockchain/foundation/blockchain/signature"
	"github.com/stakeforge/blockchain/foundation/blockchain/state"
	"github.com/stakeforge/blockchain/foundation/blockchain/types"
)

// Success and failure markers.
const (
	success = "✓"
	failed  = "✗"
)

// genesisTime anchors every test chain.
const genesisTime = uint32(1700000000)

// blockInterval matches the test genesis parameters.
const blockInterval = uint32(5)

// The account ids the test genesis produces, in declaration order. Three
// witnesses keep the last-irreversible pointer behind the head (only the
// first ever produces), so fork switches stay possible.
const (
	alice types.AccountID = iota
	bob
	carol
	dave
	wit1
	wit2
	wit3
)

// =============================================================================

// keyring holds the private keys behind the test genesis accounts.
type keyring map[string]*ecdsa.PrivateKey

func newKeyring(t *testing.T) keyring {
	t.Helper()

	keys := make(keyring)
	for _, name := range []string{"alice", "bob", "carol", "dave", "wit1", "wit2", "wit3"} {
		privateKey, err := crypto.GenerateKey()
		if err != nil {
			t.Fatalf("\t%s\tShould be able to generate a key for %s: %v", failed, name, err)
		}
		keys[name] = privateKey
	}
	return keys
}

func (k keyring) public(name string) string {
	return signature.PublicKeyFromECDSA(&k[name].PublicKey).String()
}

// harness wires a chain state over a deterministic test genesis.
type harness struct {
	t       *testing.T
	st      *state.State
	keys    keyring
	chainID types.ChainID
}

func newHarness(t *testing.T, keys keyring, balances map[string]map[string]int64, tweak func(*genesis.Genesis)) *harness {
	t.Helper()

	gen := genesis.Genesis{
		Date:       time.Unix(int64(genesisTime), 0).UTC(),
		ChainLabel: "test-chain",
		Parameters: genesis.Parameters{
			BlockInterval:              uint8(blockInterval),
			MaintenanceInterval:        86400,
			MaximumBlockSize:           1 << 20,
			MaximumTimeUntilExpiration: 3600,
			MaximumAuthorityDepth:      3,
			MaximumProposalLifetime:    86400,
		},
		Accounts: []genesis.Account{
			{Name: "alice", OwnerKey: keys.public("alice"), ActiveKey: keys.public("alice")},
			{Name: "bob", OwnerKey: keys.public("bob"), ActiveKey: keys.public("bob")},
			{Name: "carol", OwnerKey: keys.public("carol"), ActiveKey: keys.public("carol")},
			{Name: "dave", OwnerKey: keys.public("dave"), ActiveKey: keys.public("dave")},
			{Name: "wit1", OwnerKey: keys.public("wit1"), ActiveKey: keys.public("wit1")},
			{Name: "wit2", OwnerKey: keys.public("wit2"), ActiveKey: keys.public("wit2")},
			{Name: "wit3", OwnerKey: keys.public("wit3"), ActiveKey: keys.public("wit3")},
		},
		Assets: []genesis.Asset{
			{Symbol: "CORE", Precision: 5},
			{Symbol: "USD", Precision: 4},
		},
		Witnesses: []genesis.Witness{
			{Account: "wit1", SigningKey: keys.public("wit1")},
			{Account: "wit2", SigningKey: keys.public("wit2")},
			{Account: "wit3", SigningKey: keys.public("wit3")},
		},
		Balances: balances,
	}

	if tweak != nil {
		tweak(&gen)
	}

	st, err := state.New(state.Config{Genesis: gen})
	if err != nil {
		t.Fatalf("\t%s\tShould be able to construct the chain state: %v", failed, err)
	}

	return &harness{
		t:       t,
		st:      st,
		keys:    keys,
		chainID: gen.ChainID(),
	}
}

// transfer builds and signs a transfer of the core asset.
func (h *harness) transfer(from string, to types.AccountID, amount int64) *types.SignedTransaction {
	h.t.Helper()

	tx := types.SignedTransaction{
		Transaction: types.Transaction{
			Expiration: h.st.HeadTime() + 100,
			Operations: []types.Operation{
				&types.TransferOperation{
					From:   h.accountID(from),
					To:     to,
					Amount: types.AssetAmount{Amount: amount},
				},
			},
		},
	}

	if err := tx.Sign(h.keys[from], h.chainID); err != nil {
		h.t.Fatalf("\t%s\tShould be able to sign the transfer: %v", failed, err)
	}
	return &tx
}

func (h *harness) accountID(name string) types.AccountID {
	account := h.st.Store().FindAccountByName(name)
	if account == nil {
		h.t.Fatalf("\t%s\tShould be able to find account %q.", failed, name)
	}
	return account.ID
}

// makeBlock assembles and signs a block under the witness key. Timestamps
// step in whole block intervals so the slot checks hold.
func (h *harness) makeBlock(previous types.BlockID, when uint32, txs ...*types.SignedTransaction) *types.Block {
	h.t.Helper()

	block := types.Block{
		BlockHeader: types.BlockHeader{
			Previous:  previous,
			Timestamp: when,
			Witness:   0,
		},
	}

	for _, tx := range txs {
		ptx := types.NewProcessedTransaction(tx)
		for range tx.Operations {
			ptx.OperationResults = append(ptx.OperationResults, types.OperationResult{})
		}
		block.Transactions = append(block.Transactions, ptx)
	}

	root, err := block.CalculateMerkleRoot()
	if err != nil {
		h.t.Fatalf("\t%s\tShould be able to compute the merkle root: %v", failed, err)
	}
	block.TransactionMerkleRoot = root

	if err := block.Sign(h.keys["wit1"], h.chainID); err != nil {
		h.t.Fatalf("\t%s\tShould be able to sign the block: %v", failed, err)
	}

	return &block
}

// pushSkip is what the test harness pushes with: hand-built blocks always
// carry the first witness, so only the schedule rotation is skipped; every
// other check runs.
const pushSkip = state.SkipWitnessScheduleCheck

// push pushes a block expecting success, returning the fork switch flag.
func (h *harness) push(block *types.Block) bool {
	h.t.Helper()

	switched, err := h.st.PushBlock(block, pushSkip)
	if err != nil {
		h.t.Fatalf("\t%s\tShould be able to push block %d: %v", failed, block.BlockNum(), err)
	}
	return switched
}

// productionSlot finds the next slot assigned to the first witness, for
// generating blocks under the full schedule check.
func (h *harness) productionSlot() uint32 {
	for slot := uint32(1); ; slot++ {
		if h.st.ScheduledWitness(slot) == 0 {
			return slot
		}
	}
}

func (h *harness) balance(account types.AccountID) int64 {
	return h.st.Store().Balance(account, 0)
}

// =============================================================================

func Test_LinearExtension(t *testing.T) {
	t.Log("Given the need to apply a linear chain of blocks.")
	{
		t.Logf("\tTest 0:\tWhen pushing an empty block and a transfer block.")
		{
			keys := newKeyring(t)
			h := newHarness(t, keys, map[string]map[string]int64{
				"alice": {"CORE": 1000},
			}, nil)

			b1 := h.makeBlock(types.BlockID{}, genesisTime+blockInterval)
			if switched := h.push(b1); switched {
				t.Errorf("\t%s\tTest 0:\tShould not report a fork switch for block 1.", failed)
			} else {
				t.Logf("\t%s\tTest 0:\tShould not report a fork switch for block 1.", success)
			}

			b2 := h.makeBlock(b1.ID(), genesisTime+2*blockInterval, h.transfer("alice", bob, 100))
			if switched := h.push(b2); switched {
				t.Errorf("\t%s\tTest 0:\tShould not report a fork switch for block 2.", failed)
			} else {
				t.Logf("\t%s\tTest 0:\tShould not report a fork switch for block 2.", success)
			}

			if got := h.balance(alice); got != 900 {
				t.Errorf("\t%s\tTest 0:\tShould leave alice with 900, got %d.", failed, got)
			} else {
				t.Logf("\t%s\tTest 0:\tShould leave alice with 900.", success)
			}
			if got := h.balance(bob); got != 100 {
				t.Errorf("\t%s\tTest 0:\tShould leave bob with 100, got %d.", failed, got)
			} else {
				t.Logf("\t%s\tTest 0:\tShould leave bob with 100.", success)
			}

			if h.st.HeadBlockID() != b2.ID() {
				t.Errorf("\t%s\tTest 0:\tShould have block 2 as head.", failed)
			} else {
				t.Logf("\t%s\tTest 0:\tShould have block 2 as head.", success)
			}
		}
	}
}

func Test_SimpleForkSwitch(t *testing.T) {
	t.Log("Given the need to switch to a longer competing fork.")
	{
		t.Logf("\tTest 0:\tWhen a two block fork overtakes a one block fork.")
		{
			keys := newKeyring(t)
			h := newHarness(t, keys, map[string]map[string]int64{
				"alice": {"CORE": 1000},
			}, nil)

			h0 := h.makeBlock(types.BlockID{}, genesisTime+blockInterval)
			h.push(h0)

			a1 := h.makeBlock(h0.ID(), genesisTime+2*blockInterval, h.transfer("alice", bob, 10))
			h.push(a1)

			fb1 := h.makeBlock(h0.ID(), genesisTime+3*blockInterval, h.transfer("alice", carol, 20))
			if switched := h.push(fb1); switched {
				t.Errorf("\t%s\tTest 0:\tShould not switch on an equal height block.", failed)
			} else {
				t.Logf("\t%s\tTest 0:\tShould not switch on an equal height block.", success)
			}

			if got := h.balance(bob); got != 10 {
				t.Fatalf("\t%s\tTest 0:\tShould still be on the first fork, bob %d.", failed, got)
			}

			fb2 := h.makeBlock(fb1.ID(), genesisTime+4*blockInterval)
			if switched := h.push(fb2); !switched {
				t.Errorf("\t%s\tTest 0:\tShould report a fork switch for the longer fork.", failed)
			} else {
				t.Logf("\t%s\tTest 0:\tShould report a fork switch for the longer fork.", success)
			}

			if h.st.HeadBlockID() != fb2.ID() {
				t.Errorf("\t%s\tTest 0:\tShould have the fork tip as head.", failed)
			} else {
				t.Logf("\t%s\tTest 0:\tShould have the fork tip as head.", success)
			}

			if got := h.balance(bob); got != 0 {
				t.Errorf("\t%s\tTest 0:\tShould have undone the abandoned fork's transfer, bob %d.", failed, got)
			} else {
				t.Logf("\t%s\tTest 0:\tShould have undone the abandoned fork's transfer.", success)
			}
			if got := h.balance(carol); got != 20 {
				t.Errorf("\t%s\tTest 0:\tShould have applied the new fork's transfer, carol %d.", failed, got)
			} else {
				t.Logf("\t%s\tTest 0:\tShould have applied the new fork's transfer.", success)
			}

			if !h.st.IsKnownBlock(a1.ID()) {
				t.Errorf("\t%s\tTest 0:\tShould keep the abandoned block in the fork database.", failed)
			} else {
				t.Logf("\t%s\tTest 0:\tShould keep the abandoned block in the fork database.", success)
			}
		}
	}
}

func Test_FailedForkSwitchRecovery(t *testing.T) {
	t.Log("Given the need to recover when a fork switch fails mid way.")
	{
		t.Logf("\tTest 0:\tWhen the competing fork contains an invalid transfer.")
		{
			keys := newKeyring(t)
			h := newHarness(t, keys, map[string]map[string]int64{
				"alice": {"CORE": 100},
			}, nil)

			h0 := h.makeBlock(types.BlockID{}, genesisTime+blockInterval)
			h.push(h0)

			x1 := h.makeBlock(h0.ID(), genesisTime+2*blockInterval, h.transfer("alice", carol, 50))
			h.push(x1)

			// The bad fork: y1 spends more than alice holds.
			y1 := h.makeBlock(h0.ID(), genesisTime+3*blockInterval, h.transfer("alice", dave, 200))
			if switched := h.push(y1); switched {
				t.Fatalf("\t%s\tTest 0:\tShould not switch on the equal height block.", failed)
			}

			y2 := h.makeBlock(y1.ID(), genesisTime+4*blockInterval)
			if _, err := h.st.PushBlock(y2, pushSkip); err == nil {
				t.Errorf("\t%s\tTest 0:\tShould surface the fork switch failure.", failed)
			} else {
				t.Logf("\t%s\tTest 0:\tShould surface the fork switch failure.", success)
			}

			if h.st.HeadBlockID() != x1.ID() {
				t.Errorf("\t%s\tTest 0:\tShould restore the original head.", failed)
			} else {
				t.Logf("\t%s\tTest 0:\tShould restore the original head.", success)
			}

			if got := h.balance(alice); got != 50 {
				t.Errorf("\t%s\tTest 0:\tShould leave alice with 50, got %d.", failed, got)
			}
			if got := h.balance(carol); got != 50 {
				t.Errorf("\t%s\tTest 0:\tShould leave carol with 50, got %d.", failed, got)
			}
			if got := h.balance(dave); got != 0 {
				t.Errorf("\t%s\tTest 0:\tShould leave dave with nothing, got %d.", failed, got)
			}
			t.Logf("\t%s\tTest 0:\tShould restore the pre-call balances.", success)

			if h.st.IsKnownBlock(y1.ID()) || h.st.IsKnownBlock(y2.ID()) {
				t.Errorf("\t%s\tTest 0:\tShould drop the bad fork from the fork database.", failed)
			} else {
				t.Logf("\t%s\tTest 0:\tShould drop the bad fork from the fork database.", success)
			}
		}
	}
}

func Test_PendingSessionRebuild(t *testing.T) {
	t.Log("Given the need to rebuild the pending pool as blocks arrive.")
	{
		t.Logf("\tTest 0:\tWhen a block includes the pending transaction.")
		{
			keys := newKeyring(t)
			h := newHarness(t, keys, map[string]map[string]int64{
				"alice": {"CORE": 1000},
			}, nil)

			b1 := h.makeBlock(types.BlockID{}, genesisTime+blockInterval)
			h.push(b1)

			t1 := h.transfer("alice", bob, 10)
			if _, err := h.st.PushTransaction(t1, state.SkipNothing); err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to push the transaction: %v", failed, err)
			}
			if len(h.st.PendingTransactions()) != 1 {
				t.Fatalf("\t%s\tTest 0:\tShould have one pending transaction.", failed)
			}
			if !h.st.PendingSessionActive() {
				t.Fatalf("\t%s\tTest 0:\tShould have an active pending session.", failed)
			}
			t.Logf("\t%s\tTest 0:\tShould have one pending transaction and a session.", success)

			b2 := h.makeBlock(b1.ID(), genesisTime+2*blockInterval, t1)
			h.push(b2)

			if len(h.st.PendingTransactions()) != 0 {
				t.Errorf("\t%s\tTest 0:\tShould have an empty pending pool after the block.", failed)
			} else {
				t.Logf("\t%s\tTest 0:\tShould have an empty pending pool after the block.", success)
			}
			if h.st.PendingSessionActive() {
				t.Errorf("\t%s\tTest 0:\tShould have no pending session after the block.", failed)
			} else {
				t.Logf("\t%s\tTest 0:\tShould have no pending session after the block.", success)
			}

			if got := h.balance(bob); got != 10 {
				t.Errorf("\t%s\tTest 0:\tShould have the transfer applied once, bob %d.", failed, got)
			} else {
				t.Logf("\t%s\tTest 0:\tShould have the transfer applied once.", success)
			}
		}
	}
}

func Test_PostponedTransaction(t *testing.T) {
	t.Log("Given the need to postpone transactions that overflow a block.")
	{
		t.Logf("\tTest 0:\tWhen three pending transactions fit a two transaction block.")
		{
			keys := newKeyring(t)

			// Measure the wire sizes with a throwaway chain so the real
			// genesis can pin a block size that fits exactly two.
			probe := newHarness(t, keys, map[string]map[string]int64{
				"alice": {"CORE": 1000},
			}, nil)
			sampleTx := probe.transfer("alice", bob, 10)
			txSize := sampleTx.PackSize() + 2
			emptyBlock := probe.makeBlock(types.BlockID{}, genesisTime+blockInterval)
			baseSize := emptyBlock.PackSize()

			h := newHarness(t, keys, map[string]map[string]int64{
				"alice": {"CORE": 1000},
			}, func(gen *genesis.Genesis) {
				gen.Parameters.MaximumBlockSize = uint32(baseSize + 2*txSize + txSize/2)
			})

			b1 := h.makeBlock(types.BlockID{}, genesisTime+blockInterval)
			h.push(b1)

			for i, amount := range []int64{10, 11, 12} {
				tx := h.transfer("alice", bob, amount)
				if _, err := h.st.PushTransaction(tx, state.SkipNothing); err != nil {
					t.Fatalf("\t%s\tTest 0:\tShould be able to push pending tx %d: %v", failed, i, err)
				}
			}

			when := h.st.SlotTime(h.productionSlot())
			block, err := h.st.GenerateBlock(when, 0, keys["wit1"], state.SkipNothing)
			if err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to generate a block: %v", failed, err)
			}

			if len(block.Transactions) != 2 {
				t.Errorf("\t%s\tTest 0:\tShould include two transactions, got %d.", failed, len(block.Transactions))
			} else {
				t.Logf("\t%s\tTest 0:\tShould include two transactions.", success)
			}

			if got := len(h.st.PendingTransactions()); got != 1 {
				t.Errorf("\t%s\tTest 0:\tShould keep the third transaction pending, got %d.", failed, got)
			} else {
				t.Logf("\t%s\tTest 0:\tShould keep the third transaction pending.", success)
			}
		}
	}
}

func Test_DuplicateRejection(t *testing.T) {
	t.Log("Given the need to reject transactions already applied.")
	{
		t.Logf("\tTest 0:\tWhen re-pushing a transaction from a committed block.")
		{
			keys := newKeyring(t)
			h := newHarness(t, keys, map[string]map[string]int64{
				"alice": {"CORE": 1000},
			}, nil)

			b1 := h.makeBlock(types.BlockID{}, genesisTime+blockInterval)
			h.push(b1)

			tx := h.transfer("alice", bob, 100)
			b2 := h.makeBlock(b1.ID(), genesisTime+2*blockInterval, tx)
			h.push(b2)

			if _, err := h.st.PushTransaction(tx, state.SkipNothing); !errorsIs(err, state.ErrDuplicateTransaction) {
				t.Errorf("\t%s\tTest 0:\tShould reject with the duplicate error, got %v.", failed, err)
			} else {
				t.Logf("\t%s\tTest 0:\tShould reject with the duplicate error.", success)
			}

			if got := h.balance(alice); got != 900 {
				t.Errorf("\t%s\tTest 0:\tShould leave the state unchanged, alice %d.", failed, got)
			} else {
				t.Logf("\t%s\tTest 0:\tShould leave the state unchanged.", success)
			}
		}
	}
}
