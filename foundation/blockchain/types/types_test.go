package types_test

import (
	"bytes"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/stakeforge/blockchain/foundation/blockchain/types"
)

// Success and failure markers.
const (
	success = "✓"
	failed  = "✗"
)

// =============================================================================

func sampleTransaction(t *testing.T) *types.SignedTransaction {
	t.Helper()

	return &types.SignedTransaction{
		Transaction: types.Transaction{
			RefBlockNum:    7,
			RefBlockPrefix: 0xdeadbeef,
			Expiration:     1700000100,
			Operations: []types.Operation{
				&types.TransferOperation{
					Fee:    types.AssetAmount{Amount: 1},
					From:   1,
					To:     2,
					Amount: types.AssetAmount{Amount: 100},
				},
				&types.LimitOrderCreateOperation{
					Fee:          types.AssetAmount{Amount: 1},
					Seller:       1,
					AmountToSell: types.AssetAmount{Amount: 500},
					MinToReceive: types.AssetAmount{Amount: 20, AssetID: 1},
					Expiration:   1700003600,
				},
			},
		},
	}
}

func Test_TransactionRoundTrip(t *testing.T) {
	t.Log("Given the need to round-trip transactions through the wire codec.")
	{
		t.Logf("\tTest 0:\tWhen encoding a signed transaction.")
		{
			tx := sampleTransaction(t)

			privateKey, err := crypto.GenerateKey()
			if err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to generate a key: %v", failed, err)
			}
			if err := tx.Sign(privateKey, types.ChainID{1}); err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to sign the transaction: %v", failed, err)
			}
			t.Logf("\t%s\tTest 0:\tShould be able to sign the transaction.", success)

			data := tx.Marshal()
			decoded, err := types.UnmarshalSignedTransaction(data)
			if err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to decode the wire form: %v", failed, err)
			}
			t.Logf("\t%s\tTest 0:\tShould be able to decode the wire form.", success)

			if !bytes.Equal(decoded.Marshal(), data) {
				t.Errorf("\t%s\tTest 0:\tShould re-encode to identical bytes.", failed)
			} else {
				t.Logf("\t%s\tTest 0:\tShould re-encode to identical bytes.", success)
			}

			if decoded.ID() != tx.ID() {
				t.Errorf("\t%s\tTest 0:\tShould preserve the transaction id.", failed)
			} else {
				t.Logf("\t%s\tTest 0:\tShould preserve the transaction id.", success)
			}
		}
	}
}

func Test_TransactionIDIgnoresSignatures(t *testing.T) {
	t.Log("Given the need to prove the transaction id covers the body only.")
	{
		t.Logf("\tTest 0:\tWhen signing the same body twice.")
		{
			unsigned := sampleTransaction(t)
			signed := sampleTransaction(t)

			privateKey, err := crypto.GenerateKey()
			if err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to generate a key: %v", failed, err)
			}
			if err := signed.Sign(privateKey, types.ChainID{}); err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to sign the transaction: %v", failed, err)
			}

			if unsigned.ID() != signed.ID() {
				t.Errorf("\t%s\tTest 0:\tShould have the same id with and without signatures.", failed)
			} else {
				t.Logf("\t%s\tTest 0:\tShould have the same id with and without signatures.", success)
			}
		}
	}
}

func Test_BlockRoundTrip(t *testing.T) {
	t.Log("Given the need to round-trip blocks through the wire codec.")
	{
		t.Logf("\tTest 0:\tWhen encoding a signed block with transactions.")
		{
			tx := sampleTransaction(t)
			privateKey, err := crypto.GenerateKey()
			if err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to generate a key: %v", failed, err)
			}
			if err := tx.Sign(privateKey, types.ChainID{}); err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to sign the transaction: %v", failed, err)
			}

			ptx := types.NewProcessedTransaction(tx)
			ptx.OperationResults = append(ptx.OperationResults, types.OperationResult{}, types.ObjectResult(42))

			var prev types.BlockID
			block := types.Block{
				BlockHeader: types.BlockHeader{
					Previous:  prev,
					Timestamp: 1700000000,
					Witness:   3,
				},
				Transactions: []*types.ProcessedTransaction{ptx},
			}

			root, err := block.CalculateMerkleRoot()
			if err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to compute the merkle root: %v", failed, err)
			}
			block.TransactionMerkleRoot = root

			if err := block.Sign(privateKey, types.ChainID{}); err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to sign the block: %v", failed, err)
			}

			data := block.Marshal()
			decoded, err := types.UnmarshalBlock(data)
			if err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to decode the wire form: %v", failed, err)
			}
			t.Logf("\t%s\tTest 0:\tShould be able to decode the wire form.", success)

			if !bytes.Equal(decoded.Marshal(), data) {
				t.Errorf("\t%s\tTest 0:\tShould re-encode to identical bytes.", failed)
			} else {
				t.Logf("\t%s\tTest 0:\tShould re-encode to identical bytes.", success)
			}

			if decoded.ID() != block.ID() {
				t.Errorf("\t%s\tTest 0:\tShould preserve the block id.", failed)
			} else {
				t.Logf("\t%s\tTest 0:\tShould preserve the block id.", success)
			}

			if decoded.BlockNum() != 1 {
				t.Errorf("\t%s\tTest 0:\tShould derive block number 1 from a zero previous id, got %d.", failed, decoded.BlockNum())
			} else {
				t.Logf("\t%s\tTest 0:\tShould derive block number 1 from a zero previous id.", success)
			}
		}
	}
}

func Test_BlockIDEmbedsNumber(t *testing.T) {
	t.Log("Given the need for block ids to sort by height.")
	{
		t.Logf("\tTest 0:\tWhen deriving an id from a header hash.")
		{
			hash := [32]byte{0xaa, 0xbb, 0xcc, 0xdd, 0x11, 0x22, 0x33, 0x44}
			id := types.NewBlockID(hash, 0x01020304)

			if id.Num() != 0x01020304 {
				t.Errorf("\t%s\tTest 0:\tShould read the embedded number back, got %#x.", failed, id.Num())
			} else {
				t.Logf("\t%s\tTest 0:\tShould read the embedded number back.", success)
			}

			if id[4] != 0x11 || id[5] != 0x22 {
				t.Errorf("\t%s\tTest 0:\tShould keep hash bytes past the number.", failed)
			} else {
				t.Logf("\t%s\tTest 0:\tShould keep hash bytes past the number.", success)
			}
		}
	}
}

func Test_SignatureKeysRecovery(t *testing.T) {
	t.Log("Given the need to recover signing keys from a transaction.")
	{
		t.Logf("\tTest 0:\tWhen recovering the key that signed.")
		{
			tx := sampleTransaction(t)
			privateKey, err := crypto.GenerateKey()
			if err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to generate a key: %v", failed, err)
			}

			chainID := types.ChainID{9}
			if err := tx.Sign(privateKey, chainID); err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to sign the transaction: %v", failed, err)
			}

			keys, err := tx.SignatureKeys(chainID)
			if err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to recover keys: %v", failed, err)
			}
			if len(keys) != 1 {
				t.Fatalf("\t%s\tTest 0:\tShould recover exactly one key, got %d.", failed, len(keys))
			}
			t.Logf("\t%s\tTest 0:\tShould recover exactly one key.", success)
		}
	}
}
