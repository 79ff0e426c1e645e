package types

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"sync"

	"github.com/stakeforge/blockchain/foundation/blockchain/signature"
)

// ChainID binds signatures to one specific chain so a transaction signed
// for a test network never validates on another network.
type ChainID [32]byte

// =============================================================================

// Transaction is the unsigned transaction body. The reference block fields
// implement TaPoS: they bind the transaction to a recent block on one
// specific fork and bound its replay window.
type Transaction struct {
	RefBlockNum    uint16
	RefBlockPrefix uint32
	Expiration     uint32
	Operations     []Operation
}

// Validate performs the static, stateless checks of the transaction and
// every operation it carries.
func (tx *Transaction) Validate() error {
	if len(tx.Operations) == 0 {
		return errors.New("transaction contains no operations")
	}
	if tx.Expiration == 0 {
		return errors.New("transaction expiration not set")
	}
	for i, op := range tx.Operations {
		if err := op.Validate(); err != nil {
			return fmt.Errorf("operation %d: %w", i, err)
		}
	}
	return nil
}

// RequiredAuthorities collects the accounts whose active and owner
// authorities must sign this transaction.
func (tx *Transaction) RequiredAuthorities() (active []AccountID, owner []AccountID) {
	for _, op := range tx.Operations {
		op.Authorities(&active, &owner)
	}
	return active, owner
}

func (tx *Transaction) marshalBody(enc *Encoder) {
	enc.WriteUint16(tx.RefBlockNum)
	enc.WriteUint32(tx.RefBlockPrefix)
	enc.WriteUint32(tx.Expiration)
	enc.WriteUvarint(uint64(len(tx.Operations)))
	for _, op := range tx.Operations {
		MarshalOperation(enc, op)
	}
}

func (tx *Transaction) unmarshalBody(dec *Decoder) error {
	tx.RefBlockNum = dec.ReadUint16()
	tx.RefBlockPrefix = dec.ReadUint32()
	tx.Expiration = dec.ReadUint32()
	n := dec.ReadCount()
	tx.Operations = nil
	for i := 0; i < n; i++ {
		op, err := UnmarshalOperation(dec)
		if err != nil {
			return err
		}
		tx.Operations = append(tx.Operations, op)
	}
	return dec.Err()
}

// =============================================================================

// SignedTransaction is a transaction body plus the signatures that
// authorise it. The id and the recovered signature keys are memoised so
// the precompute pool can pay their cost off the serial path.
type SignedTransaction struct {
	Transaction
	Signatures [][]byte

	idOnce   sync.Once
	id       TransactionID
	keysOnce sync.Once
	keys     []signature.PublicKey
	keysErr  error
}

// ID returns the transaction id. The id covers the body only: adding or
// removing a signature leaves it unchanged.
func (tx *SignedTransaction) ID() TransactionID {
	tx.idOnce.Do(func() {
		enc := NewEncoder()
		tx.marshalBody(enc)
		hash := signature.Hash(enc.Bytes())
		copy(tx.id[:], hash[:20])
	})
	return tx.id
}

// SigningDigest returns the digest the signatures must cover: the chain id
// followed by the transaction body.
func (tx *SignedTransaction) SigningDigest(chainID ChainID) [32]byte {
	enc := NewEncoder()
	enc.WriteRaw(chainID[:])
	tx.marshalBody(enc)
	return signature.Hash(enc.Bytes())
}

// Sign appends a signature produced by the specified private key.
func (tx *SignedTransaction) Sign(privateKey *ecdsa.PrivateKey, chainID ChainID) error {
	sig, err := signature.Sign(tx.SigningDigest(chainID), privateKey)
	if err != nil {
		return err
	}
	tx.Signatures = append(tx.Signatures, sig)
	return nil
}

// SignatureKeys recovers the public keys behind the transaction's
// signatures. The result is memoised; the precompute pool calls this on a
// worker so the serial apply path finds it ready.
func (tx *SignedTransaction) SignatureKeys(chainID ChainID) ([]signature.PublicKey, error) {
	tx.keysOnce.Do(func() {
		digest := tx.SigningDigest(chainID)
		keys := make([]signature.PublicKey, 0, len(tx.Signatures))
		for _, sig := range tx.Signatures {
			key, err := signature.RecoverPublicKey(digest, sig)
			if err != nil {
				tx.keysErr = err
				return
			}
			keys = append(keys, key)
		}
		tx.keys = keys
	})
	return tx.keys, tx.keysErr
}

// Marshal returns the full wire form including signatures.
func (tx *SignedTransaction) Marshal() []byte {
	enc := NewEncoder()
	tx.marshal(enc)
	return enc.Bytes()
}

func (tx *SignedTransaction) marshal(enc *Encoder) {
	tx.marshalBody(enc)
	enc.WriteUvarint(uint64(len(tx.Signatures)))
	for _, sig := range tx.Signatures {
		enc.WriteBytes(sig)
	}
}

func (tx *SignedTransaction) unmarshal(dec *Decoder) error {
	if err := tx.unmarshalBody(dec); err != nil {
		return err
	}
	n := dec.ReadCount()
	tx.Signatures = nil
	for i := 0; i < n; i++ {
		tx.Signatures = append(tx.Signatures, dec.ReadBytes())
	}
	return dec.Err()
}

// UnmarshalSignedTransaction decodes a signed transaction from its wire form.
func UnmarshalSignedTransaction(data []byte) (*SignedTransaction, error) {
	var tx SignedTransaction
	dec := NewDecoder(data)
	if err := tx.unmarshal(dec); err != nil {
		return nil, err
	}
	if err := dec.Finish(); err != nil {
		return nil, err
	}
	return &tx, nil
}

// PackSize returns the byte length of the wire form.
func (tx *SignedTransaction) PackSize() int {
	return len(tx.Marshal())
}

// String implements the fmt.Stringer interface for logging.
func (tx *SignedTransaction) String() string {
	return fmt.Sprintf("%s:%d ops", tx.ID(), len(tx.Operations))
}

// =============================================================================

// ProcessedTransaction is a signed transaction augmented with the results
// the evaluators produced, one per operation.
type ProcessedTransaction struct {
	*SignedTransaction
	OperationResults []OperationResult
}

// NewProcessedTransaction wraps a signed transaction with room for results.
func NewProcessedTransaction(tx *SignedTransaction) *ProcessedTransaction {
	return &ProcessedTransaction{
		SignedTransaction: tx,
		OperationResults:  make([]OperationResult, 0, len(tx.Operations)),
	}
}

// Marshal returns the wire form including the operation results. This is
// the form blocks carry and the merkle tree hashes.
func (ptx *ProcessedTransaction) Marshal() []byte {
	enc := NewEncoder()
	ptx.marshalProcessed(enc)
	return enc.Bytes()
}

func (ptx *ProcessedTransaction) marshalProcessed(enc *Encoder) {
	ptx.SignedTransaction.marshal(enc)
	enc.WriteUvarint(uint64(len(ptx.OperationResults)))
	for _, r := range ptx.OperationResults {
		r.marshal(enc)
	}
}

func (ptx *ProcessedTransaction) unmarshalProcessed(dec *Decoder) error {
	ptx.SignedTransaction = &SignedTransaction{}
	if err := ptx.SignedTransaction.unmarshal(dec); err != nil {
		return err
	}
	n := dec.ReadCount()
	ptx.OperationResults = nil
	for i := 0; i < n; i++ {
		var r OperationResult
		r.unmarshal(dec)
		ptx.OperationResults = append(ptx.OperationResults, r)
	}
	return dec.Err()
}

// PackSize returns the byte length of the processed wire form. Results can
// grow a transaction, so block assembly re-measures after applying.
func (ptx *ProcessedTransaction) PackSize() int {
	return len(ptx.Marshal())
}

// Hash implements the merkle Hashable interface. The leaf covers the
// processed form, results included, so peers agree on evaluator outcomes.
func (ptx *ProcessedTransaction) Hash() ([]byte, error) {
	hash := signature.Hash(ptx.Marshal())
	return hash[:], nil
}

// Equals implements the merkle Hashable interface.
func (ptx *ProcessedTransaction) Equals(other *ProcessedTransaction) bool {
	return ptx.ID() == other.ID()
}
