// Package types defines the protocol level data model for the chain
// database: blocks, transactions, the closed operation set, and their
// binary wire format.
package types

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/stakeforge/blockchain/foundation/blockchain/signature"
)

// AccountID identifies an account object by its 64-bit instance id.
type AccountID uint64

// AssetID identifies an asset object by its 64-bit instance id.
type AssetID uint64

// WitnessID identifies a witness object by its 64-bit instance id.
type WitnessID uint64

// OrderID identifies a limit order object by its 64-bit instance id.
type OrderID uint64

// ProposalID identifies a proposal object by its 64-bit instance id.
type ProposalID uint64

// =============================================================================

// BlockID is the 20 byte block identifier. The leading 4 bytes carry the
// big-endian block number so ids sort by height and embed it.
type BlockID [20]byte

// NewBlockID builds the id from a header hash and the block's number.
func NewBlockID(headerHash [32]byte, blockNum uint32) BlockID {
	var id BlockID
	copy(id[:], headerHash[:20])
	binary.BigEndian.PutUint32(id[:4], blockNum)
	return id
}

// Num extracts the block number embedded in the id.
func (id BlockID) Num() uint32 {
	return binary.BigEndian.Uint32(id[:4])
}

// TaposPrefix returns the 32-bit slice of the id that transactions embed
// as their reference block prefix. It sits past the embedded number so it
// still carries hash entropy.
func (id BlockID) TaposPrefix() uint32 {
	return binary.LittleEndian.Uint32(id[4:8])
}

// IsZero reports whether the id carries no value.
func (id BlockID) IsZero() bool {
	return id == BlockID{}
}

// String implements the fmt.Stringer interface for logging.
func (id BlockID) String() string {
	return hex.EncodeToString(id[:])
}

// =============================================================================

// TransactionID is the 20 byte transaction identifier. It covers the
// transaction body only, never the signatures.
type TransactionID [20]byte

// String implements the fmt.Stringer interface for logging.
func (id TransactionID) String() string {
	return hex.EncodeToString(id[:])
}

// =============================================================================

// AssetAmount is a quantity of a specific asset.
type AssetAmount struct {
	Amount  int64
	AssetID AssetID
}

// String implements the fmt.Stringer interface for logging.
func (a AssetAmount) String() string {
	return fmt.Sprintf("%d[asset %d]", a.Amount, a.AssetID)
}

func (a AssetAmount) marshal(enc *Encoder) {
	enc.WriteInt64(a.Amount)
	enc.WriteUvarint(uint64(a.AssetID))
}

func (a *AssetAmount) unmarshal(dec *Decoder) {
	a.Amount = dec.ReadInt64()
	a.AssetID = AssetID(dec.ReadUvarint())
}

// Price is the exchange rate between two assets expressed as a ratio.
type Price struct {
	Base  AssetAmount
	Quote AssetAmount
}

func (p Price) marshal(enc *Encoder) {
	p.Base.marshal(enc)
	p.Quote.marshal(enc)
}

func (p *Price) unmarshal(dec *Decoder) {
	p.Base.unmarshal(dec)
	p.Quote.unmarshal(dec)
}

// =============================================================================

// KeyWeight assigns a signing weight to a public key inside an authority.
type KeyWeight struct {
	Key    signature.PublicKey
	Weight uint16
}

// AccountWeight assigns a signing weight to another account inside
// an authority.
type AccountWeight struct {
	Account AccountID
	Weight  uint16
}

// Authority describes who may act for an account. The threshold must be met
// by accumulating the weights of satisfied keys and nested accounts.
type Authority struct {
	Threshold    uint32
	KeyAuths     []KeyWeight
	AccountAuths []AccountWeight
}

// Validate performs static checks on the authority structure.
func (a Authority) Validate() error {
	if a.Threshold == 0 {
		return fmt.Errorf("authority threshold must be positive")
	}

	var total uint64
	for _, kw := range a.KeyAuths {
		if kw.Key.IsZero() {
			return fmt.Errorf("authority contains zero key")
		}
		total += uint64(kw.Weight)
	}
	for _, aw := range a.AccountAuths {
		total += uint64(aw.Weight)
	}

	if total < uint64(a.Threshold) {
		return fmt.Errorf("authority is unsatisfiable, weight %d, threshold %d", total, a.Threshold)
	}

	return nil
}

func (a Authority) marshal(enc *Encoder) {
	enc.WriteUint32(a.Threshold)
	enc.WriteUvarint(uint64(len(a.KeyAuths)))
	for _, kw := range a.KeyAuths {
		enc.WriteRaw(kw.Key[:])
		enc.WriteUint16(kw.Weight)
	}
	enc.WriteUvarint(uint64(len(a.AccountAuths)))
	for _, aw := range a.AccountAuths {
		enc.WriteUvarint(uint64(aw.Account))
		enc.WriteUint16(aw.Weight)
	}
}

func (a *Authority) unmarshal(dec *Decoder) {
	a.Threshold = dec.ReadUint32()

	n := dec.ReadCount()
	a.KeyAuths = nil
	for i := 0; i < n; i++ {
		var kw KeyWeight
		copy(kw.Key[:], dec.ReadRaw(len(kw.Key)))
		kw.Weight = dec.ReadUint16()
		a.KeyAuths = append(a.KeyAuths, kw)
	}

	n = dec.ReadCount()
	a.AccountAuths = nil
	for i := 0; i < n; i++ {
		var aw AccountWeight
		aw.Account = AccountID(dec.ReadUvarint())
		aw.Weight = dec.ReadUint16()
		a.AccountAuths = append(a.AccountAuths, aw)
	}
}
