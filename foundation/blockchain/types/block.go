package types

import (
	"crypto/ecdsa"
	"sync"

	"github.com/stakeforge/blockchain/foundation/blockchain/merkle"
	"github.com/stakeforge/blockchain/foundation/blockchain/signature"
)

// BlockHeader carries the information every block commits to. The block's
// number is not stored: it is the previous block's number plus one, and it
// is embedded in the block id.
type BlockHeader struct {
	Previous              BlockID
	Timestamp             uint32
	Witness               WitnessID
	TransactionMerkleRoot [32]byte
}

// BlockNum returns this block's height derived from the previous id.
func (h BlockHeader) BlockNum() uint32 {
	return h.Previous.Num() + 1
}

func (h *BlockHeader) marshal(enc *Encoder) {
	enc.WriteRaw(h.Previous[:])
	enc.WriteUint32(h.Timestamp)
	enc.WriteUvarint(uint64(h.Witness))
	enc.WriteRaw(h.TransactionMerkleRoot[:])
}

func (h *BlockHeader) unmarshal(dec *Decoder) {
	copy(h.Previous[:], dec.ReadRaw(len(h.Previous)))
	h.Timestamp = dec.ReadUint32()
	h.Witness = WitnessID(dec.ReadUvarint())
	copy(h.TransactionMerkleRoot[:], dec.ReadRaw(len(h.TransactionMerkleRoot)))
}

// =============================================================================

// Block is a signed header plus the processed transactions it carries. The
// id, the recovered signee, and the computed merkle root are memoised so
// the precompute pool can pay their cost off the serial path.
type Block struct {
	BlockHeader
	WitnessSignature []byte
	Transactions     []*ProcessedTransaction

	idOnce     sync.Once
	id         BlockID
	signeeOnce sync.Once
	signee     signature.PublicKey
	signeeErr  error
	merkleOnce sync.Once
	merkleRoot [32]byte
	merkleErr  error
}

// ID returns the block id: the first 20 bytes of the signed header hash
// with the leading 4 bytes replaced by the big-endian block number. Ids
// therefore sort by height and embed it.
func (b *Block) ID() BlockID {
	b.idOnce.Do(func() {
		enc := NewEncoder()
		b.BlockHeader.marshal(enc)
		enc.WriteBytes(b.WitnessSignature)
		b.id = NewBlockID(signature.Hash(enc.Bytes()), b.BlockNum())
	})
	return b.id
}

// SigningDigest returns the digest the witness signature must cover: the
// chain id followed by the unsigned header.
func (b *Block) SigningDigest(chainID ChainID) [32]byte {
	enc := NewEncoder()
	enc.WriteRaw(chainID[:])
	b.BlockHeader.marshal(enc)
	return signature.Hash(enc.Bytes())
}

// Sign sets the witness signature using the specified signing key.
func (b *Block) Sign(privateKey *ecdsa.PrivateKey, chainID ChainID) error {
	sig, err := signature.Sign(b.SigningDigest(chainID), privateKey)
	if err != nil {
		return err
	}
	b.WitnessSignature = sig
	return nil
}

// Signee recovers the public key that signed the block. Memoised.
func (b *Block) Signee(chainID ChainID) (signature.PublicKey, error) {
	b.signeeOnce.Do(func() {
		b.signee, b.signeeErr = signature.RecoverPublicKey(b.SigningDigest(chainID), b.WitnessSignature)
	})
	return b.signee, b.signeeErr
}

// CalculateMerkleRoot computes the merkle root over the processed
// transactions. An empty block has a zero root. Memoised.
func (b *Block) CalculateMerkleRoot() ([32]byte, error) {
	b.merkleOnce.Do(func() {
		if len(b.Transactions) == 0 {
			return
		}
		tree, err := merkle.NewTree(b.Transactions)
		if err != nil {
			b.merkleErr = err
			return
		}
		copy(b.merkleRoot[:], tree.MerkleRoot())
	})
	return b.merkleRoot, b.merkleErr
}

// Marshal returns the full wire form of the block.
func (b *Block) Marshal() []byte {
	enc := NewEncoder()
	b.BlockHeader.marshal(enc)
	enc.WriteBytes(b.WitnessSignature)
	enc.WriteUvarint(uint64(len(b.Transactions)))
	for _, ptx := range b.Transactions {
		ptx.marshalProcessed(enc)
	}
	return enc.Bytes()
}

// UnmarshalBlock decodes a block from its wire form.
func UnmarshalBlock(data []byte) (*Block, error) {
	var b Block
	dec := NewDecoder(data)
	b.BlockHeader.unmarshal(dec)
	b.WitnessSignature = dec.ReadBytes()
	n := dec.ReadCount()
	for i := 0; i < n; i++ {
		var ptx ProcessedTransaction
		if err := ptx.unmarshalProcessed(dec); err != nil {
			return nil, err
		}
		b.Transactions = append(b.Transactions, &ptx)
	}
	if err := dec.Finish(); err != nil {
		return nil, err
	}
	return &b, nil
}

// PackSize returns the byte length of the wire form.
func (b *Block) PackSize() int {
	return len(b.Marshal())
}
