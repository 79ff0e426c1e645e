// Package signature provides helper functions for the hashing and signing
// needs of the chain database.
package signature

import (
	"crypto/ecdsa"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
)

// ZeroHash represents a hash code of zeros.
const ZeroHash string = "0x0000000000000000000000000000000000000000000000000000000000000000"

// SignatureLength is the byte length of a recoverable signature in the
// [R || S || V] format.
const SignatureLength = crypto.SignatureLength

// =============================================================================

// PublicKey is a compressed secp256k1 public key. It is the identity used
// inside authorities and witness records.
type PublicKey [33]byte

// PublicKeyFromECDSA compresses an ecdsa public key into its wire form.
func PublicKeyFromECDSA(pk *ecdsa.PublicKey) PublicKey {
	var key PublicKey
	copy(key[:], crypto.CompressPubkey(pk))
	return key
}

// ToECDSA expands the compressed key back into an ecdsa public key.
func (k PublicKey) ToECDSA() (*ecdsa.PublicKey, error) {
	return crypto.DecompressPubkey(k[:])
}

// IsZero reports whether the key carries no value.
func (k PublicKey) IsZero() bool {
	return k == PublicKey{}
}

// String implements the fmt.Stringer interface for logging.
func (k PublicKey) String() string {
	return fmt.Sprintf("%#x", k[:])
}

// =============================================================================

// Hash returns the keccak256 hash of the specified data.
func Hash(data []byte) [32]byte {
	var hash [32]byte
	copy(hash[:], crypto.Keccak256(data))
	return hash
}

// Sign uses the specified private key to sign the digest, producing a
// 65 byte recoverable signature in the [R || S || V] format.
func Sign(digest [32]byte, privateKey *ecdsa.PrivateKey) ([]byte, error) {
	sig, err := crypto.Sign(digest[:], privateKey)
	if err != nil {
		return nil, err
	}

	// Check the public key extracted from the digest and the signature.
	publicKey, err := crypto.SigToPub(digest[:], sig)
	if err != nil {
		return nil, err
	}

	rs := sig[:crypto.RecoveryIDOffset]
	if !crypto.VerifySignature(crypto.FromECDSAPub(publicKey), digest[:], rs) {
		return nil, errors.New("invalid signature")
	}

	return sig, nil
}

// RecoverPublicKey extracts the compressed public key that produced the
// specified signature over the digest.
func RecoverPublicKey(digest [32]byte, sig []byte) (PublicKey, error) {
	if len(sig) != crypto.SignatureLength {
		return PublicKey{}, fmt.Errorf("signature must be %d bytes, got %d", crypto.SignatureLength, len(sig))
	}

	publicKey, err := crypto.SigToPub(digest[:], sig)
	if err != nil {
		return PublicKey{}, err
	}

	return PublicKeyFromECDSA(publicKey), nil
}

// Verify checks the signature was produced over the digest by the private
// key behind the specified public key.
func Verify(digest [32]byte, sig []byte, key PublicKey) bool {
	recovered, err := RecoverPublicKey(digest, sig)
	if err != nil {
		return false
	}

	return recovered == key
}
