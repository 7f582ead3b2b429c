// Package crypto provides cryptographic primitives for Ferrite.
package crypto

import (
	"crypto/sha256"

	"github.com/ferrite-chain/ferrite/pkg/types"
)

// Hash computes a single SHA-256 hash of the input data.
func Hash(data []byte) types.Hash {
	return sha256.Sum256(data)
}

// DoubleHash computes SHA-256(SHA-256(data)). Block hashes are always
// double-hashed to avoid length-extension attacks against a single SHA-256
// round; transaction ids use a single round (see Transaction.Hash).
func DoubleHash(data []byte) types.Hash {
	first := Hash(data)
	return Hash(first[:])
}

// AddressFromPubKey derives an address from a compressed public key.
// Address = SHA-256(compressed_pubkey)[:20].
func AddressFromPubKey(pubKey []byte) types.Address {
	h := Hash(pubKey)
	var addr types.Address
	copy(addr[:], h[:types.AddressSize])
	return addr
}

// HashConcat hashes the concatenation of two hashes.
// Used for building merkle trees.
func HashConcat(a, b types.Hash) types.Hash {
	var buf [64]byte
	copy(buf[:32], a[:])
	copy(buf[32:], b[:])
	return Hash(buf[:])
}
