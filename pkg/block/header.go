package block

import (
	"encoding/binary"
	"encoding/json"

	"github.com/ferrite-chain/ferrite/pkg/crypto"
	"github.com/ferrite-chain/ferrite/pkg/types"
)

// Header contains block metadata.
type Header struct {
	Version    uint32     `json:"version"`
	PrevHash   types.Hash `json:"prev_hash"`
	MerkleRoot types.Hash `json:"merkle_root"`
	Timestamp  uint64     `json:"timestamp"`
	Height     uint64     `json:"height"`
	Bits       uint32     `json:"bits"` // compact target encoding, see CompactToBig/BigToCompact
	Nonce      uint64     `json:"nonce"`
}

// headerJSON is the JSON representation of Header.
type headerJSON struct {
	Version    uint32     `json:"version"`
	PrevHash   types.Hash `json:"prev_hash"`
	MerkleRoot types.Hash `json:"merkle_root"`
	Timestamp  uint64     `json:"timestamp"`
	Height     uint64     `json:"height"`
	Bits       uint32     `json:"bits"`
	Nonce      uint64     `json:"nonce"`
}

// MarshalJSON encodes the header.
func (h *Header) MarshalJSON() ([]byte, error) {
	return json.Marshal(headerJSON{
		Version:    h.Version,
		PrevHash:   h.PrevHash,
		MerkleRoot: h.MerkleRoot,
		Timestamp:  h.Timestamp,
		Height:     h.Height,
		Bits:       h.Bits,
		Nonce:      h.Nonce,
	})
}

// UnmarshalJSON decodes a header.
func (h *Header) UnmarshalJSON(data []byte) error {
	var j headerJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	h.Version = j.Version
	h.PrevHash = j.PrevHash
	h.MerkleRoot = j.MerkleRoot
	h.Timestamp = j.Timestamp
	h.Height = j.Height
	h.Bits = j.Bits
	h.Nonce = j.Nonce
	return nil
}

// Hash computes the block header hash: double SHA-256 over the canonical
// signing bytes, including the nonce.
func (h *Header) Hash() types.Hash {
	return crypto.DoubleHash(h.SigningBytes())
}

// SigningBytes returns the canonical big-endian byte encoding of the header
// used both for hashing and for proof-of-work search.
// Format: version(4) | prev_hash(32) | merkle_root(32) | timestamp(8) | height(8) | bits(4) | nonce(8)
func (h *Header) SigningBytes() []byte {
	buf := make([]byte, 0, 96)
	buf = binary.BigEndian.AppendUint32(buf, h.Version)
	buf = append(buf, h.PrevHash[:]...)
	buf = append(buf, h.MerkleRoot[:]...)
	buf = binary.BigEndian.AppendUint64(buf, h.Timestamp)
	buf = binary.BigEndian.AppendUint64(buf, h.Height)
	buf = binary.BigEndian.AppendUint32(buf, h.Bits)
	buf = binary.BigEndian.AppendUint64(buf, h.Nonce)
	return buf
}
