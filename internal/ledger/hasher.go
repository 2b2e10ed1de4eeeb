package ledger

import (
	"crypto/sha256"
	"encoding/binary"
)

const GenesisHashSeed = "kipubankv3:genesis:v1"

// ChainHasher computes the hash chain over committed operations
type ChainHasher struct {
	prevHash [32]byte
}

// NewChainHasher initializes with the genesis hash
func NewChainHasher() *ChainHasher {
	return &ChainHasher{
		prevHash: GenesisHash(),
	}
}

// GenesisHash returns the chain anchor of an empty ledger
func GenesisHash() [32]byte {
	return sha256.Sum256([]byte(GenesisHashSeed))
}

// ComputeHash calculates hash[N] = SHA-256(prev_hash || sequence || op_digest)
func (h *ChainHasher) ComputeHash(sequence uint64, opDigest []byte) [32]byte {
	hasher := sha256.New()

	// Write prev_hash (32 bytes)
	hasher.Write(h.prevHash[:])

	// Write sequence (8 bytes LE)
	var seqBuf [8]byte
	binary.LittleEndian.PutUint64(seqBuf[:], sequence)
	hasher.Write(seqBuf[:])

	// Write operation digest
	hasher.Write(opDigest)

	var hash [32]byte
	copy(hash[:], hasher.Sum(nil))

	// Update prev_hash for next iteration
	h.prevHash = hash

	return hash
}

// Tip returns the current chain tip
func (h *ChainHasher) Tip() [32]byte {
	return h.prevHash
}

// SetTip resets the chain tip (used during recovery)
func (h *ChainHasher) SetTip(tip [32]byte) {
	h.prevHash = tip
}
