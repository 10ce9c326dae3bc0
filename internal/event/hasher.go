package event

import (
	"crypto/sha256"
	"encoding/binary"
)

const GenesisHashSeed = "percolator:genesis:v1"

// ChainHasher computes the hash chain over the outbound event log
type ChainHasher struct {
	prevHash [32]byte
}

// NewChainHasher initializes with genesis hash
func NewChainHasher() *ChainHasher {
	genesis := sha256.Sum256([]byte(GenesisHashSeed))
	return &ChainHasher{
		prevHash: genesis,
	}
}

// ComputeHash calculates state_hash[N] = SHA-256(prev_hash || sequence || payload)
func (h *ChainHasher) ComputeHash(sequence int64, payload []byte) [32]byte {
	hasher := sha256.New()

	hasher.Write(h.prevHash[:])

	var seqBuf [8]byte
	binary.LittleEndian.PutUint64(seqBuf[:], uint64(sequence))
	hasher.Write(seqBuf[:])

	hasher.Write(payload)

	var hash [32]byte
	copy(hash[:], hasher.Sum(nil))

	h.prevHash = hash

	return hash
}

// PrevHash returns the current chain tip
func (h *ChainHasher) PrevHash() [32]byte {
	return h.prevHash
}

// Restore sets the chain tip, used when resuming from a persisted log.
func (h *ChainHasher) Restore(prevHash [32]byte) {
	h.prevHash = prevHash
}
