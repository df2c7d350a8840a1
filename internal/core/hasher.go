package core

import (
	"crypto/sha256"
	"encoding/binary"
)

const GenesisHashSeed = "PowerPerp:genesis:v1"

// StateHasher chains state hashes across committed events
type StateHasher struct {
	prevHash [32]byte
}

// NewStateHasher initializes with genesis hash
func NewStateHasher() *StateHasher {
	return &StateHasher{prevHash: sha256.Sum256([]byte(GenesisHashSeed))}
}

// Next computes state_hash[N] = SHA-256(prev_hash || sequence || digest) and
// returns it together with the hash it chained from.
func (h *StateHasher) Next(sequence int64, digest []byte) (hash, prev [32]byte) {
	hasher := sha256.New()
	hasher.Write(h.prevHash[:])

	var seqBuf [8]byte
	binary.LittleEndian.PutUint64(seqBuf[:], uint64(sequence))
	hasher.Write(seqBuf[:])
	hasher.Write(digest)

	prev = h.prevHash
	copy(hash[:], hasher.Sum(nil))
	h.prevHash = hash
	return hash, prev
}

// Tip returns the current chain tip
func (h *StateHasher) Tip() [32]byte {
	return h.prevHash
}

// SetTip resumes the chain after a restore
func (h *StateHasher) SetTip(tip [32]byte) {
	h.prevHash = tip
}
