package slasher

import (
	"crypto/sha256"
	"encoding/binary"

	"github.com/chain/txvm/errors"
)

// RollingHashAccumulator chains transaction hashes with their global
// indices into a single digest:
//
//	H_new = SHA256(H_prev || index || txhash)
//
// where index is the 1-based global position encoded as 4 big-endian
// bytes. Deletion recomputes the chain from the initial state, so
// appended hashes are retained.
type RollingHashAccumulator struct {
	initialState []byte
	initialCount int64
	state        []byte
	txHashes     [][]byte
}

// NewRollingHashAccumulator starts a chain from initialState, with
// global indices shifted by initialCount. A nil initialState means 32
// zero bytes.
func NewRollingHashAccumulator(initialState []byte, initialCount int64) *RollingHashAccumulator {
	if initialState == nil {
		initialState = make([]byte, sha256.Size)
	}
	return &RollingHashAccumulator{
		initialState: initialState,
		initialCount: initialCount,
		state:        initialState,
	}
}

func chainStep(state []byte, index int64, txHash []byte) []byte {
	h := sha256.New()
	h.Write(state)
	var idx [4]byte
	binary.BigEndian.PutUint32(idx[:], uint32(index))
	h.Write(idx[:])
	h.Write(txHash)
	return h.Sum(nil)
}

// AddTransaction appends txHash and returns its global index.
func (a *RollingHashAccumulator) AddTransaction(txHash []byte) int64 {
	index := a.initialCount + int64(len(a.txHashes)) + 1
	a.txHashes = append(a.txHashes, txHash)
	a.state = chainStep(a.state, index, txHash)
	return index
}

// ErrIndexOutOfRange means the global index does not name an appended
// transaction of this accumulator.
var ErrIndexOutOfRange = errors.New("transaction global index out of range")

// DeleteTransaction removes the transaction at globalIndex and
// recomputes the state over the remaining hashes.
func (a *RollingHashAccumulator) DeleteTransaction(globalIndex int64) error {
	local := globalIndex - a.initialCount - 1
	if local < 0 || local >= int64(len(a.txHashes)) {
		return ErrIndexOutOfRange
	}
	a.txHashes = append(a.txHashes[:local], a.txHashes[local+1:]...)
	a.state = a.initialState
	for i, txHash := range a.txHashes {
		a.state = chainStep(a.state, a.initialCount+int64(i)+1, txHash)
	}
	return nil
}

// Bytes returns the current chain state.
func (a *RollingHashAccumulator) Bytes() []byte {
	return a.state
}

// TotalCount is the global index of the last appended transaction.
func (a *RollingHashAccumulator) TotalCount() int64 {
	return a.initialCount + int64(len(a.txHashes))
}
