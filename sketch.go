package slasher

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"math/big"

	"github.com/chain/txvm/errors"
)

const (
	defaultNumCounters = 64
	defaultNumHashes   = 1
	defaultCounterSize = 2

	sketchSaltLen = 16
)

// CountingBloomSketch is a salted counting Bloom filter over transaction
// hashes. Unlike the rolling hash chain it is order-insensitive, which
// makes it suitable for commitments over sets rather than sequences.
type CountingBloomSketch struct {
	numCounters int
	numHashes   int
	counterSize int
	salt        []byte
	counters    []int64
}

// NewCountingBloomSketch returns a sketch with the default shape and a
// fresh random salt.
func NewCountingBloomSketch() *CountingBloomSketch {
	salt := make([]byte, sketchSaltLen)
	rand.Read(salt)
	return &CountingBloomSketch{
		numCounters: defaultNumCounters,
		numHashes:   defaultNumHashes,
		counterSize: defaultCounterSize,
		salt:        salt,
		counters:    make([]int64, defaultNumCounters),
	}
}

func (s *CountingBloomSketch) hash(txHash []byte, i int) int {
	h := sha256.New()
	h.Write(txHash)
	h.Write(s.salt)
	var idx [4]byte
	binary.BigEndian.PutUint32(idx[:], uint32(i))
	h.Write(idx[:])

	v := new(big.Int).SetBytes(h.Sum(nil))
	return int(v.Mod(v, big.NewInt(int64(s.numCounters))).Int64())
}

// Add records txHash in the sketch.
func (s *CountingBloomSketch) Add(txHash []byte) {
	for i := 0; i < s.numHashes; i++ {
		s.counters[s.hash(txHash, i)]++
	}
}

// Delete removes a previous Add of txHash.
func (s *CountingBloomSketch) Delete(txHash []byte) {
	for i := 0; i < s.numHashes; i++ {
		s.counters[s.hash(txHash, i)]--
	}
}

// CountNum estimates the number of recorded transactions.
func (s *CountingBloomSketch) CountNum() float64 {
	var sum int64
	for _, c := range s.counters {
		sum += c
	}
	return float64(sum) / float64(s.numHashes)
}

// Bytes serializes the sketch: each counter minus the minimum, then the
// minimum itself, then the salt. Normalizing by the minimum keeps the
// counters inside their fixed width as the sketch accumulates.
func (s *CountingBloomSketch) Bytes() []byte {
	min := s.counters[0]
	for _, c := range s.counters[1:] {
		if c < min {
			min = c
		}
	}

	out := make([]byte, 0, (s.numCounters+1)*s.counterSize+len(s.salt))
	var buf [8]byte
	for _, c := range s.counters {
		binary.BigEndian.PutUint64(buf[:], uint64(c-min))
		out = append(out, buf[8-s.counterSize:]...)
	}
	binary.BigEndian.PutUint64(buf[:], uint64(min))
	out = append(out, buf[8-s.counterSize:]...)
	out = append(out, s.salt...)
	return out
}

// SketchFromBytes reconstructs a default-shape sketch from its
// serialized form.
func SketchFromBytes(state []byte) (*CountingBloomSketch, error) {
	numCounters, counterSize := defaultNumCounters, defaultCounterSize
	counterBytes := numCounters * counterSize
	minEnd := counterBytes + counterSize

	if len(state) < minEnd {
		return nil, errors.New("state is too short to contain counters and minimum")
	}
	if len(state)-minEnd != sketchSaltLen {
		return nil, errors.Wrapf(errors.New("bad salt length"), "want %d, got %d", sketchSaltLen, len(state)-minEnd)
	}

	readCounter := func(b []byte) int64 {
		var v int64
		for _, x := range b {
			v = v<<8 | int64(x)
		}
		return v
	}

	min := readCounter(state[counterBytes:minEnd])
	s := &CountingBloomSketch{
		numCounters: numCounters,
		numHashes:   defaultNumHashes,
		counterSize: counterSize,
		salt:        append([]byte(nil), state[minEnd:]...),
		counters:    make([]int64, numCounters),
	}
	for i := 0; i < numCounters; i++ {
		s.counters[i] = readCounter(state[i*counterSize:(i+1)*counterSize]) + min
	}
	return s, nil
}
