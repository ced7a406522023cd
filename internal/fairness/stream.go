package fairness

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"math"
	"strconv"
)

// Stream is the deterministic draw for one commitment. Block i is
// HMAC-SHA256(serverSeed, "clientSeed:nonce:i"); words are read from the
// blocks as big-endian uint64s. The same triple always yields the same
// stream.
type Stream struct {
	key    []byte
	prefix string
	cursor uint64
	block  []byte
	pos    int
	trace  []uint64
}

// traceLimit bounds how many raw words a stream records for proofs.
const traceLimit = 64

// NewStream starts the draw for (serverSeed, clientSeed, nonce).
func NewStream(serverSeed, clientSeed string, nonce uint64) *Stream {
	return &Stream{
		key:    []byte(serverSeed),
		prefix: clientSeed + ":" + strconv.FormatUint(nonce, 10) + ":",
	}
}

func (s *Stream) next() {
	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte(s.prefix + strconv.FormatUint(s.cursor, 10)))
	s.block = mac.Sum(nil)
	s.cursor++
	s.pos = 0
}

// Uint64 returns the next 64 raw bits.
func (s *Stream) Uint64() uint64 {
	if s.block == nil || s.pos+8 > len(s.block) {
		s.next()
	}
	v := binary.BigEndian.Uint64(s.block[s.pos:])
	s.pos += 8
	if len(s.trace) < traceLimit {
		s.trace = append(s.trace, v)
	}
	return v
}

// Float returns a uniform value in [0, 1) with 53 bits of precision.
func (s *Stream) Float() float64 {
	return float64(s.Uint64()>>11) / (1 << 53)
}

// Intn returns a uniform value in [0, n). Words from the biased tail are
// rejected so every value is equally likely.
func (s *Stream) Intn(n int) int {
	if n <= 0 {
		panic("fairness: Intn with non-positive n")
	}
	bound := uint64(n)
	limit := math.MaxUint64 - math.MaxUint64%bound
	for {
		v := s.Uint64()
		if v < limit {
			return int(v % bound)
		}
	}
}

// Permutation returns a Fisher-Yates shuffle of 0..n-1.
func (s *Stream) Permutation(n int) []int {
	p := make([]int, n)
	for i := range p {
		p[i] = i
	}
	for i := n - 1; i > 0; i-- {
		j := s.Intn(i + 1)
		p[i], p[j] = p[j], p[i]
	}
	return p
}

// Trace returns the raw words drawn so far, up to a fixed limit.
func (s *Stream) Trace() []uint64 {
	out := make([]uint64, len(s.trace))
	copy(out, s.trace)
	return out
}
