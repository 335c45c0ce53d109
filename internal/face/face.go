// Package face defines the face-embedding capability the attendance flows
// depend on, plus the default distance matcher.
package face

import (
	"context"
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
)

// DefaultTolerance is the euclidean distance at or below which two
// embeddings are considered the same person.
const DefaultTolerance = 0.6

// Encoding is a fixed-length face embedding.
type Encoding []float64

// Embedder extracts zero or more face embeddings from an encoded image,
// in detection order.
type Embedder interface {
	Embed(ctx context.Context, image []byte) ([]Encoding, error)
}

// Matcher decides whether two embeddings belong to the same person.
type Matcher interface {
	Match(known, candidate Encoding) bool
}

// EuclideanMatcher matches embeddings whose distance is within Tolerance.
type EuclideanMatcher struct {
	Tolerance float64
}

// NewMatcher returns a matcher using DefaultTolerance.
func NewMatcher() EuclideanMatcher {
	return EuclideanMatcher{Tolerance: DefaultTolerance}
}

// Match implements Matcher. Embeddings of different length never match.
func (m EuclideanMatcher) Match(known, candidate Encoding) bool {
	if len(known) == 0 || len(known) != len(candidate) {
		return false
	}
	return Distance(known, candidate) <= m.Tolerance
}

// Distance returns the euclidean distance between a and b. It panics if the
// lengths differ.
func Distance(a, b Encoding) float64 {
	if len(a) != len(b) {
		panic("face: distance between encodings of different length")
	}
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}

// Bytes serialises the encoding as little-endian float64 values.
func (e Encoding) Bytes() []byte {
	buf := make([]byte, 8*len(e))
	for i, v := range e {
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(v))
	}
	return buf
}

// Decode is the inverse of Encoding.Bytes.
func Decode(b []byte) (Encoding, error) {
	if len(b)%8 != 0 {
		return nil, errors.Errorf("face: encoding blob has %d bytes, not a multiple of 8", len(b))
	}
	out := make(Encoding, len(b)/8)
	for i := range out {
		out[i] = math.Float64frombits(binary.LittleEndian.Uint64(b[i*8:]))
	}
	return out, nil
}
