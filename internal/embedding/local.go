package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
)

// Local is a deterministic feature-hashing embedder. No network, no model
// weights: each whitespace token is hashed into a bucket and the result is
// L2-normalized. Quality is far below a learned model, but identical input
// always yields an identical vector, which makes it the default for
// development and the fixture for every test that needs an embedder.
type Local struct {
	dim int
}

// NewLocal creates a local embedder producing vectors of the given width.
func NewLocal(dim int) *Local {
	if dim <= 0 {
		dim = 256
	}
	return &Local{dim: dim}
}

func (l *Local) Kind() string    { return "local" }
func (l *Local) Dimensions() int { return l.dim }

func (l *Local) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = l.embed(t)
	}
	return out, nil
}

func (l *Local) embed(text string) []float32 {
	vec := make([]float32, l.dim)
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(tok))
		sum := h.Sum32()
		bucket := int(sum % uint32(l.dim))
		// Sign bit from the hash keeps buckets from only accumulating
		// positive mass, which would bias all pairs toward similarity.
		if sum&0x80000000 != 0 {
			vec[bucket]--
		} else {
			vec[bucket]++
		}
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec
	}
	inv := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= inv
	}
	return vec
}
