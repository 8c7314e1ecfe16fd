// Package mockmodel is a deterministic embedding.Model used in tests and
// in embedded mode when no ONNX runtime is configured. Adapted directly
// from the teacher's memory/embedder/mock package: a hash-seeded linear
// congruential generator normalized to a unit vector, so the same text
// always yields the same embedding without any model weights.
package mockmodel

import (
	"context"
	"hash/fnv"
	"math"
)

// Model is a hash-based stand-in embedder.
type Model struct {
	dimensions int
}

// New creates a mock model with the given vector width (384 if zero,
// matching all-MiniLM-L6-v2's dimensionality).
func New(dimensions int) *Model {
	if dimensions <= 0 {
		dimensions = 384
	}
	return &Model{dimensions: dimensions}
}

// Embed produces a deterministic unit vector from text's FNV-1a hash.
func (m *Model) Embed(ctx context.Context, text string) ([]float32, error) {
	h := fnv.New64a()
	h.Write([]byte(text))
	seed := h.Sum64()

	vec := make([]float32, m.dimensions)
	for i := range vec {
		seed = seed*6364136223846793005 + 1442695040888963407
		vec[i] = float32(int64(seed)) / float32(math.MaxInt64)
	}
	return normalize(vec), nil
}

// Dimensions returns the embedding vector size.
func (m *Model) Dimensions() int { return m.dimensions }

func normalize(vec []float32) []float32 {
	var norm float32
	for _, v := range vec {
		norm += v * v
	}
	if norm == 0 {
		return vec
	}
	norm = float32(math.Sqrt(float64(norm)))
	out := make([]float32, len(vec))
	for i, v := range vec {
		out[i] = v / norm
	}
	return out
}
