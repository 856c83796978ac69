package embedding

import (
	"context"
	"hash/fnv"
	"math"
)

// LocalProvider is an in-process embedding model (spec §4.1's "local"
// variant). It derives a deterministic pseudo-embedding from a hash of
// the input text — a stand-in for a real in-process model (e.g. an
// ONNX or llama.cpp-backed encoder) that exercises the same Provider
// contract without a network dependency, useful for tests and for
// environments with no remote embedding endpoint configured.
type LocalProvider struct {
	id  string
	dim int
}

// NewLocalProvider constructs a LocalProvider producing vectors of dim
// dimensions.
func NewLocalProvider(id string, dim int) *LocalProvider {
	return &LocalProvider{id: id, dim: dim}
}

func (p *LocalProvider) ID() string     { return p.id }
func (p *LocalProvider) Dimension() int { return p.dim }
func (p *LocalProvider) Close() error   { return nil }
func (p *LocalProvider) Health(ctx context.Context) error { return nil }

func (p *LocalProvider) Encode(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = p.vectorFor(t)
	}
	return out, nil
}

func (p *LocalProvider) EncodeSingle(ctx context.Context, text string) ([]float32, error) {
	return p.vectorFor(text), nil
}

// vectorFor derives a deterministic unit vector from text using a
// seeded hash per dimension, so identical text always yields identical
// vectors. The whole text is hashed, so texts that differ at all get
// unrelated vectors, whatever tokens they share.
func (p *LocalProvider) vectorFor(text string) []float32 {
	vec := make([]float32, p.dim)
	var norm float64
	for d := 0; d < p.dim; d++ {
		h := fnv.New64a()
		h.Write([]byte(text))
		h.Write([]byte{byte(d), byte(d >> 8)})
		v := float64(h.Sum64()%2000001)/1000000.0 - 1.0
		vec[d] = float32(v)
		norm += v * v
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		return vec
	}
	for d := range vec {
		vec[d] = float32(float64(vec[d]) / norm)
	}
	return vec
}
