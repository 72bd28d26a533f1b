package hashing

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"

	"docqa/internal/textutil"
)

// DefaultDimension is used when no dimension is configured.
const DefaultDimension = 384

// Embedder is a local, deterministic embedding model. Content words are
// hashed into a fixed number of signed buckets with sublinear term
// frequency, and the result is L2-normalized.
type Embedder struct {
	dimension int
}

// NewEmbedder creates a hashing embedder with the given dimension.
func NewEmbedder(dimension int) *Embedder {
	if dimension <= 0 {
		dimension = DefaultDimension
	}
	return &Embedder{dimension: dimension}
}

// Name returns the identifier of this embedder implementation.
func (e *Embedder) Name() string { return fmt.Sprintf("hashing-v1-%d", e.dimension) }

// Dimension returns the dimensionality of the produced embedding vectors.
func (e *Embedder) Dimension() int { return e.dimension }

// Embed computes one vector per text.
func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	out := make([][]float64, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = e.vector(text)
	}
	return out, nil
}

func (e *Embedder) vector(text string) []float64 {
	tokens := textutil.ContentWords(text)
	if len(tokens) == 0 {
		tokens = textutil.Words(text)
	}
	if len(tokens) == 0 {
		// Punctuation-only or empty input still maps to a unit vector.
		tokens = []string{strings.TrimSpace(text)}
	}
	tf := make(map[string]int, len(tokens))
	for _, tok := range tokens {
		tf[tok]++
	}
	vec := make([]float64, e.dimension)
	for tok, count := range tf {
		idx, sign := e.bucket(tok)
		vec[idx] += sign * (1 + math.Log(float64(count)))
	}
	norm := 0.0
	for _, v := range vec {
		norm += v * v
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		// Colliding opposite signs cancelled out; fall back to the first token's bucket.
		idx, _ := e.bucket(tokens[0])
		vec[idx] = 1
		return vec
	}
	for i := range vec {
		vec[i] /= norm
	}
	return vec
}

func (e *Embedder) bucket(token string) (int, float64) {
	h := fnv.New64a()
	_, _ = h.Write([]byte(token))
	sum := h.Sum64()
	sign := 1.0
	if sum>>63 == 1 {
		sign = -1.0
	}
	return int(sum % uint64(e.dimension)), sign
}
