package vectorstore

import (
	"cmp"
	"context"
	"errors"
	"math"
	"slices"

	"docqa/internal/domain"
)

var (
	// ErrLengthMismatch means chunks, vectors and metadata differ in length.
	ErrLengthMismatch = errors.New("chunks, vectors and metadata length mismatch")
	// ErrDimensionMismatch means a vector disagrees with the index dimension.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
	// ErrZeroVector means a vector cannot be normalized.
	ErrZeroVector = errors.New("zero vector cannot be normalized")
)

// Index stores unit-normalized vectors with their chunks and answers
// cosine similarity queries. Implementations must agree with the brute-force
// memory index on results and ordering.
type Index interface {
	// Add stores all entries or none. metadata may be nil.
	Add(ctx context.Context, chunks []domain.Chunk, vectors [][]float64, metadata []map[string]any) error
	// Search returns at most topK results with score >= minScore, ordered by
	// score descending and then by entry ID ascending.
	Search(ctx context.Context, query []float64, topK int, minScore float64) ([]domain.RetrievalResult, error)
	Clear(ctx context.Context) error
	Size() int
	// Dimension is 0 until fixed by construction or the first Add.
	Dimension() int
}

// CheckBatch validates an Add batch against dim (0 means not yet fixed) and
// returns the dimension the batch establishes.
func CheckBatch(dim int, chunks []domain.Chunk, vectors [][]float64, metadata []map[string]any) (int, error) {
	if len(chunks) != len(vectors) || (metadata != nil && len(metadata) != len(chunks)) {
		return 0, ErrLengthMismatch
	}
	for _, v := range vectors {
		if dim == 0 {
			dim = len(v)
		}
		if len(v) != dim || dim == 0 {
			return 0, ErrDimensionMismatch
		}
	}
	return dim, nil
}

// Normalize returns a unit-length copy of v.
func Normalize(v []float64) ([]float64, error) {
	var sum float64
	for _, x := range v {
		sum += x * x
	}
	n := math.Sqrt(sum)
	if n == 0 || math.IsNaN(n) || math.IsInf(n, 0) {
		return nil, ErrZeroVector
	}
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = x / n
	}
	return out, nil
}

// Rank sorts results by score descending with ties by entry ID, truncates to
// topK and assigns 1-based ranks.
func Rank(results []domain.RetrievalResult, topK int) []domain.RetrievalResult {
	slices.SortStableFunc(results, func(a, b domain.RetrievalResult) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		return cmp.Compare(a.EntryID, b.EntryID)
	})
	if len(results) > topK {
		results = results[:topK]
	}
	for i := range results {
		results[i].Rank = i + 1
	}
	return results
}
