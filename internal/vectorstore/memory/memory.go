package memory

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"maps"
	"slices"
	"sync"

	"docqa/internal/blobstore"
	"docqa/internal/domain"
	"docqa/internal/vectorstore"
)

// Index is an in-memory vector index using brute-force cosine similarity.
// It is the reference implementation of vectorstore.Index.
type Index struct {
	mu        sync.RWMutex
	dimension int
	nextID    uint64
	entries   []domain.IndexedEntry
}

var _ vectorstore.Index = (*Index)(nil)

// New returns an empty index. A zero dimension is fixed by the first Add.
func New(dimension int) *Index {
	if dimension < 0 {
		dimension = 0
	}
	return &Index{dimension: dimension, nextID: 1}
}

func (s *Index) Add(ctx context.Context, chunks []domain.Chunk, vectors [][]float64, metadata []map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	dim, err := vectorstore.CheckBatch(s.dimension, chunks, vectors, metadata)
	if err != nil {
		return err
	}
	staged := make([]domain.IndexedEntry, len(chunks))
	for i, v := range vectors {
		unit, err := vectorstore.Normalize(v)
		if err != nil {
			return fmt.Errorf("entry %d: %w", i, err)
		}
		var md map[string]any
		if metadata != nil {
			md = maps.Clone(metadata[i])
		}
		staged[i] = domain.IndexedEntry{
			ID:       s.nextID + uint64(i),
			Chunk:    chunks[i],
			Vector:   unit,
			Metadata: md,
		}
	}
	if len(staged) == 0 {
		return nil
	}
	s.dimension = dim
	s.nextID += uint64(len(staged))
	s.entries = append(s.entries, staged...)
	return nil
}

func (s *Index) Search(ctx context.Context, query []float64, topK int, minScore float64) ([]domain.RetrievalResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if topK <= 0 || len(s.entries) == 0 {
		return nil, nil
	}
	if len(query) != s.dimension {
		return nil, fmt.Errorf("%w: query has %d, index has %d", vectorstore.ErrDimensionMismatch, len(query), s.dimension)
	}
	q, err := vectorstore.Normalize(query)
	if err != nil {
		// A zero query is similar to nothing.
		return nil, nil
	}
	var results []domain.RetrievalResult
	for _, e := range s.entries {
		score := dot(e.Vector, q)
		if score < minScore {
			continue
		}
		results = append(results, domain.RetrievalResult{
			Chunk:    e.Chunk,
			Score:    score,
			EntryID:  e.ID,
			Metadata: maps.Clone(e.Metadata),
		})
	}
	return vectorstore.Rank(results, topK), nil
}

// Clear drops every entry. Entry IDs keep increasing afterwards.
func (s *Index) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = nil
	return nil
}

func (s *Index) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *Index) Dimension() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dimension
}

// Entries returns a copy of the stored entries in insertion order.
func (s *Index) Entries() []domain.IndexedEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.IndexedEntry, len(s.entries))
	for i, e := range s.entries {
		e.Vector = slices.Clone(e.Vector)
		e.Metadata = maps.Clone(e.Metadata)
		out[i] = e
	}
	return out
}

type snapshot struct {
	Dimension int
	NextID    uint64
	Entries   []domain.IndexedEntry
}

// Save writes a gob snapshot of the index to store under key.
func (s *Index) Save(ctx context.Context, store blobstore.Store, key string) error {
	s.mu.RLock()
	snap := snapshot{Dimension: s.dimension, NextID: s.nextID, Entries: s.entries}
	var buf bytes.Buffer
	err := gob.NewEncoder(&buf).Encode(snap)
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("encode index snapshot: %w", err)
	}
	return store.Put(ctx, key, buf.Bytes())
}

// Load replaces the index contents with the snapshot stored under key.
func (s *Index) Load(ctx context.Context, store blobstore.Store, key string) error {
	data, err := store.Get(ctx, key)
	if err != nil {
		return err
	}
	var snap snapshot
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&snap); err != nil {
		return fmt.Errorf("decode index snapshot: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dimension != 0 && snap.Dimension != 0 && snap.Dimension != s.dimension {
		return fmt.Errorf("%w: snapshot has %d, index has %d", vectorstore.ErrDimensionMismatch, snap.Dimension, s.dimension)
	}
	for _, e := range snap.Entries {
		if len(e.Vector) != snap.Dimension {
			return fmt.Errorf("%w: snapshot entry %d", vectorstore.ErrDimensionMismatch, e.ID)
		}
	}
	if snap.Dimension != 0 {
		s.dimension = snap.Dimension
	}
	s.entries = snap.Entries
	s.nextID = max(snap.NextID, 1)
	return nil
}

func dot(a, b []float64) float64 {
	sum := 0.0
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}
