package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"docqa/internal/domain"
	"docqa/internal/vectorstore"
)

// Index is a vectorstore.Index backed by a Qdrant collection over REST.
// The collection uses cosine distance and is created on first Add.
type Index struct {
	url        string
	apiKey     string
	collection string
	client     *http.Client

	mu        sync.Mutex
	dimension int
	nextID    uint64
	size      int
	ready     bool
}

var _ vectorstore.Index = (*Index)(nil)

type Config struct {
	URL        string
	APIKey     string
	Collection string
	Timeout    time.Duration
	// Dimension fixes the vector size up front; 0 defers to the first Add.
	Dimension int
}

func New(cfg Config) *Index {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &Index{
		url:        cfg.URL,
		apiKey:     cfg.APIKey,
		collection: cfg.Collection,
		client:     &http.Client{Timeout: timeout},
		dimension:  max(cfg.Dimension, 0),
		nextID:     1,
	}
}

type payload struct {
	EntryID       uint64         `json:"entry_id"`
	Source        string         `json:"source"`
	ChunkIndex    int            `json:"chunk_index"`
	Text          string         `json:"text"`
	Start         int            `json:"start"`
	End           int            `json:"end"`
	TokenEstimate int            `json:"token_estimate"`
	OverlapLen    int            `json:"overlap_len"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

type point struct {
	ID      string    `json:"id"`
	Vector  []float64 `json:"vector"`
	Payload payload   `json:"payload"`
}

// pointID derives a stable UUID for an entry so re-adding overwrites.
func (s *Index) pointID(entryID uint64) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(s.collection+"/"+strconv.FormatUint(entryID, 10))).String()
}

// Add validates and normalizes the batch before touching the server. Entry
// IDs are assigned only once the collection's stored IDs are known.
func (s *Index) Add(ctx context.Context, chunks []domain.Chunk, vectors [][]float64, metadata []map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	dim, err := vectorstore.CheckBatch(s.dimension, chunks, vectors, metadata)
	if err != nil {
		return err
	}
	if len(chunks) == 0 {
		return nil
	}
	units := make([][]float64, len(vectors))
	for i, v := range vectors {
		if units[i], err = vectorstore.Normalize(v); err != nil {
			return fmt.Errorf("entry %d: %w", i, err)
		}
	}
	if err := s.ensureCollection(ctx, dim); err != nil {
		return err
	}

	points := make([]point, len(chunks))
	for i, c := range chunks {
		id := s.nextID + uint64(i)
		p := payload{
			EntryID:       id,
			Source:        c.SourceID,
			ChunkIndex:    c.Index,
			Text:          c.Text,
			Start:         c.Start,
			End:           c.End,
			TokenEstimate: c.TokenEstimate,
			OverlapLen:    c.OverlapLen,
		}
		if metadata != nil {
			p.Metadata = metadata[i]
		}
		points[i] = point{ID: s.pointID(id), Vector: units[i], Payload: p}
	}
	body := map[string]any{"points": points}
	if _, err := s.do(ctx, http.MethodPut, s.collectionURL()+"/points?wait=true", body, nil); err != nil {
		return err
	}
	s.dimension = dim
	s.nextID += uint64(len(points))
	s.size += len(points)
	return nil
}

// Open reads an existing collection so Size and Dimension reflect what is
// stored. A missing collection is not an error.
func (s *Index) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ready {
		return nil
	}
	_, err := s.loadCollection(ctx)
	return err
}

func (s *Index) Search(ctx context.Context, query []float64, topK int, minScore float64) ([]domain.RetrievalResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if topK <= 0 {
		return nil, nil
	}
	if !s.ready {
		exists, err := s.loadCollection(ctx)
		if err != nil {
			return nil, err
		}
		if !exists {
			return nil, nil
		}
	}
	if s.dimension != 0 && len(query) != s.dimension {
		return nil, fmt.Errorf("%w: query has %d, index has %d", vectorstore.ErrDimensionMismatch, len(query), s.dimension)
	}
	q, err := vectorstore.Normalize(query)
	if err != nil {
		return nil, nil
	}
	req := map[string]any{
		"vector":          q,
		"limit":           topK,
		"score_threshold": minScore,
		"with_payload":    true,
	}
	var resp struct {
		Result []struct {
			Score   float64 `json:"score"`
			Payload payload `json:"payload"`
		} `json:"result"`
	}
	if _, err := s.do(ctx, http.MethodPost, s.collectionURL()+"/points/search", req, &resp); err != nil {
		return nil, err
	}
	results := make([]domain.RetrievalResult, 0, len(resp.Result))
	for _, r := range resp.Result {
		if r.Score < minScore {
			continue
		}
		p := r.Payload
		results = append(results, domain.RetrievalResult{
			Chunk: domain.Chunk{
				Text:          p.Text,
				SourceID:      p.Source,
				Index:         p.ChunkIndex,
				Start:         p.Start,
				End:           p.End,
				TokenEstimate: p.TokenEstimate,
				OverlapLen:    p.OverlapLen,
			},
			Score:    r.Score,
			EntryID:  p.EntryID,
			Metadata: p.Metadata,
		})
	}
	return vectorstore.Rank(results, topK), nil
}

// Clear drops the collection. It is recreated by the next Add.
func (s *Index) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	status, err := s.do(ctx, http.MethodDelete, s.collectionURL(), nil, nil)
	if err != nil && status != http.StatusNotFound {
		return err
	}
	s.ready = false
	s.size = 0
	return nil
}

func (s *Index) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

func (s *Index) Dimension() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dimension
}

func (s *Index) collectionURL() string {
	return fmt.Sprintf("%s/collections/%s", s.url, s.collection)
}

// loadCollection reads an existing collection's dimension, size and highest
// entry ID.
func (s *Index) loadCollection(ctx context.Context) (bool, error) {
	var resp struct {
		Result struct {
			Config struct {
				Params struct {
					Vectors struct {
						Size int `json:"size"`
					} `json:"vectors"`
				} `json:"params"`
			} `json:"config"`
		} `json:"result"`
	}
	status, err := s.do(ctx, http.MethodGet, s.collectionURL(), nil, &resp)
	if status == http.StatusNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	size := resp.Result.Config.Params.Vectors.Size
	if s.dimension != 0 && size != 0 && size != s.dimension {
		return false, fmt.Errorf("%w: collection %s has %d, index has %d",
			vectorstore.ErrDimensionMismatch, s.collection, size, s.dimension)
	}
	count, maxID, err := s.scanEntryIDs(ctx)
	if err != nil {
		return false, err
	}
	if size != 0 {
		s.dimension = size
	}
	s.size = count
	// Entry IDs continue after the highest one stored.
	s.nextID = max(s.nextID, maxID+1)
	s.ready = true
	return true, nil
}

// scrollPageSize bounds the points fetched per scroll request.
var scrollPageSize = 256

// scanEntryIDs pages through the collection's payloads and returns the point
// count and the highest entry ID.
func (s *Index) scanEntryIDs(ctx context.Context) (int, uint64, error) {
	var (
		count  int
		maxID  uint64
		offset json.RawMessage
	)
	for {
		req := map[string]any{
			"limit":        scrollPageSize,
			"with_payload": []string{"entry_id"},
			"with_vector":  false,
		}
		if len(offset) > 0 {
			req["offset"] = offset
		}
		var resp struct {
			Result struct {
				Points []struct {
					Payload struct {
						EntryID uint64 `json:"entry_id"`
					} `json:"payload"`
				} `json:"points"`
				NextPageOffset json.RawMessage `json:"next_page_offset"`
			} `json:"result"`
		}
		if _, err := s.do(ctx, http.MethodPost, s.collectionURL()+"/points/scroll", req, &resp); err != nil {
			return 0, 0, err
		}
		for _, p := range resp.Result.Points {
			count++
			maxID = max(maxID, p.Payload.EntryID)
		}
		offset = resp.Result.NextPageOffset
		if len(offset) == 0 || string(offset) == "null" {
			return count, maxID, nil
		}
	}
}

func (s *Index) ensureCollection(ctx context.Context, dim int) error {
	if s.ready {
		return nil
	}
	exists, err := s.loadCollection(ctx)
	if err != nil {
		return err
	}
	if exists {
		if s.dimension != dim {
			return fmt.Errorf("%w: collection %s has %d, batch has %d",
				vectorstore.ErrDimensionMismatch, s.collection, s.dimension, dim)
		}
		return nil
	}
	body := map[string]any{
		"vectors": map[string]any{
			"size":     dim,
			"distance": "Cosine",
		},
	}
	if _, err := s.do(ctx, http.MethodPut, s.collectionURL(), body, nil); err != nil {
		return err
	}
	s.ready = true
	return nil
}

func (s *Index) do(ctx context.Context, method, url string, body, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.apiKey != "" {
		req.Header.Set("api-key", s.apiKey)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("qdrant %s %s failed: %s", method, url, resp.Status)
	}
	if out != nil {
		return resp.StatusCode, json.NewDecoder(resp.Body).Decode(out)
	}
	return resp.StatusCode, nil
}
