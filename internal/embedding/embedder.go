package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"docqa/internal/metrics"
)

// ErrModelUnavailable reports that the embedding model could not produce
// vectors (unreachable, misconfigured, throttled or malformed response).
var ErrModelUnavailable = errors.New("embedding model unavailable")

// ErrCacheUnavailable reports a failure of the persistent side store.
var ErrCacheUnavailable = errors.New("embedding cache unavailable")

// DefaultCacheSize bounds the in-memory tier when no size is configured.
const DefaultCacheSize = 4096

// Model is the external embedding model boundary.
// Embed returns one vector per input, in input order.
type Model interface {
	Name() string
	Dimension() int
	Embed(ctx context.Context, texts []string) ([][]float64, error)
}

// SideStore persists vectors by cache key outside the process.
// Get returns only the keys it holds.
type SideStore interface {
	Get(ctx context.Context, keys []string) (map[string][]float64, error)
	Set(ctx context.Context, entries map[string][]float64) error
}

// Options configures a CachedEmbedder.
type Options struct {
	CacheSize int
	SideStore SideStore
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
}

// CachedEmbedder wraps a Model with a content-addressed cache.
// Returned vectors are shared with the cache and must not be modified.
type CachedEmbedder struct {
	model     Model
	dimension int
	mem       *lru.Cache[string, []float64]
	side      SideStore
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// NewCachedEmbedder queries the model dimension once and builds the cache tiers.
func NewCachedEmbedder(model Model, opts Options) (*CachedEmbedder, error) {
	dim := model.Dimension()
	if dim <= 0 {
		return nil, fmt.Errorf("embedding model %s reports invalid dimension %d", model.Name(), dim)
	}
	size := opts.CacheSize
	if size <= 0 {
		size = DefaultCacheSize
	}
	mem, err := lru.New[string, []float64](size)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CachedEmbedder{
		model:     model,
		dimension: dim,
		mem:       mem,
		side:      opts.SideStore,
		metrics:   opts.Metrics,
		logger:    logger.Named("embedder"),
	}, nil
}

// Dimension returns the fixed vector length.
func (e *CachedEmbedder) Dimension() int { return e.dimension }

// ModelID identifies the wrapped model; it is part of every cache key.
func (e *CachedEmbedder) ModelID() string { return e.model.Name() }

// CacheKey returns the content address of text for this embedder's model.
func (e *CachedEmbedder) CacheKey(text string) string {
	h := sha256.Sum256([]byte(e.model.Name() + "\x00" + text))
	return hex.EncodeToString(h[:])
}

// ClearCache drops the in-memory tier. The side store is content-addressed
// and shared across processes, so it is left alone.
func (e *CachedEmbedder) ClearCache() {
	e.mem.Purge()
	e.logger.Debug("embedding cache cleared")
}

// EmbedOne embeds a single text.
func (e *CachedEmbedder) EmbedOne(ctx context.Context, text string) ([]float64, error) {
	vecs, err := e.EmbedMany(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedMany embeds texts in order. Cached texts are served locally and the
// remaining distinct texts go to the model in a single call. Either every
// vector is returned or the call fails and the cache is left untouched.
func (e *CachedEmbedder) EmbedMany(ctx context.Context, texts []string) ([][]float64, error) {
	out := make([][]float64, len(texts))
	pending := make(map[string][]int)
	var keys, uncached []string
	for i, text := range texts {
		key := e.CacheKey(text)
		if v, ok := e.mem.Get(key); ok {
			out[i] = v
			continue
		}
		if _, seen := pending[key]; !seen {
			keys = append(keys, key)
			uncached = append(uncached, text)
		}
		pending[key] = append(pending[key], i)
	}
	e.metrics.CacheHits(len(texts) - countIndexes(pending))
	if len(keys) == 0 {
		return out, nil
	}

	if e.side != nil {
		stored, err := e.side.Get(ctx, keys)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCacheUnavailable, err)
		}
		if len(stored) > 0 {
			keys, uncached = e.fillFromSideStore(out, pending, keys, uncached, stored)
		}
	}
	if len(keys) == 0 {
		return out, nil
	}
	e.metrics.CacheMisses(len(keys))

	e.metrics.ModelCall()
	vecs, err := e.model.Embed(ctx, uncached)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrModelUnavailable, e.model.Name(), err)
	}
	if len(vecs) != len(uncached) {
		return nil, fmt.Errorf("%w: %s returned %d vectors for %d texts",
			ErrModelUnavailable, e.model.Name(), len(vecs), len(uncached))
	}
	for _, v := range vecs {
		if len(v) != e.dimension {
			return nil, fmt.Errorf("%w: %s returned dimension %d, want %d",
				ErrModelUnavailable, e.model.Name(), len(v), e.dimension)
		}
	}

	fresh := make(map[string][]float64, len(keys))
	for i, key := range keys {
		fresh[key] = vecs[i]
	}
	if e.side != nil {
		if err := e.side.Set(ctx, fresh); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCacheUnavailable, err)
		}
	}
	for i, key := range keys {
		e.mem.Add(key, vecs[i])
		for _, idx := range pending[key] {
			out[idx] = vecs[i]
		}
	}
	e.logger.Debug("embedded batch",
		zap.String("model", e.model.Name()),
		zap.Int("requested", len(texts)),
		zap.Int("computed", len(keys)))
	return out, nil
}

func (e *CachedEmbedder) fillFromSideStore(out [][]float64, pending map[string][]int, keys, texts []string, stored map[string][]float64) ([]string, []string) {
	var restKeys, restTexts []string
	for i, key := range keys {
		v, ok := stored[key]
		if !ok || len(v) != e.dimension {
			restKeys = append(restKeys, key)
			restTexts = append(restTexts, texts[i])
			continue
		}
		e.mem.Add(key, v)
		for _, idx := range pending[key] {
			out[idx] = v
		}
	}
	e.metrics.CacheHits(len(keys) - len(restKeys))
	return restKeys, restTexts
}

func countIndexes(m map[string][]int) int {
	n := 0
	for _, idx := range m {
		n += len(idx)
	}
	return n
}
