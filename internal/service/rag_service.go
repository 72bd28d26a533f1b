package service

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"docqa/internal/blobstore"
	"docqa/internal/domain"
	"docqa/internal/metrics"
	"docqa/internal/vectorstore"
)

var (
	// ErrNoDocuments is returned by IngestFiles when no readable text file matched.
	ErrNoDocuments = errors.New("no .txt or .md documents found")
	// ErrSnapshotUnsupported is returned when the index cannot be snapshotted.
	ErrSnapshotUnsupported = errors.New("vector index does not support snapshots")
)

// Snapshotter is an index that can persist its entries to a blob store.
type Snapshotter interface {
	Save(ctx context.Context, store blobstore.Store, key string) error
	Load(ctx context.Context, store blobstore.Store, key string) error
	Entries() []domain.IndexedEntry
}

type cacheClearer interface {
	ClearCache()
}

// Options configures a Coordinator.
type Options struct {
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	// Summarizer, when set, summarizes each ingested batch.
	Summarizer          domain.Summarizer
	SummaryMaxSentences int
}

// Coordinator ties chunking, embedding and the vector index together.
// It owns the index for its lifetime. Ingest and Clear are serialized;
// Retrieve may run concurrently with them.
type Coordinator struct {
	chunker  domain.Chunker
	embedder domain.Embedder
	index    vectorstore.Index

	summarizer   domain.Summarizer
	maxSentences int
	logger       *zap.Logger
	metrics      *metrics.Metrics

	writeMu sync.Mutex

	mu      sync.RWMutex
	sources map[string]int
	summary string
}

func NewCoordinator(chunker domain.Chunker, embedder domain.Embedder, index vectorstore.Index, opts Options) *Coordinator {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.SummaryMaxSentences <= 0 {
		opts.SummaryMaxSentences = 5
	}
	return &Coordinator{
		chunker:      chunker,
		embedder:     embedder,
		index:        index,
		summarizer:   opts.Summarizer,
		maxSentences: opts.SummaryMaxSentences,
		logger:       logger.Named("coordinator"),
		metrics:      opts.Metrics,
		sources:      map[string]int{},
	}
}

// Ingest chunks every document, embeds all chunks in one batch and adds them
// to the index. Documents whose name is already indexed are skipped. On error
// nothing is indexed.
func (c *Coordinator) Ingest(ctx context.Context, documents []domain.Document) (int, error) {
	if len(documents) == 0 {
		return 0, nil
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	var (
		chunks  []domain.Chunk
		texts   []string
		content strings.Builder
		batch   = map[string]bool{}
	)
	for _, d := range documents {
		// sources only changes under writeMu, which is held.
		if _, indexed := c.sources[d.Name]; indexed || batch[d.Name] {
			c.logger.Info("skipping already indexed document", zap.String("source", d.Name))
			continue
		}
		batch[d.Name] = true
		cs, err := c.chunker.Chunk(d)
		if err != nil {
			return 0, fmt.Errorf("chunk %s: %w", d.Name, err)
		}
		for _, ch := range cs {
			chunks = append(chunks, ch)
			texts = append(texts, ch.Text)
		}
		content.WriteString("\n")
		content.WriteString(d.Content)
	}
	if len(chunks) == 0 {
		c.logger.Warn("no chunks created from documents", zap.Int("documents", len(documents)))
		return 0, nil
	}

	var summary string
	if c.summarizer != nil {
		s, err := c.summarizer.Summarize(content.String(), c.maxSentences)
		if err != nil {
			return 0, fmt.Errorf("summarize: %w", err)
		}
		summary = s
	}

	vectors, err := c.embedder.EmbedMany(ctx, texts)
	if err != nil {
		return 0, err
	}
	metadata := make([]map[string]any, len(chunks))
	for i, ch := range chunks {
		metadata[i] = map[string]any{
			"source":      ch.SourceID,
			"chunk_id":    ch.Index,
			"start_idx":   ch.Start,
			"end_idx":     ch.End,
			"token_count": ch.TokenEstimate,
		}
	}
	if err := c.index.Add(ctx, chunks, vectors, metadata); err != nil {
		return 0, err
	}

	c.mu.Lock()
	added := map[string]int{}
	for _, ch := range chunks {
		c.sources[ch.SourceID]++
		added[ch.SourceID]++
	}
	if summary != "" {
		c.summary = summary
	}
	c.mu.Unlock()
	for src, n := range added {
		c.metrics.Indexed(src, n)
	}
	c.logger.Info("indexed documents",
		zap.Int("chunks", len(chunks)),
		zap.Int("documents", len(documents)))
	return len(chunks), nil
}

// IngestFiles reads .txt and .md files matching paths (globs allowed) and
// ingests the non-empty ones.
func (c *Coordinator) IngestFiles(ctx context.Context, paths []string) (int, error) {
	var documents []domain.Document
	for _, p := range paths {
		matches, err := filepath.Glob(p)
		if err != nil {
			return 0, fmt.Errorf("bad pattern %q: %w", p, err)
		}
		if matches == nil {
			matches = []string{p}
		}
		for _, m := range matches {
			ext := strings.ToLower(filepath.Ext(m))
			if ext != ".txt" && ext != ".md" {
				continue
			}
			data, err := os.ReadFile(m)
			if err != nil {
				return 0, err
			}
			if strings.TrimSpace(string(data)) == "" {
				c.logger.Debug("skipping empty file", zap.String("path", m))
				continue
			}
			documents = append(documents, domain.Document{Name: m, Content: string(data)})
		}
	}
	if len(documents) == 0 {
		return 0, ErrNoDocuments
	}
	return c.Ingest(ctx, documents)
}

// Retrieve finds the chunks most similar to query. An empty index returns an
// empty context without embedding the query.
func (c *Coordinator) Retrieve(ctx context.Context, query string, topK int, minScore float64) (domain.RetrievalContext, error) {
	if c.index.Size() == 0 {
		c.metrics.Retrieval("empty_index")
		return domain.RetrievalContext{}, nil
	}
	vec, err := c.embedder.EmbedOne(ctx, query)
	if err != nil {
		c.metrics.Retrieval("error")
		return domain.RetrievalContext{}, err
	}
	results, err := c.index.Search(ctx, vec, topK, minScore)
	if err != nil {
		c.metrics.Retrieval("error")
		return domain.RetrievalContext{}, err
	}
	if len(results) == 0 {
		c.metrics.Retrieval("miss")
		return domain.RetrievalContext{}, nil
	}

	parts := make([]string, len(results))
	var sources []string
	seen := map[string]struct{}{}
	for i, r := range results {
		if _, ok := seen[r.Chunk.SourceID]; !ok {
			seen[r.Chunk.SourceID] = struct{}{}
			sources = append(sources, r.Chunk.SourceID)
		}
		parts[i] = fmt.Sprintf("[Source: %s, Chunk %d, Relevance: %.2f]\n%s",
			r.Chunk.SourceID, r.Chunk.Index+1, r.Score, r.Chunk.Text)
	}
	c.metrics.Retrieval("hit")
	c.logger.Debug("retrieved context",
		zap.Int("chunks", len(results)),
		zap.Int("sources", len(sources)))
	return domain.RetrievalContext{
		Results:     results,
		ContextText: strings.Join(parts, "\n\n---\n\n"),
		Sources:     sources,
	}, nil
}

// BuildAugmentedPrompt wraps query with the retrieved passages. With no
// passages the query is returned unchanged.
func (c *Coordinator) BuildAugmentedPrompt(query string, rc domain.RetrievalContext) string {
	if rc.Empty() {
		return query
	}
	return fmt.Sprintf(`I have retrieved the following relevant information from uploaded documents:

%s

---

Based on the above context, please answer this question:
%s

Important:
- Use the provided context to answer accurately
- Cite sources when referencing specific information
- If the context doesn't contain the answer, say so clearly`, rc.ContextText, query)
}

// IndexedSources returns a copy of the per-source chunk counts.
func (c *Coordinator) IndexedSources() map[string]int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return maps.Clone(c.sources)
}

func (c *Coordinator) TotalChunks() int { return c.index.Size() }

func (c *Coordinator) HasIndexedContent() bool { return c.index.Size() > 0 }

// Summary returns the summary of the most recent ingest, if any.
func (c *Coordinator) Summary() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.summary
}

// Clear empties the index and the source tracking together.
func (c *Coordinator) Clear(ctx context.Context) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.index.Clear(ctx); err != nil {
		return err
	}
	if cc, ok := c.embedder.(cacheClearer); ok {
		cc.ClearCache()
	}
	c.mu.Lock()
	c.sources = map[string]int{}
	c.summary = ""
	c.mu.Unlock()
	c.logger.Info("index cleared")
	return nil
}

// LoadSnapshot replaces the index with the snapshot stored under key and
// rebuilds source counts and the summary from the restored entries. It
// returns the number of restored chunks.
func (c *Coordinator) LoadSnapshot(ctx context.Context, store blobstore.Store, key string) (int, error) {
	snap, ok := c.index.(Snapshotter)
	if !ok {
		return 0, ErrSnapshotUnsupported
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := snap.Load(ctx, store, key); err != nil {
		return 0, err
	}

	entries := snap.Entries()
	sources := map[string]int{}
	var content strings.Builder
	for _, e := range entries {
		sources[e.Chunk.SourceID]++
		text := e.Chunk.Text
		if o := e.Chunk.OverlapLen; o > 0 && o <= len(text) {
			text = text[o:]
		}
		content.WriteString("\n")
		content.WriteString(text)
	}
	var summary string
	if c.summarizer != nil && len(entries) > 0 {
		s, err := c.summarizer.Summarize(content.String(), c.maxSentences)
		if err != nil {
			c.logger.Warn("summarize restored snapshot", zap.Error(err))
		}
		summary = s
	}

	c.mu.Lock()
	c.sources = sources
	c.summary = summary
	c.mu.Unlock()
	c.logger.Info("restored index snapshot",
		zap.String("key", key),
		zap.Int("chunks", len(entries)),
		zap.Int("sources", len(sources)))
	return len(entries), nil
}

// SaveSnapshot writes the index to store under key.
func (c *Coordinator) SaveSnapshot(ctx context.Context, store blobstore.Store, key string) error {
	snap, ok := c.index.(Snapshotter)
	if !ok {
		return ErrSnapshotUnsupported
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return snap.Save(ctx, store, key)
}
