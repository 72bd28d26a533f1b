package service

import (
	"context"
	"errors"
	"iter"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"docqa/internal/blobstore"
	"docqa/internal/chunker"
	"docqa/internal/domain"
	"docqa/internal/embedding"
	"docqa/internal/embedding/hashing"
	"docqa/internal/metrics"
	"docqa/internal/summarizer"
	"docqa/internal/vectorstore"
	"docqa/internal/vectorstore/memory"
)

// countingEmbedder records calls and can be switched to fail.
type countingEmbedder struct {
	inner   domain.Embedder
	calls   int
	cleared int
	err     error
}

func (e *countingEmbedder) ClearCache() {
	e.cleared++
	if cc, ok := e.inner.(interface{ ClearCache() }); ok {
		cc.ClearCache()
	}
}

func (e *countingEmbedder) Dimension() int { return e.inner.Dimension() }

func (e *countingEmbedder) EmbedOne(ctx context.Context, text string) ([]float64, error) {
	e.calls++
	if e.err != nil {
		return nil, e.err
	}
	return e.inner.EmbedOne(ctx, text)
}

func (e *countingEmbedder) EmbedMany(ctx context.Context, texts []string) ([][]float64, error) {
	e.calls++
	if e.err != nil {
		return nil, e.err
	}
	return e.inner.EmbedMany(ctx, texts)
}

type fixture struct {
	coord    *Coordinator
	embedder *countingEmbedder
	index    *memory.Index
	metrics  *metrics.Metrics
}

func newFixture(t *testing.T, index *memory.Index, opts Options) fixture {
	t.Helper()
	ch, err := chunker.New(chunker.DefaultConfig())
	require.NoError(t, err)
	cached, err := embedding.NewCachedEmbedder(hashing.NewEmbedder(hashing.DefaultDimension), embedding.Options{})
	require.NoError(t, err)
	emb := &countingEmbedder{inner: cached}
	if index == nil {
		index = memory.New(0)
	}
	opts.Logger = zaptest.NewLogger(t)
	opts.Metrics = metrics.New(prometheus.NewRegistry())
	return fixture{
		coord:    NewCoordinator(ch, emb, index, opts),
		embedder: emb,
		index:    index,
		metrics:  opts.Metrics,
	}
}

var capitals = []domain.Document{
	{Name: "france.txt", Content: "The capital of France is Paris."},
	{Name: "fruit.txt", Content: "Bananas are rich in potassium and fibre."},
	{Name: "go.txt", Content: "Goroutines are lightweight threads managed by the Go runtime."},
}

func TestIngestTracksSources(t *testing.T) {
	f := newFixture(t, nil, Options{})
	n, err := f.coord.Ingest(context.Background(), []domain.Document{
		{Name: "a.txt", Content: "Para1.\n\nPara2 is longer and carries a little more text than the first one."},
		{Name: "b.txt", Content: "Single short paragraph."},
	})
	require.NoError(t, err)
	require.Greater(t, n, 0)

	sources := f.coord.IndexedSources()
	require.Len(t, sources, 2)
	assert.Equal(t, n, sources["a.txt"]+sources["b.txt"])
	assert.Equal(t, n, f.coord.TotalChunks())
	assert.True(t, f.coord.HasIndexedContent())
	assert.Equal(t, 1, f.embedder.calls, "all documents are embedded in one batch")
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ChunksIndexed.WithLabelValues("b.txt")))

	md := f.index.Entries()[0].Metadata
	assert.Equal(t, "a.txt", md["source"])
	assert.Equal(t, 0, md["chunk_id"])
	assert.Contains(t, md, "start_idx")
	assert.Contains(t, md, "end_idx")
	assert.Contains(t, md, "token_count")
}

func TestIngestNothing(t *testing.T) {
	f := newFixture(t, nil, Options{})
	n, err := f.coord.Ingest(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = f.coord.Ingest(context.Background(), []domain.Document{{Name: "blank.txt", Content: "  \n\n "}})
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.False(t, f.coord.HasIndexedContent())
}

func TestRetrieveFindsRelevantChunk(t *testing.T) {
	f := newFixture(t, nil, Options{})
	ctx := context.Background()
	_, err := f.coord.Ingest(ctx, capitals)
	require.NoError(t, err)

	rc, err := f.coord.Retrieve(ctx, "What is the capital of France?", 1, 0)
	require.NoError(t, err)
	require.Len(t, rc.Results, 1)
	top := rc.Results[0]
	assert.Contains(t, top.Chunk.Text, "Paris")
	assert.Equal(t, []string{"france.txt"}, rc.Sources)

	all, err := f.coord.Retrieve(ctx, "What is the capital of France?", 10, -1)
	require.NoError(t, err)
	require.Len(t, all.Results, len(capitals))
	for _, r := range all.Results {
		assert.LessOrEqual(t, r.Score, top.Score)
	}
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.Retrievals.WithLabelValues("hit")))
}

func TestRetrieveHighThresholdIsEmpty(t *testing.T) {
	f := newFixture(t, nil, Options{})
	ctx := context.Background()
	_, err := f.coord.Ingest(ctx, capitals)
	require.NoError(t, err)

	rc, err := f.coord.Retrieve(ctx, "Tell me about potassium in the Go runtime", 5, 0.99)
	require.NoError(t, err)
	assert.True(t, rc.Empty())
	assert.Empty(t, rc.ContextText)
}

func TestRetrieveEmptyIndexSkipsEmbedder(t *testing.T) {
	f := newFixture(t, nil, Options{})
	rc, err := f.coord.Retrieve(context.Background(), "anything", 5, 0)
	require.NoError(t, err)
	assert.True(t, rc.Empty())
	assert.Zero(t, f.embedder.calls)
}

func TestContextTextFormat(t *testing.T) {
	f := newFixture(t, nil, Options{})
	ctx := context.Background()
	_, err := f.coord.Ingest(ctx, capitals)
	require.NoError(t, err)

	rc, err := f.coord.Retrieve(ctx, "capital of France and bananas", 2, -1)
	require.NoError(t, err)
	require.Len(t, rc.Results, 2)
	parts := strings.Split(rc.ContextText, "\n\n---\n\n")
	require.Len(t, parts, 2)
	assert.True(t, strings.HasPrefix(parts[0], "[Source: "+rc.Results[0].Chunk.SourceID+", Chunk 1, Relevance: "))
	assert.True(t, strings.HasSuffix(parts[0], "\n"+rc.Results[0].Chunk.Text))
	assert.Len(t, rc.Sources, 2)
}

func TestEmbeddingFailureRollsBack(t *testing.T) {
	f := newFixture(t, nil, Options{})
	f.embedder.err = embedding.ErrModelUnavailable

	n, err := f.coord.Ingest(context.Background(), capitals)
	require.ErrorIs(t, err, embedding.ErrModelUnavailable)
	assert.Zero(t, n)
	assert.Zero(t, f.index.Size())
	assert.Empty(t, f.coord.IndexedSources())
}

func TestIndexFailureRollsBack(t *testing.T) {
	f := newFixture(t, memory.New(3), Options{})
	_, err := f.coord.Ingest(context.Background(), capitals)
	require.ErrorIs(t, err, vectorstore.ErrDimensionMismatch)
	assert.Empty(t, f.coord.IndexedSources())
}

func TestRetrieveEmbeddingFailureIsReturned(t *testing.T) {
	f := newFixture(t, nil, Options{})
	ctx := context.Background()
	_, err := f.coord.Ingest(ctx, capitals)
	require.NoError(t, err)

	boom := errors.New("boom")
	f.embedder.err = boom
	_, err = f.coord.Retrieve(ctx, "capital", 1, 0)
	require.ErrorIs(t, err, boom)
}

func TestBuildAugmentedPrompt(t *testing.T) {
	f := newFixture(t, nil, Options{})
	assert.Equal(t, "plain question", f.coord.BuildAugmentedPrompt("plain question", domain.RetrievalContext{}))

	rc := domain.RetrievalContext{
		Results:     []domain.RetrievalResult{{Chunk: domain.Chunk{Text: "Paris.", SourceID: "a.txt"}, Score: 0.8, Rank: 1}},
		ContextText: "[Source: a.txt, Chunk 1, Relevance: 0.80]\nParis.",
		Sources:     []string{"a.txt"},
	}
	prompt := f.coord.BuildAugmentedPrompt("Where?", rc)
	assert.Contains(t, prompt, rc.ContextText)
	assert.Contains(t, prompt, "please answer this question:\nWhere?")
	assert.Contains(t, prompt, "Cite sources")
	assert.Contains(t, prompt, "say so clearly")
}

func TestClearResetsEverything(t *testing.T) {
	f := newFixture(t, nil, Options{Summarizer: summarizer.NewFrequencySummarizer()})
	ctx := context.Background()
	_, err := f.coord.Ingest(ctx, capitals)
	require.NoError(t, err)
	assert.NotEmpty(t, f.coord.Summary())

	require.NoError(t, f.coord.Clear(ctx))
	assert.Zero(t, f.coord.TotalChunks())
	assert.Empty(t, f.coord.IndexedSources())
	assert.Empty(t, f.coord.Summary())
	assert.Equal(t, 1, f.embedder.cleared, "clearing the index drops cached embeddings")
}

func TestIngestSkipsIndexedSources(t *testing.T) {
	f := newFixture(t, nil, Options{})
	ctx := context.Background()
	n, err := f.coord.Ingest(ctx, capitals)
	require.NoError(t, err)

	again, err := f.coord.Ingest(ctx, append(capitals, domain.Document{Name: "new.txt", Content: "Rivers flow to the sea."}))
	require.NoError(t, err)
	assert.Equal(t, 1, again)
	assert.Equal(t, n+1, f.coord.TotalChunks())
	assert.Equal(t, 1, f.coord.IndexedSources()["france.txt"])

	dup, err := f.coord.Ingest(ctx, []domain.Document{
		{Name: "twice.txt", Content: "First copy."},
		{Name: "twice.txt", Content: "Second copy."},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, dup)
}

func TestSnapshotRestoresSourcesAndSummary(t *testing.T) {
	ctx := context.Background()
	store, err := blobstore.NewFileStore(t.TempDir())
	require.NoError(t, err)

	opts := Options{Summarizer: summarizer.NewFrequencySummarizer()}
	first := newFixture(t, nil, opts)
	n, err := first.coord.Ingest(ctx, capitals)
	require.NoError(t, err)
	require.NoError(t, first.coord.SaveSnapshot(ctx, store, "index.gob"))

	second := newFixture(t, nil, opts)
	restored, err := second.coord.LoadSnapshot(ctx, store, "index.gob")
	require.NoError(t, err)
	assert.Equal(t, n, restored)
	assert.Equal(t, first.coord.IndexedSources(), second.coord.IndexedSources())
	assert.Equal(t, n, second.coord.TotalChunks())
	assert.NotEmpty(t, second.coord.Summary())

	// Re-running with the same inputs must not duplicate entries.
	added, err := second.coord.Ingest(ctx, capitals)
	require.NoError(t, err)
	assert.Zero(t, added)
	assert.Equal(t, n, second.coord.TotalChunks())

	rc, err := second.coord.Retrieve(ctx, "What is the capital of France?", 1, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"france.txt"}, rc.Sources)
}

func TestLoadSnapshotMissingKeyKeepsState(t *testing.T) {
	ctx := context.Background()
	store, err := blobstore.NewFileStore(t.TempDir())
	require.NoError(t, err)
	f := newFixture(t, nil, Options{})
	_, err = f.coord.Ingest(ctx, capitals)
	require.NoError(t, err)

	_, err = f.coord.LoadSnapshot(ctx, store, "missing.gob")
	require.ErrorIs(t, err, blobstore.ErrNotFound)
	assert.Len(t, f.coord.IndexedSources(), len(capitals))
}

type plainIndex struct{ vectorstore.Index }

func TestSnapshotUnsupportedIndex(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, Options{})
	coord := NewCoordinator(nil, f.embedder, plainIndex{memory.New(0)}, Options{})
	store, err := blobstore.NewFileStore(t.TempDir())
	require.NoError(t, err)

	_, err = coord.LoadSnapshot(ctx, store, "k")
	require.ErrorIs(t, err, ErrSnapshotUnsupported)
	require.ErrorIs(t, coord.SaveSnapshot(ctx, store, "k"), ErrSnapshotUnsupported)
}

func TestIngestFiles(t *testing.T) {
	dir := t.TempDir()
	write := func(name, content string) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
	write("a.txt", "Alpha paragraph about rivers.")
	write("b.md", "# Notes\n\nBeta paragraph about mountains.")
	write("c.pdf", "binary")
	write("empty.txt", "   ")

	f := newFixture(t, nil, Options{})
	n, err := f.coord.IngestFiles(context.Background(), []string{filepath.Join(dir, "*")})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	sources := f.coord.IndexedSources()
	assert.Contains(t, sources, filepath.Join(dir, "a.txt"))
	assert.Contains(t, sources, filepath.Join(dir, "b.md"))

	_, err = f.coord.IngestFiles(context.Background(), []string{filepath.Join(dir, "*.pdf")})
	require.ErrorIs(t, err, ErrNoDocuments)
}

type recordingStreamer struct {
	prompt string
	system string
}

func (s *recordingStreamer) Stream(_ context.Context, prompt string, _ []domain.ConversationTurn, system string) iter.Seq2[string, error] {
	s.prompt, s.system = prompt, system
	return func(yield func(string, error) bool) {
		for _, tok := range []string{"Paris", " it is."} {
			if !yield(tok, nil) {
				return
			}
		}
	}
}

func TestAssistantAsk(t *testing.T) {
	f := newFixture(t, nil, Options{})
	ctx := context.Background()
	_, err := f.coord.Ingest(ctx, capitals)
	require.NoError(t, err)

	rec := &recordingStreamer{}
	a := NewAssistant(f.coord, rec, AssistantConfig{TopK: 1})
	rc, stream, err := a.Ask(ctx, "What is the capital of France?", nil)
	require.NoError(t, err)
	require.Len(t, rc.Results, 1)

	var answer strings.Builder
	for tok, err := range stream {
		require.NoError(t, err)
		answer.WriteString(tok)
	}
	assert.Equal(t, "Paris it is.", answer.String())
	assert.Contains(t, rec.prompt, "[Source: france.txt, Chunk 1")
	assert.Equal(t, DefaultSystemPrompt, rec.system)

	f.embedder.err = errors.New("down")
	_, stream, err = a.Ask(ctx, "again", nil)
	require.Error(t, err)
	assert.Nil(t, stream)
}
