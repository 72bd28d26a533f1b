package domain

import (
	"context"
	"encoding/json"
	"time"
)

// Document represents a single text source handed to ingestion.
type Document struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

// Chunk is a bounded span of a document used for indexing.
// Text[OverlapLen:] is the part of the chunk not repeated from its predecessor;
// Start and End are the byte offsets of that part in the source document.
type Chunk struct {
	Text          string
	SourceID      string
	Index         int
	Start         int
	End           int
	TokenEstimate int
	OverlapLen    int
}

// IndexedEntry is the unit stored by a vector index.
type IndexedEntry struct {
	ID       uint64
	Chunk    Chunk
	Vector   []float64
	Metadata map[string]any
}

// RetrievalResult is a ranked match produced by a search.
type RetrievalResult struct {
	Chunk    Chunk
	Score    float64
	Rank     int
	EntryID  uint64
	Metadata map[string]any
}

// MarshalJSON renders the result in the flat shape consumed by clients.
func (r RetrievalResult) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Score      float64 `json:"score"`
		Source     string  `json:"source"`
		ChunkIndex int     `json:"chunk_index"`
		Text       string  `json:"text"`
		Rank       int     `json:"rank"`
	}{r.Score, r.Chunk.SourceID, r.Chunk.Index, r.Chunk.Text, r.Rank})
}

// RetrievalContext bundles what a query retrieved, ready for prompting.
type RetrievalContext struct {
	Results     []RetrievalResult `json:"chunks"`
	ContextText string            `json:"context_text"`
	Sources     []string          `json:"sources"`
}

// Empty reports whether nothing was retrieved.
func (c RetrievalContext) Empty() bool { return len(c.Results) == 0 }

// Role tags a conversation turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ConversationTurn is a role-tagged message.
type ConversationTurn struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// Chunker splits documents into chunks suitable for retrieval indexing.
type Chunker interface {
	Chunk(document Document) ([]Chunk, error)
}

// Embedder converts text into vectors of a fixed dimension.
type Embedder interface {
	Dimension() int
	EmbedOne(ctx context.Context, text string) ([]float64, error)
	EmbedMany(ctx context.Context, texts []string) ([][]float64, error)
}

// Summarizer produces a brief summary of the provided text.
type Summarizer interface {
	Summarize(text string, maxSentences int) (string, error)
}
