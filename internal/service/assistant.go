package service

import (
	"context"
	"iter"

	"docqa/internal/domain"
)

// DefaultSystemPrompt frames answers around retrieved documents.
const DefaultSystemPrompt = `You are a helpful assistant that answers questions about the user's documents.
Keep responses concise unless the user asks for detail and use markdown where it helps.
When passages from documents are provided, ground your answer in them and cite their sources.`

// Streamer produces a lazily generated answer.
type Streamer interface {
	Stream(ctx context.Context, prompt string, history []domain.ConversationTurn, systemPrompt string) iter.Seq2[string, error]
}

// AssistantConfig holds retrieval parameters for Ask.
type AssistantConfig struct {
	TopK         int
	MinScore     float64
	SystemPrompt string
}

// Assistant answers questions by retrieving context and streaming a reply.
type Assistant struct {
	coord  *Coordinator
	stream Streamer
	cfg    AssistantConfig
}

func NewAssistant(coord *Coordinator, stream Streamer, cfg AssistantConfig) *Assistant {
	if cfg.TopK <= 0 {
		cfg.TopK = 5
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	return &Assistant{coord: coord, stream: stream, cfg: cfg}
}

func (a *Assistant) Coordinator() *Coordinator { return a.coord }

// Ask retrieves context for query and returns it with the answer stream.
// Retrieval failures are returned before any generation starts.
func (a *Assistant) Ask(ctx context.Context, query string, history []domain.ConversationTurn) (domain.RetrievalContext, iter.Seq2[string, error], error) {
	rc, err := a.coord.Retrieve(ctx, query, a.cfg.TopK, a.cfg.MinScore)
	if err != nil {
		return domain.RetrievalContext{}, nil, err
	}
	prompt := a.coord.BuildAugmentedPrompt(query, rc)
	return rc, a.stream.Stream(ctx, prompt, history, a.cfg.SystemPrompt), nil
}
