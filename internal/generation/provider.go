package generation

import (
	"context"
	"io"

	"docqa/internal/domain"
)

// Options are per-request sampling parameters.
type Options struct {
	Temperature float64
	MaxTokens   int
}

// Generator is a provider that can produce a complete response.
type Generator interface {
	Name() string
	// Available reports whether the provider is configured to take requests.
	Available() bool
	Generate(ctx context.Context, messages []domain.ConversationTurn, opts Options) (string, error)
}

// TokenStream yields response chunks in order. Recv returns io.EOF after the
// last chunk. Close releases the underlying connection and is idempotent.
type TokenStream interface {
	Recv() (string, error)
	Close() error
}

// Provider is a Generator that can also stream.
type Provider interface {
	Generator
	Stream(ctx context.Context, messages []domain.ConversationTurn, opts Options) (TokenStream, error)
}

// NonStreaming adapts g to a Provider whose stream emits the full response
// as a single chunk.
func NonStreaming(g Generator) Provider {
	return nonStreaming{g}
}

type nonStreaming struct {
	Generator
}

func (n nonStreaming) Stream(ctx context.Context, messages []domain.ConversationTurn, opts Options) (TokenStream, error) {
	text, err := n.Generate(ctx, messages, opts)
	if err != nil {
		return nil, err
	}
	return &onceStream{text: text}, nil
}

type onceStream struct {
	text string
	done bool
}

func (s *onceStream) Recv() (string, error) {
	if s.done {
		return "", io.EOF
	}
	s.done = true
	if s.text == "" {
		return "", io.EOF
	}
	return s.text, nil
}

func (s *onceStream) Close() error {
	s.done = true
	return nil
}
