// Package openai implements a generation provider for any OpenAI-compatible
// chat completions API (OpenAI, Groq, Ollama's /v1 endpoint).
package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"

	goopenai "github.com/sashabaranov/go-openai"

	"docqa/internal/domain"
	"docqa/internal/generation"
)

// Config configures a chat provider.
type Config struct {
	// Name identifies the provider in logs and fallback order.
	Name      string
	BaseURL   string
	APIKeyEnv string
	APIKey    string
	Model     string
}

// Provider streams chat completions. It is unavailable without an API key.
type Provider struct {
	name   string
	model  string
	client *goopenai.Client
}

var _ generation.Provider = (*Provider)(nil)

func New(cfg Config) (*Provider, error) {
	if cfg.Name == "" {
		return nil, errors.New("provider name is required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("provider %s: model is required", cfg.Name)
	}
	key := cfg.APIKey
	if key == "" && cfg.APIKeyEnv != "" {
		key = os.Getenv(cfg.APIKeyEnv)
	}
	p := &Provider{name: cfg.Name, model: cfg.Model}
	if key == "" {
		return p, nil
	}
	oc := goopenai.DefaultConfig(key)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	p.client = goopenai.NewClientWithConfig(oc)
	return p, nil
}

func (p *Provider) Name() string { return p.name }

func (p *Provider) Available() bool { return p.client != nil }

func (p *Provider) request(messages []domain.ConversationTurn, opts generation.Options, stream bool) goopenai.ChatCompletionRequest {
	msgs := make([]goopenai.ChatCompletionMessage, len(messages))
	for i, m := range messages {
		msgs[i] = goopenai.ChatCompletionMessage{Role: string(m.Role), Content: m.Content}
	}
	temperature := float32(opts.Temperature)
	if temperature == 0 {
		// The client omits a zero temperature, which servers read as their default.
		temperature = math.SmallestNonzeroFloat32
	}
	return goopenai.ChatCompletionRequest{
		Model:       p.model,
		Messages:    msgs,
		Temperature: temperature,
		MaxTokens:   opts.MaxTokens,
		Stream:      stream,
	}
}

func (p *Provider) Generate(ctx context.Context, messages []domain.ConversationTurn, opts generation.Options) (string, error) {
	if p.client == nil {
		return "", p.unavailable()
	}
	resp, err := p.client.CreateChatCompletion(ctx, p.request(messages, opts, false))
	if err != nil {
		return "", p.wrap(err)
	}
	if len(resp.Choices) == 0 {
		return "", &generation.Error{Kind: generation.KindModelUnavailable, Provider: p.name, Msg: "empty response"}
	}
	choice := resp.Choices[0]
	if choice.FinishReason == goopenai.FinishReasonContentFilter {
		return "", &generation.Error{Kind: generation.KindContentBlocked, Provider: p.name}
	}
	return choice.Message.Content, nil
}

func (p *Provider) Stream(ctx context.Context, messages []domain.ConversationTurn, opts generation.Options) (generation.TokenStream, error) {
	if p.client == nil {
		return nil, p.unavailable()
	}
	s, err := p.client.CreateChatCompletionStream(ctx, p.request(messages, opts, true))
	if err != nil {
		return nil, p.wrap(err)
	}
	return &tokenStream{p: p, s: s}, nil
}

func (p *Provider) unavailable() error {
	return &generation.Error{Kind: generation.KindAuth, Provider: p.name, Msg: "no API key configured"}
}

// wrap classifies a client error without exposing the response body.
func (p *Provider) wrap(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	var (
		apiErr *goopenai.APIError
		reqErr *goopenai.RequestError
		code   int
	)
	switch {
	case errors.As(err, &apiErr):
		code = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		code = reqErr.HTTPStatusCode
	}
	if code != 0 {
		kind := generation.KindForStatus(code)
		if kind == generation.KindUnknown {
			kind = generation.Classify(err)
		}
		return &generation.Error{Kind: kind, Provider: p.name, Msg: fmt.Sprintf("HTTP %d %s", code, http.StatusText(code)), Err: err}
	}
	return &generation.Error{Kind: generation.Classify(err), Provider: p.name, Msg: "request failed", Err: err}
}

type tokenStream struct {
	p      *Provider
	s      *goopenai.ChatCompletionStream
	closed bool
}

func (t *tokenStream) Recv() (string, error) {
	for {
		resp, err := t.s.Recv()
		if errors.Is(err, io.EOF) {
			return "", io.EOF
		}
		if err != nil {
			return "", t.p.wrap(err)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		choice := resp.Choices[0]
		if choice.FinishReason == goopenai.FinishReasonContentFilter {
			return "", &generation.Error{Kind: generation.KindContentBlocked, Provider: t.p.name}
		}
		return choice.Delta.Content, nil
	}
}

func (t *tokenStream) Close() error {
	if t.closed {
		return nil
	}
	t.closed = true
	return t.s.Close()
}
