package openai

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	goopenai "github.com/sashabaranov/go-openai"
	"golang.org/x/sync/errgroup"
)

// knownDimensions lists native output sizes of common embedding models.
var knownDimensions = map[string]int{
	"text-embedding-3-small": 1536,
	"text-embedding-3-large": 3072,
	"text-embedding-ada-002": 1536,
	"nomic-embed-text":       768,
	"mxbai-embed-large":      1024,
	"all-minilm":             384,
}

// Client is an OpenAI-compatible embeddings client implementing embedding.Model.
type Client struct {
	client       *goopenai.Client
	model        string
	dimension    int
	reduced      bool
	timeout      time.Duration
	batchSize    int
	concurrency  int
	maxRetries   int
	retryInitial time.Duration
	retryMax     time.Duration
}

// Config configures the OpenAI-compatible embeddings client.
type Config struct {
	BaseURL   string
	APIKeyEnv string
	// APIKey takes precedence over APIKeyEnv when set.
	APIKey string
	Model  string
	// Dimensions requests reduced output for models that support it and is
	// required for models missing from the built-in table.
	Dimensions   int
	Timeout      time.Duration
	BatchSize    int
	Concurrency  int
	MaxRetries   int
	RetryInitial time.Duration
	RetryMax     time.Duration
}

// NewClient creates a new embeddings client using the provided configuration.
func NewClient(cfg Config) (*Client, error) {
	key := cfg.APIKey
	if key == "" {
		key = os.Getenv(cfg.APIKeyEnv)
	}
	if key == "" {
		return nil, fmt.Errorf("missing API key in env %s", cfg.APIKeyEnv)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "text-embedding-3-small"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 32
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryInitial == 0 {
		cfg.RetryInitial = 200 * time.Millisecond
	}
	if cfg.RetryMax == 0 {
		cfg.RetryMax = 5 * time.Second
	}
	dim := cfg.Dimensions
	if dim <= 0 {
		dim = knownDimensions[cfg.Model]
	}
	if dim <= 0 {
		return nil, fmt.Errorf("unknown dimension for model %s; set dimensions", cfg.Model)
	}

	oc := goopenai.DefaultConfig(key)
	oc.BaseURL = cfg.BaseURL
	oc.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	return &Client{
		client:       goopenai.NewClientWithConfig(oc),
		model:        cfg.Model,
		dimension:    dim,
		reduced:      cfg.Dimensions > 0,
		timeout:      cfg.Timeout,
		batchSize:    cfg.BatchSize,
		concurrency:  cfg.Concurrency,
		maxRetries:   cfg.MaxRetries,
		retryInitial: cfg.RetryInitial,
		retryMax:     cfg.RetryMax,
	}, nil
}

// Name returns the model identifier, including any reduced dimension.
func (c *Client) Name() string {
	if c.reduced {
		return fmt.Sprintf("openai:%s:%d", c.model, c.dimension)
	}
	return "openai:" + c.model
}

// Dimension returns the dimensionality of the produced embedding vectors.
func (c *Client) Dimension() int { return c.dimension }

// Embed splits texts into batches, embeds them concurrently and returns the
// vectors in input order. Any failed batch fails the whole call.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	out := make([][]float64, len(texts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for start := 0; start < len(texts); start += c.batchSize {
		end := min(start+c.batchSize, len(texts))
		g.Go(func() error {
			vecs, err := c.embedBatch(gctx, texts[start:end])
			if err != nil {
				return err
			}
			copy(out[start:end], vecs)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) embedBatch(ctx context.Context, texts []string) ([][]float64, error) {
	req := goopenai.EmbeddingRequest{
		Input: texts,
		Model: goopenai.EmbeddingModel(c.model),
	}
	if c.reduced {
		req.Dimensions = c.dimension
	}
	var out [][]float64
	op := func() error {
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		resp, err := c.client.CreateEmbeddings(callCtx, req)
		if err != nil {
			if ctx.Err() == nil && retryable(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		if len(resp.Data) != len(texts) {
			return backoff.Permanent(fmt.Errorf("expected %d embeddings, got %d", len(texts), len(resp.Data)))
		}
		vecs := make([][]float64, len(texts))
		for i, d := range resp.Data {
			idx := d.Index
			if idx < 0 || idx >= len(texts) || vecs[idx] != nil {
				// Some compatible servers leave index unset; fall back to position.
				idx = i
			}
			v := make([]float64, len(d.Embedding))
			for j, x := range d.Embedding {
				v[j] = float64(x)
			}
			vecs[idx] = v
		}
		out = vecs
		return nil
	}
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = c.retryInitial
	exp.MaxInterval = c.retryMax
	policy := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(c.maxRetries)), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, err
	}
	return out, nil
}

func retryable(err error) bool {
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) {
		return retryableStatus(apiErr.HTTPStatusCode)
	}
	var reqErr *goopenai.RequestError
	if errors.As(err, &reqErr) {
		return retryableStatus(reqErr.HTTPStatusCode)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}
