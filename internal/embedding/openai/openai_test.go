package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type embeddingRequest struct {
	Input      []string `json:"input"`
	Model      string   `json:"model"`
	Dimensions int      `json:"dimensions"`
}

type embeddingItem struct {
	Object    string    `json:"object"`
	Embedding []float32 `json:"embedding"`
	Index     int       `json:"index"`
}

// fakeServer answers each input with [len(text), 1, 0] and returns the data
// items in reverse order so callers must place them by index.
func fakeServer(t *testing.T, calls *atomic.Int32, failFirst int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		assert.Equal(t, "/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		if int(n) <= failFirst {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":{"message":"slow down","type":"rate_limit"}}`))
			return
		}
		var req embeddingRequest
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&req)) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		data := make([]embeddingItem, 0, len(req.Input))
		for i := len(req.Input) - 1; i >= 0; i-- {
			data = append(data, embeddingItem{
				Object:    "embedding",
				Embedding: []float32{float32(len(req.Input[i])), 1, 0},
				Index:     i,
			})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"object": "list",
			"data":   data,
			"model":  req.Model,
		})
	}))
}

func newTestClient(t *testing.T, url string, batch int) *Client {
	t.Helper()
	c, err := NewClient(Config{
		BaseURL:      url,
		APIKey:       "test-key",
		Model:        "custom-model",
		Dimensions:   3,
		BatchSize:    batch,
		Concurrency:  2,
		MaxRetries:   2,
		RetryInitial: time.Millisecond,
		RetryMax:     5 * time.Millisecond,
	})
	require.NoError(t, err)
	return c
}

func TestEmbedPreservesOrderAcrossBatches(t *testing.T) {
	var calls atomic.Int32
	srv := fakeServer(t, &calls, 0)
	defer srv.Close()

	c := newTestClient(t, srv.URL, 2)
	texts := []string{"a", "bb", "ccc", "dddd", "eeeee"}
	vecs, err := c.Embed(context.Background(), texts)
	require.NoError(t, err)
	require.Len(t, vecs, len(texts))
	for i, text := range texts {
		assert.Equal(t, []float64{float64(len(text)), 1, 0}, vecs[i])
	}
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 3, c.Dimension())
	assert.Equal(t, "openai:custom-model:3", c.Name())
}

func TestEmbedRetriesRateLimit(t *testing.T) {
	var calls atomic.Int32
	srv := fakeServer(t, &calls, 1)
	defer srv.Close()

	c := newTestClient(t, srv.URL, 8)
	vecs, err := c.Embed(context.Background(), []string{"hello"})
	require.NoError(t, err)
	assert.Equal(t, []float64{5, 1, 0}, vecs[0])
	assert.Equal(t, int32(2), calls.Load())
}

func TestEmbedDoesNotRetryAuthErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"bad key","type":"invalid_request_error"}}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 8)
	_, err := c.Embed(context.Background(), []string{"hello"})
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestNewClientRequiresKeyAndDimension(t *testing.T) {
	_, err := NewClient(Config{APIKeyEnv: "DOCQA_TEST_MISSING_KEY"})
	require.Error(t, err)

	_, err = NewClient(Config{APIKey: "k", Model: "mystery-model"})
	require.Error(t, err)

	c, err := NewClient(Config{APIKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, 1536, c.Dimension())
	assert.Equal(t, "openai:text-embedding-3-small", c.Name())
}
