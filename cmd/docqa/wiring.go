package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"docqa/internal/blobstore"
	"docqa/internal/chunker"
	"docqa/internal/config"
	"docqa/internal/domain"
	"docqa/internal/embedding"
	"docqa/internal/embedding/hashing"
	"docqa/internal/embedding/openai"
	"docqa/internal/embedding/rediscache"
	"docqa/internal/generation"
	genopenai "docqa/internal/generation/openai"
	"docqa/internal/metrics"
	"docqa/internal/summarizer"
	"docqa/internal/vectorstore"
	"docqa/internal/vectorstore/memory"
	"docqa/internal/vectorstore/qdrant"
)

func secs(n int) time.Duration { return time.Duration(n) * time.Second }

// newLogger writes to the configured file; the terminal belongs to the TUI.
func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}
	if cfg.Level != "" {
		level, err := zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return nil, err
		}
		zc.Level = zap.NewAtomicLevelAt(level)
	}
	out := cfg.File
	if out == "" {
		out = "docqa.log"
	}
	zc.OutputPaths = []string{out}
	zc.ErrorOutputPaths = []string{out}
	return zc.Build()
}

func buildEmbedder(ctx context.Context, cfg config.EmbedderConfig, m *metrics.Metrics, logger *zap.Logger) (*embedding.CachedEmbedder, func(), error) {
	var model embedding.Model
	switch cfg.Type {
	case "hashing":
		model = hashing.NewEmbedder(cfg.Dimension)
	case "openai":
		o := cfg.OpenAI
		retries := 3
		if o.MaxRetries != nil {
			retries = *o.MaxRetries
		}
		client, err := openai.NewClient(openai.Config{
			BaseURL:     o.BaseURL,
			APIKeyEnv:   o.APIKeyEnv,
			Model:       o.Model,
			Dimensions:  o.Dimensions,
			Timeout:     secs(o.TimeoutSecs),
			BatchSize:   o.BatchSize,
			Concurrency: o.Concurrency,
			MaxRetries:  retries,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("openai embedder init failed: %w", err)
		}
		model = client
	default:
		return nil, nil, fmt.Errorf("unknown embedder: %s", cfg.Type)
	}

	closer := func() {}
	opts := embedding.Options{CacheSize: cfg.Cache.Size, Metrics: m, Logger: logger}
	if r := cfg.Cache.Redis; r != nil {
		password := ""
		if r.PasswordEnv != "" {
			password = os.Getenv(r.PasswordEnv)
		}
		store, err := rediscache.New(ctx, rediscache.Config{
			Address:   r.Address,
			Password:  password,
			Database:  r.Database,
			KeyPrefix: r.KeyPrefix,
			TTL:       secs(r.TTLSecs),
		})
		if err != nil {
			return nil, nil, fmt.Errorf("embedding cache: %w", err)
		}
		opts.SideStore = store
		closer = func() { _ = store.Close() }
	}
	emb, err := embedding.NewCachedEmbedder(model, opts)
	if err != nil {
		closer()
		return nil, nil, err
	}
	return emb, closer, nil
}

func buildChunker(cfg config.ChunkerConfig) (domain.Chunker, error) {
	switch cfg.Type {
	case "paragraph":
		return chunker.New(chunker.Config{
			TargetSize:  cfg.TargetSize,
			MinSize:     cfg.MinSize,
			MaxSize:     cfg.MaxSize,
			OverlapSize: cfg.OverlapSize,
		})
	default:
		return nil, fmt.Errorf("unknown chunker: %s", cfg.Type)
	}
}

func buildIndex(cfg config.VectorStoreConfig, dimension int) (vectorstore.Index, error) {
	switch cfg.Type {
	case "memory":
		return memory.New(dimension), nil
	case "qdrant":
		q := cfg.Qdrant
		key := ""
		if q.APIKeyEnv != "" {
			key = os.Getenv(q.APIKeyEnv)
		}
		return qdrant.New(qdrant.Config{
			URL:        q.URL,
			APIKey:     key,
			Collection: q.Collection,
			Timeout:    secs(q.TimeoutSecs),
			Dimension:  dimension,
		}), nil
	default:
		return nil, fmt.Errorf("unknown vector store: %s", cfg.Type)
	}
}

// buildSnapshotStore returns nil when snapshots are disabled.
func buildSnapshotStore(ctx context.Context, cfg *config.SnapshotConfig) (blobstore.Store, error) {
	if cfg == nil {
		return nil, nil
	}
	switch cfg.Type {
	case "file":
		return blobstore.NewFileStore(cfg.Dir)
	case "s3":
		return blobstore.NewS3Store(ctx, blobstore.S3Config{
			Bucket:         cfg.S3.Bucket,
			Prefix:         cfg.S3.Prefix,
			Region:         cfg.S3.Region,
			Endpoint:       cfg.S3.Endpoint,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
	default:
		return nil, fmt.Errorf("unknown snapshot store: %s", cfg.Type)
	}
}

func buildSummarizer(cfg config.SummarizerConfig) domain.Summarizer {
	if cfg.Type == "frequency" {
		return summarizer.NewFrequencySummarizer()
	}
	return nil
}

func buildGateway(cfg config.GenerationConfig, m *metrics.Metrics, logger *zap.Logger) (*generation.Gateway, error) {
	providers := make([]generation.Provider, 0, len(cfg.Providers))
	for _, pc := range cfg.Providers {
		p, err := genopenai.New(genopenai.Config{
			Name:      pc.Name,
			BaseURL:   pc.BaseURL,
			APIKeyEnv: pc.APIKeyEnv,
			Model:     pc.Model,
		})
		if err != nil {
			return nil, err
		}
		if !p.Available() {
			logger.Warn("generation provider has no API key", zap.String("provider", pc.Name), zap.String("env", pc.APIKeyEnv))
		}
		providers = append(providers, p)
	}
	gcfg := generation.Config{
		TokenBudget: cfg.TokenBudget,
		MaxHistory:  cfg.MaxHistory,
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
		Timeout:     secs(cfg.TimeoutSecs),
		Breaker: generation.BreakerConfig{
			ConsecutiveFailures: cfg.Breaker.ConsecutiveFailures,
			OpenTimeout:         secs(cfg.Breaker.OpenTimeoutSecs),
		},
	}
	if cfg.MaxFallbacks != nil {
		gcfg.MaxFallbacks = *cfg.MaxFallbacks
	}
	return generation.NewGateway(providers, gcfg, generation.GatewayOptions{
		Logger:  logger,
		Metrics: m,
		OnTransition: func(id string, from, to generation.State) {
			logger.Debug("generation state", zap.String("request_id", id), zap.Stringer("from", from), zap.Stringer("to", to))
		},
	})
}
