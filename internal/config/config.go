package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// OpenAIEmbedderConfig holds configuration for the OpenAI-compatible embedder.
type OpenAIEmbedderConfig struct {
	BaseURL     string `yaml:"base_url"`
	APIKeyEnv   string `yaml:"api_key_env"`
	Model       string `yaml:"model"`
	Dimensions  int    `yaml:"dimensions,omitempty"`
	TimeoutSecs int    `yaml:"timeout_secs"`
	BatchSize   int    `yaml:"batch_size"`
	Concurrency int    `yaml:"concurrency"`
	// MaxRetries of 0 disables retries; nil uses the default.
	MaxRetries  *int   `yaml:"max_retries,omitempty"`
}

// RedisConfig points the embedding cache at a Redis server.
type RedisConfig struct {
	Address     string `yaml:"address"`
	PasswordEnv string `yaml:"password_env,omitempty"`
	Database    int    `yaml:"database"`
	KeyPrefix   string `yaml:"key_prefix"`
	TTLSecs     int    `yaml:"ttl_secs"`
}

// CacheConfig sizes the embedding cache and optionally persists it.
type CacheConfig struct {
	Size  int          `yaml:"size"`
	Redis *RedisConfig `yaml:"redis,omitempty"`
}

// EmbedderConfig selects and configures the text embedder implementation.
type EmbedderConfig struct {
	Type      string                `yaml:"type"`
	Dimension int                   `yaml:"dimension,omitempty"`
	OpenAI    *OpenAIEmbedderConfig `yaml:"openai,omitempty"`
	Cache     CacheConfig           `yaml:"cache"`
}

// ChunkerConfig configures how documents are split into chunks. Sizes are
// estimated tokens.
type ChunkerConfig struct {
	Type        string `yaml:"type"`
	TargetSize  int    `yaml:"target_size"`
	MinSize     int    `yaml:"min_size"`
	MaxSize     int    `yaml:"max_size"`
	OverlapSize int    `yaml:"overlap_size"`
}

// VectorStoreConfig selects and configures the vector store implementation.
type VectorStoreConfig struct {
	Type     string          `yaml:"type"`
	Qdrant   *QdrantConfig   `yaml:"qdrant,omitempty"`
	Snapshot *SnapshotConfig `yaml:"snapshot,omitempty"`
}

// QdrantConfig contains connection details for a Qdrant vector store.
type QdrantConfig struct {
	URL         string `yaml:"url"`
	APIKeyEnv   string `yaml:"api_key_env,omitempty"`
	Collection  string `yaml:"collection"`
	TimeoutSecs int    `yaml:"timeout_secs"`
}

// SnapshotConfig enables saving and loading the in-memory index.
type SnapshotConfig struct {
	Type string    `yaml:"type"`
	Key  string    `yaml:"key"`
	Dir  string    `yaml:"dir,omitempty"`
	S3   *S3Config `yaml:"s3,omitempty"`
}

// S3Config locates an S3-compatible bucket for snapshots.
type S3Config struct {
	Bucket         string `yaml:"bucket"`
	Prefix         string `yaml:"prefix,omitempty"`
	Region         string `yaml:"region,omitempty"`
	Endpoint       string `yaml:"endpoint,omitempty"`
	ForcePathStyle bool   `yaml:"force_path_style,omitempty"`
}

// RetrievalConfig controls how many passages are added to a prompt.
type RetrievalConfig struct {
	TopK     int     `yaml:"top_k"`
	MinScore float64 `yaml:"min_score"`
}

// ProviderConfig describes one OpenAI-compatible chat provider.
type ProviderConfig struct {
	Name      string `yaml:"name"`
	BaseURL   string `yaml:"base_url"`
	APIKeyEnv string `yaml:"api_key_env"`
	Model     string `yaml:"model"`
}

// BreakerConfig tunes per-provider circuit breakers.
type BreakerConfig struct {
	ConsecutiveFailures uint32 `yaml:"consecutive_failures"`
	OpenTimeoutSecs     int    `yaml:"open_timeout_secs"`
}

// GenerationConfig configures the answer generation gateway. Providers are
// tried in order.
type GenerationConfig struct {
	Providers    []ProviderConfig `yaml:"providers"`
	SystemPrompt string           `yaml:"system_prompt,omitempty"`
	TokenBudget  int              `yaml:"token_budget"`
	MaxHistory   int              `yaml:"max_history"`
	Temperature  float64          `yaml:"temperature"`
	MaxTokens    int              `yaml:"max_tokens"`
	TimeoutSecs  int              `yaml:"timeout_secs"`
	MaxFallbacks *int             `yaml:"max_fallbacks,omitempty"`
	Breaker      BreakerConfig    `yaml:"breaker"`
}

// SummarizerConfig selects and configures the summarizer.
type SummarizerConfig struct {
	Type         string `yaml:"type"`
	MaxSentences int    `yaml:"max_sentences"`
}

// LoggingConfig selects the zap logger preset and level.
type LoggingConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
	// File receives logs; the TUI owns the terminal.
	File string `yaml:"file"`
}

// MetricsConfig enables the Prometheus endpoint when Listen is set.
type MetricsConfig struct {
	Listen string `yaml:"listen,omitempty"`
}

// AppConfig is the root application configuration structure.
type AppConfig struct {
	Embedder    EmbedderConfig    `yaml:"embedder"`
	Chunker     ChunkerConfig     `yaml:"chunker"`
	VectorStore VectorStoreConfig `yaml:"vector_store"`
	Retrieval   RetrievalConfig   `yaml:"retrieval"`
	Generation  GenerationConfig  `yaml:"generation"`
	Summarizer  SummarizerConfig  `yaml:"summarizer"`
	Logging     LoggingConfig     `yaml:"logging"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

// Load reads a config from a specified path. If the file does not exist, returns defaults.
// The file is decoded over the defaults, so absent keys keep their default
// and explicit zero values are preserved.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return defaultConfig(), nil
		}
		return nil, err
	}
	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	applyConfigDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// LoadDefault tries ./config.yaml first, then ~/.config/docqa/config.yaml.
// If neither exists, it writes defaults to ~/.config/docqa/config.yaml and returns them.
func LoadDefault() (*AppConfig, string, error) {
	cwdPath := "config.yaml"
	if _, err := os.Stat(cwdPath); err == nil {
		cfg, err := Load(cwdPath)
		return cfg, cwdPath, err
	}
	userPath, err := defaultUserConfigPath()
	if err != nil {
		return nil, "", err
	}
	if _, err := os.Stat(userPath); err == nil {
		cfg, err := Load(userPath)
		return cfg, userPath, err
	}
	cfg := defaultConfig()
	if err := Save(userPath, cfg); err != nil {
		return nil, "", err
	}
	return cfg, userPath, nil
}

// Save writes the config to the given path, creating directories as needed.
func Save(path string, cfg *AppConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Validate reports the first setting that cannot be used.
func (c *AppConfig) Validate() error {
	switch c.Embedder.Type {
	case "hashing":
	case "openai":
		if c.Embedder.OpenAI == nil {
			return errors.New("embedder.openai is required for the openai embedder")
		}
	default:
		return fmt.Errorf("unknown embedder: %s", c.Embedder.Type)
	}
	if c.Chunker.Type != "paragraph" {
		return fmt.Errorf("unknown chunker: %s", c.Chunker.Type)
	}
	switch c.VectorStore.Type {
	case "memory":
	case "qdrant":
		if c.VectorStore.Qdrant == nil || c.VectorStore.Qdrant.URL == "" {
			return errors.New("vector_store.qdrant.url is required for the qdrant store")
		}
		if c.VectorStore.Snapshot != nil {
			return errors.New("vector_store.snapshot is only supported by the memory store")
		}
	default:
		return fmt.Errorf("unknown vector store: %s", c.VectorStore.Type)
	}
	if s := c.VectorStore.Snapshot; s != nil {
		switch s.Type {
		case "file":
		case "s3":
			if s.S3 == nil || s.S3.Bucket == "" {
				return errors.New("vector_store.snapshot.s3.bucket is required")
			}
		default:
			return fmt.Errorf("unknown snapshot store: %s", s.Type)
		}
	}
	if c.Retrieval.TopK <= 0 {
		return errors.New("retrieval.top_k must be positive")
	}
	if c.Retrieval.MinScore < -1 || c.Retrieval.MinScore > 1 {
		return errors.New("retrieval.min_score must be within [-1, 1]")
	}
	if c.Generation.MaxHistory < 0 {
		return errors.New("generation.max_history must not be negative")
	}
	if c.Generation.Temperature < 0 || c.Generation.Temperature > 2 {
		return errors.New("generation.temperature must be within [0, 2]")
	}
	if o := c.Embedder.OpenAI; o != nil && o.MaxRetries != nil && *o.MaxRetries < 0 {
		return errors.New("embedder.openai.max_retries must not be negative")
	}
	if len(c.Generation.Providers) == 0 {
		return errors.New("generation.providers must list at least one provider")
	}
	seen := map[string]bool{}
	for _, p := range c.Generation.Providers {
		if p.Name == "" || p.Model == "" {
			return errors.New("generation providers need a name and a model")
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate generation provider: %s", p.Name)
		}
		seen[p.Name] = true
	}
	if c.Summarizer.Type != "frequency" && c.Summarizer.Type != "none" {
		return fmt.Errorf("unknown summarizer: %s", c.Summarizer.Type)
	}
	return nil
}

func defaultUserConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "docqa", "config.yaml"), nil
}

func defaultProviders() []ProviderConfig {
	return []ProviderConfig{
		{Name: "groq", BaseURL: "https://api.groq.com/openai/v1", APIKeyEnv: "GROQ_API_KEY", Model: "llama-3.3-70b-versatile"},
		{Name: "gemini", BaseURL: "https://generativelanguage.googleapis.com/v1beta/openai", APIKeyEnv: "GEMINI_API_KEY", Model: "gemini-2.0-flash"},
	}
}

func defaultConfig() *AppConfig {
	cfg := &AppConfig{
		Embedder:    EmbedderConfig{Type: "hashing"},
		Chunker:     ChunkerConfig{Type: "paragraph"},
		VectorStore: VectorStoreConfig{Type: "memory"},
		Retrieval:   RetrievalConfig{TopK: 5, MinScore: 0.3},
		Generation: GenerationConfig{
			Providers:   defaultProviders(),
			MaxHistory:  10,
			Temperature: 0.7,
		},
		Summarizer:  SummarizerConfig{Type: "frequency"},
	}
	applyConfigDefaults(cfg)
	return cfg
}

func applyConfigDefaults(cfg *AppConfig) {
	if cfg.Embedder.Type == "" {
		cfg.Embedder.Type = "hashing"
	}
	if cfg.Embedder.Type == "hashing" && cfg.Embedder.Dimension == 0 {
		cfg.Embedder.Dimension = 384
	}
	if cfg.Embedder.Cache.Size == 0 {
		cfg.Embedder.Cache.Size = 4096
	}
	if r := cfg.Embedder.Cache.Redis; r != nil {
		if r.Address == "" {
			r.Address = "localhost:6379"
		}
		if r.KeyPrefix == "" {
			r.KeyPrefix = "docqa:emb:"
		}
	}
	if cfg.Embedder.Type == "openai" && cfg.Embedder.OpenAI != nil {
		o := cfg.Embedder.OpenAI
		if o.BaseURL == "" {
			o.BaseURL = "https://api.openai.com/v1"
		}
		if o.APIKeyEnv == "" {
			o.APIKeyEnv = "OPENAI_API_KEY"
		}
		if o.Model == "" {
			o.Model = "text-embedding-3-small"
		}
		if o.TimeoutSecs == 0 {
			o.TimeoutSecs = 30
		}
		if o.BatchSize == 0 {
			o.BatchSize = 32
		}
		if o.Concurrency == 0 {
			o.Concurrency = 4
		}
		if o.MaxRetries == nil {
			three := 3
			o.MaxRetries = &three
		}
	}

	if cfg.Chunker.Type == "" {
		cfg.Chunker.Type = "paragraph"
	}
	if cfg.Chunker.TargetSize == 0 && cfg.Chunker.MinSize == 0 && cfg.Chunker.MaxSize == 0 {
		cfg.Chunker.TargetSize, cfg.Chunker.MinSize, cfg.Chunker.MaxSize = 500, 100, 800
		if cfg.Chunker.OverlapSize == 0 {
			cfg.Chunker.OverlapSize = 50
		}
	}

	if cfg.VectorStore.Type == "" {
		cfg.VectorStore.Type = "memory"
	}
	if q := cfg.VectorStore.Qdrant; q != nil {
		if q.Collection == "" {
			q.Collection = "docqa"
		}
		if q.TimeoutSecs == 0 {
			q.TimeoutSecs = 15
		}
	}
	if s := cfg.VectorStore.Snapshot; s != nil {
		if s.Type == "" {
			s.Type = "file"
		}
		if s.Key == "" {
			s.Key = "index.gob"
		}
		if s.Type == "file" && s.Dir == "" {
			s.Dir = ".docqa"
		}
	}

	if cfg.Retrieval.TopK == 0 {
		cfg.Retrieval.TopK = 5
	}

	g := &cfg.Generation
	if len(g.Providers) == 0 {
		g.Providers = defaultProviders()
	}
	if g.TokenBudget == 0 {
		g.TokenBudget = 8000
	}
	if g.MaxTokens == 0 {
		g.MaxTokens = 4096
	}
	if g.TimeoutSecs == 0 {
		g.TimeoutSecs = 60
	}
	if g.MaxFallbacks == nil {
		one := 1
		g.MaxFallbacks = &one
	}
	if g.Breaker.ConsecutiveFailures == 0 {
		g.Breaker.ConsecutiveFailures = 5
	}
	if g.Breaker.OpenTimeoutSecs == 0 {
		g.Breaker.OpenTimeoutSecs = 30
	}

	if cfg.Summarizer.Type == "" {
		cfg.Summarizer.Type = "frequency"
	}
	if cfg.Summarizer.MaxSentences == 0 {
		cfg.Summarizer.MaxSentences = 5
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.File == "" {
		cfg.Logging.File = "docqa.log"
	}
}
