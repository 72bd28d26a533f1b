package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"docqa/internal/blobstore"
	"docqa/internal/config"
	"docqa/internal/metrics"
	"docqa/internal/service"
	"docqa/internal/tui"
)

func main() {
	_ = godotenv.Load()

	var cfgPath string
	flag.StringVar(&cfgPath, "config", "", "Path to YAML config file (optional; uses ./config.yaml or ~/.config/docqa/config.yaml if not provided)")
	var snapshotKey string
	flag.StringVar(&snapshotKey, "snapshot", "", "Index snapshot key to load and save (memory store only)")
	flag.Parse()
	inputs := flag.Args()

	var cfg *config.AppConfig
	var err error
	if cfgPath == "" {
		cfg, _, err = config.LoadDefault()
	} else {
		cfg, err = config.Load(cfgPath)
	}
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if snapshotKey != "" {
		if cfg.VectorStore.Type != "memory" {
			log.Fatalf("--snapshot requires the memory vector store")
		}
		if cfg.VectorStore.Snapshot == nil {
			cfg.VectorStore.Snapshot = &config.SnapshotConfig{Type: "file", Dir: ".docqa"}
		}
		cfg.VectorStore.Snapshot.Key = snapshotKey
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, inputs, logger); err != nil {
		logger.Error("docqa exited", zap.Error(err))
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.AppConfig, inputs []string, logger *zap.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)
	if cfg.Metrics.Listen != "" {
		srv := &http.Server{Addr: cfg.Metrics.Listen, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Warn("metrics listener stopped", zap.Error(err))
			}
		}()
		defer srv.Close()
		logger.Info("serving metrics", zap.String("addr", cfg.Metrics.Listen))
	}

	emb, closeCache, err := buildEmbedder(ctx, cfg.Embedder, m, logger)
	if err != nil {
		return err
	}
	defer closeCache()

	ch, err := buildChunker(cfg.Chunker)
	if err != nil {
		return err
	}

	index, err := buildIndex(cfg.VectorStore, emb.Dimension())
	if err != nil {
		return err
	}

	if o, ok := index.(interface{ Open(context.Context) error }); ok {
		if err := o.Open(ctx); err != nil {
			return fmt.Errorf("open vector store: %w", err)
		}
	}

	snapshots, err := buildSnapshotStore(ctx, cfg.VectorStore.Snapshot)
	if err != nil {
		return err
	}

	coord := service.NewCoordinator(ch, emb, index, service.Options{
		Logger:              logger,
		Metrics:             m,
		Summarizer:          buildSummarizer(cfg.Summarizer),
		SummaryMaxSentences: cfg.Summarizer.MaxSentences,
	})

	if snapshots != nil {
		key := cfg.VectorStore.Snapshot.Key
		switch _, err := coord.LoadSnapshot(ctx, snapshots, key); {
		case errors.Is(err, blobstore.ErrNotFound):
			logger.Info("no index snapshot yet", zap.String("key", key))
		case err != nil:
			return fmt.Errorf("load snapshot: %w", err)
		}
	}

	if len(inputs) > 0 {
		n, err := coord.IngestFiles(ctx, inputs)
		if err != nil {
			return fmt.Errorf("ingest failed: %w", err)
		}
		logger.Info("ingested documents", zap.Int("chunks", n), zap.Int("sources", len(coord.IndexedSources())))
		if snapshots != nil && n > 0 {
			if err := coord.SaveSnapshot(ctx, snapshots, cfg.VectorStore.Snapshot.Key); err != nil {
				return fmt.Errorf("save snapshot: %w", err)
			}
		}
	}
	if !coord.HasIndexedContent() {
		logger.Warn("index is empty; answers will not use document context")
	}

	gateway, err := buildGateway(cfg.Generation, m, logger)
	if err != nil {
		return err
	}
	assistant := service.NewAssistant(coord, gateway, service.AssistantConfig{
		TopK:         cfg.Retrieval.TopK,
		MinScore:     cfg.Retrieval.MinScore,
		SystemPrompt: cfg.Generation.SystemPrompt,
	})

	summary := coord.Summary()
	if summary == "" {
		summary = fmt.Sprintf("%d chunks indexed", coord.TotalChunks())
	}
	_, err = tea.NewProgram(tui.New(ctx, assistant, summary), tea.WithContext(ctx)).Run()
	if errors.Is(err, tea.ErrProgramKilled) {
		return nil
	}
	return err
}
