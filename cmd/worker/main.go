package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/nikhilbhutani/dataintegration/internal/cache"
	"github.com/nikhilbhutani/dataintegration/internal/config"
	"github.com/nikhilbhutani/dataintegration/internal/database"
	"github.com/nikhilbhutani/dataintegration/internal/embedding"
	"github.com/nikhilbhutani/dataintegration/internal/events"
	"github.com/nikhilbhutani/dataintegration/internal/ingest"
	"github.com/nikhilbhutani/dataintegration/internal/queue"
	"github.com/nikhilbhutani/dataintegration/internal/queue/workers"
	"github.com/nikhilbhutani/dataintegration/internal/source"
	"github.com/nikhilbhutani/dataintegration/internal/storage"
	"github.com/nikhilbhutani/dataintegration/internal/vectorstore"
	"github.com/nikhilbhutani/dataintegration/pkg/chunker"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.NewPool(ctx, cfg.Database)
	if err != nil {
		slog.Error("database unavailable", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	vectors, err := vectorstore.New(ctx, cfg.VectorStore, cfg.Embedding.Dimensions, db)
	if err != nil {
		slog.Error("vector store unavailable", "error", err)
		os.Exit(1)
	}
	store, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		slog.Error("file storage unavailable", "error", err)
		os.Exit(1)
	}
	provider, err := embedding.NewProvider(cfg.Embedding)
	if err != nil {
		slog.Error("embedding provider unavailable", "error", err)
		os.Exit(1)
	}
	embedder := embedding.NewService(provider, embedding.OptionsFromConfig(cfg.Embedding))

	// Cancellation reaches this process through asynq, which cancels the
	// task context.
	canceller := ingest.NewCanceller(nil)
	sourceSvc := source.NewService(db, source.Deps{
		Storage:   store,
		Vectors:   vectors,
		Canceller: canceller,
		Events:    events.NewRedisBus(rdb),
	})
	proc := ingest.NewProcessor(sourceSvc, store, embedder, vectors, cache.NewLocker(rdb, "di:lock:"), canceller, ingest.Options{
		Chunking: chunker.ChunkOptions{
			ChunkSize:    cfg.Processing.ChunkSize,
			ChunkOverlap: cfg.Processing.ChunkOverlap,
			Strategy:     cfg.Processing.ChunkStrategy,
		},
		BatchSize: cfg.Embedding.BatchSize,
		LeaseTTL:  cfg.Processing.Timeout,
	})

	srv := asynq.NewServer(queue.RedisOpt(cfg.Redis), asynq.Config{
		Concurrency: cfg.Processing.Concurrency,
		Queues:      map[string]int{"default": 1},
	})

	registry := queue.NewHandlersRegistry()
	registry.Register(queue.TypeSourceProcess, workers.NewSourceWorker(proc))
	registry.Register(queue.TypeSourceReap, workers.NewReaperWorker(sourceSvc, cfg.Processing.Timeout))

	scheduler, err := queue.NewScheduler(cfg.Redis, cfg.Processing.ReapInterval)
	if err != nil {
		slog.Error("failed to build scheduler", "error", err)
		os.Exit(1)
	}
	if err := scheduler.Start(); err != nil {
		slog.Error("scheduler error", "error", err)
		os.Exit(1)
	}
	defer scheduler.Shutdown()

	slog.Info("starting worker", "concurrency", cfg.Processing.Concurrency)
	if err := srv.Start(registry.Mux()); err != nil {
		slog.Error("worker error", "error", err)
		os.Exit(1)
	}

	<-ctx.Done()
	slog.Info("shutting down worker...")
	srv.Shutdown()
}
