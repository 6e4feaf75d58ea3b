package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nikhilbhutani/dataintegration/internal/agents"
	"github.com/nikhilbhutani/dataintegration/internal/api"
	"github.com/nikhilbhutani/dataintegration/internal/api/handlers"
	"github.com/nikhilbhutani/dataintegration/internal/audit"
	"github.com/nikhilbhutani/dataintegration/internal/auth"
	"github.com/nikhilbhutani/dataintegration/internal/binding"
	"github.com/nikhilbhutani/dataintegration/internal/cache"
	"github.com/nikhilbhutani/dataintegration/internal/catalog"
	"github.com/nikhilbhutani/dataintegration/internal/config"
	"github.com/nikhilbhutani/dataintegration/internal/database"
	"github.com/nikhilbhutani/dataintegration/internal/embedding"
	"github.com/nikhilbhutani/dataintegration/internal/events"
	"github.com/nikhilbhutani/dataintegration/internal/ingest"
	"github.com/nikhilbhutani/dataintegration/internal/queue"
	"github.com/nikhilbhutani/dataintegration/internal/search"
	"github.com/nikhilbhutani/dataintegration/internal/source"
	"github.com/nikhilbhutani/dataintegration/internal/storage"
	"github.com/nikhilbhutani/dataintegration/internal/vectorstore"
	"github.com/nikhilbhutani/dataintegration/migrations"
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
	if err := cfg.ValidateServer(); err != nil {
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

	if cfg.Database.MigrationsPath != "" {
		err = database.RunMigrations(ctx, db, cfg.Database.MigrationsPath)
	} else {
		err = database.RunMigrationsFS(ctx, db, migrations.FS)
	}
	if err != nil {
		slog.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		slog.Warn("redis unavailable, events and leases degraded", "error", err)
	}
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

	bus := events.NewRedisBus(rdb)
	auditSvc := audit.NewService(db)

	var queueClient *queue.Client
	var remote ingest.RemoteCanceller
	if cfg.Processing.UseQueue {
		queueClient = queue.NewClient(cfg.Redis, cfg.Processing.Timeout)
		defer queueClient.Close()
		remote = queueClient
	}
	canceller := ingest.NewCanceller(remote)

	sourceSvc := source.NewService(db, source.Deps{
		Storage:     store,
		Vectors:     vectors,
		Canceller:   canceller,
		Audit:       auditSvc,
		Events:      bus,
		MaxFileSize: cfg.Processing.MaxFileSize,
	})
	catalogSvc := catalog.NewService(db, vectors, store, canceller, auditSvc)

	var directory agents.Directory
	if cfg.Agents.DirectoryURL != "" {
		directory = agents.NewHTTPDirectory(cfg.Agents.DirectoryURL, cache.NewCache(rdb, "di:"), cfg.Agents.CacheTTL)
	} else {
		directory = agents.NewUnchecked()
	}
	bindingSvc := binding.NewService(db, catalogSvc, directory, auditSvc)
	searchSvc := search.NewService(embedder, vectors, catalogSvc, sourceSvc, bindingSvc, cfg.Processing.SearchOverfetch)

	var pool *ingest.Pool
	if queueClient != nil {
		sourceSvc.SetDispatcher(queueClient)
	} else {
		proc := ingest.NewProcessor(sourceSvc, store, embedder, vectors, cache.NewLocker(rdb, "di:lock:"), canceller, ingest.Options{
			Chunking: chunker.ChunkOptions{
				ChunkSize:    cfg.Processing.ChunkSize,
				ChunkOverlap: cfg.Processing.ChunkOverlap,
				Strategy:     cfg.Processing.ChunkStrategy,
			},
			BatchSize: cfg.Embedding.BatchSize,
			LeaseTTL:  cfg.Processing.Timeout,
		})
		pool, err = ingest.NewPool(proc, ingest.PoolOptions{
			Workers: cfg.Processing.Concurrency,
			Timeout: cfg.Processing.Timeout,
		})
		if err != nil {
			slog.Error("failed to start processing pool", "error", err)
			os.Exit(1)
		}
		sourceSvc.SetDispatcher(pool)
		go reapLoop(ctx, sourceSvc, pool, cfg.Processing.Timeout)
	}

	router := api.NewRouter(cfg, api.Services{
		Databases: catalogSvc,
		Sources:   sourceSvc,
		Bindings:  bindingSvc,
		Search:    searchSvc,
		Audit:     auditSvc,
		Events:    bus,
		Keys:      auth.NewPgKeyStore(db),
		Checks: map[string]handlers.Check{
			"database": db.Ping,
			"redis":    func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		},
	})

	srv := &http.Server{
		Addr:        cfg.Addr(),
		Handler:     router.Setup(ctx),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	go func() {
		slog.Info("starting API server", "addr", cfg.Addr(), "queue", cfg.Processing.UseQueue)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()

	slog.Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced shutdown", "error", err)
	}
	if pool != nil {
		slog.Info("stopping processing pool", "running", pool.Running(), "queued", pool.Queued())
		pool.Close(20 * time.Second)
	}
	slog.Info("server stopped")
}

// reapLoop fails sources left processing by a previous run and hands
// orphaned pending sources back to the pool, then keeps doing so while the
// server runs. Pending sources are only picked up while the pool is idle;
// at start-up every pending source is orphaned.
func reapLoop(ctx context.Context, sources *source.Service, pool *ingest.Pool, timeout time.Duration) {
	interval := timeout / 2
	if interval < time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	age := time.Duration(0)
	for {
		if n, err := sources.ReapStale(ctx, timeout); err != nil {
			slog.Error("reaping stale sources failed", "error", err)
		} else if n > 0 {
			slog.Warn("reaped stale sources", "count", n)
		}
		if pool.Running() == 0 && pool.Queued() == 0 {
			if _, err := sources.RedispatchPending(ctx, age); err != nil {
				slog.Error("redispatching pending sources failed", "error", err)
			}
		}
		age = interval
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
