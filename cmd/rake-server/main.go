// Package main wires the ingestion pipeline's stages, persistence, worker
// pool, optional scheduler, and HTTP API into one runnable server, the way
// cmd/api/main.go wires its RAG service and graph/vector stores.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/rake-ingest/rake/api"
	"github.com/rake-ingest/rake/engine/chunk"
	"github.com/rake-ingest/rake/engine/clean"
	"github.com/rake-ingest/rake/engine/executor"
	"github.com/rake-ingest/rake/engine/jobstore"
	"github.com/rake-ingest/rake/engine/lineage"
	"github.com/rake-ingest/rake/engine/model"
	"github.com/rake-ingest/rake/engine/orchestrator"
	"github.com/rake-ingest/rake/engine/scheduler"
	"github.com/rake-ingest/rake/engine/source"
	"github.com/rake-ingest/rake/engine/vectorstore"
	"github.com/rake-ingest/rake/pkg/embed"
	"github.com/rake-ingest/rake/pkg/metrics"
	"github.com/rake-ingest/rake/pkg/retry"
	"github.com/rake-ingest/rake/pkg/telemetry"
)

// Config holds all environment-based configuration.
type Config struct {
	Port        string
	Environment string

	JobStorePath string
	JWTSecret    string

	QdrantAddr       string
	QdrantCollection string

	LineageEnabled bool
	Neo4jURL       string
	Neo4jUser      string
	Neo4jPass      string

	TelemetryPath string
	CORSOrigin    string
	ServiceName   string

	MaxWorkers       int
	MaxRetries       int
	MaxJobsPerSecond float64

	SchedulerEnabled bool
	SecEdgarUA       string
}

func loadConfig() Config {
	return Config{
		Port:        envOr("PORT", "8080"),
		Environment: envOr("ENVIRONMENT", "development"),

		JobStorePath: envOr("JOB_STORE_PATH", "./data/rake.db"),
		JWTSecret:    envOr("JWT_SIGNING_SECRET", ""),

		QdrantAddr:       envOr("QDRANT_ADDR", "localhost:6334"),
		QdrantCollection: envOr("QDRANT_COLLECTION", "rake_chunks"),

		LineageEnabled: envOrBool("LINEAGE_GRAPH_ENABLED", false),
		Neo4jURL:       envOr("NEO4J_URL", "neo4j://localhost:7687"),
		Neo4jUser:      envOr("NEO4J_USER", "neo4j"),
		Neo4jPass:      envOr("NEO4J_PASS", "password"),

		TelemetryPath: envOr("TELEMETRY_STORE_PATH", "./data/telemetry.db"),
		CORSOrigin:    envOr("CORS_ORIGIN", "*"),
		ServiceName:   envOr("OTEL_SERVICE_NAME", model.ServiceName),

		MaxWorkers:       envOrInt("MAX_WORKERS", 4),
		MaxRetries:       envOrInt("MAX_RETRIES", 3),
		MaxJobsPerSecond: envOrFloat("MAX_JOBS_PER_SECOND", 0),

		SchedulerEnabled: envOrBool("SCHEDULER_ENABLED", false),
		SecEdgarUA:       envOr("SEC_EDGAR_USER_AGENT", "rake-ingest contact@example.com"),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOrBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envOrFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg := loadConfig()

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", "error", err)
		os.Exit(1)
	}
}

// jobStore is the union of every method jobstore.Store and
// jobstore.MemoryStore both implement, and the only contract main needs:
// satisfying it is what lets either backing implementation plug into the
// orchestrator, the executor, and the API without an adapter.
type jobStore interface {
	orchestrator.JobStore
	executor.JobStore
	api.JobStore
	Close() error
}

func run(cfg Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := source.NewRegistry()
	registry.Register(source.NewFileAdapter(source.DefaultFileConfig()))
	registry.Register(source.NewUrlScrapeAdapter(source.DefaultUrlScrapeConfig()))
	registry.Register(source.NewApiFetchAdapter(source.DefaultApiFetchConfig()))
	registry.Register(source.NewDbQueryAdapter(source.DefaultDbQueryConfig()))
	secEdgar, err := source.NewSecEdgarAdapter(source.DefaultSecEdgarConfig(cfg.SecEdgarUA))
	if err != nil {
		return fmt.Errorf("sec edgar adapter: %w", err)
	}
	registry.Register(secEdgar)
	defer registry.CloseAll()

	chunkEngine, err := chunk.NewEngine(chunk.DefaultOptions())
	if err != nil {
		return fmt.Errorf("chunk engine: %w", err)
	}

	embedder := embed.NewOpenAIClientFromEnv()

	vstore, err := vectorstore.New(cfg.QdrantAddr, cfg.QdrantCollection)
	if err != nil {
		return fmt.Errorf("qdrant connect: %w", err)
	}
	defer vstore.Close()

	var lineageWriter *lineage.Writer
	if cfg.LineageEnabled {
		driver, err := neo4j.NewDriverWithContext(cfg.Neo4jURL, neo4j.BasicAuth(cfg.Neo4jUser, cfg.Neo4jPass, ""))
		if err != nil {
			return fmt.Errorf("neo4j driver: %w", err)
		}
		defer driver.Close(ctx)
		lineageWriter = lineage.NewWriter(driver, logger)
	}

	var telemetrySink telemetry.Sink
	sqliteSink, err := telemetry.Open(cfg.TelemetryPath, logger)
	if err != nil {
		logger.Warn("telemetry store unavailable, falling back to a no-op sink", "error", err)
		telemetrySink = telemetry.NoopSink{}
	} else {
		defer sqliteSink.Close()
		if cfg.Environment == "test" {
			sqliteSink.SetEnabled(false)
		}
		telemetrySink = sqliteSink
	}

	var jobs jobStore
	sqliteJobs, err := jobstore.Open(cfg.JobStorePath, logger)
	if err != nil {
		logger.Warn("job store unavailable, falling back to an in-memory store", "error", err)
		jobs = jobstore.NewMemoryStore()
	} else {
		defer sqliteJobs.Close()
		jobs = sqliteJobs
	}

	orch := &orchestrator.Orchestrator{
		Sources:     registry,
		CleanOpts:   clean.DefaultOptions(),
		ChunkEngine: chunkEngine,
		Embedder:    embedder,
		VectorStore: vstore,
		Lineage:     lineageWriter,
		LineageOn:   cfg.LineageEnabled,
		Telemetry:   telemetrySink,
		FetchRetry:  retry.Defaults,
		EmbedRetry:  retry.Defaults,
		Jobs:        jobs,
		Log:         logger,
	}

	reg := metrics.New()

	exec, err := executor.New(executor.Options{
		MaxWorkers:       cfg.MaxWorkers,
		MaxRetries:       cfg.MaxRetries,
		MaxJobsPerSecond: cfg.MaxJobsPerSecond,
	}, orch, jobs, logger, reg)
	if err != nil {
		return fmt.Errorf("start executor: %w", err)
	}
	if err := exec.Start(ctx); err != nil {
		return fmt.Errorf("resume active jobs: %w", err)
	}
	defer exec.Shutdown(context.Background())

	var sched *scheduler.Scheduler
	if cfg.SchedulerEnabled {
		sched = scheduler.New(func(ctx context.Context, entry scheduler.Entry) error {
			return submitScheduledJob(ctx, jobs, exec, entry)
		}, logger)
		defer sched.Shutdown()
	}

	handler := api.NewHandler(api.Config{
		Jobs:        jobs,
		Executor:    exec,
		JWTSecret:   []byte(cfg.JWTSecret),
		Environment: cfg.Environment,
		CORSOrigin:  cfg.CORSOrigin,
		ServiceName: cfg.ServiceName,
		Metrics:     reg,
		Log:         logger,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("rake server starting", "port", cfg.Port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutCtx)
}

// submitScheduledJob creates a new job for a scheduled source and hands it
// to the executor, mirroring what api.handleCreateJob does for one
// submitted via the HTTP surface.
func submitScheduledJob(ctx context.Context, jobs jobStore, exec *executor.Executor, entry scheduler.Entry) error {
	job := model.Job{
		JobID:         uuid.NewString(),
		CorrelationID: uuid.NewString(),
		SourceKind:    entry.SourceKind,
		Status:        model.JobPending,
		TenantID:      entry.TenantID,
		CreatedAt:     time.Now().UTC(),
		SourceParams:  entry.SourceParams,
	}
	if err := jobs.Create(ctx, job); err != nil {
		return fmt.Errorf("scheduler: create job for entry %s: %w", entry.ID, err)
	}
	return exec.Submit(executor.Submission{
		JobID:         job.JobID,
		SourceKind:    job.SourceKind,
		TenantID:      job.TenantID,
		CorrelationID: job.CorrelationID,
	})
}
