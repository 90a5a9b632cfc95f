// Command server runs the hybrid retrieval service.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/caseforge/caseforge/internal/api"
	"github.com/caseforge/caseforge/internal/backend"
	"github.com/caseforge/caseforge/internal/config"
	"github.com/caseforge/caseforge/internal/ingest"
	"github.com/caseforge/caseforge/internal/jobs"
	"github.com/caseforge/caseforge/internal/llm"
	"github.com/caseforge/caseforge/internal/pipeline"
	"github.com/caseforge/caseforge/internal/preprocess"
	"github.com/caseforge/caseforge/internal/retrieval"
	"github.com/caseforge/caseforge/internal/summarize"
	"github.com/caseforge/caseforge/pkg/observability"
)

var version = "dev"

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()
	if *showVersion {
		fmt.Println(version)
		return
	}

	logger := observability.NewStandardLogger("server")

	cfg, err := config.Load()
	if err != nil {
		logger.Error("Failed to load configuration", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("Server exited with error", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger observability.Logger) error {
	metrics := observability.NewPrometheusMetrics(nil, "caseforge")

	startupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, err := backend.NewMongoStore(startupCtx, cfg.Backend, uint64(cfg.Service.PoolSize), logger.WithPrefix("backend"))
	if err != nil {
		return fmt.Errorf("failed to connect to search backend: %w", err)
	}
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer closeCancel()
		if err := store.Close(closeCtx); err != nil {
			logger.Warn("Backend close failed", map[string]interface{}{"error": err.Error()})
		}
	}()

	embedder := llm.NewEmbeddingClient(llm.EmbeddingClientConfig{
		BaseURL:   cfg.Embedding.BaseURL,
		Model:     cfg.Embedding.Model,
		UserID:    cfg.Embedding.UserID,
		AuthToken: cfg.Embedding.AuthToken,
		Timeout:   cfg.Service.RemoteTimeout,
		Logger:    logger.WithPrefix("embedding"),
	})
	completer := llm.NewCompletionClient(llm.CompletionClientConfig{
		BaseURL:   cfg.LLM.BaseURL,
		Model:     cfg.LLM.Model,
		AuthToken: cfg.LLM.AuthToken,
		Timeout:   cfg.Service.RemoteTimeout,
		Logger:    logger.WithPrefix("completion"),
	})

	normalizer := preprocess.NewNormalizer(logger.WithPrefix("preprocess"))
	lexical := retrieval.NewLexicalRetriever(store, logger.WithPrefix("lexical"), metrics)
	vector := retrieval.NewVectorRetriever(store, embedder, cfg.Embedding.Dimension, logger.WithPrefix("vector"), metrics)
	summarizer := summarize.NewSummarizer(completer, cfg.Search.SummaryMaxItems, logger.WithPrefix("summarize"))

	orchestrator := pipeline.New(pipeline.Config{
		Normalizer:      normalizer,
		Lexical:         lexical,
		Vector:          vector,
		Summarizer:      summarizer,
		PoolSize:        cfg.Service.PoolSize,
		PoolWaitBudget:  cfg.Service.PoolWaitBudget,
		RequestDeadline: cfg.Service.RequestDeadline,
		Defaults: pipeline.Defaults{
			Limit:          cfg.Search.DefaultLimit,
			RerankTopK:     cfg.Search.RerankTopK,
			Weights:        retrieval.Weights{Lexical: cfg.Search.BM25Weight, Vector: cfg.Search.VectorWeight},
			DedupThreshold: cfg.Search.DedupThreshold,
		},
		Logger:  logger.WithPrefix("pipeline"),
		Metrics: metrics,
	})

	registry := jobs.NewRegistry(cfg.Jobs.TTL, logger.WithPrefix("jobs"))
	registry.StartSweeper(cfg.Jobs.SweepInterval)
	defer registry.Stop()

	builder := ingest.NewBuilder(store, embedder, registry, ingest.Config{
		BatchSize:      cfg.Jobs.BatchSize,
		MaxConcurrent:  int(cfg.Jobs.MaxConcurrent),
		InterBatchWait: rate.Every(cfg.Jobs.InterBatchWait),
		Logger:         logger.WithPrefix("ingest"),
		Metrics:        metrics,
	})

	server := api.NewServer(api.Config{
		Pipeline:     orchestrator,
		Lexical:      lexical,
		Vector:       vector,
		Summarizer:   summarizer,
		Normalizer:   normalizer,
		Registry:     registry,
		Builder:      builder,
		Metadata:     store,
		MaxBodyBytes: cfg.Service.MaxBodyBytes,
		DefaultLimit: cfg.Search.DefaultLimit,
		Logger:       logger.WithPrefix("api"),
		Metrics:      metrics,
	})

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	server.RegisterRoutes(engine)
	engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{})))

	httpServer := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Service.Port),
		Handler:     engine,
		ReadTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Server listening", map[string]interface{}{
			"port":    cfg.Service.Port,
			"version": version,
		})
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		logger.Info("Shutting down", map[string]interface{}{"signal": sig.String()})
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Service.ShutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown incomplete: %w", err)
	}
	logger.Info("Shutdown complete", nil)
	return nil
}
