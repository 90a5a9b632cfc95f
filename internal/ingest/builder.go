// Package ingest backfills embeddings for items that were loaded without
// one. Work runs asynchronously and reports through the job registry.
package ingest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	cferrors "github.com/caseforge/caseforge/internal/errors"
	"github.com/caseforge/caseforge/internal/jobs"
	"github.com/caseforge/caseforge/internal/llm"
	"github.com/caseforge/caseforge/internal/models"
	"github.com/caseforge/caseforge/pkg/observability"
)

// Store is the slice of the backend the builder needs.
type Store interface {
	MissingEmbeddings(ctx context.Context, limit int) ([]models.Item, error)
	UpdateEmbedding(ctx context.Context, id string, vector []float32) error
}

// Embedder obtains embeddings for item documents.
type Embedder interface {
	Embed(ctx context.Context, input string) (*llm.EmbeddingResult, error)
}

// Config tunes batch size, in-flight concurrency, and inter-batch pacing.
type Config struct {
	BatchSize      int
	MaxConcurrent  int
	InterBatchWait rate.Limit

	Logger  observability.Logger
	Metrics observability.MetricsClient
}

// Builder walks items missing an embedding, embeds their document text, and
// writes the vectors back.
type Builder struct {
	store    Store
	embedder Embedder
	registry *jobs.Registry

	batchSize     int
	maxConcurrent int
	limiter       *rate.Limiter

	logger  observability.Logger
	metrics observability.MetricsClient
}

// NewBuilder creates a builder. Zero config values fall back to batches of
// 100, 5 concurrent embeddings, and one batch per second.
func NewBuilder(store Store, embedder Embedder, registry *jobs.Registry, cfg Config) *Builder {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 5
	}
	if cfg.InterBatchWait <= 0 {
		cfg.InterBatchWait = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NewNoopLogger()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NewNoopMetrics()
	}
	return &Builder{
		store:         store,
		embedder:      embedder,
		registry:      registry,
		batchSize:     cfg.BatchSize,
		maxConcurrent: cfg.MaxConcurrent,
		limiter:       rate.NewLimiter(cfg.InterBatchWait, 1),
		logger:        cfg.Logger,
		metrics:       cfg.Metrics,
	}
}

// Start registers a job and runs the backfill in the background. The
// returned snapshot carries the job id to poll.
func (b *Builder) Start(ctx context.Context) jobs.Job {
	job := b.registry.Create(0)
	go b.run(ctx, job.ID)
	return job
}

func (b *Builder) run(ctx context.Context, jobID string) {
	var totalSucceeded, totalFailed int

	for batchNum := 1; ; batchNum++ {
		items, err := b.store.MissingEmbeddings(ctx, b.batchSize)
		if err != nil {
			b.finish(jobID, totalSucceeded, totalFailed, err)
			return
		}
		if len(items) == 0 {
			break
		}

		succeeded, failed := b.processBatch(ctx, items)
		totalSucceeded += succeeded
		totalFailed += failed

		name := fmt.Sprintf("batch-%d", batchNum)
		_ = b.registry.Update(jobID, func(j *jobs.Job) {
			j.Progress += len(items)
			j.Results = append(j.Results, jobs.BatchResult{
				Name:      name,
				Succeeded: succeeded,
				Failed:    failed,
			})
		})
		b.metrics.IncrementCounter("ingest.embeddings_built", float64(succeeded), nil)
		b.logger.Info("Embedding batch processed", map[string]interface{}{
			"job_id":    jobID,
			"batch":     name,
			"succeeded": succeeded,
			"failed":    failed,
		})

		// A batch with zero progress would refetch the same items forever.
		if succeeded == 0 {
			b.finish(jobID, totalSucceeded, totalFailed,
				cferrors.Errorf(cferrors.KindEmbeddingFailure, "ingest.run",
					"batch %d made no progress, aborting", batchNum))
			return
		}

		if err := b.limiter.Wait(ctx); err != nil {
			b.finish(jobID, totalSucceeded, totalFailed, err)
			return
		}
	}

	b.finish(jobID, totalSucceeded, totalFailed, nil)
}

// processBatch embeds and stores each item, bounded by maxConcurrent.
func (b *Builder) processBatch(ctx context.Context, items []models.Item) (succeeded, failed int) {
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.maxConcurrent)

	for _, item := range items {
		item := item
		g.Go(func() error {
			err := b.embedItem(gctx, item)
			mu.Lock()
			if err != nil {
				failed++
			} else {
				succeeded++
			}
			mu.Unlock()
			if err != nil {
				b.logger.Warn("Embedding failed for item", map[string]interface{}{
					"item_id": item.DisplayID(),
					"error":   err.Error(),
				})
			}
			// Individual failures are tallied, not fatal to the batch.
			return nil
		})
	}
	_ = g.Wait()
	return succeeded, failed
}

func (b *Builder) embedItem(ctx context.Context, item models.Item) error {
	text := documentText(item)
	if text == "" {
		return cferrors.Errorf(cferrors.KindInvalidArgument, "ingest.embed",
			"item %s has no embeddable text", item.DisplayID())
	}
	result, err := b.embedder.Embed(ctx, text)
	if err != nil {
		return err
	}
	return b.store.UpdateEmbedding(ctx, item.ID, result.Vector)
}

func (b *Builder) finish(jobID string, succeeded, failed int, err error) {
	status := jobs.StatusCompleted
	msg := ""
	if err != nil {
		msg = err.Error()
		status = jobs.StatusFailed
	} else if failed > 0 && succeeded == 0 {
		status = jobs.StatusFailed
		msg = "no embeddings could be built"
	}
	_ = b.registry.Update(jobID, func(j *jobs.Job) { j.Total = succeeded + failed })
	_ = b.registry.Complete(jobID, status, msg)
	b.logger.Info("Embedding build finished", map[string]interface{}{
		"job_id":    jobID,
		"status":    string(status),
		"succeeded": succeeded,
		"failed":    failed,
	})
}

// documentText concatenates the searchable fields of either projection into
// the text that gets embedded.
func documentText(item models.Item) string {
	parts := []string{
		item.DisplayTitle(),
		item.Module,
		item.Description,
		item.Steps,
		item.ExpectedResults,
		item.BusinessValue,
		item.AcceptanceCriteria,
	}
	nonEmpty := parts[:0]
	for _, p := range parts {
		if p != "" {
			nonEmpty = append(nonEmpty, p)
		}
	}
	return strings.Join(nonEmpty, "\n")
}
