// Package api exposes the retrieval pipeline over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	cferrors "github.com/caseforge/caseforge/internal/errors"
	"github.com/caseforge/caseforge/internal/jobs"
	"github.com/caseforge/caseforge/internal/pipeline"
	"github.com/caseforge/caseforge/internal/preprocess"
	"github.com/caseforge/caseforge/pkg/observability"
)

// PipelineRunner runs the full retrieval pipeline.
type PipelineRunner interface {
	Run(ctx context.Context, req pipeline.Request) (*pipeline.Response, error)
}

// JobStarter kicks off an asynchronous embedding build.
type JobStarter interface {
	Start(ctx context.Context) jobs.Job
}

// MetadataStore serves the metadata endpoints and the health probe.
type MetadataStore interface {
	DistinctValues(ctx context.Context, fields []string) (map[string][]string, error)
	Ping(ctx context.Context) error
}

// Config wires the server's collaborators.
type Config struct {
	Pipeline   PipelineRunner
	Lexical    pipeline.LexicalSearcher
	Vector     pipeline.VectorSearcher
	Summarizer pipeline.SummaryProvider
	Normalizer *preprocess.Normalizer
	Registry   *jobs.Registry
	Builder    JobStarter
	Metadata   MetadataStore

	MaxBodyBytes int64
	DefaultLimit int

	Logger  observability.Logger
	Metrics observability.MetricsClient
}

// Server holds the handlers and their collaborators.
type Server struct {
	pipeline   PipelineRunner
	lexical    pipeline.LexicalSearcher
	vector     pipeline.VectorSearcher
	summarizer pipeline.SummaryProvider
	normalizer *preprocess.Normalizer
	registry   *jobs.Registry
	builder    JobStarter
	metadata   MetadataStore

	maxBodyBytes int64
	defaultLimit int

	logger  observability.Logger
	metrics observability.MetricsClient
}

// NewServer creates the HTTP server facade.
func NewServer(cfg Config) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 50 * 1024 * 1024
	}
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = 10
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NewNoopLogger()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NewNoopMetrics()
	}
	if cfg.Normalizer == nil {
		cfg.Normalizer = preprocess.NewNormalizer(cfg.Logger)
	}
	return &Server{
		pipeline:     cfg.Pipeline,
		lexical:      cfg.Lexical,
		vector:       cfg.Vector,
		summarizer:   cfg.Summarizer,
		normalizer:   cfg.Normalizer,
		registry:     cfg.Registry,
		builder:      cfg.Builder,
		metadata:     cfg.Metadata,
		maxBodyBytes: cfg.MaxBodyBytes,
		defaultLimit: cfg.DefaultLimit,
		logger:       cfg.Logger,
		metrics:      cfg.Metrics,
	}
}

// RegisterRoutes mounts all endpoints on the engine.
func (s *Server) RegisterRoutes(r *gin.Engine) {
	r.Use(s.bodyLimit(), s.requestLog())

	r.GET("/healthz", s.handleHealth)

	apiGroup := r.Group("/api")
	{
		apiGroup.POST("/search", s.handleVectorSearch)
		apiGroup.POST("/search/bm25", s.handleLexicalSearch)
		apiGroup.POST("/search/hybrid", s.handleHybridSearch)
		apiGroup.POST("/search/rerank", s.handleRerank)
		apiGroup.POST("/search/preprocess", s.handlePreprocess)
		apiGroup.POST("/search/deduplicate", s.handleDeduplicate)
		apiGroup.POST("/search/summarize", s.handleSummarize)

		apiGroup.GET("/metadata/distinct", s.handleDistinct)

		apiGroup.GET("/jobs/active", s.handleActiveJobs)
		apiGroup.GET("/jobs/:id", s.handleJob)
		apiGroup.POST("/embeddings/build", s.handleBuildEmbeddings)
	}
}

// bodyLimit caps request bodies so oversized payloads fail fast.
func (s *Server) bodyLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.maxBodyBytes)
		}
		c.Next()
	}
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		duration := time.Since(start)
		s.metrics.RecordHistogram("http.request.duration", duration.Seconds(), map[string]string{
			"path":   c.FullPath(),
			"method": c.Request.Method,
		})
		s.logger.Info("Request handled", map[string]interface{}{
			"method":      c.Request.Method,
			"path":        c.Request.URL.Path,
			"status":      c.Writer.Status(),
			"duration_ms": duration.Milliseconds(),
		})
	}
}

// respondError writes the classified error with its mapped status code.
func (s *Server) respondError(c *gin.Context, err error) {
	status := cferrors.HTTPStatus(err)
	s.metrics.IncrementCounter("http.request.error", 1.0, map[string]string{
		"path": c.FullPath(),
		"kind": string(cferrors.KindOf(err)),
	})
	c.JSON(status, gin.H{
		"error": gin.H{
			"kind":    string(cferrors.KindOf(err)),
			"message": err.Error(),
		},
	})
}

func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if err := s.metadata.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "backend": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
