package retrieval

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/caseforge/caseforge/internal/backend"
	cferrors "github.com/caseforge/caseforge/internal/errors"
	"github.com/caseforge/caseforge/internal/llm"
	"github.com/caseforge/caseforge/internal/models"
	"github.com/caseforge/caseforge/pkg/observability"
)

// Embedder obtains a dense embedding for a query string.
type Embedder interface {
	Embed(ctx context.Context, input string) (*llm.EmbeddingResult, error)
}

// VectorRetriever embeds the query remotely, then searches the backend's ANN
// index. Query embeddings are cached so repeated queries skip the remote
// call.
type VectorRetriever struct {
	store     backend.Store
	embedder  Embedder
	cache     *lru.Cache[string, []float32]
	dimension int
	logger    observability.Logger
	metrics   observability.MetricsClient
}

// VectorResult carries the candidates plus the embedding call's metering.
type VectorResult struct {
	Candidates []models.Candidate
	Tokens     int
	Cost       float64
}

const embeddingCacheSize = 512

// NewVectorRetriever creates the vector retriever. dimension is the expected
// embedding length.
func NewVectorRetriever(store backend.Store, embedder Embedder, dimension int, logger observability.Logger, metrics observability.MetricsClient) *VectorRetriever {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetrics()
	}
	cache, _ := lru.New[string, []float32](embeddingCacheSize)
	return &VectorRetriever{
		store:     store,
		embedder:  embedder,
		cache:     cache,
		dimension: dimension,
		logger:    logger,
		metrics:   metrics,
	}
}

// Retrieve embeds the query and returns at most topK ANN candidates.
// numCandidates below the floor of max(topK*2, 100) is raised by the
// backend.
func (r *VectorRetriever) Retrieve(ctx context.Context, query string, topK, numCandidates int, filters map[string]interface{}) (*VectorResult, error) {
	const op = "retrieval.vector"

	if query == "" {
		return nil, cferrors.Errorf(cferrors.KindInvalidArgument, op, "query cannot be empty")
	}
	if topK <= 0 {
		topK = 10
	}

	result := &VectorResult{}
	vector, ok := r.cache.Get(query)
	if ok {
		r.metrics.IncrementCounter("retrieval.vector.cache_hit", 1.0, nil)
	} else {
		embedded, err := r.embedder.Embed(ctx, query)
		if err != nil {
			return nil, err
		}
		if r.dimension > 0 && len(embedded.Vector) != r.dimension {
			return nil, cferrors.Errorf(cferrors.KindEmbeddingFailure, op,
				"embedding dimension mismatch: got %d, want %d", len(embedded.Vector), r.dimension)
		}
		vector = embedded.Vector
		result.Tokens = embedded.Tokens
		result.Cost = embedded.Cost
		r.cache.Add(query, vector)
	}

	start := time.Now()
	hits, err := r.store.SearchVector(ctx, backend.VectorQuery{
		Vector:        vector,
		Filters:       filters,
		Limit:         topK,
		NumCandidates: numCandidates,
	})
	r.metrics.RecordHistogram("retrieval.vector.duration", time.Since(start).Seconds(), nil)
	if err != nil {
		r.metrics.IncrementCounter("retrieval.vector.error", 1.0, nil)
		return nil, err
	}

	result.Candidates = make([]models.Candidate, 0, len(hits))
	for _, hit := range hits {
		result.Candidates = append(result.Candidates, models.Candidate{
			Item:     hit.Item,
			RawScore: hit.Score,
			Source:   models.SourceVector,
		})
	}

	r.logger.Debug("Vector retrieval complete", map[string]interface{}{
		"query":      query,
		"candidates": len(result.Candidates),
		"cached":     ok,
	})
	return result, nil
}
