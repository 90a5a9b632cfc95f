// Package retrieval implements the candidate retrievers, score fusion, and
// near-duplicate removal stages of the pipeline.
package retrieval

import (
	"context"
	"time"

	"github.com/caseforge/caseforge/internal/backend"
	cferrors "github.com/caseforge/caseforge/internal/errors"
	"github.com/caseforge/caseforge/internal/models"
	"github.com/caseforge/caseforge/pkg/observability"
)

// LexicalRetriever issues weighted-field BM25 queries to the search backend.
type LexicalRetriever struct {
	store   backend.Store
	logger  observability.Logger
	metrics observability.MetricsClient
}

// NewLexicalRetriever creates the lexical retriever.
func NewLexicalRetriever(store backend.Store, logger observability.Logger, metrics observability.MetricsClient) *LexicalRetriever {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetrics()
	}
	return &LexicalRetriever{store: store, logger: logger, metrics: metrics}
}

// Retrieve returns at most topK candidates ordered by lexical score
// descending. No candidates is an empty list, not an error.
func (r *LexicalRetriever) Retrieve(ctx context.Context, query string, topK int, filters map[string]interface{}, fieldWeights map[string]float64) ([]models.Candidate, error) {
	const op = "retrieval.lexical"

	if query == "" {
		return nil, cferrors.Errorf(cferrors.KindInvalidArgument, op, "query cannot be empty")
	}
	if topK <= 0 {
		topK = 10
	}

	start := time.Now()
	hits, err := r.store.SearchText(ctx, backend.TextQuery{
		Query:        query,
		FieldWeights: fieldWeights,
		Filters:      filters,
		Limit:        topK,
	})
	r.metrics.RecordHistogram("retrieval.lexical.duration", time.Since(start).Seconds(), nil)
	if err != nil {
		r.metrics.IncrementCounter("retrieval.lexical.error", 1.0, nil)
		return nil, err
	}

	candidates := make([]models.Candidate, 0, len(hits))
	for _, hit := range hits {
		candidates = append(candidates, models.Candidate{
			Item:     hit.Item,
			RawScore: hit.Score,
			Source:   models.SourceLexical,
		})
	}

	r.logger.Debug("Lexical retrieval complete", map[string]interface{}{
		"query":      query,
		"candidates": len(candidates),
	})
	return candidates, nil
}
