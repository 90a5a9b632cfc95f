// Package backend abstracts the search backend behind the two primitives the
// pipeline needs: a weighted-field text search and an approximate
// nearest-neighbour vector search, both with equality filters.
package backend

import (
	"context"

	"github.com/caseforge/caseforge/internal/models"
)

// DefaultFieldWeights are the per-field boosts for lexical search.
func DefaultFieldWeights() map[string]float64 {
	return map[string]float64{
		"id":              10.0,
		"title":           8.0,
		"module":          5.0,
		"description":     2.0,
		"expectedResults": 1.5,
		"steps":           1.0,
		"preRequisites":   0.8,
	}
}

// TextQuery describes a weighted-field lexical search.
type TextQuery struct {
	Query        string
	FieldWeights map[string]float64
	Filters      map[string]interface{}
	Limit        int
}

// VectorQuery describes an ANN search over the embedding index.
type VectorQuery struct {
	Vector        []float32
	Filters       map[string]interface{}
	Limit         int
	NumCandidates int
}

// Hit is one scored item from either primitive.
type Hit struct {
	Item  models.Item
	Score float64
}

// Store is the opaque search backend.
type Store interface {
	// SearchText runs the lexical primitive: per-field boosts, single-edit
	// fuzziness, two-character prefix locked. An empty result is not an
	// error.
	SearchText(ctx context.Context, q TextQuery) ([]Hit, error)
	// SearchVector runs the ANN primitive; scores are cosine-derived in
	// [0, 1].
	SearchVector(ctx context.Context, q VectorQuery) ([]Hit, error)
	// DistinctValues lists the distinct values of the given metadata fields.
	DistinctValues(ctx context.Context, fields []string) (map[string][]string, error)
	// MissingEmbeddings returns items without a stored embedding, oldest
	// first, up to limit.
	MissingEmbeddings(ctx context.Context, limit int) ([]models.Item, error)
	// UpdateEmbedding stores the embedding vector for one item.
	UpdateEmbedding(ctx context.Context, id string, vector []float32) error
	// Ping verifies connectivity.
	Ping(ctx context.Context) error
	// Close releases the connection pool.
	Close(ctx context.Context) error
}
