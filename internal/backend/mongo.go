package backend

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/caseforge/caseforge/internal/config"
	cferrors "github.com/caseforge/caseforge/internal/errors"
	"github.com/caseforge/caseforge/internal/models"
	"github.com/caseforge/caseforge/pkg/observability"
)

// MongoStore implements Store on a MongoDB Atlas collection carrying both a
// text search index and a vector search index.
type MongoStore struct {
	client          *mongo.Client
	collection      *mongo.Collection
	textIndexName   string
	vectorIndexName string
	logger          observability.Logger
}

// NewMongoStore connects to the backend with a bounded connection pool and
// verifies connectivity before returning.
func NewMongoStore(ctx context.Context, cfg config.BackendConfig, poolSize uint64, logger observability.Logger) (*MongoStore, error) {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}

	opts := options.Client().
		ApplyURI(cfg.URI).
		SetMaxPoolSize(poolSize)

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, cferrors.E(cferrors.KindBackendUnavailable, "backend.connect", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, cferrors.E(cferrors.KindBackendUnavailable, "backend.ping", err)
	}

	logger.Info("Connected to search backend", map[string]interface{}{
		"database":     cfg.Database,
		"collection":   cfg.Collection,
		"text_index":   cfg.TextIndexName,
		"vector_index": cfg.VectorIndexName,
		"pool_size":    poolSize,
	})

	return &MongoStore{
		client:          client,
		collection:      client.Database(cfg.Database).Collection(cfg.Collection),
		textIndexName:   cfg.TextIndexName,
		vectorIndexName: cfg.VectorIndexName,
		logger:          logger,
	}, nil
}

// scoredItem decodes a hit with its search score attached by the pipeline.
type scoredItem struct {
	models.Item `bson:",inline"`
	Score       float64 `bson:"searchScore"`
}

// SearchText issues a compound should query with per-field boosts, fuzzy
// maxEdits 1, and prefixLength 2 against the text index.
func (s *MongoStore) SearchText(ctx context.Context, q TextQuery) ([]Hit, error) {
	const op = "backend.searchText"

	weights := q.FieldWeights
	if len(weights) == 0 {
		weights = DefaultFieldWeights()
	}

	// Deterministic clause order keeps query plans and explain output stable.
	fields := make([]string, 0, len(weights))
	for f := range weights {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	should := make([]bson.M, 0, len(fields))
	for _, field := range fields {
		path := field
		if path == "id" {
			path = "_id"
		}
		should = append(should, bson.M{
			"text": bson.M{
				"query": q.Query,
				"path":  path,
				"score": bson.M{"boost": bson.M{"value": weights[field]}},
				"fuzzy": bson.M{"maxEdits": 1, "prefixLength": 2},
			},
		})
	}

	pipeline := mongo.Pipeline{
		{{Key: "$search", Value: bson.M{
			"index": s.textIndexName,
			"compound": bson.M{
				"should":             should,
				"minimumShouldMatch": 1,
			},
		}}},
		{{Key: "$addFields", Value: bson.M{"searchScore": bson.M{"$meta": "searchScore"}}}},
	}
	if match := equalityMatch(q.Filters); match != nil {
		pipeline = append(pipeline, bson.D{{Key: "$match", Value: match}})
	}
	if q.Limit > 0 {
		pipeline = append(pipeline, bson.D{{Key: "$limit", Value: q.Limit}})
	}

	return s.runSearch(ctx, op, pipeline)
}

// SearchVector queries the ANN index with the given vector.
func (s *MongoStore) SearchVector(ctx context.Context, q VectorQuery) ([]Hit, error) {
	const op = "backend.searchVector"

	numCandidates := q.NumCandidates
	if min := q.Limit * 2; numCandidates < min {
		numCandidates = min
	}
	if numCandidates < 100 {
		numCandidates = 100
	}

	vectorStage := bson.M{
		"index":         s.vectorIndexName,
		"path":          "embedding",
		"queryVector":   q.Vector,
		"numCandidates": numCandidates,
		"limit":         q.Limit,
	}
	if match := equalityMatch(q.Filters); match != nil {
		vectorStage["filter"] = match
	}

	pipeline := mongo.Pipeline{
		{{Key: "$vectorSearch", Value: vectorStage}},
		{{Key: "$addFields", Value: bson.M{"searchScore": bson.M{"$meta": "vectorSearchScore"}}}},
	}

	return s.runSearch(ctx, op, pipeline)
}

func (s *MongoStore) runSearch(ctx context.Context, op string, pipeline mongo.Pipeline) ([]Hit, error) {
	cursor, err := s.collection.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, classify(op, err)
	}
	defer func() {
		if err := cursor.Close(ctx); err != nil {
			s.logger.Warn("Failed to close cursor", map[string]interface{}{"error": err.Error()})
		}
	}()

	var hits []Hit
	for cursor.Next(ctx) {
		var doc scoredItem
		if err := cursor.Decode(&doc); err != nil {
			return nil, cferrors.E(cferrors.KindBackendUnavailable, op, fmt.Errorf("decode hit: %w", err))
		}
		hits = append(hits, Hit{Item: doc.Item, Score: doc.Score})
	}
	if err := cursor.Err(); err != nil {
		return nil, classify(op, err)
	}
	return hits, nil
}

// DistinctValues lists distinct string values per field, sorted.
func (s *MongoStore) DistinctValues(ctx context.Context, fields []string) (map[string][]string, error) {
	const op = "backend.distinct"

	out := make(map[string][]string, len(fields))
	for _, field := range fields {
		raw, err := s.collection.Distinct(ctx, field, bson.D{})
		if err != nil {
			return nil, classify(op, err)
		}
		values := make([]string, 0, len(raw))
		for _, v := range raw {
			if str, ok := v.(string); ok && str != "" {
				values = append(values, str)
			}
		}
		sort.Strings(values)
		out[field] = values
	}
	return out, nil
}

// MissingEmbeddings returns items with no stored embedding.
func (s *MongoStore) MissingEmbeddings(ctx context.Context, limit int) ([]models.Item, error) {
	const op = "backend.missingEmbeddings"

	filter := bson.M{"$or": bson.A{
		bson.M{"embedding": bson.M{"$exists": false}},
		bson.M{"embedding": bson.M{"$size": 0}},
	}}
	findOpts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}})
	if limit > 0 {
		findOpts.SetLimit(int64(limit))
	}

	cursor, err := s.collection.Find(ctx, filter, findOpts)
	if err != nil {
		return nil, classify(op, err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var items []models.Item
	if err := cursor.All(ctx, &items); err != nil {
		return nil, classify(op, err)
	}
	return items, nil
}

// UpdateEmbedding stores one item's embedding vector.
func (s *MongoStore) UpdateEmbedding(ctx context.Context, id string, vector []float32) error {
	const op = "backend.updateEmbedding"

	res, err := s.collection.UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{"embedding": vector}},
	)
	if err != nil {
		return classify(op, err)
	}
	if res.MatchedCount == 0 {
		return cferrors.Errorf(cferrors.KindNotFound, op, "item %s not found", id)
	}
	return nil
}

// Ping verifies backend connectivity.
func (s *MongoStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx, nil); err != nil {
		return classify("backend.ping", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// equalityMatch AND-composes equality predicates; absent filters are no-ops.
func equalityMatch(filters map[string]interface{}) bson.M {
	if len(filters) == 0 {
		return nil
	}
	match := bson.M{}
	for k, v := range filters {
		match[k] = v
	}
	return match
}

// classify maps driver failures onto the error taxonomy.
func classify(op string, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return cferrors.E(cferrors.KindTimeout, op, err)
	case errors.Is(err, context.Canceled):
		return cferrors.E(cferrors.KindTimeout, op, err)
	default:
		return cferrors.E(cferrors.KindBackendUnavailable, op, err)
	}
}
