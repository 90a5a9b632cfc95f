// Package pipeline coordinates the retrieval stages end to end: admission,
// query normalisation, parallel lexical and vector retrieval, score fusion,
// near-duplicate removal, and summarisation.
package pipeline

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/semaphore"

	cferrors "github.com/caseforge/caseforge/internal/errors"
	"github.com/caseforge/caseforge/internal/models"
	"github.com/caseforge/caseforge/internal/preprocess"
	"github.com/caseforge/caseforge/internal/retrieval"
	"github.com/caseforge/caseforge/internal/summarize"
	"github.com/caseforge/caseforge/pkg/observability"
)

// Stage names surfaced through progress callbacks and execution records.
const (
	StageValidate    = "validate"
	StageNormalize   = "normalize"
	StageRetrieve    = "retrieve"
	StageFuse        = "fuse"
	StageDeduplicate = "deduplicate"
	StageSummarize   = "summarize"
	StageComplete    = "complete"
)

// checkpoints maps each stage to the percent reported when it finishes.
var checkpoints = map[string]int{
	StageValidate:    5,
	StageNormalize:   10,
	StageRetrieve:    35,
	StageFuse:        45,
	StageDeduplicate: 55,
	StageSummarize:   75,
	StageComplete:    100,
}

// DefaultDedupThreshold is the pipeline's near-duplicate cutoff. Stricter
// than the standalone deduplication endpoint's 0.85: inside the pipeline
// only near-identical items should be collapsed.
const DefaultDedupThreshold = 0.95

// ProgressFunc receives stage completion checkpoints in ascending order.
type ProgressFunc func(stage string, percent int)

// LexicalSearcher is the lexical retriever surface the orchestrator needs.
type LexicalSearcher interface {
	Retrieve(ctx context.Context, query string, topK int, filters map[string]interface{}, fieldWeights map[string]float64) ([]models.Candidate, error)
}

// VectorSearcher is the vector retriever surface the orchestrator needs.
type VectorSearcher interface {
	Retrieve(ctx context.Context, query string, topK, numCandidates int, filters map[string]interface{}) (*retrieval.VectorResult, error)
}

// SummaryProvider digests the surviving items.
type SummaryProvider interface {
	Summarize(ctx context.Context, items []models.Item, style summarize.Style) (*summarize.Summary, error)
}

// Defaults are the per-request fallbacks applied when the caller omits a
// value.
type Defaults struct {
	Limit          int
	RerankTopK     int
	Weights        retrieval.Weights
	DedupThreshold float64
}

// Config wires the orchestrator's collaborators and budgets.
type Config struct {
	Normalizer *preprocess.Normalizer
	Lexical    LexicalSearcher
	Vector     VectorSearcher
	Summarizer SummaryProvider

	// PoolSize bounds concurrently running pipelines; PoolWaitBudget is how
	// long admission may block before the request is rejected as busy.
	PoolSize        int64
	PoolWaitBudget  time.Duration
	RequestDeadline time.Duration

	Defaults Defaults
	Logger   observability.Logger
	Metrics  observability.MetricsClient
}

// Request is one end-to-end pipeline invocation. Omitted weights fall back
// to the configured defaults individually.
type Request struct {
	Query          string                 `json:"query"`
	Limit          int                    `json:"limit"`
	RerankTopK     int                    `json:"rerankTopK"`
	Filters        map[string]interface{} `json:"filters,omitempty"`
	FusionMethod   string                 `json:"fusionMethod"`
	BM25Weight     *float64               `json:"bm25Weight,omitempty"`
	VectorWeight   *float64               `json:"vectorWeight,omitempty"`
	FieldWeights   map[string]float64     `json:"bm25Fields,omitempty"`
	DedupThreshold float64                `json:"dedupThreshold"`
	Summarize      bool                   `json:"summarize"`
	SummaryStyle   string                 `json:"summaryType"`
	Preprocess     *preprocess.Options    `json:"preprocess,omitempty"`

	Progress ProgressFunc `json:"-"`
}

// Response is the pipeline result plus its execution trace. Fused is the
// full fused list before deduplication and the limit cut; the rerank
// endpoint uses it to reconstruct the pre-fusion ordering.
type Response struct {
	Query      models.QueryTransformation `json:"query"`
	Results    []models.RankedCandidate   `json:"results"`
	Fused      []models.RankedCandidate   `json:"-"`
	Duplicates []models.RankedCandidate   `json:"duplicates,omitempty"`
	Summary    *summarize.Summary         `json:"summary,omitempty"`
	Execution  models.ExecutionRecord     `json:"execution"`
}

// Orchestrator runs the full pipeline under an admission semaphore and a
// request deadline.
type Orchestrator struct {
	normalizer *preprocess.Normalizer
	lexical    LexicalSearcher
	vector     VectorSearcher
	summarizer SummaryProvider

	sem        *semaphore.Weighted
	waitBudget time.Duration
	deadline   time.Duration
	defaults   Defaults

	logger  observability.Logger
	metrics observability.MetricsClient
}

// New creates an orchestrator from the given configuration.
func New(cfg Config) *Orchestrator {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 20
	}
	if cfg.PoolWaitBudget <= 0 {
		cfg.PoolWaitBudget = 2 * time.Second
	}
	if cfg.RequestDeadline <= 0 {
		cfg.RequestDeadline = 5 * time.Minute
	}
	if cfg.Defaults.Limit <= 0 {
		cfg.Defaults.Limit = 10
	}
	if cfg.Defaults.RerankTopK <= 0 {
		cfg.Defaults.RerankTopK = 50
	}
	if cfg.Defaults.Weights.Lexical == 0 && cfg.Defaults.Weights.Vector == 0 {
		cfg.Defaults.Weights = retrieval.DefaultWeights()
	}
	if cfg.Defaults.DedupThreshold <= 0 || cfg.Defaults.DedupThreshold > 1 {
		cfg.Defaults.DedupThreshold = DefaultDedupThreshold
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
	return &Orchestrator{
		normalizer: cfg.Normalizer,
		lexical:    cfg.Lexical,
		vector:     cfg.Vector,
		summarizer: cfg.Summarizer,
		sem:        semaphore.NewWeighted(cfg.PoolSize),
		waitBudget: cfg.PoolWaitBudget,
		deadline:   cfg.RequestDeadline,
		defaults:   cfg.Defaults,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
	}
}

type retrievalOutcome struct {
	source     models.Source
	candidates []models.Candidate
	tokens     int
	cost       float64
	duration   time.Duration
	err        error
}

// Run executes the full pipeline for one request.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*Response, error) {
	const op = "pipeline.run"

	release, err := o.admit(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	ctx, cancel := context.WithTimeout(ctx, o.deadline)
	defer cancel()

	started := time.Now()
	resp := &Response{}
	report := func(stage string) {
		if req.Progress != nil {
			req.Progress(stage, checkpoints[stage])
		}
	}

	// Validate.
	if req.Query == "" {
		return nil, cferrors.Errorf(cferrors.KindInvalidArgument, op, "query cannot be empty")
	}
	method, err := retrieval.ParseFusionMethod(req.FusionMethod)
	if err != nil {
		return nil, err
	}
	weights := o.defaults.Weights
	if req.BM25Weight != nil {
		weights.Lexical = *req.BM25Weight
	}
	if req.VectorWeight != nil {
		weights.Vector = *req.VectorWeight
	}
	limit := req.Limit
	if limit <= 0 {
		limit = o.defaults.Limit
	}
	topK := req.RerankTopK
	if topK <= 0 {
		topK = o.defaults.RerankTopK
	}
	threshold := req.DedupThreshold
	if threshold <= 0 || threshold > 1 {
		threshold = o.defaults.DedupThreshold
	}
	report(StageValidate)

	// Normalise.
	stageStart := time.Now()
	opts := preprocess.DefaultOptions()
	if req.Preprocess != nil {
		opts = *req.Preprocess
	}
	resp.Query = o.normalizer.Transform(req.Query, opts)
	query := resp.Query.Normalized
	if query == "" {
		return nil, cferrors.Errorf(cferrors.KindInvalidArgument, op, "query is empty after normalisation")
	}
	resp.Execution.AddStage(models.StageRecord{
		Name:       StageNormalize,
		DurationMS: time.Since(stageStart).Milliseconds(),
	})
	report(StageNormalize)

	// Retrieve from both sources in parallel.
	stageStart = time.Now()
	lexical, vector, embedTokens, embedCost, err := o.retrieveParallel(ctx, query, topK, req.Filters, req.FieldWeights, resp)
	if err != nil {
		return nil, err
	}
	resp.Execution.AddStage(models.StageRecord{
		Name:          StageRetrieve,
		DurationMS:    time.Since(stageStart).Milliseconds(),
		CandidatesOut: len(lexical) + len(vector),
		Tokens:        models.TokenUsage{TotalTokens: embedTokens},
		Cost:          embedCost,
	})
	report(StageRetrieve)

	// Fuse.
	stageStart = time.Now()
	fused, err := retrieval.Fuse(lexical, vector, method, weights, 0)
	if err != nil {
		return nil, err
	}
	resp.Fused = fused
	resp.Execution.AddStage(models.StageRecord{
		Name:          StageFuse,
		DurationMS:    time.Since(stageStart).Milliseconds(),
		CandidatesIn:  len(lexical) + len(vector),
		CandidatesOut: len(fused),
	})
	report(StageFuse)

	// Deduplicate, then cut to the requested page size.
	stageStart = time.Now()
	deduped := retrieval.Deduplicate(fused, threshold)
	resp.Results = deduped.Kept
	resp.Duplicates = deduped.Removed
	if len(resp.Results) > limit {
		resp.Results = resp.Results[:limit]
	}
	resp.Execution.AddStage(models.StageRecord{
		Name:          StageDeduplicate,
		DurationMS:    time.Since(stageStart).Milliseconds(),
		CandidatesIn:  len(fused),
		CandidatesOut: len(resp.Results),
	})
	report(StageDeduplicate)

	// Summarise. Failure here never fails the request: the results are still
	// useful without the digest.
	if req.Summarize && o.summarizer != nil && len(resp.Results) > 0 {
		o.summarizeStage(ctx, req, resp)
	}
	report(StageSummarize)

	resp.Execution.TotalMS = time.Since(started).Milliseconds()
	report(StageComplete)

	o.metrics.RecordHistogram("pipeline.duration", time.Since(started).Seconds(),
		map[string]string{"method": string(method)})
	o.logger.Info("Pipeline complete", map[string]interface{}{
		"query":      req.Query,
		"results":    len(resp.Results),
		"duplicates": len(resp.Duplicates),
		"degraded":   resp.Execution.Degraded,
		"total_ms":   resp.Execution.TotalMS,
	})
	return resp, nil
}

// admit acquires an execution slot within the wait budget.
func (o *Orchestrator) admit(ctx context.Context) (func(), error) {
	waitCtx, cancel := context.WithTimeout(ctx, o.waitBudget)
	defer cancel()

	if err := o.sem.Acquire(waitCtx, 1); err != nil {
		// The caller's own context ending is a deadline problem, not pool
		// saturation.
		if ctx.Err() != nil {
			return nil, cferrors.E(cferrors.KindTimeout, "pipeline.admit", ctx.Err())
		}
		o.metrics.IncrementCounter("pipeline.rejected", 1.0, nil)
		return nil, cferrors.Errorf(cferrors.KindBusy, "pipeline.admit",
			"all %s of pool wait budget elapsed", o.waitBudget)
	}
	return func() { o.sem.Release(1) }, nil
}

// retrieveParallel fans out to both retrievers. A single source failing
// degrades the response to the surviving source; both failing fails the
// request.
func (o *Orchestrator) retrieveParallel(ctx context.Context, query string, topK int, filters map[string]interface{}, fieldWeights map[string]float64, resp *Response) ([]models.Candidate, []models.Candidate, int, float64, error) {
	results := make(chan retrievalOutcome, 2)

	go func() {
		start := time.Now()
		candidates, err := o.lexical.Retrieve(ctx, query, topK, filters, fieldWeights)
		results <- retrievalOutcome{
			source:     models.SourceLexical,
			candidates: candidates,
			duration:   time.Since(start),
			err:        err,
		}
	}()
	go func() {
		start := time.Now()
		vr, err := o.vector.Retrieve(ctx, query, topK, 0, filters)
		outcome := retrievalOutcome{source: models.SourceVector, duration: time.Since(start), err: err}
		if vr != nil {
			outcome.candidates = vr.Candidates
			outcome.tokens = vr.Tokens
			outcome.cost = vr.Cost
		}
		results <- outcome
	}()

	var lexical, vector []models.Candidate
	var lexErr, vecErr error
	var tokens int
	var cost float64
	for i := 0; i < 2; i++ {
		outcome := <-results
		switch outcome.source {
		case models.SourceLexical:
			lexical, lexErr = outcome.candidates, outcome.err
		case models.SourceVector:
			vector, vecErr = outcome.candidates, outcome.err
			tokens, cost = outcome.tokens, outcome.cost
		}
	}

	if lexErr != nil && vecErr != nil {
		return nil, nil, 0, 0, cferrors.E(cferrors.KindBackendUnavailable, "pipeline.retrieve",
			errors.Join(lexErr, vecErr))
	}
	if vecErr != nil {
		resp.Execution.Degraded = true
		resp.Execution.Warnings = append(resp.Execution.Warnings,
			"vector retrieval unavailable, results are lexical-only: "+vecErr.Error())
		o.metrics.IncrementCounter("pipeline.degraded", 1.0, map[string]string{"source": "vector"})
		o.logger.Warn("Vector retrieval failed, continuing lexical-only", map[string]interface{}{
			"error": vecErr.Error(),
		})
	}
	if lexErr != nil {
		resp.Execution.Degraded = true
		resp.Execution.Warnings = append(resp.Execution.Warnings,
			"lexical retrieval unavailable, results are vector-only: "+lexErr.Error())
		o.metrics.IncrementCounter("pipeline.degraded", 1.0, map[string]string{"source": "lexical"})
		o.logger.Warn("Lexical retrieval failed, continuing vector-only", map[string]interface{}{
			"error": lexErr.Error(),
		})
	}
	return lexical, vector, tokens, cost, nil
}

func (o *Orchestrator) summarizeStage(ctx context.Context, req Request, resp *Response) {
	style, err := summarize.ParseStyle(req.SummaryStyle)
	if err != nil {
		resp.Execution.Warnings = append(resp.Execution.Warnings, err.Error())
		return
	}

	items := make([]models.Item, 0, len(resp.Results))
	for _, rc := range resp.Results {
		items = append(items, rc.Item)
	}

	stageStart := time.Now()
	summary, err := o.summarizer.Summarize(ctx, items, style)
	record := models.StageRecord{
		Name:         StageSummarize,
		DurationMS:   time.Since(stageStart).Milliseconds(),
		CandidatesIn: len(items),
	}
	if err != nil {
		record.Error = err.Error()
		resp.Execution.Warnings = append(resp.Execution.Warnings,
			"summary unavailable: "+err.Error())
		o.metrics.IncrementCounter("pipeline.summary_failed", 1.0, nil)
		o.logger.Warn("Summarisation failed, returning results without digest", map[string]interface{}{
			"error": err.Error(),
		})
	} else {
		resp.Summary = summary
		record.Tokens = summary.Tokens
		record.Cost = summary.Cost
		resp.Execution.Warnings = append(resp.Execution.Warnings, summary.Warnings...)
	}
	resp.Execution.AddStage(record)
}
