package api

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	cferrors "github.com/caseforge/caseforge/internal/errors"
	"github.com/caseforge/caseforge/internal/models"
	"github.com/caseforge/caseforge/internal/pipeline"
	"github.com/caseforge/caseforge/internal/preprocess"
	"github.com/caseforge/caseforge/internal/retrieval"
	"github.com/caseforge/caseforge/internal/summarize"
)

type vectorSearchRequest struct {
	Query         string                 `json:"query"`
	Limit         int                    `json:"limit"`
	NumCandidates int                    `json:"numCandidates"`
	Filters       map[string]interface{} `json:"filters,omitempty"`
}

func (s *Server) handleVectorSearch(c *gin.Context) {
	var req vectorSearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, cferrors.E(cferrors.KindInvalidArgument, "api.search", err))
		return
	}
	if req.Limit <= 0 {
		req.Limit = s.defaultLimit
	}

	transformation := s.normalizer.Transform(req.Query, preprocess.DefaultOptions())
	if transformation.Normalized == "" {
		s.respondError(c, cferrors.Errorf(cferrors.KindInvalidArgument, "api.search", "query cannot be empty"))
		return
	}

	result, err := s.vector.Retrieve(c.Request.Context(), transformation.Normalized, req.Limit, req.NumCandidates, req.Filters)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"query":   transformation,
		"filters": req.Filters,
		"results": result.Candidates,
		"tokens":  result.Tokens,
		"cost":    result.Cost,
	})
}

type lexicalSearchRequest struct {
	Query        string                 `json:"query"`
	Limit        int                    `json:"limit"`
	Filters      map[string]interface{} `json:"filters,omitempty"`
	FieldWeights map[string]float64     `json:"fields,omitempty"`
}

func (s *Server) handleLexicalSearch(c *gin.Context) {
	var req lexicalSearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, cferrors.E(cferrors.KindInvalidArgument, "api.search.bm25", err))
		return
	}
	if req.Limit <= 0 {
		req.Limit = s.defaultLimit
	}

	transformation := s.normalizer.Transform(req.Query, preprocess.DefaultOptions())
	if transformation.Normalized == "" {
		s.respondError(c, cferrors.Errorf(cferrors.KindInvalidArgument, "api.search.bm25", "query cannot be empty"))
		return
	}

	start := time.Now()
	candidates, err := s.lexical.Retrieve(c.Request.Context(), transformation.Normalized, req.Limit, req.Filters, req.FieldWeights)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"searchType": "bm25",
		"query":      transformation,
		"results":    candidates,
		"count":      len(candidates),
		"searchTime": time.Since(start).Milliseconds(),
	})
}

func (s *Server) handleHybridSearch(c *gin.Context) {
	var req pipeline.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, cferrors.E(cferrors.KindInvalidArgument, "api.search.hybrid", err))
		return
	}
	// Hybrid defaults to weighted fusion; the explicit-policy surface is the
	// rerank endpoint.
	if req.FusionMethod == "" {
		req.FusionMethod = string(retrieval.FusionWeighted)
	}
	req.Progress = s.logProgress(req.Query)

	resp, err := s.pipeline.Run(c.Request.Context(), req)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"searchType": "hybrid",
		"query":      resp.Query,
		"results":    resp.Results,
		"duplicates": resp.Duplicates,
		"summary":    resp.Summary,
		"stats":      resp.Execution,
		"timing":     resp.Execution.TotalMS,
		"cost":       resp.Execution.TotalCost,
		"tokens":     resp.Execution.Tokens,
	})
}

// handleRerank runs the full pipeline and reports the ordering both before
// fusion (the full fused set, deduplicates included, by best original
// source rank) and after.
func (s *Server) handleRerank(c *gin.Context) {
	var req pipeline.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, cferrors.E(cferrors.KindInvalidArgument, "api.search.rerank", err))
		return
	}
	req.Progress = s.logProgress(req.Query)

	resp, err := s.pipeline.Run(c.Request.Context(), req)
	if err != nil {
		s.respondError(c, err)
		return
	}

	method, _ := retrieval.ParseFusionMethod(req.FusionMethod)

	before := make([]models.RankedCandidate, len(resp.Fused))
	copy(before, resp.Fused)
	sort.SliceStable(before, func(i, j int) bool {
		return before[i].BestSourceRank() < before[j].BestSourceRank()
	})

	c.JSON(http.StatusOK, gin.H{
		"success":         true,
		"fusionMethod":    string(method),
		"query":           resp.Query,
		"results":         resp.Results,
		"beforeReranking": before,
		"afterReranking":  resp.Results,
		"duplicates":      resp.Duplicates,
		"summary":         resp.Summary,
		"stats":           resp.Execution,
		"timing":          resp.Execution.TotalMS,
		"cost":            resp.Execution.TotalCost,
		"tokens":          resp.Execution.Tokens,
	})
}

// logProgress surfaces pipeline stage checkpoints in the request log.
func (s *Server) logProgress(query string) pipeline.ProgressFunc {
	return func(stage string, percent int) {
		s.logger.Debug("Pipeline stage complete", map[string]interface{}{
			"query":   query,
			"stage":   stage,
			"percent": percent,
		})
	}
}

type preprocessRequest struct {
	Query   string              `json:"query"`
	Options *preprocess.Options `json:"options,omitempty"`
}

func (s *Server) handlePreprocess(c *gin.Context) {
	var req preprocessRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, cferrors.E(cferrors.KindInvalidArgument, "api.preprocess", err))
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		s.respondError(c, cferrors.Errorf(cferrors.KindInvalidArgument, "api.preprocess", "query cannot be empty"))
		return
	}

	opts := preprocess.DefaultOptions()
	if req.Options != nil {
		opts = *req.Options
	}
	c.JSON(http.StatusOK, s.normalizer.Transform(req.Query, opts))
}

type deduplicateRequest struct {
	Results   []models.RankedCandidate `json:"results"`
	Threshold float64                  `json:"threshold"`
}

func (s *Server) handleDeduplicate(c *gin.Context) {
	var req deduplicateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, cferrors.E(cferrors.KindInvalidArgument, "api.deduplicate", err))
		return
	}

	threshold := req.Threshold
	if threshold <= 0 || threshold > 1 {
		threshold = retrieval.DefaultDedupThreshold
	}
	result := retrieval.Deduplicate(req.Results, threshold)

	c.JSON(http.StatusOK, gin.H{
		"deduplicated": result.Kept,
		"duplicates":   result.Removed,
		"stats": gin.H{
			"input":     len(req.Results),
			"kept":      len(result.Kept),
			"removed":   len(result.Removed),
			"threshold": threshold,
		},
	})
}

type summarizeRequest struct {
	Items       []models.Item            `json:"items,omitempty"`
	Results     []models.RankedCandidate `json:"results,omitempty"`
	SummaryType string                   `json:"summaryType"`
}

func (s *Server) handleSummarize(c *gin.Context) {
	var req summarizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, cferrors.E(cferrors.KindInvalidArgument, "api.summarize", err))
		return
	}

	style, err := summarize.ParseStyle(req.SummaryType)
	if err != nil {
		s.respondError(c, err)
		return
	}

	items := req.Items
	if len(items) == 0 {
		for _, rc := range req.Results {
			items = append(items, rc.Item)
		}
	}

	summary, err := s.summarizer.Summarize(c.Request.Context(), items, style)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

// defaultDistinctFields are the metadata facets exposed without an explicit
// fields parameter, with the plural key each reports under.
var defaultDistinctFields = []string{"module", "priority", "risk", "type"}

var distinctFieldKeys = map[string]string{
	"module":   "modules",
	"priority": "priorities",
	"risk":     "risks",
	"type":     "types",
}

func (s *Server) handleDistinct(c *gin.Context) {
	fields := defaultDistinctFields
	if raw := c.Query("fields"); raw != "" {
		fields = nil
		for _, f := range strings.Split(raw, ",") {
			if f = strings.TrimSpace(f); f != "" {
				fields = append(fields, f)
			}
		}
	}
	if len(fields) == 0 {
		s.respondError(c, cferrors.Errorf(cferrors.KindInvalidArgument, "api.distinct", "no fields requested"))
		return
	}

	values, err := s.metadata.DistinctValues(c.Request.Context(), fields)
	if err != nil {
		s.respondError(c, err)
		return
	}

	out := gin.H{}
	for field, vals := range values {
		key, ok := distinctFieldKeys[field]
		if !ok {
			key = field
		}
		out[key] = vals
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleJob(c *gin.Context) {
	job, err := s.registry.Get(c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (s *Server) handleActiveJobs(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"jobs": s.registry.ListActive()})
}

func (s *Server) handleBuildEmbeddings(c *gin.Context) {
	// The build outlives the request, so detach it from the request context.
	job := s.builder.Start(context.WithoutCancel(c.Request.Context()))
	c.JSON(http.StatusAccepted, job)
}
