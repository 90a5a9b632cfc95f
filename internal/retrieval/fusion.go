package retrieval

import (
	"sort"

	cferrors "github.com/caseforge/caseforge/internal/errors"
	"github.com/caseforge/caseforge/internal/models"
)

// FusionMethod selects how the two rankings are combined.
type FusionMethod string

const (
	// FusionRRF sums reciprocal-rank contributions 1/(k+rank) with k=60.
	FusionRRF FusionMethod = "rrf"
	// FusionWeighted combines min-max normalised scores under source weights.
	FusionWeighted FusionMethod = "weighted"
	// FusionReciprocal combines plain reciprocal ranks under source weights.
	FusionReciprocal FusionMethod = "reciprocal"
)

// rrfK is the standard RRF smoothing constant.
const rrfK = 60

// Weights are the per-source fusion weights. They are renormalised to sum
// to 1 before use.
type Weights struct {
	Lexical float64 `json:"lexical"`
	Vector  float64 `json:"vector"`
}

// DefaultWeights returns the service defaults: bm25 0.4, vector 0.6.
func DefaultWeights() Weights {
	return Weights{Lexical: 0.4, Vector: 0.6}
}

func (w Weights) normalised() (Weights, error) {
	if w.Lexical < 0 || w.Vector < 0 {
		return Weights{}, cferrors.Errorf(cferrors.KindInvalidArgument, "fusion.weights",
			"weights must be non-negative, got lexical=%v vector=%v", w.Lexical, w.Vector)
	}
	total := w.Lexical + w.Vector
	if total == 0 {
		return Weights{}, cferrors.Errorf(cferrors.KindInvalidArgument, "fusion.weights",
			"at least one weight must be positive")
	}
	return Weights{Lexical: w.Lexical / total, Vector: w.Vector / total}, nil
}

// ParseFusionMethod validates a caller-supplied method name.
func ParseFusionMethod(s string) (FusionMethod, error) {
	switch FusionMethod(s) {
	case FusionRRF, FusionWeighted, FusionReciprocal:
		return FusionMethod(s), nil
	case "":
		return FusionRRF, nil
	default:
		return "", cferrors.Errorf(cferrors.KindInvalidArgument, "fusion.method",
			"unknown fusion method %q", s)
	}
}

// Fuse combines the lexical and vector candidate lists into one ranking.
// The output is never longer than the sum of the inputs and is truncated to
// limit when limit > 0. Ties break on the lower original rank in the source
// an item appeared in first, then lexicographic id.
func Fuse(lexical, vector []models.Candidate, method FusionMethod, weights Weights, limit int) ([]models.RankedCandidate, error) {
	w, err := weights.normalised()
	if err != nil {
		return nil, err
	}
	switch method {
	case FusionRRF, FusionWeighted, FusionReciprocal:
	default:
		return nil, cferrors.Errorf(cferrors.KindInvalidArgument, "fusion.method",
			"unknown fusion method %q", string(method))
	}

	lexNorm := minMaxNormalise(lexical)
	vecNorm := minMaxNormalise(vector)

	// Union keyed by item id; ranks are 1-based within each source.
	union := make(map[string]*models.RankedCandidate, len(lexical)+len(vector))
	order := make([]string, 0, len(lexical)+len(vector))

	for i, c := range lexical {
		key := c.Item.DisplayID()
		rc := &models.RankedCandidate{
			Item:         c.Item,
			LexicalScore: c.RawScore,
			LexicalNorm:  lexNorm[i],
			LexicalRank:  i + 1,
			Sources:      []models.Source{models.SourceLexical},
		}
		union[key] = rc
		order = append(order, key)
	}
	for i, c := range vector {
		key := c.Item.DisplayID()
		if rc, ok := union[key]; ok {
			rc.VectorScore = c.RawScore
			rc.VectorNorm = vecNorm[i]
			rc.VectorRank = i + 1
			rc.Sources = append(rc.Sources, models.SourceVector)
			continue
		}
		rc := &models.RankedCandidate{
			Item:        c.Item,
			VectorScore: c.RawScore,
			VectorNorm:  vecNorm[i],
			VectorRank:  i + 1,
			Sources:     []models.Source{models.SourceVector},
		}
		union[key] = rc
		order = append(order, key)
	}

	for _, key := range order {
		rc := union[key]
		rc.FusedScore = fusedScore(rc, method, w)
	}

	fused := make([]models.RankedCandidate, 0, len(order))
	for _, key := range order {
		fused = append(fused, *union[key])
	}

	sort.SliceStable(fused, func(i, j int) bool {
		if fused[i].FusedScore != fused[j].FusedScore {
			return fused[i].FusedScore > fused[j].FusedScore
		}
		ri, rj := fused[i].BestSourceRank(), fused[j].BestSourceRank()
		if ri != rj {
			return ri < rj
		}
		return fused[i].Item.DisplayID() < fused[j].Item.DisplayID()
	})

	for i := range fused {
		if best := fused[i].BestSourceRank(); best > 0 {
			fused[i].RankChange = best - (i + 1)
		}
	}

	if limit > 0 && len(fused) > limit {
		fused = fused[:limit]
	}
	return fused, nil
}

// fusedScore computes one candidate's fused score. A missing source
// contributes 0 under every policy.
func fusedScore(rc *models.RankedCandidate, method FusionMethod, w Weights) float64 {
	switch method {
	case FusionRRF:
		score := 0.0
		if rc.LexicalRank > 0 {
			score += 1.0 / float64(rrfK+rc.LexicalRank)
		}
		if rc.VectorRank > 0 {
			score += 1.0 / float64(rrfK+rc.VectorRank)
		}
		return score
	case FusionWeighted:
		return w.Lexical*rc.LexicalNorm + w.Vector*rc.VectorNorm
	default: // FusionReciprocal
		score := 0.0
		if rc.LexicalRank > 0 {
			score += w.Lexical / float64(rc.LexicalRank)
		}
		if rc.VectorRank > 0 {
			score += w.Vector / float64(rc.VectorRank)
		}
		return score
	}
}

// minMaxNormalise maps each list's raw scores linearly onto [0, 1]. When
// max == min every entry normalises to 1.0, so a non-empty list always
// reaches 1.0 at the top.
func minMaxNormalise(candidates []models.Candidate) []float64 {
	if len(candidates) == 0 {
		return nil
	}
	min, max := candidates[0].RawScore, candidates[0].RawScore
	for _, c := range candidates[1:] {
		if c.RawScore < min {
			min = c.RawScore
		}
		if c.RawScore > max {
			max = c.RawScore
		}
	}
	norms := make([]float64, len(candidates))
	if max == min {
		for i := range norms {
			norms[i] = 1.0
		}
		return norms
	}
	span := max - min
	for i, c := range candidates {
		norms[i] = (c.RawScore - min) / span
	}
	return norms
}
