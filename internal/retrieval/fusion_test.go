package retrieval

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cferrors "github.com/caseforge/caseforge/internal/errors"
	"github.com/caseforge/caseforge/internal/models"
)

func candidates(source models.Source, scores map[string]float64, order ...string) []models.Candidate {
	out := make([]models.Candidate, 0, len(order))
	for _, id := range order {
		out = append(out, models.Candidate{
			Item:     models.Item{ID: id, Title: "title " + id},
			RawScore: scores[id],
			Source:   source,
		})
	}
	return out
}

func fusedIDs(fused []models.RankedCandidate) []string {
	ids := make([]string, len(fused))
	for i, rc := range fused {
		ids[i] = rc.Item.ID
	}
	return ids
}

func TestFuse_OutputNeverLongerThanInputs(t *testing.T) {
	lex := candidates(models.SourceLexical, map[string]float64{"a": 9, "b": 5, "c": 2}, "a", "b", "c")
	vec := candidates(models.SourceVector, map[string]float64{"b": 0.9, "d": 0.7}, "b", "d")

	for _, method := range []FusionMethod{FusionRRF, FusionWeighted, FusionReciprocal} {
		fused, err := Fuse(lex, vec, method, DefaultWeights(), 0)
		require.NoError(t, err)
		assert.LessOrEqual(t, len(fused), len(lex)+len(vec), "method %s", method)
		// b overlaps, so the union has exactly 4 entries.
		assert.Len(t, fused, 4, "method %s", method)
	}
}

func TestFuse_RRFSymmetric(t *testing.T) {
	first := candidates(models.SourceLexical, map[string]float64{"a": 9, "b": 5, "c": 2}, "a", "b", "c")
	second := candidates(models.SourceVector, map[string]float64{"b": 0.9, "d": 0.7, "a": 0.5}, "b", "d", "a")

	forward, err := Fuse(first, second, FusionRRF, DefaultWeights(), 0)
	require.NoError(t, err)
	reversed, err := Fuse(second, first, FusionRRF, DefaultWeights(), 0)
	require.NoError(t, err)

	assert.Equal(t, fusedIDs(forward), fusedIDs(reversed))
}

func TestFuse_WeightedReproducesSingleSourceOrder(t *testing.T) {
	lex := candidates(models.SourceLexical, map[string]float64{"x": 8, "y": 4, "z": 1}, "x", "y", "z")
	vec := candidates(models.SourceVector, map[string]float64{"z": 0.95, "x": 0.6, "q": 0.4}, "z", "x", "q")

	// All weight on lexical: lexical order, vector-only items trail.
	fused, err := Fuse(lex, vec, FusionWeighted, Weights{Lexical: 1, Vector: 0}, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "y", "z", "q"}, fusedIDs(fused))

	// All weight on vector. y is vector-absent and ties with q at 0, but its
	// original lexical rank 2 beats q's vector rank 3.
	fused, err = Fuse(lex, vec, FusionWeighted, Weights{Lexical: 0, Vector: 1}, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"z", "x", "y", "q"}, fusedIDs(fused))
}

func TestFuse_WeightedEmptySourcePreservesOtherOrder(t *testing.T) {
	vec := candidates(models.SourceVector, map[string]float64{"m": 0.9, "n": 0.7, "o": 0.3}, "m", "n", "o")

	fused, err := Fuse(nil, vec, FusionWeighted, DefaultWeights(), 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"m", "n", "o"}, fusedIDs(fused))
}

func TestFuse_NormalisedScoresInRange(t *testing.T) {
	lex := candidates(models.SourceLexical, map[string]float64{"a": 12.5, "b": 3.2, "c": 0.4}, "a", "b", "c")
	vec := candidates(models.SourceVector, map[string]float64{"a": 0.91, "c": 0.88}, "a", "c")

	fused, err := Fuse(lex, vec, FusionWeighted, DefaultWeights(), 0)
	require.NoError(t, err)

	topLex, topVec := 0.0, 0.0
	for _, rc := range fused {
		assert.GreaterOrEqual(t, rc.LexicalNorm, 0.0)
		assert.LessOrEqual(t, rc.LexicalNorm, 1.0)
		assert.GreaterOrEqual(t, rc.VectorNorm, 0.0)
		assert.LessOrEqual(t, rc.VectorNorm, 1.0)
		if rc.LexicalNorm > topLex {
			topLex = rc.LexicalNorm
		}
		if rc.VectorNorm > topVec {
			topVec = rc.VectorNorm
		}
	}
	assert.Equal(t, 1.0, topLex)
	assert.Equal(t, 1.0, topVec)
}

func TestFuse_UniformScoresNormaliseToOne(t *testing.T) {
	lex := candidates(models.SourceLexical, map[string]float64{"a": 5, "b": 5}, "a", "b")

	fused, err := Fuse(lex, nil, FusionWeighted, DefaultWeights(), 0)
	require.NoError(t, err)
	for _, rc := range fused {
		assert.Equal(t, 1.0, rc.LexicalNorm)
	}
}

func TestFuse_RenormalisesWeights(t *testing.T) {
	lex := candidates(models.SourceLexical, map[string]float64{"a": 2, "b": 1}, "a", "b")
	vec := candidates(models.SourceVector, map[string]float64{"b": 0.9, "a": 0.1}, "b", "a")

	// 2:3 renormalises to 0.4:0.6, same ordering as the defaults.
	scaled, err := Fuse(lex, vec, FusionWeighted, Weights{Lexical: 2, Vector: 3}, 0)
	require.NoError(t, err)
	defaults, err := Fuse(lex, vec, FusionWeighted, DefaultWeights(), 0)
	require.NoError(t, err)

	assert.Equal(t, fusedIDs(defaults), fusedIDs(scaled))
	for i := range scaled {
		assert.InDelta(t, defaults[i].FusedScore, scaled[i].FusedScore, 1e-12)
	}
}

func TestFuse_InvalidWeights(t *testing.T) {
	lex := candidates(models.SourceLexical, map[string]float64{"a": 1}, "a")

	tests := []struct {
		name    string
		weights Weights
	}{
		{"negative lexical", Weights{Lexical: -0.5, Vector: 1}},
		{"negative vector", Weights{Lexical: 1, Vector: -1}},
		{"both zero", Weights{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Fuse(lex, nil, FusionWeighted, tt.weights, 0)
			require.Error(t, err)
			assert.Equal(t, cferrors.KindInvalidArgument, cferrors.KindOf(err))
		})
	}
}

func TestParseFusionMethod(t *testing.T) {
	m, err := ParseFusionMethod("rrf")
	require.NoError(t, err)
	assert.Equal(t, FusionRRF, m)

	m, err = ParseFusionMethod("")
	require.NoError(t, err)
	assert.Equal(t, FusionRRF, m)

	_, err = ParseFusionMethod("borda")
	require.Error(t, err)
	assert.Equal(t, cferrors.KindInvalidArgument, cferrors.KindOf(err))
}

func TestFuse_DeterministicTieBreak(t *testing.T) {
	// Identical raw scores: both normalise to 1.0, so the weighted policy
	// ties everywhere and ordering falls back to original rank then id.
	lex := candidates(models.SourceLexical, map[string]float64{"b": 5, "a": 5}, "b", "a")

	fused, err := Fuse(lex, nil, FusionWeighted, DefaultWeights(), 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a"}, fusedIDs(fused))

	// Same rank in different sources: id decides.
	vecOnly := candidates(models.SourceVector, map[string]float64{"a": 1}, "a")
	lexOnly := candidates(models.SourceLexical, map[string]float64{"b": 1}, "b")
	fused, err = Fuse(lexOnly, vecOnly, FusionRRF, DefaultWeights(), 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, fusedIDs(fused))
}

func TestFuse_TruncatesToLimit(t *testing.T) {
	lex := candidates(models.SourceLexical, map[string]float64{"a": 3, "b": 2, "c": 1}, "a", "b", "c")

	fused, err := Fuse(lex, nil, FusionRRF, DefaultWeights(), 2)
	require.NoError(t, err)
	assert.Len(t, fused, 2)
}

func TestFuse_RecordsRankChange(t *testing.T) {
	lex := candidates(models.SourceLexical, map[string]float64{"a": 9, "b": 5}, "a", "b")
	vec := candidates(models.SourceVector, map[string]float64{"b": 0.9, "c": 0.8}, "b", "c")

	fused, err := Fuse(lex, vec, FusionRRF, DefaultWeights(), 0)
	require.NoError(t, err)

	// b appears in both sources and climbs to rank 1: best original rank 1,
	// new rank 1, change 0; a falls from 1 to 2, change -1.
	require.Equal(t, "b", fused[0].Item.ID)
	assert.Equal(t, 0, fused[0].RankChange)
	require.Equal(t, "a", fused[1].Item.ID)
	assert.Equal(t, -1, fused[1].RankChange)
	assert.ElementsMatch(t, []models.Source{models.SourceLexical, models.SourceVector}, fused[0].Sources)
}

// Candidate lists survive a JSON round-trip unchanged.
func TestCandidates_JSONRoundTrip(t *testing.T) {
	lex := candidates(models.SourceLexical, map[string]float64{"a": 9, "b": 5}, "a", "b")
	vec := candidates(models.SourceVector, map[string]float64{"b": 0.9}, "b")
	fused, err := Fuse(lex, vec, FusionRRF, DefaultWeights(), 0)
	require.NoError(t, err)

	raw, err := json.Marshal(fused)
	require.NoError(t, err)
	var decoded []models.RankedCandidate
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, fused, decoded)
}

func BenchmarkFuseRRF(b *testing.B) {
	lexScores := map[string]float64{}
	vecScores := map[string]float64{}
	var lexOrder, vecOrder []string
	for i := 0; i < 100; i++ {
		id := fmt.Sprintf("item-%03d", i)
		lexScores[id] = float64(100 - i)
		lexOrder = append(lexOrder, id)
		if i%2 == 0 {
			vecScores[id] = 1 - float64(i)/100
			vecOrder = append(vecOrder, id)
		}
	}
	lex := candidates(models.SourceLexical, lexScores, lexOrder...)
	vec := candidates(models.SourceVector, vecScores, vecOrder...)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = Fuse(lex, vec, FusionRRF, DefaultWeights(), 50)
	}
}
