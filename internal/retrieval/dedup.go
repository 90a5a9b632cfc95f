package retrieval

import (
	"strings"

	"github.com/caseforge/caseforge/internal/models"
)

// DefaultDedupThreshold is the standalone deduplication threshold; the
// pipeline uses a stricter 0.95.
const DefaultDedupThreshold = 0.85

// DedupResult splits a candidate list into kept items (original order) and
// removed near-duplicates, each carrying its nearest retained neighbour.
type DedupResult struct {
	Kept    []models.RankedCandidate
	Removed []models.RankedCandidate
}

// Deduplicate walks the input in order, comparing each candidate's title
// against the already-kept set with Jaccard similarity over lower-cased
// whitespace tokens. Candidates at or above the threshold are removed,
// tagged with the first colliding kept item. O(n²), fine for the few dozen
// candidates that reach this stage.
func Deduplicate(in []models.RankedCandidate, threshold float64) DedupResult {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultDedupThreshold
	}

	result := DedupResult{
		Kept:    make([]models.RankedCandidate, 0, len(in)),
		Removed: []models.RankedCandidate{},
	}
	keptTokens := make([]map[string]struct{}, 0, len(in))

	for _, candidate := range in {
		tokens := tokenSet(dedupText(candidate.Item))
		removed := false
		for i, kept := range keptTokens {
			similarity := jaccard(tokens, kept)
			if similarity >= threshold {
				dup := candidate
				dup.DuplicateOf = result.Kept[i].Item.DisplayID()
				dup.SimilarityScore = similarity
				result.Removed = append(result.Removed, dup)
				removed = true
				break
			}
		}
		if !removed {
			result.Kept = append(result.Kept, candidate)
			keptTokens = append(keptTokens, tokens)
		}
	}
	return result
}

// dedupText picks the comparison text: the title, or the concatenated
// document when the title is empty.
func dedupText(item models.Item) string {
	if title := item.DisplayTitle(); title != "" {
		return title
	}
	parts := []string{
		item.Description, item.Steps, item.ExpectedResults,
		item.BusinessValue, item.AcceptanceCriteria,
	}
	return strings.Join(parts, " ")
}

func tokenSet(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, tok := range strings.Fields(strings.ToLower(s)) {
		set[tok] = struct{}{}
	}
	return set
}

// jaccard computes |a∩b| / |a∪b|. Two empty sets count as identical.
func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1.0
	}
	if len(a) == 0 || len(b) == 0 {
		return 0.0
	}
	intersection := 0
	for tok := range a {
		if _, ok := b[tok]; ok {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	return float64(intersection) / float64(union)
}
