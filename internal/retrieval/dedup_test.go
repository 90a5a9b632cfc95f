package retrieval

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caseforge/caseforge/internal/models"
)

func ranked(id, title string) models.RankedCandidate {
	return models.RankedCandidate{Item: models.Item{ID: id, Title: title}}
}

func TestDeduplicate_RemovesIdenticalTitles(t *testing.T) {
	in := []models.RankedCandidate{
		ranked("tc-1", "Patient registration with valid data"),
		ranked("tc-2", "Patient Consent Verification - WhatsApp Communication"),
		ranked("tc-3", "Appointment booking cancellation flow"),
		ranked("tc-4", "Patient Consent Verification - WhatsApp Communication"),
		ranked("tc-5", "Lab report download as PDF"),
	}

	result := Deduplicate(in, 0.85)

	require.Len(t, result.Kept, 4)
	require.Len(t, result.Removed, 1)
	assert.Equal(t, "tc-4", result.Removed[0].Item.ID)
	assert.Equal(t, "tc-2", result.Removed[0].DuplicateOf)
	assert.Equal(t, 1.0, result.Removed[0].SimilarityScore)
}

func TestDeduplicate_PreservesOriginalOrder(t *testing.T) {
	in := []models.RankedCandidate{
		ranked("c", "gamma title three"),
		ranked("a", "alpha title one"),
		ranked("b", "beta title two"),
	}

	result := Deduplicate(in, 0.85)

	require.Len(t, result.Kept, 3)
	assert.Equal(t, "c", result.Kept[0].Item.ID)
	assert.Equal(t, "a", result.Kept[1].Item.ID)
	assert.Equal(t, "b", result.Kept[2].Item.ID)
}

// At threshold 1.0 only byte-identical token sets collide, so no two kept
// items share an identical title.
func TestDeduplicate_StrictThreshold(t *testing.T) {
	in := []models.RankedCandidate{
		ranked("1", "patient consent whatsapp"),
		ranked("2", "patient consent whatsapp"),
		ranked("3", "patient consent whatsapp flow"),
	}

	result := Deduplicate(in, 1.0)

	require.Len(t, result.Kept, 2)
	titles := map[string]bool{}
	for _, rc := range result.Kept {
		require.False(t, titles[rc.Item.Title], "duplicate title kept: %s", rc.Item.Title)
		titles[rc.Item.Title] = true
	}
}

func TestDeduplicate_NearDuplicateBelowThresholdKept(t *testing.T) {
	in := []models.RankedCandidate{
		ranked("1", "patient consent verification whatsapp"),
		ranked("2", "doctor schedule availability calendar"),
	}

	result := Deduplicate(in, 0.85)

	assert.Len(t, result.Kept, 2)
	assert.Empty(t, result.Removed)
}

func TestDeduplicate_EmptyInput(t *testing.T) {
	result := Deduplicate(nil, 0.85)

	assert.Empty(t, result.Kept)
	assert.Empty(t, result.Removed)
}

func TestDeduplicate_FallsBackToDocumentWhenTitleEmpty(t *testing.T) {
	a := models.RankedCandidate{Item: models.Item{
		ID:          "1",
		Description: "verify consent is captured before sending whatsapp messages",
	}}
	b := models.RankedCandidate{Item: models.Item{
		ID:          "2",
		Description: "verify consent is captured before sending whatsapp messages",
	}}

	result := Deduplicate([]models.RankedCandidate{a, b}, 0.85)

	require.Len(t, result.Kept, 1)
	require.Len(t, result.Removed, 1)
	assert.Equal(t, "1", result.Removed[0].DuplicateOf)
}

func TestDeduplicate_InvalidThresholdUsesDefault(t *testing.T) {
	in := []models.RankedCandidate{
		ranked("1", "identical title here"),
		ranked("2", "identical title here"),
	}

	for _, threshold := range []float64{0, -1, 1.5} {
		result := Deduplicate(in, threshold)
		assert.Len(t, result.Kept, 1, fmt.Sprintf("threshold %v", threshold))
	}
}
