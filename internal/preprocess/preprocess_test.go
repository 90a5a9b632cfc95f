package preprocess

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransform_NormalizesWhitespaceAndCase(t *testing.T) {
	n := NewNormalizer(nil)

	tr := n.Transform("  Patient   Consent\tVerification  ", DefaultOptions())

	assert.Equal(t, "patient consent verification", tr.Normalized)
	require.NotEmpty(t, tr.Expansions)
	assert.Equal(t, tr.Normalized, tr.Expansions[0])
}

func TestTransform_EmptyQuery(t *testing.T) {
	n := NewNormalizer(nil)

	tr := n.Transform("   ", DefaultOptions())

	assert.Equal(t, "", tr.Normalized)
	assert.Empty(t, tr.Expansions)
	assert.Empty(t, tr.AbbreviationsApplied)
	assert.Empty(t, tr.SynonymsApplied)
}

func TestTransform_ExpandsAbbreviations(t *testing.T) {
	n := NewNormalizer(nil)

	tr := n.Transform("pt appt reminder", DefaultOptions())

	assert.Equal(t, "patient appointment reminder", tr.Normalized)
	assert.ElementsMatch(t, []string{"pt", "appt"}, tr.AbbreviationsApplied)
}

func TestTransform_PreservesIdentifiers(t *testing.T) {
	n := NewNormalizer(nil)

	tr := n.Transform("Run TC_101 and HC-22 for pt consent", DefaultOptions())

	assert.Contains(t, tr.Normalized, "TC_101")
	assert.Contains(t, tr.Normalized, "HC-22")
	assert.Contains(t, tr.Normalized, "patient")
	for _, exp := range tr.Expansions {
		assert.Contains(t, exp, "TC_101")
	}
}

func TestTransform_SynonymVariations(t *testing.T) {
	n := NewNormalizer(nil)

	tr := n.Transform("patient consent whatsapp", DefaultOptions())

	// Original first, then consent and whatsapp variants.
	require.True(t, len(tr.Expansions) >= 3)
	assert.Equal(t, "patient consent whatsapp", tr.Expansions[0])
	assert.Contains(t, tr.Expansions, "patient authorization whatsapp")
	assert.Contains(t, tr.Expansions, "patient consent messaging")
	assert.ElementsMatch(t, []string{"consent", "whatsapp"}, tr.SynonymsApplied)
}

func TestTransform_MaxSynonymVariationsCap(t *testing.T) {
	n := NewNormalizer(nil)
	opts := DefaultOptions()
	opts.MaxSynonymVariations = 1

	tr := n.Transform("consent", opts)

	// Original plus exactly one variant for the single synonym-bearing token.
	assert.Len(t, tr.Expansions, 2)
}

func TestTransform_CustomMappings(t *testing.T) {
	n := NewNormalizer(nil)
	opts := DefaultOptions()
	opts.CustomAbbreviations = map[string]string{"cbc": "complete blood count"}
	opts.CustomSynonyms = map[string][]string{"panel": {"profile"}}

	tr := n.Transform("cbc panel", opts)

	assert.Equal(t, "complete blood count panel", tr.Normalized)
	assert.Contains(t, tr.Expansions, "complete blood count profile")
}

func TestTransform_DisabledSteps(t *testing.T) {
	n := NewNormalizer(nil)
	opts := Options{PreserveIdentifiers: true}

	tr := n.Transform("pt consent", opts)

	assert.Equal(t, "pt consent", tr.Normalized)
	assert.Empty(t, tr.AbbreviationsApplied)
	assert.Len(t, tr.Expansions, 1)
}

// Normalising an already-normalised query is a stable fixpoint.
func TestTransform_Idempotent(t *testing.T) {
	n := NewNormalizer(nil)
	opts := DefaultOptions()

	queries := []string{
		"  PT consent   via WhatsApp ",
		"Run TC_101 against appt booking",
		"otp verification for 2fa login",
	}
	for _, q := range queries {
		first := n.Transform(q, opts)
		second := n.Transform(first.Normalized, opts)
		assert.Equal(t, first.Normalized, second.Normalized, "query %q", q)
		assert.Equal(t, first.Expansions, second.Expansions, "query %q", q)
	}
}
