// Package preprocess implements query normalisation: whitespace and case
// folding, domain identifier protection, abbreviation expansion, and synonym
// rewrites.
package preprocess

import (
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/caseforge/caseforge/internal/models"
	"github.com/caseforge/caseforge/pkg/observability"
)

// Options controls the normalisation pipeline.
type Options struct {
	EnableAbbreviations  bool                `json:"enableAbbreviations"`
	EnableSynonyms       bool                `json:"enableSynonyms"`
	MaxSynonymVariations int                 `json:"maxSynonymVariations"`
	PreserveIdentifiers  bool                `json:"preserveIdentifiers"`
	CustomAbbreviations  map[string]string   `json:"customAbbreviations,omitempty"`
	CustomSynonyms       map[string][]string `json:"customSynonyms,omitempty"`
}

// DefaultOptions enables every step with up to three synonym variations per
// token.
func DefaultOptions() Options {
	return Options{
		EnableAbbreviations:  true,
		EnableSynonyms:       true,
		MaxSynonymVariations: 3,
		PreserveIdentifiers:  true,
	}
}

// Domain identifier patterns protected from substitution.
var identifierPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bTC_\d+\b`),
	regexp.MustCompile(`(?i)\bHC-\d+\b`),
	regexp.MustCompile(`(?i)\bUS_\d+\b`),
	regexp.MustCompile(`(?i)\bREQ-\d+\b`),
}

var whitespaceRE = regexp.MustCompile(`\s+`)

// Built-in whole-token abbreviation expansions for the healthcare corpus.
// Expansions never contain abbreviation keys, so a second pass is a no-op.
var builtinAbbreviations = map[string]string{
	"pt":   "patient",
	"appt": "appointment",
	"rx":   "prescription",
	"dr":   "doctor",
	"med":  "medication",
	"meds": "medications",
	"msg":  "message",
	"otp":  "one time password",
	"2fa":  "two factor authentication",
	"emr":  "electronic medical record",
	"ehr":  "electronic health record",
	"hcp":  "healthcare provider",
	"auth": "authentication",
	"regn": "registration",
}

// Built-in synonym sets, keyed by the canonical token.
var builtinSynonyms = map[string][]string{
	"consent":      {"authorization", "permission"},
	"verify":       {"validate", "confirm"},
	"whatsapp":     {"messaging"},
	"appointment":  {"booking", "visit"},
	"notification": {"alert", "reminder"},
	"login":        {"sign in"},
	"cancel":       {"abort", "withdraw"},
	"error":        {"failure"},
}

// Normalizer applies the fixed-order normalisation pipeline.
type Normalizer struct {
	logger observability.Logger
}

// NewNormalizer creates a query normaliser.
func NewNormalizer(logger observability.Logger) *Normalizer {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &Normalizer{logger: logger}
}

// Transform normalises a raw query under the given options. An empty query
// yields an empty transformation record; rejection is the orchestrator's
// call.
func (n *Normalizer) Transform(query string, opts Options) models.QueryTransformation {
	original := query

	normalized := norm.NFC.String(query)
	normalized = strings.TrimSpace(whitespaceRE.ReplaceAllString(normalized, " "))

	if normalized == "" {
		return models.QueryTransformation{
			Original:             original,
			Normalized:           "",
			Expansions:           []string{},
			AbbreviationsApplied: []string{},
			SynonymsApplied:      []string{},
		}
	}

	// Swap protected identifiers for placeholders before case folding so the
	// literal form survives and later whole-token substitution cannot touch
	// them.
	protected := map[string]string{}
	if opts.PreserveIdentifiers {
		i := 0
		for _, re := range identifierPatterns {
			normalized = re.ReplaceAllStringFunc(normalized, func(match string) string {
				ph := fmt.Sprintf("__id%d__", i)
				protected[ph] = match
				i++
				return ph
			})
		}
	}
	normalized = strings.ToLower(normalized)

	abbreviations := mergeAbbreviations(opts.CustomAbbreviations)
	synonyms := mergeSynonyms(opts.CustomSynonyms)

	var abbreviationsApplied []string
	if opts.EnableAbbreviations {
		tokens := strings.Fields(normalized)
		for i, tok := range tokens {
			if full, ok := abbreviations[tok]; ok {
				tokens[i] = full
				abbreviationsApplied = append(abbreviationsApplied, tok)
			}
		}
		normalized = strings.Join(tokens, " ")
	}

	expansions := []string{normalized}
	var synonymsApplied []string
	if opts.EnableSynonyms {
		maxVariations := opts.MaxSynonymVariations
		if maxVariations <= 0 {
			maxVariations = 3
		}
		seen := map[string]bool{normalized: true}
		tokens := strings.Fields(normalized)
		for i, tok := range tokens {
			alts, ok := synonyms[tok]
			if !ok {
				continue
			}
			synonymsApplied = append(synonymsApplied, tok)
			count := 0
			for _, alt := range alts {
				if count >= maxVariations {
					break
				}
				variant := make([]string, len(tokens))
				copy(variant, tokens)
				variant[i] = alt
				rewrite := strings.Join(variant, " ")
				if !seen[rewrite] {
					seen[rewrite] = true
					expansions = append(expansions, rewrite)
					count++
				}
			}
		}
	}

	// Restore protected identifiers in their original literal form.
	if len(protected) > 0 {
		for i := range expansions {
			for ph, literal := range protected {
				expansions[i] = strings.ReplaceAll(expansions[i], ph, literal)
			}
		}
		normalized = expansions[0]
	}

	if abbreviationsApplied == nil {
		abbreviationsApplied = []string{}
	}
	if synonymsApplied == nil {
		synonymsApplied = []string{}
	}

	n.logger.Debug("Query transformed", map[string]interface{}{
		"original":   original,
		"normalized": normalized,
		"expansions": len(expansions),
	})

	return models.QueryTransformation{
		Original:             original,
		Normalized:           normalized,
		Expansions:           expansions,
		AbbreviationsApplied: abbreviationsApplied,
		SynonymsApplied:      synonymsApplied,
	}
}

func mergeAbbreviations(custom map[string]string) map[string]string {
	if len(custom) == 0 {
		return builtinAbbreviations
	}
	merged := make(map[string]string, len(builtinAbbreviations)+len(custom))
	for k, v := range builtinAbbreviations {
		merged[k] = v
	}
	for k, v := range custom {
		merged[strings.ToLower(k)] = strings.ToLower(v)
	}
	return merged
}

func mergeSynonyms(custom map[string][]string) map[string][]string {
	if len(custom) == 0 {
		return builtinSynonyms
	}
	merged := make(map[string][]string, len(builtinSynonyms)+len(custom))
	for k, v := range builtinSynonyms {
		merged[k] = v
	}
	for k, v := range custom {
		lowered := make([]string, len(v))
		for i, s := range v {
			lowered[i] = strings.ToLower(s)
		}
		merged[strings.ToLower(k)] = lowered
	}
	return merged
}
