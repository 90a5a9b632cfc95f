// Package models defines the data types carried through the retrieval
// pipeline: stored items, per-source candidates, fused candidates, query
// transformations, and per-stage execution metrics.
package models

// Item is the stored unit owned by the search backend. The pipeline borrows
// items and never mutates them. Test-case-shaped and user-story-shaped
// records are both valid projections of the same type; absent fields stay
// empty.
type Item struct {
	ID              string `bson:"_id" json:"id"`
	Module          string `bson:"module,omitempty" json:"module,omitempty"`
	Title           string `bson:"title,omitempty" json:"title,omitempty"`
	Description     string `bson:"description,omitempty" json:"description,omitempty"`
	Steps           string `bson:"steps,omitempty" json:"steps,omitempty"`
	ExpectedResults string `bson:"expectedResults,omitempty" json:"expectedResults,omitempty"`
	PreRequisites   string `bson:"preRequisites,omitempty" json:"preRequisites,omitempty"`
	Priority        string `bson:"priority,omitempty" json:"priority,omitempty"`
	Risk            string `bson:"risk,omitempty" json:"risk,omitempty"`

	// User-story projection.
	Key                string `bson:"key,omitempty" json:"key,omitempty"`
	Summary            string `bson:"summary,omitempty" json:"summary,omitempty"`
	BusinessValue      string `bson:"businessValue,omitempty" json:"businessValue,omitempty"`
	AcceptanceCriteria string `bson:"acceptanceCriteria,omitempty" json:"acceptanceCriteria,omitempty"`

	Embedding []float32              `bson:"embedding,omitempty" json:"-"`
	Metadata  map[string]interface{} `bson:"metadata,omitempty" json:"metadata,omitempty"`
}

// DisplayID returns the identifier to show callers: the test-case id, or the
// user-story key when the record carries no id.
func (it Item) DisplayID() string {
	if it.ID != "" {
		return it.ID
	}
	return it.Key
}

// DisplayTitle returns the title, falling back to the user-story summary.
func (it Item) DisplayTitle() string {
	if it.Title != "" {
		return it.Title
	}
	return it.Summary
}

// Source tags identify which retriever emitted a candidate.
type Source string

const (
	SourceLexical Source = "lexical"
	SourceVector  Source = "vector"
)

// Candidate is one item emitted by a single retriever for one query.
type Candidate struct {
	Item     Item    `json:"item"`
	RawScore float64 `json:"rawScore"`
	Source   Source  `json:"source"`
}

// RankedCandidate is a candidate enriched during fusion. Ranks are 1-based
// within their source list; 0 means the item was absent from that source.
type RankedCandidate struct {
	Item            Item     `json:"item"`
	LexicalScore    float64  `json:"lexicalScore"`
	VectorScore     float64  `json:"vectorScore"`
	LexicalNorm     float64  `json:"lexicalNorm"`
	VectorNorm      float64  `json:"vectorNorm"`
	LexicalRank     int      `json:"lexicalRank,omitempty"`
	VectorRank      int      `json:"vectorRank,omitempty"`
	FusedScore      float64  `json:"fusedScore"`
	Sources         []Source `json:"sources"`
	RankChange      int      `json:"rankChange"`
	DuplicateOf     string   `json:"duplicateOf,omitempty"`
	SimilarityScore float64  `json:"similarityScore,omitempty"`
}

// InSource reports whether the candidate was found by the given retriever.
func (rc RankedCandidate) InSource(s Source) bool {
	for _, src := range rc.Sources {
		if src == s {
			return true
		}
	}
	return false
}

// BestSourceRank returns the lower of the candidate's original ranks,
// ignoring sources it was absent from. 0 when absent everywhere.
func (rc RankedCandidate) BestSourceRank() int {
	best := 0
	for _, r := range []int{rc.LexicalRank, rc.VectorRank} {
		if r > 0 && (best == 0 || r < best) {
			best = r
		}
	}
	return best
}

// QueryTransformation records what the normaliser did to a query. The
// expansions list always has the normalised original at index 0.
type QueryTransformation struct {
	Original             string   `json:"original"`
	Normalized           string   `json:"normalized"`
	Expansions           []string `json:"expansions"`
	AbbreviationsApplied []string `json:"abbreviationsApplied"`
	SynonymsApplied      []string `json:"synonymsApplied"`
}
