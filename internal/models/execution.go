package models

// TokenUsage meters a remote language-model call.
type TokenUsage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

// Add accumulates another usage record.
func (u *TokenUsage) Add(other TokenUsage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
}

// StageRecord captures the execution of one pipeline stage.
type StageRecord struct {
	Name          string     `json:"name"`
	DurationMS    int64      `json:"durationMs"`
	CandidatesIn  int        `json:"candidatesIn"`
	CandidatesOut int        `json:"candidatesOut"`
	Tokens        TokenUsage `json:"tokens"`
	Cost          float64    `json:"cost"`
	Error         string     `json:"error,omitempty"`
}

// ExecutionRecord is the per-request roll-up of all stage records.
type ExecutionRecord struct {
	Stages    []StageRecord `json:"stages"`
	TotalMS   int64         `json:"totalMs"`
	TotalCost float64       `json:"totalCost"`
	Tokens    TokenUsage    `json:"tokens"`
	Degraded  bool          `json:"degraded"`
	Warnings  []string      `json:"warnings,omitempty"`
}

// AddStage appends a stage record and folds its cost and tokens into the
// totals.
func (e *ExecutionRecord) AddStage(s StageRecord) {
	e.Stages = append(e.Stages, s)
	e.TotalMS += s.DurationMS
	e.TotalCost += s.Cost
	e.Tokens.Add(s.Tokens)
}
