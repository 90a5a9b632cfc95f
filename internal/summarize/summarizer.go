// Package summarize assembles grounded prompts over retrieval survivors and
// digests them through the completion service.
package summarize

import (
	"context"
	"fmt"
	"strings"

	cferrors "github.com/caseforge/caseforge/internal/errors"
	"github.com/caseforge/caseforge/internal/llm"
	"github.com/caseforge/caseforge/internal/models"
	"github.com/caseforge/caseforge/pkg/observability"
)

// Style selects the digest shape.
type Style string

const (
	StyleConcise  Style = "concise"
	StyleDetailed Style = "detailed"
)

// ParseStyle validates a caller-supplied style name; empty means concise.
func ParseStyle(s string) (Style, error) {
	switch Style(s) {
	case StyleConcise, StyleDetailed:
		return Style(s), nil
	case "":
		return StyleConcise, nil
	default:
		return "", cferrors.Errorf(cferrors.KindInvalidArgument, "summarize.style",
			"unknown summary type %q", s)
	}
}

// Per-field character caps applied before prompt assembly.
const (
	descriptionLimit   = 200
	businessValueLimit = 150
	acceptanceLimit    = 200
)

// DefaultMaxItems caps how many survivors reach the prompt, independent of
// the retrieval limit.
const DefaultMaxItems = 5

// CompletionAPI is the slice of the completion client the summariser needs.
type CompletionAPI interface {
	Complete(ctx context.Context, messages []llm.Message) (*llm.CompletionResult, error)
}

// Summarizer builds the prompt and runs the completion call.
type Summarizer struct {
	client   CompletionAPI
	maxItems int
	logger   observability.Logger
}

// Summary is the digest plus metering and non-fatal warnings.
type Summary struct {
	Text     string            `json:"summary"`
	Tokens   models.TokenUsage `json:"tokens"`
	Cost     float64           `json:"cost"`
	Model    string            `json:"model"`
	Warnings []string          `json:"warnings,omitempty"`
}

// NewSummarizer creates a summariser. maxItems <= 0 uses the default cap.
func NewSummarizer(client CompletionAPI, maxItems int, logger observability.Logger) *Summarizer {
	if maxItems <= 0 {
		maxItems = DefaultMaxItems
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &Summarizer{client: client, maxItems: maxItems, logger: logger}
}

// Summarize digests the given items in the requested style.
func (s *Summarizer) Summarize(ctx context.Context, items []models.Item, style Style) (*Summary, error) {
	const op = "summarize"

	if len(items) == 0 {
		return nil, cferrors.Errorf(cferrors.KindInvalidArgument, op, "no items to summarize")
	}
	if len(items) > s.maxItems {
		items = items[:s.maxItems]
	}

	messages := []llm.Message{
		{Role: "system", Content: systemPrompt(style)},
		{Role: "user", Content: buildPrompt(items, style)},
	}

	result, err := s.client.Complete(ctx, messages)
	if err != nil {
		return nil, err
	}

	summary := &Summary{
		Text:   llm.StripCodeFence(result.Content),
		Tokens: result.Usage,
		Cost:   result.Cost,
		Model:  result.Model,
	}
	if llm.LooksTruncatedJSON(result.Content) {
		summary.Warnings = append(summary.Warnings, "summary payload appears truncated")
	}

	s.logger.Debug("Summary generated", map[string]interface{}{
		"items":  len(items),
		"style":  string(style),
		"tokens": result.Usage.TotalTokens,
	})
	return summary, nil
}

func systemPrompt(style Style) string {
	base := "You are a QA analyst for a healthcare platform. Summarize the " +
		"retrieved test cases and user stories for a reviewer deciding test coverage."
	if style == StyleDetailed {
		return base + " Produce one bullet per item covering purpose, scope, and expected outcome."
	}
	return base + " Produce a short digest of two to three sentences covering the common themes."
}

// buildPrompt enumerates items using whichever projection is populated:
// test-case fields (id, title, steps) or user-story fields (key, summary,
// acceptance criteria).
func buildPrompt(items []models.Item, style Style) string {
	var b strings.Builder
	b.WriteString("Retrieved items:\n\n")
	for i, item := range items {
		fmt.Fprintf(&b, "%d. [%s] %s", i+1, item.DisplayID(), item.DisplayTitle())
		if item.Module != "" {
			fmt.Fprintf(&b, " (module: %s)", item.Module)
		}
		if item.Priority != "" {
			fmt.Fprintf(&b, " (priority: %s)", item.Priority)
		}
		b.WriteString("\n")
		if item.Description != "" {
			fmt.Fprintf(&b, "   Description: %s\n", truncate(item.Description, descriptionLimit))
		}
		if item.BusinessValue != "" {
			fmt.Fprintf(&b, "   Business value: %s\n", truncate(item.BusinessValue, businessValueLimit))
		}
		if item.AcceptanceCriteria != "" {
			fmt.Fprintf(&b, "   Acceptance criteria: %s\n", truncate(item.AcceptanceCriteria, acceptanceLimit))
		}
		b.WriteString("\n")
	}
	if style == StyleDetailed {
		b.WriteString("Summarize each item individually.")
	} else {
		b.WriteString("Summarize the set as a whole.")
	}
	return b.String()
}

// truncate caps s at limit runes so a cut never lands inside a multi-byte
// character.
func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + "..."
}
