package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	cferrors "github.com/caseforge/caseforge/internal/errors"
	"github.com/caseforge/caseforge/internal/models"
	"github.com/caseforge/caseforge/pkg/observability"
)

// CompletionClientConfig configures the completion service client.
type CompletionClientConfig struct {
	BaseURL   string
	Model     string
	AuthToken string
	Timeout   time.Duration
	Logger    observability.Logger
}

// CompletionClient calls the remote completion service. Transient failures
// get a single retry; the second failure surfaces as SummariserFailure.
type CompletionClient struct {
	cfg        CompletionClientConfig
	httpClient *http.Client
	logger     observability.Logger
}

// Message is one OpenAI-style chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionResult carries the model output plus metering from the
// transaction envelope.
type CompletionResult struct {
	Content string
	Usage   models.TokenUsage
	Cost    float64
	Model   string
}

type completionRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
}

// The completion service wraps its payload in a transaction object carrying
// cost; the envelope stays explicit here so cost accounting is never
// dropped.
type completionEnvelope struct {
	Transaction struct {
		Response struct {
			Model   string `json:"model"`
			Choices []struct {
				Message struct {
					Content string `json:"content"`
				} `json:"message"`
			} `json:"choices"`
			Usage struct {
				PromptTokens     int `json:"prompt_tokens"`
				CompletionTokens int `json:"completion_tokens"`
				TotalTokens      int `json:"total_tokens"`
			} `json:"usage"`
		} `json:"response"`
		Cost float64 `json:"cost"`
	} `json:"transaction"`
}

// NewCompletionClient creates a completion service client.
func NewCompletionClient(cfg CompletionClientConfig) *CompletionClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NewNoopLogger()
	}
	return &CompletionClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     cfg.Logger,
	}
}

// Complete sends one chat completion request.
func (c *CompletionClient) Complete(ctx context.Context, messages []Message) (*CompletionResult, error) {
	const op = "llm.complete"

	var result *CompletionResult
	operation := func() error {
		out, err := c.completeOnce(ctx, messages)
		if err != nil {
			if permanent(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		result = out
		return nil
	}

	// One retry on transient error.
	err := backoff.Retry(operation,
		backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(500*time.Millisecond), 1), ctx))
	if err != nil {
		if ctx.Err() != nil {
			return nil, cferrors.E(cferrors.KindTimeout, op, ctx.Err())
		}
		return nil, cferrors.E(cferrors.KindSummariserFailure, op, err)
	}
	return result, nil
}

func (c *CompletionClient) completeOnce(ctx context.Context, messages []Message) (*CompletionResult, error) {
	body, err := json.Marshal(completionRequest{
		Model:       c.cfg.Model,
		Messages:    messages,
		Temperature: 0.3,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := c.cfg.BaseURL + "/v1/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.AuthToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("completion request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &httpError{status: resp.StatusCode, body: truncateForLog(payload)}
	}

	var envelope completionEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	response := envelope.Transaction.Response
	if len(response.Choices) == 0 {
		return nil, fmt.Errorf("completion service returned no choices")
	}

	return &CompletionResult{
		Content: response.Choices[0].Message.Content,
		Usage: models.TokenUsage{
			PromptTokens:     response.Usage.PromptTokens,
			CompletionTokens: response.Usage.CompletionTokens,
			TotalTokens:      response.Usage.TotalTokens,
		},
		Cost:  envelope.Transaction.Cost,
		Model: response.Model,
	}, nil
}
