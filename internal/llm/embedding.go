// Package llm contains the clients for the remote embedding and completion
// services.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	cferrors "github.com/caseforge/caseforge/internal/errors"
	"github.com/caseforge/caseforge/pkg/observability"
)

// EmbeddingClientConfig configures the embedding service client.
type EmbeddingClientConfig struct {
	BaseURL   string
	Model     string
	UserID    string
	AuthToken string
	Timeout   time.Duration
	Logger    observability.Logger
}

// EmbeddingClient calls the remote embedding service. Calls are retried up
// to three attempts with exponential backoff capped at ten seconds, behind a
// circuit breaker.
type EmbeddingClient struct {
	cfg        EmbeddingClientConfig
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	logger     observability.Logger
}

// EmbeddingResult carries the vector plus metering for the call.
type EmbeddingResult struct {
	Vector []float32
	Tokens int
	Cost   float64
}

type embeddingRequest struct {
	Input string `json:"input"`
	Model string `json:"model"`
}

type embeddingResponse struct {
	Status string `json:"status"`
	Data   []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
	Cost float64 `json:"cost"`
}

// NewEmbeddingClient creates an embedding service client.
func NewEmbeddingClient(cfg EmbeddingClientConfig) *EmbeddingClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NewNoopLogger()
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "embedding",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	return &EmbeddingClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		breaker:    breaker,
		logger:     cfg.Logger,
	}
}

// Embed obtains a dense embedding for the input text.
func (c *EmbeddingClient) Embed(ctx context.Context, input string) (*EmbeddingResult, error) {
	const op = "llm.embed"

	var result *EmbeddingResult
	operation := func() error {
		out, err := c.breaker.Execute(func() (interface{}, error) {
			return c.embedOnce(ctx, input)
		})
		if err != nil {
			if permanent(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		result = out.(*EmbeddingResult)
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 200 * time.Millisecond
	policy.MaxInterval = 10 * time.Second

	// Two retries after the initial attempt.
	err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(policy, 2), ctx))
	if err != nil {
		if ctx.Err() != nil {
			return nil, cferrors.E(cferrors.KindTimeout, op, ctx.Err())
		}
		return nil, cferrors.E(cferrors.KindEmbeddingFailure, op, err)
	}
	return result, nil
}

func (c *EmbeddingClient) embedOnce(ctx context.Context, input string) (*EmbeddingResult, error) {
	body, err := json.Marshal(embeddingRequest{Input: input, Model: c.cfg.Model})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/embedding/text/%s", c.cfg.BaseURL, c.cfg.UserID)
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
		return nil, fmt.Errorf("embedding request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &httpError{status: resp.StatusCode, body: truncateForLog(payload)}
	}

	var parsed embeddingResponse
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(parsed.Data) == 0 || len(parsed.Data[0].Embedding) == 0 {
		return nil, fmt.Errorf("embedding service returned no vector")
	}

	return &EmbeddingResult{
		Vector: parsed.Data[0].Embedding,
		Tokens: parsed.Usage.TotalTokens,
		Cost:   parsed.Cost,
	}, nil
}

// httpError distinguishes retryable status codes from permanent ones.
type httpError struct {
	status int
	body   string
}

func (e *httpError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.status, e.body)
}

// permanent reports whether a failure should not be retried: client errors
// other than 429, and an open circuit breaker.
func permanent(err error) bool {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return true
	}
	var he *httpError
	if errors.As(err, &he) {
		return he.status >= 400 && he.status < 500 && he.status != http.StatusTooManyRequests
	}
	return false
}

func truncateForLog(b []byte) string {
	const max = 256
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
