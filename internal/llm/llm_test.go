package llm

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cferrors "github.com/caseforge/caseforge/internal/errors"
)

func embeddingServer(t *testing.T, failures int32, status int) (*httptest.Server, *int32) {
	t.Helper()
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		assert.Equal(t, "/embedding/text/user-1", r.URL.Path)
		if n <= failures {
			w.WriteHeader(status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"status": "ok",
			"data": [{"embedding": [0.1, 0.2, 0.3]}],
			"usage": {"total_tokens": 7},
			"cost": 0.0001
		}`))
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func newTestEmbeddingClient(baseURL string) *EmbeddingClient {
	return NewEmbeddingClient(EmbeddingClientConfig{
		BaseURL: baseURL,
		Model:   "text-embedding-3-small",
		UserID:  "user-1",
		Timeout: 5 * time.Second,
	})
}

func TestEmbed_Success(t *testing.T) {
	srv, calls := embeddingServer(t, 0, 0)
	c := newTestEmbeddingClient(srv.URL)

	result, err := c.Embed(context.Background(), "patient consent")

	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, result.Vector)
	assert.Equal(t, 7, result.Tokens)
	assert.InDelta(t, 0.0001, result.Cost, 1e-9)
	assert.Equal(t, int32(1), atomic.LoadInt32(calls))
}

// Two 503s then 200: the two retries absorb the failures.
func TestEmbed_RecoversWithinRetryBudget(t *testing.T) {
	srv, calls := embeddingServer(t, 2, http.StatusServiceUnavailable)
	c := newTestEmbeddingClient(srv.URL)

	result, err := c.Embed(context.Background(), "patient consent")

	require.NoError(t, err)
	assert.Len(t, result.Vector, 3)
	assert.Equal(t, int32(3), atomic.LoadInt32(calls))
}

// Persistent 503: three attempts consumed, then EmbeddingFailure.
func TestEmbed_FailsAfterThreeAttempts(t *testing.T) {
	srv, calls := embeddingServer(t, 10, http.StatusServiceUnavailable)
	c := newTestEmbeddingClient(srv.URL)

	_, err := c.Embed(context.Background(), "patient consent")

	require.Error(t, err)
	assert.Equal(t, cferrors.KindEmbeddingFailure, cferrors.KindOf(err))
	assert.Equal(t, int32(3), atomic.LoadInt32(calls))
}

// 400 responses are permanent; no retries are spent.
func TestEmbed_NoRetryOnClientError(t *testing.T) {
	srv, calls := embeddingServer(t, 10, http.StatusBadRequest)
	c := newTestEmbeddingClient(srv.URL)

	_, err := c.Embed(context.Background(), "patient consent")

	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(calls))
}

func TestComplete_ParsesTransactionEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"transaction": {
				"response": {
					"model": "gpt-4o-mini",
					"choices": [{"message": {"content": "Two consent flows cover WhatsApp."}}],
					"usage": {"prompt_tokens": 120, "completion_tokens": 30, "total_tokens": 150}
				},
				"cost": 0.002
			}
		}`))
	}))
	defer srv.Close()

	c := NewCompletionClient(CompletionClientConfig{BaseURL: srv.URL, Model: "gpt-4o-mini"})
	result, err := c.Complete(context.Background(), []Message{{Role: "user", Content: "summarise"}})

	require.NoError(t, err)
	assert.Equal(t, "Two consent flows cover WhatsApp.", result.Content)
	assert.Equal(t, 150, result.Usage.TotalTokens)
	assert.InDelta(t, 0.002, result.Cost, 1e-9)
	assert.Equal(t, "gpt-4o-mini", result.Model)
}

func TestComplete_SingleRetryThenFailure(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewCompletionClient(CompletionClientConfig{BaseURL: srv.URL, Model: "gpt-4o-mini"})
	_, err := c.Complete(context.Background(), []Message{{Role: "user", Content: "summarise"}})

	require.Error(t, err)
	assert.Equal(t, cferrors.KindSummariserFailure, cferrors.KindOf(err))
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestStripCodeFence(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain text", "a summary", "a summary"},
		{"json fence", "```json\n{\"a\": 1}\n```", `{"a": 1}`},
		{"bare fence", "```\nhello\n```", "hello"},
		{"fence with padding", "  ```json\n{\"a\": 1}\n```  ", `{"a": 1}`},
		{"unterminated fence left alone", "```json\n{\"a\": 1}", "```json\n{\"a\": 1}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StripCodeFence(tt.in))
		})
	}
}

func TestLooksTruncatedJSON(t *testing.T) {
	assert.False(t, LooksTruncatedJSON(`{"a": 1}`))
	assert.False(t, LooksTruncatedJSON("plain prose summary"))
	assert.True(t, LooksTruncatedJSON(`{"a": 1, "b"`))
	assert.True(t, LooksTruncatedJSON("```json\n[1, 2,\n```"))
}
