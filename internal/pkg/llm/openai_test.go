package llm

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCompleter(t *testing.T, handler http.HandlerFunc) *OpenAICompleter {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return NewOpenAICompleter(OpenAIConfig{
		APIKey:    "test-key",
		BaseURL:   srv.URL + "/",
		Model:     "gpt-4o-mini",
		Timeout:   2 * time.Second,
		MaxTokens: 100,
	})
}

func TestOpenAICompleter_Success(t *testing.T) {
	var body map[string]interface{}
	c := newTestCompleter(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "cmpl-1",
			"object": "chat.completion",
			"created": 1700000000,
			"model": "gpt-4o-mini",
			"choices": [{"index": 0, "finish_reason": "stop",
				"message": {"role": "assistant", "content": "  いま何してた？  "}}]
		}`))
	})

	text, err := c.Complete(context.Background(), Request{
		System: "persona",
		History: []Message{
			{Role: RoleUser, Content: "やっほー"},
			{Role: RoleAssistant, Content: "やっほー！"},
		},
		Input: "ひま",
	})
	require.NoError(t, err)
	assert.Equal(t, "いま何してた？", text)

	msgs, ok := body["messages"].([]interface{})
	require.True(t, ok)
	assert.Len(t, msgs, 4)
	assert.Equal(t, "gpt-4o-mini", body["model"])
}

func TestOpenAICompleter_RateLimited(t *testing.T) {
	calls := 0
	c := newTestCompleter(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error": {"message": "slow down", "type": "rate_limit_error"}}`))
	})

	_, err := c.Complete(context.Background(), Request{Input: "hi"})
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.Equal(t, 1, calls)
}

func TestOpenAICompleter_ServerError(t *testing.T) {
	c := newTestCompleter(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	_, err := c.Complete(context.Background(), Request{Input: "hi"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrRateLimited)
}
