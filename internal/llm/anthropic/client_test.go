package anthropicllm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/venue-crawler/internal/llm"
)

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Model: "m"})
	require.Error(t, err)
	_, err = New(Config{APIKey: "k"})
	require.Error(t, err)
}

func TestCompleteReadsTextBlocks(t *testing.T) {
	t.Parallel()

	var (
		path, key string
		body      map[string]any
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		key = r.Header.Get("X-Api-Key")
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "msg_1",
			"type": "message",
			"role": "assistant",
			"model": "claude-test",
			"stop_reason": "end_turn",
			"content": [{"type": "text", "text": "[{\"name\":\"Hall\"}]"}],
			"usage": {"input_tokens": 20, "output_tokens": 7}
		}`))
	}))
	defer srv.Close()

	client, err := New(Config{APIKey: "secret", Model: "claude-test", BaseURL: srv.URL})
	require.NoError(t, err)
	completion, err := client.Complete(context.Background(), llm.Prompt{System: "sys", User: "page"})
	require.NoError(t, err)

	require.Equal(t, "/v1/messages", path)
	require.Equal(t, "secret", key)
	require.Equal(t, "claude-test", body["model"])
	require.EqualValues(t, DefaultMaxTokens, body["max_tokens"])
	require.Equal(t, `[{"name":"Hall"}]`, completion.Text)
	require.Equal(t, 20, completion.PromptTokens)
	require.Equal(t, 7, completion.CompletionTokens)
}

func TestCompleteSurfacesAPIError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"invalid_request_error","message":"bad"}}`))
	}))
	defer srv.Close()

	client, err := New(Config{APIKey: "secret", Model: "claude-test", BaseURL: srv.URL})
	require.NoError(t, err)
	_, err = client.Complete(context.Background(), llm.Prompt{User: "page"})
	require.Error(t, err)
}
