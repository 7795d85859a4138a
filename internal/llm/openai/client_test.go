package openaillm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/venue-crawler/internal/llm"
)

func TestNewRequiresKey(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	require.Error(t, err)
}

func TestCompleteSendsChatRequest(t *testing.T) {
	t.Parallel()

	var (
		got        chatRequest
		path, auth string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"model":"m-1","choices":[{"message":{"role":"assistant","content":"[{\"name\":\"Hall\"}]"}}],"usage":{"prompt_tokens":11,"completion_tokens":4}}`))
	}))
	defer srv.Close()

	client, err := New(Config{BaseURL: srv.URL + "/", APIKey: "secret", Model: "m-1"})
	require.NoError(t, err)
	completion, err := client.Complete(context.Background(), llm.Prompt{System: "sys", User: "page", MaxTokens: 100})
	require.NoError(t, err)

	require.Equal(t, "/chat/completions", path)
	require.Equal(t, "Bearer secret", auth)
	require.Equal(t, `[{"name":"Hall"}]`, completion.Text)
	require.Equal(t, 11, completion.PromptTokens)
	require.Equal(t, 4, completion.CompletionTokens)
	require.Equal(t, "m-1", got.Model)
	require.Equal(t, 100, got.MaxTokens)
	require.Len(t, got.Messages, 2)
	require.Equal(t, "system", got.Messages[0].Role)
	require.Equal(t, "page", got.Messages[1].Content)
}

func TestCompleteReportsAPIError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"invalid key","type":"auth"}}`))
	}))
	defer srv.Close()

	client, err := New(Config{BaseURL: srv.URL, APIKey: "bad"})
	require.NoError(t, err)
	_, err = client.Complete(context.Background(), llm.Prompt{User: "x"})
	require.ErrorContains(t, err, "invalid key")
	require.ErrorContains(t, err, "401")
}

func TestCompleteEmptyChoices(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	client, err := New(Config{BaseURL: srv.URL, APIKey: "k"})
	require.NoError(t, err)
	_, err = client.Complete(context.Background(), llm.Prompt{User: "x"})
	require.ErrorIs(t, err, llm.ErrEmptyCompletion)
}
