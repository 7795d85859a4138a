package llm

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type stubCompleter struct {
	completion Completion
	err        error
	prompts    []Prompt
}

func (s *stubCompleter) Complete(_ context.Context, p Prompt) (Completion, error) {
	s.prompts = append(s.prompts, p)
	return s.completion, s.err
}

func TestStripReasoning(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want string
	}{
		{name: "plain", in: `[{"a":1}]`, want: `[{"a":1}]`},
		{name: "leading think", in: "<think>\nhmm\n</think>\n[{\"a\":1}]", want: `[{"a":1}]`},
		{name: "two blocks", in: "<think>x</think>[1]<think>y</think>", want: "[1]"},
		{name: "unterminated", in: "[2] <think>cut off", want: "[2]"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, StripReasoning(tc.in))
		})
	}
}

func TestBuildInstructionAndSchema(t *testing.T) {
	t.Parallel()

	keys := []string{"name", "location"}
	require.Equal(t,
		"Extract venue data with the following fields: name, location. Provide them from the given HTML content.",
		BuildInstruction(keys))

	var schema struct {
		Properties map[string]json.RawMessage `json:"properties"`
		Title      string                     `json:"title"`
	}
	require.NoError(t, json.Unmarshal([]byte(BuildSchema(keys)), &schema))
	require.Equal(t, "DynamicVenue", schema.Title)
	require.Len(t, schema.Properties, 2)
	require.Contains(t, schema.Properties, "location")

	prompt := BuildPrompt(keys, "content", 512)
	require.Contains(t, prompt.System, "JSON array")
	require.Equal(t, "content", prompt.User)
	require.Equal(t, 512, prompt.MaxTokens)
}

func TestMeteredAccumulatesUsage(t *testing.T) {
	t.Parallel()

	usage := &Usage{}
	ok := &stubCompleter{completion: Completion{Text: "x", PromptTokens: 10, CompletionTokens: 3}}
	failing := &stubCompleter{err: errors.New("boom")}

	_, err := Metered{Next: ok, Usage: usage}.Complete(context.Background(), Prompt{})
	require.NoError(t, err)
	_, err = Metered{Next: ok, Usage: usage}.Complete(context.Background(), Prompt{})
	require.NoError(t, err)
	_, err = Metered{Next: failing, Usage: usage}.Complete(context.Background(), Prompt{})
	require.Error(t, err)

	snap := usage.Snapshot()
	require.Equal(t, UsageSnapshot{Requests: 3, Failures: 1, PromptTokens: 20, CompletionTokens: 6}, snap)
	require.Equal(t, 26, snap.TotalTokens())
	require.Contains(t, snap.String(), "total_tokens=26")
}

func TestMeteredCountsContextUsage(t *testing.T) {
	t.Parallel()

	total := &Usage{}
	run := &Usage{}
	m := Metered{Next: &stubCompleter{completion: Completion{PromptTokens: 4, CompletionTokens: 1}}, Usage: total}

	_, err := m.Complete(WithUsage(context.Background(), run), Prompt{})
	require.NoError(t, err)
	_, err = m.Complete(context.Background(), Prompt{})
	require.NoError(t, err)

	require.Equal(t, 2, total.Snapshot().Requests)
	require.Equal(t, UsageSnapshot{Requests: 1, PromptTokens: 4, CompletionTokens: 1}, run.Snapshot())
}
