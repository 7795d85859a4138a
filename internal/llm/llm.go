// Package llm defines the completion contract used to turn page content into
// structured venue records, plus the prompt and usage helpers shared by the
// concrete providers.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// ErrEmptyCompletion is returned when a provider answers without any text.
var ErrEmptyCompletion = errors.New("empty completion")

// Prompt is a single system+user exchange.
type Prompt struct {
	System    string
	User      string
	MaxTokens int
}

// Completion is the provider's answer.
type Completion struct {
	Text             string
	Model            string
	PromptTokens     int
	CompletionTokens int
}

// Completer runs one completion.
type Completer interface {
	Complete(ctx context.Context, prompt Prompt) (Completion, error)
}

// Usage accumulates token counts across completions. It is safe for
// concurrent use.
type Usage struct {
	mu               sync.Mutex
	requests         int
	failures         int
	promptTokens     int
	completionTokens int
}

// UsageSnapshot is a point-in-time copy of Usage.
type UsageSnapshot struct {
	Requests         int `json:"requests"`
	Failures         int `json:"failures"`
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// TotalTokens sums prompt and completion tokens.
func (s UsageSnapshot) TotalTokens() int {
	return s.PromptTokens + s.CompletionTokens
}

// String renders the snapshot as one summary line.
func (s UsageSnapshot) String() string {
	return fmt.Sprintf("requests=%d failures=%d prompt_tokens=%d completion_tokens=%d total_tokens=%d",
		s.Requests, s.Failures, s.PromptTokens, s.CompletionTokens, s.TotalTokens())
}

// Add records one completion.
func (u *Usage) Add(c Completion) {
	u.mu.Lock()
	u.requests++
	u.promptTokens += c.PromptTokens
	u.completionTokens += c.CompletionTokens
	u.mu.Unlock()
}

// AddFailure records a failed request.
func (u *Usage) AddFailure() {
	u.mu.Lock()
	u.requests++
	u.failures++
	u.mu.Unlock()
}

// Snapshot returns the current totals.
func (u *Usage) Snapshot() UsageSnapshot {
	u.mu.Lock()
	defer u.mu.Unlock()
	return UsageSnapshot{
		Requests:         u.requests,
		Failures:         u.failures,
		PromptTokens:     u.promptTokens,
		CompletionTokens: u.completionTokens,
	}
}

type usageKey struct{}

// WithUsage returns a context whose completions are also counted in u.
// Runs use it to report their own token usage while sharing one Completer.
func WithUsage(ctx context.Context, u *Usage) context.Context {
	return context.WithValue(ctx, usageKey{}, u)
}

func usageFrom(ctx context.Context) *Usage {
	u, _ := ctx.Value(usageKey{}).(*Usage)
	return u
}

// Metered wraps a Completer and feeds every call into Usage and into the
// Usage attached to the call context, if any.
type Metered struct {
	Next  Completer
	Usage *Usage
}

// Complete implements Completer.
func (m Metered) Complete(ctx context.Context, prompt Prompt) (Completion, error) {
	c, err := m.Next.Complete(ctx, prompt)
	for _, u := range []*Usage{m.Usage, usageFrom(ctx)} {
		if u == nil {
			continue
		}
		if err != nil {
			u.AddFailure()
		} else {
			u.Add(c)
		}
	}
	return c, err
}

// BuildInstruction renders the extraction instruction for the given fields.
func BuildInstruction(requiredKeys []string) string {
	return fmt.Sprintf(
		"Extract venue data with the following fields: %s. Provide them from the given HTML content.",
		strings.Join(requiredKeys, ", "),
	)
}

// BuildSchema describes a record whose fields are the required keys, each a
// nullable string, as a JSON schema document.
func BuildSchema(requiredKeys []string) string {
	type field struct {
		AnyOf []map[string]string `json:"anyOf"`
		Title string              `json:"title"`
	}
	props := make(map[string]field, len(requiredKeys))
	for _, key := range requiredKeys {
		props[key] = field{
			AnyOf: []map[string]string{{"type": "string"}, {"type": "null"}},
			Title: key,
		}
	}
	schema := struct {
		Properties map[string]field `json:"properties"`
		Title      string           `json:"title"`
		Type       string           `json:"type"`
	}{Properties: props, Title: "DynamicVenue", Type: "object"}
	data, err := json.Marshal(schema)
	if err != nil {
		return "{}"
	}
	return string(data)
}

// BuildPrompt assembles the full extraction prompt for one page of content.
func BuildPrompt(requiredKeys []string, content string, maxTokens int) Prompt {
	system := BuildInstruction(requiredKeys) +
		"\nReturn only a JSON array of objects matching this schema, one object per venue, " +
		"using null for values that are not present:\n" + BuildSchema(requiredKeys)
	return Prompt{
		System:    system,
		User:      content,
		MaxTokens: maxTokens,
	}
}

var reasoningBlock = regexp.MustCompile(`(?s)<think>.*?</think>`)

// StripReasoning drops <think> blocks some reasoning models prepend.
func StripReasoning(text string) string {
	out := reasoningBlock.ReplaceAllString(text, "")
	if i := strings.Index(out, "<think>"); i >= 0 {
		out = out[:i]
	}
	return strings.TrimSpace(out)
}
