package venue

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsComplete(t *testing.T) {
	t.Parallel()

	required := []string{"name", "location", "price"}
	tests := []struct {
		name string
		rec  Record
		want bool
	}{
		{"all present", NewRecord("name", "A", "location", "B", "price", "C"), true},
		{"extra fields ignored", NewRecord("name", "A", "location", "B", "price", "C", "rating", 4), true},
		{"missing key", NewRecord("name", "A", "location", "B"), false},
		{"null value", NewRecord("name", "A", "location", nil, "price", "C"), false},
		{"empty string", NewRecord("name", "A", "location", "B", "price", ""), false},
		{"zero number is present", NewRecord("name", "A", "location", "B", "price", 0), true},
		{"false is present", NewRecord("name", "A", "location", "B", "price", false), true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, IsComplete(tc.rec, required))
		})
	}
}

func TestIsCompleteNoRequiredKeys(t *testing.T) {
	t.Parallel()

	require.True(t, IsComplete(Record{}, nil))
}

func TestMissingKeys(t *testing.T) {
	t.Parallel()

	rec := NewRecord("name", "A", "price", "")
	require.Equal(t, []string{"price", "location"}, MissingKeys(rec, []string{"name", "price", "location"}))
}

func TestSeenSetSizeMatchesDistinctNames(t *testing.T) {
	t.Parallel()

	names := []string{"a", "b", "a", "c", "b", "a", "d"}
	seen := NewSeenSet()
	for _, n := range names {
		if !IsDuplicate(n, seen) {
			seen.Add(n)
		}
	}
	require.Equal(t, 4, seen.Len())
}

func TestStripErrorFlag(t *testing.T) {
	t.Parallel()

	rec := NewRecord("name", "A", "error", false)
	require.True(t, StripErrorFlag(&rec))
	_, ok := rec.Get("error")
	require.False(t, ok)

	flagged := NewRecord("name", "A", "error", true)
	require.False(t, StripErrorFlag(&flagged))
	_, ok = flagged.Get("error")
	require.True(t, ok)

	textual := NewRecord("name", "A", "error", "false")
	require.False(t, StripErrorFlag(&textual))
}

func TestValidatorFilter(t *testing.T) {
	t.Parallel()

	v := NewValidator([]string{"name", "price"})
	seen := NewSeenSet()
	seen.Add("Old Hall")
	raw := []Record{
		NewRecord("name", "Barn", "price", "$1", "error", false),
		NewRecord("name", "Barn", "price", "$2"),
		NewRecord("name", "Old Hall", "price", "$3"),
		NewRecord("name", "Attic"),
		NewRecord("name", "Cellar", "price", "$4"),
	}
	log := &recordingLogger{}

	kept, stats := v.Filter(raw, seen, log)

	require.Len(t, kept, 2)
	require.Equal(t, "Barn", kept[0].Text("name"))
	require.Equal(t, "$1", kept[0].Text("price"))
	require.Equal(t, []string{"name", "price"}, kept[0].Keys())
	require.Equal(t, "Cellar", kept[1].Text("name"))
	require.Equal(t, FilterStats{Raw: 5, Incomplete: 1, Duplicates: 2, Kept: 2}, stats)
	require.Equal(t, 3, seen.Len())
	require.Contains(t, log.lines, "[SKIP] Duplicate venue 'Barn'")
	require.Contains(t, log.lines, "[SKIP] Duplicate venue 'Old Hall'")
}

func TestValidatorFilterKeepsUnnamedRecords(t *testing.T) {
	t.Parallel()

	v := NewValidator([]string{"title"})
	kept, stats := v.Filter([]Record{
		NewRecord("title", "x"),
		NewRecord("title", "x"),
	}, NewSeenSet(), nil)
	require.Len(t, kept, 2)
	require.Equal(t, 0, stats.Duplicates)
}

func TestValidatorFilterCustomNameKey(t *testing.T) {
	t.Parallel()

	v := Validator{RequiredKeys: []string{"title"}, NameKey: "title"}
	kept, stats := v.Filter([]Record{
		NewRecord("title", "x"),
		NewRecord("title", "x"),
	}, NewSeenSet(), nil)
	require.Len(t, kept, 1)
	require.Equal(t, 1, stats.Duplicates)
}

type recordingLogger struct {
	lines []string
}

func (l *recordingLogger) Logf(format string, args ...any) {
	l.lines = append(l.lines, fmt.Sprintf(format, args...))
}
