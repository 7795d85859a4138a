package pagination

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/venue-crawler/internal/extract"
	"github.com/JakeFAU/venue-crawler/internal/venue"
)

type scriptedExtractor struct {
	mu       sync.Mutex
	script   []extract.Result
	requests []extract.Request
}

func (s *scriptedExtractor) Extract(_ context.Context, req extract.Request) extract.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if len(s.script) == 0 {
		return extract.Result{Kind: extract.KindNoResults}
	}
	next := s.script[0]
	s.script = s.script[1:]
	return next
}

type lineRecorder struct {
	lines []string
}

func (r *lineRecorder) Logf(format string, args ...any) {
	r.lines = append(r.lines, fmt.Sprintf(format, args...))
}

func (r *lineRecorder) has(prefix string) bool {
	for _, l := range r.lines {
		if strings.HasPrefix(l, prefix) {
			return true
		}
	}
	return false
}

type sleepRecorder struct {
	calls []time.Duration
	err   error
}

func (s *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	s.calls = append(s.calls, d)
	return s.err
}

func success(names ...string) extract.Result {
	records := make([]venue.Record, len(names))
	for i, n := range names {
		records[i] = venue.NewRecord("name", n, "location", "Austin", "error", false)
	}
	return extract.Result{Kind: extract.KindSuccess, Records: records}
}

func params() Params {
	return Params{
		RunID:        "run-1",
		SessionID:    "sess-1",
		BaseURL:      "https://example.com/venues",
		CSSSelector:  ".venue",
		RequiredKeys: []string{"name", "location"},
		PageDelay:    2 * time.Second,
	}
}

func TestPageURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		base string
		page int
		want string
	}{
		{"https://example.com/venues", 1, "https://example.com/venues?page=1"},
		{"https://example.com/venues?city=austin", 2, "https://example.com/venues?city=austin&page=2"},
		{"https://example.com/venues?page=9", 3, "https://example.com/venues?page=3"},
		{" https://example.com ", 4, "https://example.com?page=4"},
	}
	for _, tc := range cases {
		got, err := PageURL(tc.base, tc.page)
		require.NoError(t, err)
		require.Equal(t, tc.want, got)
	}

	_, err := PageURL("venues", 1)
	require.ErrorIs(t, err, ErrInvalidBaseURL)
	_, err = PageURL("http://[::1", 1)
	require.ErrorIs(t, err, ErrInvalidBaseURL)
}

func TestRunStopsOnNoResults(t *testing.T) {
	t.Parallel()

	ex := &scriptedExtractor{script: []extract.Result{
		success("A", "B"),
		success("C"),
		{Kind: extract.KindNoResults},
	}}
	sleeper := &sleepRecorder{}
	log := &lineRecorder{}
	d := NewDriver(ex, withSleep(sleeper.sleep))

	out, err := d.Run(context.Background(), params(), log)
	require.NoError(t, err)
	require.Len(t, out.Venues, 3)
	require.Equal(t, 3, out.Pages)
	require.Equal(t, StopNoResults, out.StopReason)
	require.Equal(t, extract.KindNoResults, out.LastKind)
	require.Equal(t, []time.Duration{2 * time.Second, 2 * time.Second}, sleeper.calls)

	require.Len(t, ex.requests, 3)
	require.Equal(t, "https://example.com/venues?page=3", ex.requests[2].URL)
	require.Equal(t, "sess-1", ex.requests[0].SessionID)
	for _, v := range out.Venues {
		_, hasFlag := v.Get("error")
		require.False(t, hasFlag)
	}
	require.True(t, log.has("[STOP] Ending early after page 3"))
	require.Equal(t, "[DONE] Scraping finished. 3 total venues collected.", log.lines[len(log.lines)-1])
}

func TestRunHonorsPageCap(t *testing.T) {
	t.Parallel()

	ex := &scriptedExtractor{script: []extract.Result{success("A"), success("B"), success("C"), success("D")}}
	sleeper := &sleepRecorder{}
	log := &lineRecorder{}
	p := params()
	p.MaxPages = 2

	out, err := NewDriver(ex, withSleep(sleeper.sleep)).Run(context.Background(), p, log)
	require.NoError(t, err)
	require.Len(t, ex.requests, 2)
	require.Equal(t, 2, out.Pages)
	require.Equal(t, StopMaxPages, out.StopReason)
	require.Len(t, out.Venues, 2)
	require.Len(t, sleeper.calls, 1)
	require.True(t, log.has("[INFO] Scraping page 1 of max 2..."))
	require.True(t, log.has("[LIMIT] Reached maximum page limit: 2. Stopping..."))
}

func TestRunStopsWhenPageOnlyHasDuplicates(t *testing.T) {
	t.Parallel()

	ex := &scriptedExtractor{script: []extract.Result{success("A", "B"), success("B", "A"), success("Z")}}
	log := &lineRecorder{}

	out, err := NewDriver(ex, withSleep((&sleepRecorder{}).sleep)).Run(context.Background(), params(), log)
	require.NoError(t, err)
	require.Len(t, out.Venues, 2)
	require.Equal(t, 2, out.Pages)
	require.Equal(t, StopIncomplete, out.StopReason)
	require.Equal(t, 2, out.Totals.Duplicates)
	require.True(t, log.has("[SKIP] Duplicate venue 'B'"))
	require.True(t, log.has("[INFO] No complete venues on page 2. Stopping."))
}

func TestRunKeepsOnlyCompleteVenues(t *testing.T) {
	t.Parallel()

	page := extract.Result{Kind: extract.KindSuccess, Records: []venue.Record{
		venue.NewRecord("name", "Hall", "location", "Austin"),
		venue.NewRecord("name", "Shed", "location", ""),
		venue.NewRecord("name", "Barn"),
	}}
	ex := &scriptedExtractor{script: []extract.Result{page}}

	out, err := NewDriver(ex, withSleep((&sleepRecorder{}).sleep)).Run(context.Background(), params(), nil)
	require.NoError(t, err)
	require.Len(t, out.Venues, 1)
	require.Equal(t, "Hall", out.Venues[0].Text("name"))
	require.Equal(t, 2, out.Totals.Incomplete)
	require.Equal(t, 2, out.Pages)
}

func TestRunStopsOnErrorsWithoutRetry(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		result extract.Result
		reason StopReason
		line   string
	}{
		{"fetch", extract.Result{Kind: extract.KindFetchError, Err: errors.New("timeout")}, StopFetchError, "[ERROR] Failed to extract page 2"},
		{"decode", extract.Result{Kind: extract.KindDecodeError, Err: errors.New("bad json")}, StopDecode, "[ERROR] JSON decode error on page 2"},
		{"empty", extract.Result{Kind: extract.KindEmpty}, StopEmpty, "[INFO] No venues extracted on page 2"},
		{"unknown kind", extract.Result{Kind: "weird"}, StopFetchError, "[ERROR] Failed to extract page 2"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			ex := &scriptedExtractor{script: []extract.Result{success("A"), tc.result, success("B")}}
			log := &lineRecorder{}
			out, err := NewDriver(ex, withSleep((&sleepRecorder{}).sleep)).Run(context.Background(), params(), log)
			require.NoError(t, err)
			require.Len(t, ex.requests, 2)
			require.Len(t, out.Venues, 1)
			require.Equal(t, tc.reason, out.StopReason)
			require.True(t, log.has(tc.line), log.lines)
		})
	}
}

func TestRunRetriesFetchErrors(t *testing.T) {
	t.Parallel()

	ex := &scriptedExtractor{script: []extract.Result{
		{Kind: extract.KindFetchError, Err: errors.New("reset")},
		success("A"),
		{Kind: extract.KindNoResults},
	}}
	sleeper := &sleepRecorder{}
	log := &lineRecorder{}
	var observed []PageResult
	d := NewDriver(ex,
		withSleep(sleeper.sleep),
		WithRetryPolicy(RetryPolicy{MaxRetries: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}),
		WithPageObserver(func(r PageResult) { observed = append(observed, r) }),
	)

	out, err := d.Run(context.Background(), params(), log)
	require.NoError(t, err)
	require.Len(t, out.Venues, 1)
	require.Equal(t, 1, out.Retries)
	require.Equal(t, ex.requests[0].URL, ex.requests[1].URL)
	require.True(t, log.has("[RETRY] Page 1 attempt 2"))
	require.Len(t, observed, 2)
	require.Equal(t, 1, observed[0].Retries)
	require.False(t, observed[0].Stop)
	require.True(t, observed[1].Stop)
}

func TestRunCancelDuringDelay(t *testing.T) {
	t.Parallel()

	ex := &scriptedExtractor{script: []extract.Result{success("A"), success("B")}}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sleep := func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}

	out, err := NewDriver(ex, withSleep(sleep)).Run(ctx, params(), nil)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, StopCanceled, out.StopReason)
	require.Len(t, out.Venues, 1)
	require.Len(t, ex.requests, 1)
}

func TestRunCanceledBeforeStart(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ex := &scriptedExtractor{}
	out, err := NewDriver(ex).Run(ctx, params(), nil)
	require.ErrorIs(t, err, context.Canceled)
	require.Zero(t, out.Pages)
	require.Empty(t, ex.requests)
}

func TestSleepContext(t *testing.T) {
	t.Parallel()

	require.NoError(t, sleepContext(context.Background(), 0))
	require.NoError(t, sleepContext(context.Background(), time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, sleepContext(ctx, time.Hour), context.Canceled)
}
