package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/venue-crawler/internal/crawler"
	"github.com/JakeFAU/venue-crawler/internal/export"
	"github.com/JakeFAU/venue-crawler/internal/id/uuid"
	"github.com/JakeFAU/venue-crawler/internal/llm"
	"github.com/JakeFAU/venue-crawler/internal/logstream"
	"github.com/JakeFAU/venue-crawler/internal/orchestrator"
	"github.com/JakeFAU/venue-crawler/internal/storage/memory"
	"github.com/JakeFAU/venue-crawler/internal/venue"
)

type fakeScraper struct {
	mu     sync.Mutex
	venues []venue.Record
	err    error
	got    []orchestrator.Request
}

func (f *fakeScraper) Run(_ context.Context, req orchestrator.Request) (orchestrator.Result, error) {
	f.mu.Lock()
	f.got = append(f.got, req)
	f.mu.Unlock()
	if err := req.Validate(); err != nil {
		return orchestrator.Result{}, err
	}
	if f.err != nil {
		return orchestrator.Result{}, f.err
	}
	return orchestrator.Result{Venues: f.venues}, nil
}

func (f *fakeScraper) last(t *testing.T) orchestrator.Request {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.got)
	return f.got[len(f.got)-1]
}

type fixture struct {
	server  *Server
	scraper *fakeScraper
	runs    *memory.RunStore
	broker  *logstream.Broker
	csv     *export.File
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		scraper: &fakeScraper{},
		runs:    memory.NewRunStore(10),
		broker:  logstream.NewBroker(logstream.Config{}),
		csv:     export.NewFile(filepath.Join(t.TempDir(), export.DefaultFileName)),
	}
	f.server = NewServer(Options{
		Scraper:   f.scraper,
		Runs:      f.runs,
		Broker:    f.broker,
		CSV:       f.csv,
		IDs:       uuid.New(),
		Defaults:  ScrapeDefaults{MaxPages: 10},
		Heartbeat: 20 * time.Millisecond,
	})
	return f
}

func (f *fixture) do(method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestScrapeReturnsVenues(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.scraper.venues = []venue.Record{
		venue.NewRecord("name", "Hall", "location", "Austin"),
	}

	rec := f.do(http.MethodPost, "/scrape",
		`{"base_url":"https://example.com/v","css_selector":".card","required_keys":["name","location"],"max_pages":{"value":3}}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, `[{"name":"Hall","location":"Austin"}]`, strings.TrimSpace(rec.Body.String()))
	assert.NotEmpty(t, rec.Header().Get("X-Run-ID"))
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	got := f.scraper.last(t)
	assert.Equal(t, 3, got.MaxPages)
	assert.Equal(t, rec.Header().Get("X-Run-ID"), got.RunID)
	assert.Equal(t, []string{"name", "location"}, got.RequiredKeys)
}

func TestScrapeEmptyResultIsArray(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	rec := f.do(http.MethodPost, "/scrape",
		`{"base_url":"https://example.com/v","css_selector":".card","required_keys":["name"]}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]", strings.TrimSpace(rec.Body.String()))
	assert.Equal(t, 10, f.scraper.last(t).MaxPages)
}

func TestScrapeUsesCallerRunID(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	const runID = "0b7c4f3e-9d7a-4e6b-8a51-3f2d1c0b9a87"

	rec := f.do(http.MethodPost, "/scrape",
		`{"run_id":"`+strings.ToUpper(runID)+`","base_url":"https://example.com/v","css_selector":".card","required_keys":["name"]}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, runID, rec.Header().Get("X-Run-ID"))
	assert.Equal(t, runID, f.scraper.last(t).RunID)
}

func TestScrapeRejectsBadInput(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		body    string
		wantErr string
	}{
		{
			name:    "missing selector",
			body:    `{"base_url":"https://example.com/v","required_keys":["name"]}`,
			wantErr: "Missing base_url, css_selector, or required_keys",
		},
		{
			name:    "empty keys",
			body:    `{"base_url":"https://example.com/v","css_selector":".card","required_keys":[]}`,
			wantErr: "Missing base_url, css_selector, or required_keys",
		},
		{
			name:    "negative max pages",
			body:    `{"base_url":"https://example.com/v","css_selector":".card","required_keys":["name"],"max_pages":-1}`,
			wantErr: "max_pages",
		},
		{
			name:    "zero max pages",
			body:    `{"base_url":"https://example.com/v","css_selector":".card","required_keys":["name"],"max_pages":{"value":0}}`,
			wantErr: "max_pages",
		},
		{
			name:    "bad run id",
			body:    `{"run_id":"nope","base_url":"https://example.com/v","css_selector":".card","required_keys":["name"]}`,
			wantErr: "invalid run id",
		},
		{
			name:    "not json",
			body:    `{`,
			wantErr: "invalid JSON body",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			rec := f.do(http.MethodPost, "/scrape", tc.body)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, decodeBody(t, rec)["error"], tc.wantErr)
		})
	}
}

func TestScrapeFailureReturnsDetails(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.scraper.err = errors.New("browser session unavailable: chrome missing")

	rec := f.do(http.MethodPost, "/scrape",
		`{"base_url":"https://example.com/v","css_selector":".card","required_keys":["name"]}`)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "An error occurred during scraping", body["error"])
	assert.Equal(t, "browser session unavailable: chrome missing", body["details"])
}

func TestParseMaxPages(t *testing.T) {
	t.Parallel()
	cases := []struct {
		raw     string
		want    int
		wantErr bool
	}{
		{raw: "", want: 7},
		{raw: "null", want: 7},
		{raw: "4", want: 4},
		{raw: "3.0", want: 3},
		{raw: `{"value":2.0}`, want: 2},
		{raw: "1e1", want: 10},
		{raw: `"12"`, want: 12},
		{raw: `" "`, want: 7},
		{raw: `{"value":5}`, want: 5},
		{raw: `{"value":"6"}`, want: 6},
		{raw: `{}`, want: 7},
		{raw: "0", wantErr: true},
		{raw: `"0"`, wantErr: true},
		{raw: `{"value":0}`, wantErr: true},
		{raw: "-2", wantErr: true},
		{raw: "1e30", wantErr: true},
		{raw: "[1]", wantErr: true},
		{raw: "2.5", wantErr: true},
		{raw: `"ten"`, wantErr: true},
		{raw: `{"value":{"value":1}}`, wantErr: true},
		{raw: "true", wantErr: true},
	}
	for _, tc := range cases {
		got, err := parseMaxPages(json.RawMessage(tc.raw), 7)
		if tc.wantErr {
			require.ErrorIs(t, err, orchestrator.ErrInvalidMaxPages, tc.raw)
			continue
		}
		require.NoError(t, err, tc.raw)
		assert.Equal(t, tc.want, got, tc.raw)
	}
}

func TestDownload(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	rec := f.do(http.MethodGet, "/download", "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	_, err := f.csv.Save([]venue.Record{venue.NewRecord("name", "Hall", "location", "Austin")})
	require.NoError(t, err)

	rec = f.do(http.MethodGet, "/download", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/csv", rec.Header().Get("Content-Type"))
	assert.Equal(t, `attachment; filename=complete_venues.csv`, rec.Header().Get("Content-Disposition"))
	assert.Equal(t, "name,location\nHall,Austin\n", rec.Body.String())
}

func TestRunsEndpoints(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, f.runs.CreateRun(ctx, crawler.Run{ID: "r1", Status: crawler.RunStatusSucceeded, Started: start}))
	require.NoError(t, f.runs.CreateRun(ctx, crawler.Run{ID: "r2", Status: crawler.RunStatusRunning, Started: start.Add(time.Minute)}))

	rec := f.do(http.MethodGet, "/runs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Runs []crawler.Run `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Runs, 2)
	assert.Equal(t, "r2", list.Runs[0].ID)

	rec = f.do(http.MethodGet, "/runs?status=succeeded", "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Runs, 1)
	assert.Equal(t, "r1", list.Runs[0].ID)

	rec = f.do(http.MethodGet, "/runs?limit=zero", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodGet, "/runs/r1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var run crawler.Run
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	assert.Equal(t, crawler.RunStatusSucceeded, run.Status)

	rec = f.do(http.MethodGet, "/runs/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthAndReadiness(t *testing.T) {
	t.Parallel()
	srv := NewServer(Options{
		Scraper: &fakeScraper{},
		ReadyChecks: map[string]ReadyCheck{
			"ok":       func(context.Context) error { return nil },
			"postgres": func(context.Context) error { return errors.New("connection refused") },
		},
	})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "connection refused")
}

func TestUsageEndpoint(t *testing.T) {
	t.Parallel()
	total := &llm.Usage{}
	total.Add(llm.Completion{PromptTokens: 40, CompletionTokens: 12})
	total.AddFailure()
	srv := NewServer(Options{Scraper: &fakeScraper{}, Usage: total.Snapshot})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/usage", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"requests":2,"failures":1,"prompt_tokens":40,"completion_tokens":12,"total_tokens":52}`, rec.Body.String())

	rec = httptest.NewRecorder()
	NewServer(Options{Scraper: &fakeScraper{}}).Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/usage", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"total_tokens":0`)
}

func TestIndexServesPage(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	rec := f.do(http.MethodGet, "/", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, rec.Body.String(), `new EventSource("/log-stream?run_id="`)
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.do(http.MethodGet, "/healthz", "")

	rec := f.do(http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "venue_http_requests_total")
}

func TestLogStreamDeliversRunLines(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ts := httptest.NewServer(f.server.Handler())
	defer ts.Close()

	f.broker.Publish("other", "[START] not mine")
	f.broker.Publish("run-1", "[START] Scraping started")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/log-stream?run_id=run-1", nil)
	require.NoError(t, err)
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	f.broker.Publish("run-1", "line one\nline two")

	reader := bufio.NewReader(resp.Body)
	var data []string
	sawHeartbeat := false
	for len(data) < 3 || !sawHeartbeat {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "data: "):
			data = append(data, strings.TrimPrefix(line, "data: "))
		case strings.HasPrefix(line, ": keep-alive"):
			sawHeartbeat = true
		}
	}
	assert.Equal(t, []string{"[START] Scraping started", "line one", "line two"}, data)
}

func TestLogStreamUnavailableWithoutBroker(t *testing.T) {
	t.Parallel()
	srv := NewServer(Options{Scraper: &fakeScraper{}})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/log-stream", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestFormatEvent(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "data: one\n\n", formatEvent("one"))
	assert.Equal(t, "data: a\ndata: b\n\n", formatEvent("a\r\nb"))
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()
	srv := NewServer(Options{})
	h := srv.recoverMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "internal server error")
}
