package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/venue-crawler/internal/clock/system"
	"github.com/JakeFAU/venue-crawler/internal/export"
	"github.com/JakeFAU/venue-crawler/internal/extract"
	"github.com/JakeFAU/venue-crawler/internal/id/uuid"
	"github.com/JakeFAU/venue-crawler/internal/logstream"
	"github.com/JakeFAU/venue-crawler/internal/orchestrator"
	"github.com/JakeFAU/venue-crawler/internal/storage/memory"
	"github.com/JakeFAU/venue-crawler/internal/venue"
)

// listingExtractor returns one venue per page forever.
type listingExtractor struct {
	mu    sync.Mutex
	calls int
}

func (l *listingExtractor) Extract(context.Context, extract.Request) extract.Result {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	name := "Venue " + strings.Repeat("I", l.calls)
	return extract.Result{
		Kind:    extract.KindSuccess,
		Records: []venue.Record{venue.NewRecord("name", name, "location", "Austin")},
	}
}

func (l *listingExtractor) OpenSession(context.Context, string) error { return nil }

func (l *listingExtractor) CloseSession(string) {}

func (l *listingExtractor) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}

type runnerFixture struct {
	handler   http.Handler
	extractor *listingExtractor
	runs      *memory.RunStore
	csv       *export.File
}

func newRunnerFixture(t *testing.T) *runnerFixture {
	t.Helper()
	f := &runnerFixture{
		extractor: &listingExtractor{},
		runs:      memory.NewRunStore(10),
		csv:       export.NewFile(filepath.Join(t.TempDir(), export.DefaultFileName)),
	}
	broker := logstream.NewBroker(logstream.Config{})
	runner, err := orchestrator.New(orchestrator.Deps{
		Extractor: f.extractor,
		Broker:    broker,
		Runs:      f.runs,
		CSV:       f.csv,
		IDs:       uuid.New(),
		Clock:     system.New(),
	}, orchestrator.Config{})
	require.NoError(t, err)
	f.handler = NewServer(Options{
		Scraper:  runner,
		Runs:     f.runs,
		Broker:   broker,
		CSV:      f.csv,
		IDs:      uuid.New(),
		Defaults: ScrapeDefaults{MaxPages: 10},
	}).Handler()
	return f
}

func (f *runnerFixture) post(body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/scrape", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func (f *runnerFixture) requireNoExport(t *testing.T) {
	t.Helper()
	_, err := os.Stat(f.csv.Path())
	require.ErrorIs(t, err, os.ErrNotExist)
	runs, err := f.runs.ListRuns(context.Background(), 10)
	require.NoError(t, err)
	require.Empty(t, runs)
	require.Zero(t, f.extractor.count())
}

func TestScrapeMissingFieldsWritesNothing(t *testing.T) {
	t.Parallel()
	f := newRunnerFixture(t)

	rec := f.post(`{"base_url":"https://example.com/v","css_selector":".card"}`)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"error":"Missing base_url, css_selector, or required_keys"}`, rec.Body.String())
	f.requireNoExport(t)
}

func TestScrapeZeroMaxPagesIsRejected(t *testing.T) {
	t.Parallel()
	for _, maxPages := range []string{`0`, `{"value":0}`, `"0"`} {
		f := newRunnerFixture(t)
		rec := f.post(`{"base_url":"https://example.com/v","css_selector":".card","required_keys":["name"],"max_pages":` + maxPages + `}`)

		require.Equal(t, http.StatusBadRequest, rec.Code, maxPages)
		assert.Contains(t, rec.Body.String(), "max_pages", maxPages)
		f.requireNoExport(t)
	}
}

func TestScrapeVisitsAtMostMaxPages(t *testing.T) {
	t.Parallel()
	f := newRunnerFixture(t)

	rec := f.post(`{"base_url":"https://example.com/v","css_selector":".card","required_keys":["name"],"max_pages":3.0}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 3, f.extractor.count())
	data, err := os.ReadFile(f.csv.Path())
	require.NoError(t, err)
	assert.Equal(t, "name,location\nVenue I,Austin\nVenue II,Austin\nVenue III,Austin\n", string(data))
}

func TestScrapeReusedRunIDConflicts(t *testing.T) {
	t.Parallel()
	f := newRunnerFixture(t)
	body := `{"run_id":"0b7c4f3e-9d7a-4e6b-8a51-3f2d1c0b9a87","base_url":"https://example.com/v","css_selector":".card","required_keys":["name"],"max_pages":1}`

	require.Equal(t, http.StatusOK, f.post(body).Code)
	rec := f.post(body)

	require.Equal(t, http.StatusConflict, rec.Code)
	assert.JSONEq(t, `{"error":"run 0b7c4f3e-9d7a-4e6b-8a51-3f2d1c0b9a87 already exists"}`, rec.Body.String())
	assert.Equal(t, 1, f.extractor.count())
}
