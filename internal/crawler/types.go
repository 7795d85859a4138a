package crawler

import (
	"net/http"
	"time"

	"github.com/JakeFAU/venue-crawler/internal/venue"
)

// RunStatus represents the lifecycle state of a scrape run.
type RunStatus string

// Run status values kept in the run store.
const (
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCanceled  RunStatus = "canceled"
)

// Terminal reports whether the status is final.
func (s RunStatus) Terminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed || s == RunStatusCanceled
}

// RunParameters captures what the caller asked to scrape.
type RunParameters struct {
	BaseURL      string   `json:"base_url"`
	CSSSelector  string   `json:"css_selector"`
	RequiredKeys []string `json:"required_keys"`
	MaxPages     int      `json:"max_pages"`
}

// Run is the metadata kept for each scrape run.
type Run struct {
	ID         string        `json:"id"`
	Status     RunStatus     `json:"status"`
	Started    time.Time     `json:"started_at"`
	Finished   *time.Time    `json:"finished_at,omitempty"`
	ErrorText  string        `json:"error_text,omitempty"`
	StopReason string        `json:"stop_reason,omitempty"`
	Parameters RunParameters `json:"parameters"`
	Counters   RunCounters   `json:"counters"`
	OutputPath string        `json:"output_path,omitempty"`
	BlobURI    string        `json:"blob_uri,omitempty"`
}

// RunCounters tracks per-run triage totals.
type RunCounters struct {
	Pages      int `json:"pages"`
	Raw        int `json:"raw"`
	Incomplete int `json:"incomplete"`
	Duplicates int `json:"duplicates"`
	Venues     int `json:"venues"`
	Retries    int `json:"retries"`
}

// RunSummary is published once a run reaches a terminal state.
type RunSummary struct {
	RunID      string      `json:"run_id"`
	Status     RunStatus   `json:"status"`
	BaseURL    string      `json:"base_url"`
	StopReason string      `json:"stop_reason,omitempty"`
	Counters   RunCounters `json:"counters"`
	BlobURI    string      `json:"blob_uri,omitempty"`
	CSVSHA256  string      `json:"csv_sha256,omitempty"`
	TokensUsed int         `json:"tokens_used"`
	FinishedAt time.Time   `json:"finished_at"`
}

// VenueRow is one persisted venue together with where it came from.
type VenueRow struct {
	RunID     string
	Page      int
	SourceURL string
	Record    venue.Record
	ScrapedAt time.Time
}

// FetchRequest captures everything needed to load one page.
type FetchRequest struct {
	RunID string
	URL   string
	// SessionID groups fetches that should share one browser tab.
	SessionID string
	// WaitSelector is awaited before the DOM is captured, when set.
	WaitSelector string
	Headers      http.Header
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL          string
	StatusCode   int
	Headers      http.Header
	Body         []byte
	Duration     time.Duration
	UsedHeadless bool
}
