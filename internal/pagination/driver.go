// Package pagination walks a listing site page by page, validating and
// deduplicating the venues each page yields, until the site runs out of
// results, a page produces nothing usable, an error occurs, or the page cap
// is reached.
package pagination

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/JakeFAU/venue-crawler/internal/extract"
	"github.com/JakeFAU/venue-crawler/internal/venue"
)

// PageParam is the query parameter carrying the page number.
const PageParam = "page"

// ErrInvalidBaseURL is returned when the base URL cannot be parsed.
var ErrInvalidBaseURL = errors.New("invalid base url")

// StopReason explains why a run ended.
type StopReason string

// Stop reasons reported in Outcome.
const (
	StopNoResults  StopReason = "no_results"
	StopEmpty      StopReason = "empty"
	StopIncomplete StopReason = "no_complete_venues"
	StopFetchError StopReason = "fetch_error"
	StopDecode     StopReason = "decode_error"
	StopMaxPages   StopReason = "max_pages"
	StopCanceled   StopReason = "canceled"
)

// PageExtractor loads and classifies one page.
type PageExtractor interface {
	Extract(ctx context.Context, req extract.Request) extract.Result
}

// Params describes one paginated run.
type Params struct {
	RunID        string
	SessionID    string
	BaseURL      string
	CSSSelector  string
	RequiredKeys []string
	// MaxPages caps the pages visited; zero or negative means no cap.
	MaxPages int
	// PageDelay is waited between pages.
	PageDelay time.Duration
	// NameKey overrides the duplicate-suppression field.
	NameKey string
}

// PageResult is the processed outcome of one page.
type PageResult struct {
	Page     int
	URL      string
	Kind     extract.Kind
	Venues   []venue.Record
	Stop     bool
	Stats    venue.FilterStats
	Retries  int
	Err      error
	Duration time.Duration
}

// Outcome summarizes a whole run.
type Outcome struct {
	Venues     []venue.Record
	Pages      int
	StopReason StopReason
	LastKind   extract.Kind
	Retries    int
	Totals     venue.FilterStats
}

// Logger receives narration lines.
type Logger = venue.LineLogger

// Option customizes a Driver.
type Option func(*Driver)

// WithRetryPolicy sets the fetch-error retry policy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(d *Driver) { d.retry = p }
}

// WithPageObserver registers a callback invoked after every page.
func WithPageObserver(fn func(PageResult)) Option {
	return func(d *Driver) { d.observe = fn }
}

// withSleep replaces the delay function in tests.
func withSleep(fn func(context.Context, time.Duration) error) Option {
	return func(d *Driver) { d.sleep = fn }
}

// Driver runs the page loop. It is stateless between runs and safe for
// concurrent use by separate runs.
type Driver struct {
	extractor PageExtractor
	retry     RetryPolicy
	observe   func(PageResult)
	sleep     func(context.Context, time.Duration) error
}

// NewDriver builds a Driver over extractor.
func NewDriver(extractor PageExtractor, opts ...Option) *Driver {
	d := &Driver{extractor: extractor, sleep: sleepContext}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// PageURL sets the page query parameter on base, keeping any existing query.
func PageURL(base string, page int) (string, error) {
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidBaseURL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("%w: %q needs a scheme and host", ErrInvalidBaseURL, base)
	}
	q := u.Query()
	q.Set(PageParam, strconv.Itoa(page))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ProcessPage loads page, classifies it, and filters its records against
// seen. Surviving names are added to seen.
func (d *Driver) ProcessPage(ctx context.Context, p Params, page int, seen *venue.SeenSet, log Logger) PageResult {
	if log == nil {
		log = nopLogger{}
	}
	start := time.Now()
	res := d.processPage(ctx, p, page, seen, log)
	res.Duration = time.Since(start)
	return res
}

func (d *Driver) processPage(ctx context.Context, p Params, page int, seen *venue.SeenSet, log Logger) PageResult {
	pageURL, err := PageURL(p.BaseURL, page)
	if err != nil {
		log.Logf("[ERROR] Failed to build URL for page %d: %v", page, err)
		return PageResult{Page: page, Kind: extract.KindFetchError, Stop: true, Err: err}
	}
	log.Logf("[LOAD] Page %d - %s", page, pageURL)

	req := extract.Request{
		RunID:        p.RunID,
		SessionID:    p.SessionID,
		URL:          pageURL,
		CSSSelector:  p.CSSSelector,
		RequiredKeys: p.RequiredKeys,
	}
	var (
		res     extract.Result
		retries int
	)
	for {
		res = d.extractor.Extract(ctx, req)
		if !d.retry.ShouldRetry(res.Kind, retries) || ctx.Err() != nil {
			break
		}
		wait := d.retry.Backoff(retries)
		retries++
		log.Logf("[RETRY] Page %d attempt %d in %s: %v", page, retries+1, wait.Round(time.Millisecond), res.Err)
		if err := d.sleep(ctx, wait); err != nil {
			break
		}
	}

	out := PageResult{Page: page, URL: pageURL, Kind: res.Kind, Retries: retries, Err: res.Err, Stop: true}
	switch res.Kind {
	case extract.KindNoResults:
		log.Logf("[INFO] 'No Results Found' on page %d. Stopping.", page)
		return out
	case extract.KindFetchError:
		log.Logf("[ERROR] Failed to extract page %d: %v", page, res.Err)
		return out
	case extract.KindDecodeError:
		log.Logf("[ERROR] JSON decode error on page %d: %v", page, res.Err)
		return out
	case extract.KindEmpty:
		log.Logf("[INFO] No venues extracted on page %d. Stopping.", page)
		return out
	case extract.KindSuccess:
	default:
		out.Kind = extract.KindFetchError
		out.Err = fmt.Errorf("unknown extraction kind %q", res.Kind)
		log.Logf("[ERROR] Failed to extract page %d: %v", page, out.Err)
		return out
	}

	log.Logf("[PARSE] Raw extracted data: %s", rawSummary(res))
	validator := venue.NewValidator(p.RequiredKeys)
	if p.NameKey != "" {
		validator.NameKey = p.NameKey
	}
	kept, stats := validator.Filter(res.Records, seen, log)
	out.Stats = stats
	if len(kept) == 0 {
		log.Logf("[INFO] No complete venues on page %d. Stopping.", page)
		return out
	}
	out.Venues = kept
	out.Stop = false
	log.Logf("[SUCCESS] Page %d: %d venues extracted", page, len(kept))
	return out
}

// Run walks pages starting at 1 and accumulates surviving venues. The
// returned error is non-nil only when ctx ends; the Outcome still holds
// everything collected before that.
func (d *Driver) Run(ctx context.Context, p Params, log Logger) (Outcome, error) {
	if log == nil {
		log = nopLogger{}
	}
	seen := venue.NewSeenSet()
	var out Outcome
	limit := "unlimited"
	if p.MaxPages > 0 {
		limit = strconv.Itoa(p.MaxPages)
	}

	page := 1
	for {
		if p.MaxPages > 0 && page > p.MaxPages {
			out.StopReason = StopMaxPages
			log.Logf("[LIMIT] Reached maximum page limit: %d. Stopping...", p.MaxPages)
			break
		}
		if err := ctx.Err(); err != nil {
			out.StopReason = StopCanceled
			return out, fmt.Errorf("pagination canceled before page %d: %w", page, err)
		}

		log.Logf("[INFO] Scraping page %d of max %s...", page, limit)
		res := d.ProcessPage(ctx, p, page, seen, log)
		out.Pages++
		out.LastKind = res.Kind
		out.Retries += res.Retries
		out.Venues = append(out.Venues, res.Venues...)
		addStats(&out.Totals, res.Stats)
		if d.observe != nil {
			d.observe(res)
		}

		if err := ctx.Err(); err != nil {
			out.StopReason = StopCanceled
			return out, fmt.Errorf("pagination canceled on page %d: %w", page, err)
		}
		if res.Stop {
			out.StopReason = stopReasonFor(res)
			log.Logf("[STOP] Ending early after page %d due to condition.", page)
			break
		}

		page++
		if p.PageDelay > 0 && (p.MaxPages <= 0 || page <= p.MaxPages) {
			if err := d.sleep(ctx, p.PageDelay); err != nil {
				out.StopReason = StopCanceled
				return out, fmt.Errorf("pagination canceled waiting for page %d: %w", page, err)
			}
		}
	}

	log.Logf("[DONE] Scraping finished. %d total venues collected.", len(out.Venues))
	return out, nil
}

func stopReasonFor(res PageResult) StopReason {
	switch res.Kind {
	case extract.KindNoResults:
		return StopNoResults
	case extract.KindEmpty:
		return StopEmpty
	case extract.KindDecodeError:
		return StopDecode
	case extract.KindSuccess:
		return StopIncomplete
	default:
		return StopFetchError
	}
}

func addStats(total *venue.FilterStats, s venue.FilterStats) {
	total.Raw += s.Raw
	total.Incomplete += s.Incomplete
	total.Duplicates += s.Duplicates
	total.Kept += s.Kept
}

func rawSummary(res extract.Result) string {
	if res.Raw != "" {
		return res.Raw
	}
	parts := make([]string, len(res.Records))
	for i, r := range res.Records {
		parts[i] = r.String()
	}
	return "[" + strings.Join(parts, ",") + "]"
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("sleep interrupted: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

type nopLogger struct{}

func (nopLogger) Logf(string, ...any) {}
