// Package extract turns one listing page into venue records: it loads the
// page, detects the site's "no results" marker, narrows the DOM to the
// caller's CSS selector, and asks a language model for structured records.
// Every call yields a Result tagged with exactly one Kind.
package extract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/venue-crawler/internal/crawler"
	"github.com/JakeFAU/venue-crawler/internal/llm"
	"github.com/JakeFAU/venue-crawler/internal/telemetry"
	"github.com/JakeFAU/venue-crawler/internal/venue"
)

// DefaultNoResultsMarker is the text listing sites render past the last page.
const DefaultNoResultsMarker = "No Results Found"

const defaultMaxContentChars = 60000

// Config tunes extraction.
type Config struct {
	// NoResultsMarker is searched for in the raw page; empty uses DefaultNoResultsMarker.
	NoResultsMarker string
	// MaxContentChars truncates the rendered page before it is sent to the model.
	MaxContentChars int
	// MaxTokens caps the model reply; zero leaves the provider default.
	MaxTokens int
	// WaitSelector is forwarded to the fetcher for every page.
	WaitSelector string
}

// Request describes one page to extract.
type Request struct {
	RunID        string
	SessionID    string
	URL          string
	CSSSelector  string
	RequiredKeys []string
}

// Result is the outcome of one page.
type Result struct {
	Kind       Kind
	Records    []venue.Record
	Raw        string
	Err        error
	StatusCode int
	Duration   time.Duration
}

// Extractor implements page extraction over a Fetcher and an llm.Completer.
type Extractor struct {
	fetcher   crawler.Fetcher
	completer llm.Completer
	cfg       Config
	logger    *zap.Logger
}

// New builds an Extractor.
func New(fetcher crawler.Fetcher, completer llm.Completer, cfg Config, logger *zap.Logger) (*Extractor, error) {
	if fetcher == nil {
		return nil, errors.New("extract: fetcher is required")
	}
	if completer == nil {
		return nil, errors.New("extract: completer is required")
	}
	if cfg.NoResultsMarker == "" {
		cfg.NoResultsMarker = DefaultNoResultsMarker
	}
	if cfg.MaxContentChars <= 0 {
		cfg.MaxContentChars = defaultMaxContentChars
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{fetcher: fetcher, completer: completer, cfg: cfg, logger: logger}, nil
}

// Extract loads and classifies one page. It never returns a nil-kind result.
func (e *Extractor) Extract(ctx context.Context, req Request) Result {
	ctx, span := telemetry.Tracer().Start(ctx, "extract.page", trace.WithAttributes(
		attribute.String("run.id", req.RunID),
		attribute.String("page.url", req.URL),
	))
	defer span.End()

	start := time.Now()
	res := e.extract(ctx, req)
	res.Duration = time.Since(start)
	span.SetAttributes(
		attribute.String("page.kind", res.Kind.String()),
		attribute.Int("page.records", len(res.Records)),
		attribute.Int("http.status_code", res.StatusCode),
	)
	if res.Err != nil {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.Kind.String())
	}
	e.logger.Debug("page extracted",
		zap.String("run_id", req.RunID),
		zap.String("url", req.URL),
		zap.String("kind", res.Kind.String()),
		zap.Int("records", len(res.Records)),
		zap.Int("status", res.StatusCode),
		zap.Duration("duration", res.Duration),
		zap.Error(res.Err),
	)
	return res
}

func (e *Extractor) extract(ctx context.Context, req Request) Result {
	resp, err := e.fetcher.Fetch(ctx, crawler.FetchRequest{
		RunID:        req.RunID,
		URL:          req.URL,
		SessionID:    req.SessionID,
		WaitSelector: e.cfg.WaitSelector,
	})
	if err != nil {
		return Result{Kind: KindFetchError, Err: fmt.Errorf("fetch %s: %w", req.URL, err)}
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return Result{
			Kind:       KindFetchError,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("fetch %s: unexpected status %d", req.URL, resp.StatusCode),
		}
	}
	if bytes.Contains(resp.Body, []byte(e.cfg.NoResultsMarker)) {
		return Result{Kind: KindNoResults, StatusCode: resp.StatusCode}
	}

	content, matched, err := Render(resp.Body, req.CSSSelector)
	if err != nil {
		return Result{Kind: KindFetchError, StatusCode: resp.StatusCode, Err: err}
	}
	if matched == 0 || content == "" {
		return Result{Kind: KindEmpty, StatusCode: resp.StatusCode}
	}
	if len(content) > e.cfg.MaxContentChars {
		content = truncate(content, e.cfg.MaxContentChars)
	}

	completion, err := e.completer.Complete(ctx, llm.BuildPrompt(req.RequiredKeys, content, e.cfg.MaxTokens))
	if err != nil {
		return Result{Kind: KindFetchError, StatusCode: resp.StatusCode, Err: fmt.Errorf("extract records: %w", err)}
	}
	raw := llm.StripReasoning(completion.Text)
	if raw == "" {
		return Result{Kind: KindFetchError, StatusCode: resp.StatusCode, Err: llm.ErrEmptyCompletion}
	}

	records, err := venue.DecodeRecords([]byte(raw))
	if err != nil {
		return Result{Kind: KindDecodeError, Raw: raw, StatusCode: resp.StatusCode, Err: err}
	}
	if len(records) == 0 {
		return Result{Kind: KindEmpty, Raw: raw, StatusCode: resp.StatusCode}
	}
	return Result{Kind: KindSuccess, Records: records, Raw: raw, StatusCode: resp.StatusCode}
}

// OpenSession prepares fetcher resources for sessionID. Fetchers without
// sessions accept any ID.
func (e *Extractor) OpenSession(ctx context.Context, sessionID string) error {
	if opener, ok := e.fetcher.(crawler.SessionOpener); ok {
		if err := opener.OpenSession(ctx, sessionID); err != nil {
			return fmt.Errorf("open session %s: %w", sessionID, err)
		}
	}
	return nil
}

// CloseSession releases fetcher resources bound to sessionID, if the
// fetcher holds any.
func (e *Extractor) CloseSession(sessionID string) {
	if closer, ok := e.fetcher.(crawler.SessionCloser); ok {
		closer.CloseSession(sessionID)
	}
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return strings.TrimSpace(s[:cut])
}

