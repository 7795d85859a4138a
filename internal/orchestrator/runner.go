// Package orchestrator runs one scrape job end to end: run bookkeeping,
// browser session, pagination, CSV export and the optional mirrors.
package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/venue-crawler/internal/crawler"
	"github.com/JakeFAU/venue-crawler/internal/export"
	"github.com/JakeFAU/venue-crawler/internal/llm"
	"github.com/JakeFAU/venue-crawler/internal/logstream"
	"github.com/JakeFAU/venue-crawler/internal/metrics"
	"github.com/JakeFAU/venue-crawler/internal/pagination"
	"github.com/JakeFAU/venue-crawler/internal/progress"
	"github.com/JakeFAU/venue-crawler/internal/telemetry"
	"github.com/JakeFAU/venue-crawler/internal/venue"
)

// Extractor is the page extractor plus session lifecycle.
type Extractor interface {
	pagination.PageExtractor
	OpenSession(ctx context.Context, sessionID string) error
	CloseSession(sessionID string)
}

// Deps are the collaborators of a Runner. Venues, Blobs, Publisher,
// Hasher and Progress are optional.
type Deps struct {
	Extractor Extractor
	Broker    *logstream.Broker
	Runs      crawler.RunStore
	Venues    crawler.VenueStore
	Blobs     crawler.BlobStore
	Publisher crawler.Publisher
	Hasher    crawler.Hasher
	Progress  progress.Emitter
	CSV       *export.File
	IDs       crawler.IDGenerator
	Clock     crawler.Clock
	Logger    *zap.Logger
}

// Config tunes a Runner.
type Config struct {
	Retry      pagination.RetryPolicy
	NameKey    string
	BlobPrefix string
	Topic      string
}

// Result is what a finished run hands back to its caller.
type Result struct {
	Run     crawler.Run
	Venues  []venue.Record
	Outcome pagination.Outcome
	Usage   llm.UsageSnapshot
	// CSVSHA256 is the digest of the written CSV, when a Hasher is set.
	CSVSHA256 string
}

// Runner executes scrape runs. It is safe for concurrent use; each run has
// its own seen-set, session and narrator.
type Runner struct {
	deps Deps
	cfg  Config
}

// New validates deps and returns a Runner.
func New(deps Deps, cfg Config) (*Runner, error) {
	switch {
	case deps.Extractor == nil:
		return nil, errors.New("orchestrator: extractor is required")
	case deps.Runs == nil:
		return nil, errors.New("orchestrator: run store is required")
	case deps.CSV == nil:
		return nil, errors.New("orchestrator: csv file is required")
	case deps.IDs == nil:
		return nil, errors.New("orchestrator: id generator is required")
	case deps.Clock == nil:
		return nil, errors.New("orchestrator: clock is required")
	}
	if deps.Progress == nil {
		deps.Progress = progress.Discard
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Runner{deps: deps, cfg: cfg}, nil
}

// CSV returns the export file runs write to.
func (r *Runner) CSV() *export.File {
	return r.deps.CSV
}

// Run executes req to completion. Page-level failures end pagination but
// still complete the run; the error is non-nil only for validation, run
// bookkeeping, session, CSV or cancellation failures. Result is populated
// even on error once the run has been recorded.
func (r *Runner) Run(ctx context.Context, req Request) (res Result, err error) {
	if err := req.Validate(); err != nil {
		return Result{}, err
	}
	runID := req.RunID
	if runID == "" {
		if runID, err = r.deps.IDs.NewID(); err != nil {
			return Result{}, fmt.Errorf("generate run id: %w", err)
		}
	}
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = runID
	}
	keys := req.normalizedKeys()
	log := logstream.NewNarrator(runID, r.deps.Broker, r.deps.Logger)
	usage := &llm.Usage{}
	ctx = llm.WithUsage(ctx, usage)

	run := crawler.Run{
		ID:      runID,
		Status:  crawler.RunStatusRunning,
		Started: r.deps.Clock.Now(),
		Parameters: crawler.RunParameters{
			BaseURL:      req.BaseURL,
			CSSSelector:  req.CSSSelector,
			RequiredKeys: keys,
			MaxPages:     req.MaxPages,
		},
	}
	if err := r.deps.Runs.CreateRun(ctx, run); err != nil {
		return Result{}, fmt.Errorf("create run: %w", err)
	}
	site := metrics.SanitizeSite(req.BaseURL)
	r.emit(progress.Event{RunID: runID, Stage: progress.StageRunStart, Site: site, URL: req.BaseURL})

	ctx, span := telemetry.Tracer().Start(ctx, "scrape.run", trace.WithAttributes(
		attribute.String("run.id", runID),
		attribute.String("scrape.site", site),
		attribute.Int("scrape.max_pages", req.MaxPages),
	))

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("scrape panicked: %v", rec)
			r.deps.Logger.Error("run panicked", zap.String("run_id", runID), zap.Any("panic", rec), zap.Stack("stack"))
		}
		res.Usage = usage.Snapshot()
		res.Run = r.finish(ctx, run, res, err, log)
		endSpan(span, res, err)
	}()

	limit := "unlimited"
	if req.MaxPages > 0 {
		limit = fmt.Sprint(req.MaxPages)
	}
	log.Logf("[START] Scraping started for URL: %s (up to %s pages)", req.BaseURL, limit)

	if err := r.deps.Extractor.OpenSession(ctx, sessionID); err != nil {
		return res, fmt.Errorf("%w: %w", ErrNoSession, err)
	}
	defer r.deps.Extractor.CloseSession(sessionID)

	var rows []crawler.VenueRow
	observer := func(pr pagination.PageResult) {
		now := r.deps.Clock.Now()
		for _, rec := range pr.Venues {
			rows = append(rows, crawler.VenueRow{RunID: runID, Page: pr.Page, SourceURL: pr.URL, Record: rec, ScrapedAt: now})
		}
		run.Counters.Pages++
		run.Counters.Raw += pr.Stats.Raw
		run.Counters.Incomplete += pr.Stats.Incomplete
		run.Counters.Duplicates += pr.Stats.Duplicates
		run.Counters.Venues += len(pr.Venues)
		run.Counters.Retries += pr.Retries
		if err := r.deps.Runs.UpdateRun(ctx, run); err != nil {
			r.deps.Logger.Warn("update run progress failed", zap.String("run_id", runID), zap.Error(err))
		}
		r.emit(progress.Event{
			RunID:  runID,
			Stage:  progress.StagePageDone,
			Site:   site,
			URL:    pr.URL,
			Page:   pr.Page,
			Kind:   pr.Kind.String(),
			Venues: len(pr.Venues),
			Dur:    pr.Duration,
		})
	}

	driver := pagination.NewDriver(r.deps.Extractor,
		pagination.WithRetryPolicy(r.cfg.Retry),
		pagination.WithPageObserver(observer),
	)
	outcome, runErr := driver.Run(ctx, pagination.Params{
		RunID:        runID,
		SessionID:    sessionID,
		BaseURL:      req.BaseURL,
		CSSSelector:  req.CSSSelector,
		RequiredKeys: keys,
		MaxPages:     req.MaxPages,
		PageDelay:    req.PageDelay,
		NameKey:      r.cfg.NameKey,
	}, log)
	res.Outcome = outcome
	res.Venues = outcome.Venues
	run.StopReason = string(outcome.StopReason)
	res.Run = run
	if runErr != nil {
		return res, runErr
	}

	if len(outcome.Venues) == 0 {
		log.Log("[INFO] No venues were found during the crawl.")
		return res, nil
	}
	data, err := r.deps.CSV.Save(outcome.Venues)
	if err != nil {
		return res, fmt.Errorf("save csv: %w", err)
	}
	res.Run.OutputPath = r.deps.CSV.Path()
	log.Logf("[SAVE] Saved %d venues to %s", len(outcome.Venues), r.deps.CSV.Path())
	if r.deps.Hasher != nil {
		if res.CSVSHA256, err = r.deps.Hasher.Hash(data); err != nil {
			r.deps.Logger.Warn("hash csv failed", zap.String("run_id", runID), zap.Error(err))
		}
	}

	res.Run.BlobURI = r.mirror(ctx, runID, data, log)
	r.persist(ctx, rows, log)
	return res, nil
}

// finish records the terminal state, emits progress and publishes the
// summary. It runs on a context detached from cancellation so a canceled
// run is still recorded.
func (r *Runner) finish(ctx context.Context, run crawler.Run, res Result, runErr error, log *logstream.Narrator) crawler.Run {
	ctx = context.WithoutCancel(ctx)
	final := res.Run
	if final.ID == "" {
		final = run
	}
	now := r.deps.Clock.Now()
	final.Finished = &now

	stage := progress.StageRunDone
	switch {
	case runErr == nil:
		final.Status = crawler.RunStatusSucceeded
	case errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded):
		final.Status = crawler.RunStatusCanceled
		final.StopReason = string(pagination.StopCanceled)
		final.ErrorText = runErr.Error()
		stage = progress.StageRunError
		log.Logf("[STOP] Run canceled: %v", runErr)
	default:
		final.Status = crawler.RunStatusFailed
		final.ErrorText = runErr.Error()
		stage = progress.StageRunError
		log.Logf("[ERROR] %v", runErr)
	}

	if err := r.deps.Runs.UpdateRun(ctx, final); err != nil {
		r.deps.Logger.Error("final run update failed", zap.String("run_id", final.ID), zap.Error(err))
	}
	r.emit(progress.Event{
		RunID:  final.ID,
		Stage:  stage,
		Site:   metrics.SanitizeSite(final.Parameters.BaseURL),
		Venues: final.Counters.Venues,
		Dur:    now.Sub(final.Started),
		Note:   firstNonEmpty(final.ErrorText, final.StopReason),
	})
	metrics.ObserveLLMUsage(res.Usage.Requests, res.Usage.Failures, res.Usage.PromptTokens, res.Usage.CompletionTokens)
	if res.Usage.Requests > 0 {
		log.Logf("[INFO] LLM usage: %s", res.Usage)
	}
	r.publish(ctx, final, res)
	return final
}

func endSpan(span trace.Span, res Result, err error) {
	c := res.Run.Counters
	span.SetAttributes(
		attribute.String("run.status", string(res.Run.Status)),
		attribute.String("run.stop_reason", res.Run.StopReason),
		attribute.Int("run.pages", c.Pages),
		attribute.Int("run.venues", c.Venues),
		attribute.Int("llm.tokens", res.Usage.TotalTokens()),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (r *Runner) mirror(ctx context.Context, runID string, data []byte, log *logstream.Narrator) string {
	if r.deps.Blobs == nil {
		return ""
	}
	uri, err := r.deps.Blobs.PutObject(ctx, r.blobPath(runID), export.ContentType, bytes.NewReader(data))
	if err != nil {
		r.deps.Logger.Warn("mirror csv failed", zap.String("run_id", runID), zap.Error(err))
		log.Logf("[ERROR] Failed to mirror CSV: %v", err)
		return ""
	}
	return uri
}

func (r *Runner) persist(ctx context.Context, rows []crawler.VenueRow, log *logstream.Narrator) {
	if r.deps.Venues == nil || len(rows) == 0 {
		return
	}
	if err := r.deps.Venues.SaveVenues(ctx, rows); err != nil {
		r.deps.Logger.Warn("persist venues failed", zap.Error(err))
		log.Logf("[ERROR] Failed to store venues: %v", err)
	}
}

func (r *Runner) publish(ctx context.Context, run crawler.Run, res Result) {
	if r.deps.Publisher == nil || r.cfg.Topic == "" {
		return
	}
	summary := crawler.RunSummary{
		RunID:      run.ID,
		Status:     run.Status,
		BaseURL:    run.Parameters.BaseURL,
		StopReason: run.StopReason,
		Counters:   run.Counters,
		BlobURI:    run.BlobURI,
		CSVSHA256:  res.CSVSHA256,
		TokensUsed: res.Usage.TotalTokens(),
	}
	if run.Finished != nil {
		summary.FinishedAt = *run.Finished
	}
	id, err := r.deps.Publisher.Publish(ctx, r.cfg.Topic, summary)
	if err != nil {
		r.deps.Logger.Warn("publish run summary failed", zap.String("run_id", run.ID), zap.Error(err))
		return
	}
	r.deps.Logger.Info("run summary published", zap.String("run_id", run.ID), zap.String("message_id", id))
}

func (r *Runner) blobPath(runID string) string {
	prefix := strings.Trim(r.cfg.BlobPrefix, "/")
	if prefix == "" {
		return fmt.Sprintf("%s/%s", runID, export.DefaultFileName)
	}
	return fmt.Sprintf("%s/%s/%s", prefix, runID, export.DefaultFileName)
}

func (r *Runner) emit(evt progress.Event) {
	if evt.TS.IsZero() {
		evt.TS = r.deps.Clock.Now()
	}
	r.deps.Progress.Emit(evt)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
