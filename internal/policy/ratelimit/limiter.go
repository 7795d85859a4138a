// Package ratelimit paces page loads per host with token buckets.
package ratelimit

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/venue-crawler/internal/crawler"
	"github.com/JakeFAU/venue-crawler/internal/metrics"
)

// Config holds rate limiter configuration. A non-positive RPS disables
// limiting.
type Config struct {
	RPS   float64
	Burst int
}

// Limiter manages one token bucket per host.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// New creates a Limiter.
func New(cfg Config) *Limiter {
	limit := rate.Limit(cfg.RPS)
	if cfg.RPS <= 0 {
		limit = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    limit,
		burst:    burst,
	}
}

// Wait blocks until rawURL's host has a token or ctx ends.
func (l *Limiter) Wait(ctx context.Context, rawURL string) error {
	host := hostOf(rawURL)
	l.mu.Lock()
	limiter, ok := l.limiters[host]
	if !ok {
		limiter = rate.NewLimiter(l.limit, l.burst)
		l.limiters[host] = limiter
	}
	l.mu.Unlock()

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(host, waited)
	}
	return nil
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Fetcher paces a wrapped Fetcher. Session calls pass through when the
// wrapped fetcher supports them.
type Fetcher struct {
	Next    crawler.Fetcher
	Limiter *Limiter
}

// Wrap returns next paced by cfg, or next itself when cfg disables limiting.
func Wrap(next crawler.Fetcher, cfg Config) crawler.Fetcher {
	if cfg.RPS <= 0 {
		return next
	}
	return &Fetcher{Next: next, Limiter: New(cfg)}
}

// Fetch implements crawler.Fetcher.
func (f *Fetcher) Fetch(ctx context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	if err := f.Limiter.Wait(ctx, req.URL); err != nil {
		return crawler.FetchResponse{}, err
	}
	resp, err := f.Next.Fetch(ctx, req)
	if err != nil {
		return crawler.FetchResponse{}, fmt.Errorf("paced fetch: %w", err)
	}
	return resp, nil
}

// OpenSession implements crawler.SessionOpener.
func (f *Fetcher) OpenSession(ctx context.Context, sessionID string) error {
	if opener, ok := f.Next.(crawler.SessionOpener); ok {
		return opener.OpenSession(ctx, sessionID)
	}
	return nil
}

// CloseSession implements crawler.SessionCloser.
func (f *Fetcher) CloseSession(sessionID string) {
	if closer, ok := f.Next.(crawler.SessionCloser); ok {
		closer.CloseSession(sessionID)
	}
}
