// Package collyfetcher implements Fetcher using gocolly. It serves listing
// pages that render server-side and need no browser.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/venue-crawler/internal/crawler"
)

const defaultTimeout = 15 * time.Second

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
	// MaxBodyBytes caps each response body; zero keeps colly's limit.
	MaxBodyBytes int
	Logger       *zap.Logger
}

// Fetcher implements crawler.Fetcher on a shared base collector. Error
// statuses come back as responses so callers can classify them.
type Fetcher struct {
	base   *colly.Collector
	logger *zap.Logger
}

// New builds a Fetcher sharing one pooled transport across requests.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	c := colly.NewCollector(
		colly.Async(false),
		colly.AllowURLRevisit(),
		colly.ParseHTTPErrorResponse(),
	)
	c.WithTransport(newHTTPTransport())
	c.SetRequestTimeout(cfg.Timeout)
	c.IgnoreRobotsTxt = !cfg.RespectRobots
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	if cfg.MaxBodyBytes > 0 {
		c.MaxBodySize = cfg.MaxBodyBytes
	}
	return &Fetcher{base: c, logger: logger}
}

// Fetch loads one page. Sessions carry no state here, so SessionID is
// ignored.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	pf := &pageFetch{request: request, start: time.Now()}
	c := f.base.Clone()
	c.Context = ctx
	c.OnRequest(pf.onRequest)
	c.OnResponse(pf.onResponse)
	c.OnError(pf.onError)

	done := make(chan error, 1)
	go func() {
		done <- c.Visit(request.URL)
	}()

	select {
	case <-ctx.Done():
		return crawler.FetchResponse{}, fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err == nil {
			err = pf.err
		}
		if err != nil {
			f.logger.Debug("page fetch failed", zap.String("url", request.URL), zap.Error(err))
			return crawler.FetchResponse{}, fmt.Errorf("colly fetch %s: %w", request.URL, err)
		}
		f.logger.Debug("page fetched",
			zap.String("url", pf.resp.URL),
			zap.Int("status", pf.resp.StatusCode),
			zap.Int("bytes", len(pf.resp.Body)),
			zap.Duration("duration", pf.resp.Duration),
		)
		return pf.resp, nil
	}
}

// pageFetch collects the callbacks of a single visit.
type pageFetch struct {
	request crawler.FetchRequest
	start   time.Time
	resp    crawler.FetchResponse
	err     error
}

func (p *pageFetch) onRequest(r *colly.Request) {
	for key, values := range p.request.Headers {
		for _, v := range values {
			r.Headers.Add(key, v)
		}
	}
}

func (p *pageFetch) onResponse(r *colly.Response) {
	var headers http.Header
	if r.Headers != nil {
		headers = r.Headers.Clone()
	}
	p.resp = crawler.FetchResponse{
		URL:        r.Request.URL.String(),
		StatusCode: r.StatusCode,
		Headers:    headers,
		Body:       append([]byte(nil), r.Body...),
		Duration:   time.Since(p.start),
	}
}

func (p *pageFetch) onError(_ *colly.Response, err error) {
	p.err = err
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
