// Package headless contains fetchers that execute JavaScript via browsers.
package headless

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/venue-crawler/internal/crawler"
)

// Config controls the behavior of the headless fetcher.
type Config struct {
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
	// SettleDelay is slept after the wait selector appears.
	SettleDelay time.Duration
	NoSandbox   bool
	Logger      *zap.Logger
}

// Fetcher implements crawler.Fetcher using chromedp and headless Chrome.
// One browser process serves every fetch; requests carrying a SessionID
// reuse one tab in it until CloseSession.
type Fetcher struct {
	cfg         Config
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
	logger      *zap.Logger

	browserMu     sync.Mutex
	browser       context.Context
	browserCancel context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*session
}

type session struct {
	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	meta    *responseMeta
	started bool
}

// NewChromedp creates a headless fetcher backed by chromedp. The browser
// starts lazily on the first fetch.
func NewChromedp(cfg Config) (*Fetcher, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	if cfg.SettleDelay < 0 {
		cfg.SettleDelay = 0
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
	)
	if cfg.NoSandbox {
		opts = append(opts, chromedp.NoSandbox)
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Fetcher{
		cfg:         cfg,
		limiter:     limiter,
		allocator:   allocCtx,
		allocCancel: allocCancel,
		logger:      logger,
		sessions:    make(map[string]*session),
	}, nil
}

// Close shuts every open session and then the browser.
func (f *Fetcher) Close() {
	f.mu.Lock()
	sessions := f.sessions
	f.sessions = make(map[string]*session)
	f.mu.Unlock()
	for _, s := range sessions {
		s.cancel()
	}
	f.browserMu.Lock()
	if f.browserCancel != nil {
		f.browserCancel()
		f.browser, f.browserCancel = nil, nil
	}
	f.browserMu.Unlock()
	f.allocCancel()
}

// OpenSession starts the browser if needed and opens the tab for sessionID.
// A tab that fails to start is discarded so a later call can retry.
func (f *Fetcher) OpenSession(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("session id is required")
	}
	s, _, err := f.acquireSession(ctx, sessionID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return f.startTab(ctx, sessionID, s, false)
}

// CloseSession closes the tab bound to sessionID. Unknown IDs are ignored.
func (f *Fetcher) CloseSession(sessionID string) {
	f.mu.Lock()
	s, ok := f.sessions[sessionID]
	delete(f.sessions, sessionID)
	f.mu.Unlock()
	if !ok {
		return
	}
	s.cancel()
	f.logger.Debug("headless session closed", zap.String("session_id", sessionID))
}

// SessionCount returns the number of open tabs.
func (f *Fetcher) SessionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sessions)
}

// Fetch navigates with a headless browser and returns the fully rendered DOM.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	if err := f.acquire(ctx); err != nil {
		return crawler.FetchResponse{}, err
	}
	defer f.release()

	s, ephemeral, err := f.acquireSession(ctx, request.SessionID)
	if err != nil {
		return crawler.FetchResponse{}, err
	}
	if ephemeral {
		defer s.cancel()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := f.startTab(ctx, request.SessionID, s, ephemeral); err != nil {
		return crawler.FetchResponse{}, err
	}

	taskCtx, cancel := context.WithTimeout(s.ctx, f.navTimeout())
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	s.meta.reset()
	start := time.Now()
	html, finalURL, err := f.runHeadless(taskCtx, request)
	if err != nil {
		if ctx.Err() != nil {
			return crawler.FetchResponse{}, fmt.Errorf("headless fetch canceled: %w", ctx.Err())
		}
		return crawler.FetchResponse{}, err
	}

	status, headers, responseURL := s.meta.snapshotWithFallbacks(request.URL, finalURL)
	if headers == nil {
		headers = http.Header{}
	}

	return crawler.FetchResponse{
		URL:          responseURL,
		StatusCode:   status,
		Headers:      headers,
		Body:         []byte(html),
		Duration:     time.Since(start),
		UsedHeadless: true,
	}, nil
}

// acquireSession starts the shared browser and returns the tab for id.
func (f *Fetcher) acquireSession(ctx context.Context, id string) (*session, bool, error) {
	browser, err := f.browserContext(ctx)
	if err != nil {
		return nil, false, err
	}
	s, ephemeral := f.session(browser, id)
	return s, ephemeral, nil
}

// browserContext returns the running browser, launching it on first use.
func (f *Fetcher) browserContext(ctx context.Context) (context.Context, error) {
	f.browserMu.Lock()
	defer f.browserMu.Unlock()
	if f.browser != nil && f.browser.Err() == nil {
		return f.browser, nil
	}
	browser, cancel := chromedp.NewContext(f.allocator)
	if err := startTarget(ctx, browser, cancel, f.navTimeout()); err != nil {
		return nil, fmt.Errorf("start browser: %w", err)
	}
	f.browser, f.browserCancel = browser, cancel
	f.logger.Debug("headless browser started")
	return browser, nil
}

// startTab runs the first action on a session tab. Caller holds s.mu.
func (f *Fetcher) startTab(ctx context.Context, id string, s *session, ephemeral bool) error {
	if s.started {
		return nil
	}
	if err := startTarget(ctx, s.ctx, s.cancel, f.navTimeout()); err != nil {
		if !ephemeral {
			f.CloseSession(id)
		}
		return fmt.Errorf("start browser tab: %w", err)
	}
	s.started = true
	return nil
}

// startTarget performs the first Run on a fresh chromedp context. That Run
// binds the browser or tab lifetime to its context, so it gets no deadline;
// startup is bounded by canceling the target instead.
func startTarget(ctx, target context.Context, cancel context.CancelFunc, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		cancel()
		return err
	}
	timer := time.AfterFunc(timeout, cancel)
	defer timer.Stop()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedp.Run(target)
	if err == nil && target.Err() != nil {
		err = target.Err()
	}
	if err != nil {
		cancel()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}

// session returns the tab for id under browser, creating it on first use.
// An empty id yields a throwaway tab the caller must cancel.
func (f *Fetcher) session(browser context.Context, id string) (*session, bool) {
	if id == "" {
		return f.openTab(browser), true
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sessions[id]; ok && s.ctx.Err() == nil {
		return s, false
	}
	s := f.openTab(browser)
	f.sessions[id] = s
	f.logger.Debug("headless session opened", zap.String("session_id", id))
	return s, false
}

func (f *Fetcher) openTab(browser context.Context) *session {
	tabCtx, cancel := chromedp.NewContext(browser)
	s := &session{ctx: tabCtx, cancel: cancel, meta: newResponseMeta()}
	chromedp.ListenTarget(tabCtx, s.meta.captureEvent)
	return s
}

func (f *Fetcher) runHeadless(ctx context.Context, request crawler.FetchRequest) (string, string, error) {
	var (
		html     string
		finalURL string
	)
	waitFor := request.WaitSelector
	if waitFor == "" {
		waitFor = "body"
	}
	actions := []chromedp.Action{
		f.networkSetupAction(request.Headers),
		chromedp.Navigate(request.URL),
		chromedp.WaitReady(waitFor, chromedp.ByQuery),
	}
	if f.cfg.SettleDelay > 0 {
		actions = append(actions, chromedp.Sleep(f.cfg.SettleDelay))
	}
	actions = append(actions,
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err := chromedp.Run(ctx, actions...); err != nil {
		return "", "", fmt.Errorf("chromedp run: %w", err)
	}
	return html, finalURL, nil
}

func (f *Fetcher) networkSetupAction(headers http.Header) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if f.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(f.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if len(headers) > 0 {
			if err := network.SetExtraHTTPHeaders(toNetworkHeaders(headers)).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		return nil
	})
}

func (f *Fetcher) acquire(ctx context.Context) error {
	if f.limiter == nil {
		return nil
	}
	select {
	case f.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("headless slot wait canceled: %w", ctx.Err())
	}
}

func (f *Fetcher) release() {
	if f.limiter == nil {
		return
	}
	select {
	case <-f.limiter:
	default:
	}
}

func (f *Fetcher) navTimeout() time.Duration {
	if f.cfg.NavigationTimeout > 0 {
		return f.cfg.NavigationTimeout
	}
	return 45 * time.Second
}

type responseMeta struct {
	mu      sync.RWMutex
	status  int
	headers http.Header
	url     string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{
		headers: http.Header{},
	}
}

func (m *responseMeta) reset() {
	m.mu.Lock()
	m.status = 0
	m.headers = http.Header{}
	m.url = ""
	m.mu.Unlock()
}

func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	headers := http.Header{}
	for key, value := range event.Response.Headers {
		switch v := value.(type) {
		case string:
			headers.Add(key, v)
		case []string:
			for _, entry := range v {
				headers.Add(key, entry)
			}
		case []any:
			for _, entry := range v {
				headers.Add(key, fmt.Sprint(entry))
			}
		default:
			headers.Add(key, fmt.Sprint(v))
		}
	}
	m.mu.Lock()
	m.status = int(event.Response.Status)
	m.headers = headers
	m.url = event.Response.URL
	m.mu.Unlock()
}

func (m *responseMeta) snapshot() (int, http.Header, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status, cloneHeader(m.headers), m.url
}

func (m *responseMeta) captureEvent(ev any) {
	if resp, ok := ev.(*network.EventResponseReceived); ok {
		m.capture(resp)
	}
}

func (m *responseMeta) snapshotWithFallbacks(requestURL, finalURL string) (int, http.Header, string) {
	status, headers, url := m.snapshot()
	switch {
	case url != "":
	case finalURL != "":
		url = finalURL
	default:
		url = requestURL
	}

	if status == 0 {
		status = http.StatusOK
	}
	return status, headers, url
}

func cloneHeader(src http.Header) http.Header {
	if src == nil {
		return nil
	}
	return src.Clone()
}

func toNetworkHeaders(h http.Header) network.Headers {
	headers := network.Headers{}
	for key, values := range h {
		switch len(values) {
		case 0:
			continue
		case 1:
			headers[key] = values[0]
		default:
			headers[key] = append([]string(nil), values...)
		}
	}
	return headers
}
