package orchestrator

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Request validation errors.
var (
	ErrMissingFields   = errors.New("missing base_url, css_selector, or required_keys")
	ErrInvalidMaxPages = errors.New("invalid max_pages")
)

// ErrNoSession is returned when the browser session for a run cannot be
// opened.
var ErrNoSession = errors.New("browser session unavailable")

// Request describes one scrape run.
type Request struct {
	// RunID is optional; one is generated when empty.
	RunID        string
	BaseURL      string
	CSSSelector  string
	RequiredKeys []string
	// MaxPages caps the pages visited; zero means unlimited.
	MaxPages  int
	PageDelay time.Duration
	// SessionID names the browser session; empty uses the run ID.
	SessionID string
}

// Validate checks that every required field is present.
func (r Request) Validate() error {
	if strings.TrimSpace(r.BaseURL) == "" || strings.TrimSpace(r.CSSSelector) == "" {
		return ErrMissingFields
	}
	keys := 0
	for _, k := range r.RequiredKeys {
		if strings.TrimSpace(k) != "" {
			keys++
		}
	}
	if keys == 0 {
		return ErrMissingFields
	}
	if r.MaxPages < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidMaxPages, r.MaxPages)
	}
	return nil
}

// normalizedKeys drops blank keys and surrounding whitespace.
func (r Request) normalizedKeys() []string {
	out := make([]string, 0, len(r.RequiredKeys))
	for _, k := range r.RequiredKeys {
		if k = strings.TrimSpace(k); k != "" {
			out = append(out, k)
		}
	}
	return out
}
