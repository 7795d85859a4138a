package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/venue-crawler/internal/crawler"
	"github.com/JakeFAU/venue-crawler/internal/id/uuid"
	"github.com/JakeFAU/venue-crawler/internal/orchestrator"
	"github.com/JakeFAU/venue-crawler/internal/venue"
)

// missingFieldsMessage is the 400 body older clients match on.
const missingFieldsMessage = "Missing base_url, css_selector, or required_keys"

const maxScrapeBody = 1 << 20

type scrapeRequest struct {
	RunID        string          `json:"run_id"`
	BaseURL      string          `json:"base_url"`
	CSSSelector  string          `json:"css_selector"`
	RequiredKeys []string        `json:"required_keys"`
	MaxPages     json.RawMessage `json:"max_pages"`
}

func (s *Server) scrape(w http.ResponseWriter, r *http.Request) {
	var body scrapeRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxScrapeBody))
	if err := dec.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	maxPages, err := parseMaxPages(body.MaxPages, s.opts.Defaults.MaxPages)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	runID := strings.TrimSpace(body.RunID)
	if runID != "" {
		if runID, err = uuid.Validate(runID); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	} else if s.opts.IDs != nil {
		if runID, err = s.opts.IDs.NewID(); err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"error":   "An error occurred during scraping",
				"details": err.Error(),
			})
			return
		}
	}
	if runID != "" {
		w.Header().Set("X-Run-ID", runID)
	}

	res, err := s.opts.Scraper.Run(r.Context(), orchestrator.Request{
		RunID:        runID,
		BaseURL:      body.BaseURL,
		CSSSelector:  body.CSSSelector,
		RequiredKeys: body.RequiredKeys,
		MaxPages:     maxPages,
		PageDelay:    s.opts.Defaults.PageDelay,
	})
	switch {
	case errors.Is(err, orchestrator.ErrMissingFields):
		writeError(w, http.StatusBadRequest, missingFieldsMessage)
		return
	case errors.Is(err, orchestrator.ErrInvalidMaxPages):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, crawler.ErrRunExists):
		writeError(w, http.StatusConflict, fmt.Sprintf("run %s already exists", runID))
		return
	case err != nil:
		s.logger.Error("scrape failed",
			zap.String("request_id", requestID(r.Context())),
			zap.String("run_id", runID),
			zap.Error(err),
		)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error":   "An error occurred during scraping",
			"details": err.Error(),
		})
		return
	}

	venues := res.Venues
	if venues == nil {
		venues = []venue.Record{}
	}
	writeJSON(w, http.StatusOK, venues)
}

// parseMaxPages accepts an integer, an integral float, a numeric string, or
// an object with a "value" member. Absent or null yields def. HTTP runs are
// always bounded, so values below 1 are rejected.
func parseMaxPages(raw json.RawMessage, def int) (int, error) {
	n, err := decodeMaxPages(raw, def)
	if err != nil {
		return 0, err
	}
	if n < 1 {
		return 0, fmt.Errorf("%w: got %d, need at least 1", orchestrator.ErrInvalidMaxPages, n)
	}
	return n, nil
}

func decodeMaxPages(raw json.RawMessage, def int) (int, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return def, nil
	}
	switch raw[0] {
	case '{':
		var wrapped struct {
			Value json.RawMessage `json:"value"`
		}
		if err := json.Unmarshal(raw, &wrapped); err != nil {
			return 0, fmt.Errorf("%w: %w", orchestrator.ErrInvalidMaxPages, err)
		}
		if v := bytes.TrimSpace(wrapped.Value); len(v) > 0 && v[0] == '{' {
			return 0, orchestrator.ErrInvalidMaxPages
		}
		return decodeMaxPages(wrapped.Value, def)
	case '"':
		var text string
		if err := json.Unmarshal(raw, &text); err != nil {
			return 0, fmt.Errorf("%w: %w", orchestrator.ErrInvalidMaxPages, err)
		}
		text = strings.TrimSpace(text)
		if text == "" {
			return def, nil
		}
		n, err := strconv.Atoi(text)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", orchestrator.ErrInvalidMaxPages, text)
		}
		return n, nil
	default:
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		var num json.Number
		if err := dec.Decode(&num); err != nil {
			return 0, fmt.Errorf("%w: %s", orchestrator.ErrInvalidMaxPages, raw)
		}
		if n, err := num.Int64(); err == nil {
			return int(n), nil
		}
		f, err := num.Float64()
		if err != nil || f != math.Trunc(f) || math.Abs(f) > math.MaxInt32 {
			return 0, fmt.Errorf("%w: %s", orchestrator.ErrInvalidMaxPages, raw)
		}
		return int(f), nil
	}
}
