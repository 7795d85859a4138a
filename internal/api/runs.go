package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/venue-crawler/internal/crawler"
)

const (
	defaultRunLimit = 20
	maxRunLimit     = 200
	runStoreTimeout = 3 * time.Second
)

// runHandler serves run metadata from the RunStore.
type runHandler struct {
	store  crawler.RunStore
	logger *zap.Logger
}

func newRunHandler(store crawler.RunStore, logger *zap.Logger) *runHandler {
	return &runHandler{store: store, logger: logger}
}

// list returns recent runs, newest first. Query parameters: limit (1..200)
// and status.
func (h *runHandler) list(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, http.StatusServiceUnavailable, "run store unavailable")
		return
	}
	limit := defaultRunLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxRunLimit)
	}
	status := crawler.RunStatus(r.URL.Query().Get("status"))

	ctx, cancel := context.WithTimeout(r.Context(), runStoreTimeout)
	defer cancel()
	runs, err := h.store.ListRuns(ctx, limit)
	if err != nil {
		h.logger.Error("list runs failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	out := make([]crawler.Run, 0, len(runs))
	for _, run := range runs {
		if status == "" || run.Status == status {
			out = append(out, run)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": out})
}

func (h *runHandler) get(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, http.StatusServiceUnavailable, "run store unavailable")
		return
	}
	runID := chi.URLParam(r, "run_id")
	ctx, cancel := context.WithTimeout(r.Context(), runStoreTimeout)
	defer cancel()
	run, err := h.store.GetRun(ctx, runID)
	if errors.Is(err, crawler.ErrRunNotFound) {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		h.logger.Error("get run failed", zap.String("run_id", runID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load run")
		return
	}
	writeJSON(w, http.StatusOK, run)
}
