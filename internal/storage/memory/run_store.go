package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/JakeFAU/venue-crawler/internal/crawler"
)

// RunStore provides an in-memory crawler.RunStore.
type RunStore struct {
	mu   sync.RWMutex
	runs map[string]crawler.Run
	// maxRuns bounds retained runs; oldest terminal runs are evicted first.
	maxRuns int
}

// NewRunStore constructs a RunStore retaining at most maxRuns runs (0 keeps all).
func NewRunStore(maxRuns int) *RunStore {
	return &RunStore{
		runs:    make(map[string]crawler.Run),
		maxRuns: maxRuns,
	}
}

// CreateRun stores a new run.
func (s *RunStore) CreateRun(_ context.Context, run crawler.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.ID]; exists {
		return fmt.Errorf("create run %s: %w", run.ID, crawler.ErrRunExists)
	}
	s.runs[run.ID] = cloneRun(run)
	s.evictLocked()
	return nil
}

// UpdateRun replaces a stored run.
func (s *RunStore) UpdateRun(_ context.Context, run crawler.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; !ok {
		return fmt.Errorf("update run %s: %w", run.ID, crawler.ErrRunNotFound)
	}
	s.runs[run.ID] = cloneRun(run)
	return nil
}

// GetRun fetches a run by ID.
func (s *RunStore) GetRun(_ context.Context, runID string) (crawler.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	if !ok {
		return crawler.Run{}, fmt.Errorf("get run %s: %w", runID, crawler.ErrRunNotFound)
	}
	return cloneRun(run), nil
}

// ListRuns returns runs newest first, at most limit (0 means all).
func (s *RunStore) ListRuns(_ context.Context, limit int) ([]crawler.Run, error) {
	s.mu.RLock()
	out := make([]crawler.Run, 0, len(s.runs))
	for _, run := range s.runs {
		out = append(out, cloneRun(run))
	}
	s.mu.RUnlock()
	sortNewestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *RunStore) evictLocked() {
	if s.maxRuns <= 0 || len(s.runs) <= s.maxRuns {
		return
	}
	runs := make([]crawler.Run, 0, len(s.runs))
	for _, run := range s.runs {
		if run.Status.Terminal() {
			runs = append(runs, run)
		}
	}
	sortNewestFirst(runs)
	for i := len(runs) - 1; i >= 0 && len(s.runs) > s.maxRuns; i-- {
		delete(s.runs, runs[i].ID)
	}
}

func sortNewestFirst(runs []crawler.Run) {
	sort.SliceStable(runs, func(i, j int) bool {
		if runs[i].Started.Equal(runs[j].Started) {
			return runs[i].ID > runs[j].ID
		}
		return runs[i].Started.After(runs[j].Started)
	})
}

func cloneRun(run crawler.Run) crawler.Run {
	out := run
	out.Parameters.RequiredKeys = append([]string(nil), run.Parameters.RequiredKeys...)
	if run.Finished != nil {
		ts := *run.Finished
		out.Finished = &ts
	}
	return out
}
