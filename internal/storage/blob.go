// Package storage selects the blob backend that mirrors exported CSV files.
package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/JakeFAU/venue-crawler/internal/crawler"
	"github.com/JakeFAU/venue-crawler/internal/storage/gcs"
	"github.com/JakeFAU/venue-crawler/internal/storage/local"
	"github.com/JakeFAU/venue-crawler/internal/storage/memory"
)

// Supported blob backends.
const (
	BackendNone   = "none"
	BackendMemory = "memory"
	BackendLocal  = "local"
	BackendGCS    = "gcs"
)

// BlobConfig picks and configures a backend.
type BlobConfig struct {
	Backend  string
	LocalDir string
	GCS      gcs.Config
}

// OpenBlobStore builds the configured backend. The none backend returns a
// nil store. The returned close function is never nil.
func OpenBlobStore(ctx context.Context, cfg BlobConfig) (crawler.BlobStore, func() error, error) {
	noop := func() error { return nil }
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", BackendNone:
		return nil, noop, nil
	case BackendMemory:
		return memory.NewBlobStore(), noop, nil
	case BackendLocal:
		store, err := local.New(local.Config{BaseDir: cfg.LocalDir})
		if err != nil {
			return nil, noop, fmt.Errorf("open local blob store: %w", err)
		}
		return store, noop, nil
	case BackendGCS:
		store, err := gcs.Open(ctx, cfg.GCS)
		if err != nil {
			return nil, noop, fmt.Errorf("open gcs blob store: %w", err)
		}
		return store, store.Close, nil
	default:
		return nil, noop, fmt.Errorf("unknown blob backend %q", cfg.Backend)
	}
}
