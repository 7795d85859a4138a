package crawler

import (
	"context"
	"errors"
	"io"
	"time"
)

// RunStore errors.
var (
	ErrRunNotFound = errors.New("run not found")
	ErrRunExists   = errors.New("run already exists")
)

// RunStore keeps run metadata for status queries.
type RunStore interface {
	CreateRun(ctx context.Context, run Run) error
	UpdateRun(ctx context.Context, run Run) error
	GetRun(ctx context.Context, runID string) (Run, error)
	ListRuns(ctx context.Context, limit int) ([]Run, error)
}

// VenueStore persists accepted venues.
type VenueStore interface {
	SaveVenues(ctx context.Context, rows []VenueRow) error
}

// BlobStore writes artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes run summaries to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// SessionOpener is implemented by fetchers that can start a session ahead
// of the first fetch, surfacing browser startup failures early.
type SessionOpener interface {
	OpenSession(ctx context.Context, sessionID string) error
}

// SessionCloser is implemented by fetchers that hold per-session resources.
type SessionCloser interface {
	CloseSession(sessionID string)
}

// Hasher fingerprints exported content.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
