// Package export writes accepted venues to CSV.
package export

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/JakeFAU/venue-crawler/internal/venue"
)

// DefaultFileName is the CSV file both entry points write.
const DefaultFileName = "complete_venues.csv"

// ContentType is the MIME type of the export.
const ContentType = "text/csv"

// ErrNoVenues is returned when asked to save an empty result.
var ErrNoVenues = errors.New("no venues to save")

// Header returns the column order: the field order of the first record.
func Header(records []venue.Record) []string {
	if len(records) == 0 {
		return nil
	}
	return records[0].Keys()
}

// Write encodes records as CSV. Values follow the header order; a record's
// missing fields are written empty and fields outside the header are dropped.
func Write(w io.Writer, records []venue.Record) error {
	header := Header(records)
	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	row := make([]string, len(header))
	for i, rec := range records {
		for j, key := range header {
			row[j] = rec.Text(key)
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write csv row %d: %w", i, err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("flush csv: %w", err)
	}
	return nil
}

// Encode renders records to an in-memory CSV document.
func Encode(records []venue.Record) ([]byte, error) {
	if len(records) == 0 {
		return nil, ErrNoVenues
	}
	var buf bytes.Buffer
	if err := Write(&buf, records); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// File owns one CSV path on disk. Saves are serialized and atomic: readers
// see either the previous file or the complete new one.
type File struct {
	mu   sync.Mutex
	path string
}

// NewFile binds a File to path.
func NewFile(path string) *File {
	if path == "" {
		path = DefaultFileName
	}
	return &File{path: path}
}

// Path returns the target path.
func (f *File) Path() string {
	return f.path
}

// Save replaces the file with records and returns the bytes written.
// Empty input leaves any existing file untouched and returns ErrNoVenues.
func (f *File) Save(records []venue.Record) ([]byte, error) {
	data, err := Encode(records)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(f.path)+".*.tmp")
	if err != nil {
		return nil, fmt.Errorf("create temp csv: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return nil, fmt.Errorf("write temp csv: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return nil, fmt.Errorf("close temp csv: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		cleanup()
		return nil, fmt.Errorf("chmod temp csv: %w", err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		cleanup()
		return nil, fmt.Errorf("replace csv: %w", err)
	}
	return data, nil
}

// Open returns the current file for reading. The error wraps os.ErrNotExist
// when nothing has been saved yet.
func (f *File) Open() (*os.File, os.FileInfo, error) {
	file, err := os.Open(f.path)
	if err != nil {
		return nil, nil, fmt.Errorf("open csv: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, nil, fmt.Errorf("stat csv: %w", err)
	}
	return file, info, nil
}
