// Package uuid generates and validates run IDs.
package uuid

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrInvalidID is returned by Validate for caller-supplied IDs that are
// not UUIDs.
var ErrInvalidID = errors.New("invalid run id")

// Generator creates UUID v7 strings, which sort by creation time.
type Generator struct{}

// New creates a Generator.
func New() *Generator {
	return &Generator{}
}

// NewID returns a UUID7 string.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return id.String(), nil
}

// Validate normalizes a caller-supplied run ID to its canonical form.
func Validate(id string) (string, error) {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return "", fmt.Errorf("%w %q: %w", ErrInvalidID, id, err)
	}
	return parsed.String(), nil
}
