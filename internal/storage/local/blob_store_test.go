// Package local_test tests the local filesystem blob store.
package local_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/venue-crawler/internal/storage/local"
)

func TestNew(t *testing.T) {
	t.Run("ValidConfig", func(t *testing.T) {
		store, err := local.New(local.Config{BaseDir: t.TempDir()})
		require.NoError(t, err)
		assert.NotNil(t, store)
	})

	t.Run("CreatesMissingDir", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "nested", "exports")
		_, err := local.New(local.Config{BaseDir: dir})
		require.NoError(t, err)
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	})

	t.Run("MissingBaseDir", func(t *testing.T) {
		_, err := local.New(local.Config{})
		assert.Error(t, err)
	})

	t.Run("BaseDirIsNotADirectory", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "plain")
		require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
		_, err := local.New(local.Config{BaseDir: file})
		assert.Error(t, err)
	})
}

func TestPutObject(t *testing.T) {
	dir := t.TempDir()
	store, err := local.New(local.Config{BaseDir: dir})
	require.NoError(t, err)
	ctx := context.Background()

	t.Run("WritesFile", func(t *testing.T) {
		uri, err := store.PutObject(ctx, "runs/run-1/complete_venues.csv", "text/csv", strings.NewReader("name\nHall\n"))
		require.NoError(t, err)
		want := filepath.Join(dir, "runs", "run-1", "complete_venues.csv")
		assert.Equal(t, "file://"+want, uri)
		got, err := os.ReadFile(want)
		require.NoError(t, err)
		assert.Equal(t, "name\nHall\n", string(got))
	})

	t.Run("Overwrites", func(t *testing.T) {
		_, err := store.PutObject(ctx, "latest.csv", "text/csv", strings.NewReader("first"))
		require.NoError(t, err)
		_, err = store.PutObject(ctx, "latest.csv", "text/csv", strings.NewReader("2nd"))
		require.NoError(t, err)
		got, err := os.ReadFile(filepath.Join(dir, "latest.csv"))
		require.NoError(t, err)
		assert.Equal(t, "2nd", string(got))
	})

	t.Run("RejectsTraversal", func(t *testing.T) {
		_, err := store.PutObject(ctx, "../escape.csv", "text/csv", strings.NewReader("x"))
		assert.ErrorContains(t, err, "path traversal")
	})

	t.Run("RequiresPath", func(t *testing.T) {
		_, err := store.PutObject(ctx, " ", "text/csv", strings.NewReader("x"))
		assert.Error(t, err)
	})
}
