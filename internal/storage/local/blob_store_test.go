package local_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/pickup-monitor/internal/pipeline"
	"github.com/JakeFAU/pickup-monitor/internal/storage/local"
)

func newStore(t *testing.T) (*local.BlobStore, string) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "archive")
	store, err := local.New(local.Config{BaseDir: dir})
	require.NoError(t, err)
	return store, dir
}

func TestNewCreatesBaseDir(t *testing.T) {
	t.Parallel()

	_, dir := newStore(t)
	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "write check file must be cleaned up")
}

func TestNewRejectsBadBaseDir(t *testing.T) {
	t.Parallel()

	_, err := local.New(local.Config{BaseDir: "  "})
	require.Error(t, err)

	file := filepath.Join(t.TempDir(), "list.pdf")
	require.NoError(t, os.WriteFile(file, []byte("%PDF-1.4"), 0o600))
	_, err = local.New(local.Config{BaseDir: file})
	assert.ErrorContains(t, err, "not a directory")
}

func TestPutObjectArchivesDocument(t *testing.T) {
	t.Parallel()

	store, dir := newStore(t)
	at := time.Date(2025, 3, 10, 23, 30, 0, 0, time.FixedZone("CET", 3600))
	path := pipeline.ArchivePath("documents", at, "9f86d081")
	body := []byte("%PDF-1.4 pickup list")

	uri, err := store.PutObject(context.Background(), path, "application/pdf", bytes.NewReader(body))
	require.NoError(t, err)

	want := filepath.Join(dir, "documents", "2025", "03", "10", "9f86d081.pdf")
	assert.Equal(t, "file://"+want, uri)
	// #nosec G304 -- test reads from its own temp directory.
	got, err := os.ReadFile(want)
	require.NoError(t, err)
	assert.Equal(t, body, got)
}

func TestPutObjectReplacesSameFingerprint(t *testing.T) {
	t.Parallel()

	store, dir := newStore(t)
	path := "documents/2025/03/10/abc.pdf"
	for _, body := range []string{"first", "second"} {
		_, err := store.PutObject(context.Background(), path, "application/pdf", strings.NewReader(body))
		require.NoError(t, err)
	}

	// #nosec G304 -- test reads from its own temp directory.
	got, err := os.ReadFile(filepath.Join(dir, path))
	require.NoError(t, err)
	assert.Equal(t, "second", string(got))

	entries, err := os.ReadDir(filepath.Join(dir, "documents/2025/03/10"))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temporary upload files may remain")
}

func TestPutObjectRejects(t *testing.T) {
	t.Parallel()

	store, _ := newStore(t)
	canceled, cancel := context.WithCancel(context.Background())
	cancel()

	tests := []struct {
		name string
		ctx  context.Context
		path string
	}{
		{"empty path", context.Background(), ""},
		{"traversal", context.Background(), "../escape.pdf"},
		{"nested traversal", context.Background(), "documents/../../escape.pdf"},
		{"canceled", canceled, "documents/x.pdf"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := store.PutObject(tc.ctx, tc.path, "application/pdf", strings.NewReader("x"))
			assert.Error(t, err)
		})
	}
}
