package gcs_test

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"

	"github.com/JakeFAU/pickup-monitor/internal/storage/gcs"
)

const bucketName = "test-bucket"

func newTestStore(t *testing.T, handler http.Handler) *gcs.BlobStore {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := storage.NewClient(context.Background(), option.WithEndpoint(server.URL), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	store, err := gcs.New(client, gcs.Config{Bucket: bucketName})
	require.NoError(t, err)
	return store
}

func TestPutObject(t *testing.T) {
	objectName := "documents/2026/03/02/abc.pdf"
	objectData := []byte("%PDF-1.4 test")

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, fmt.Sprintf("/upload/storage/v1/b/%s/o", bucketName))
		assert.Equal(t, "multipart", r.URL.Query().Get("uploadType"))
		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		assert.Contains(t, string(body), string(objectData))
		assert.Contains(t, string(body), "application/pdf")
		fmt.Fprintln(w, `{ "name": "`+objectName+`", "bucket": "`+bucketName+`" }`)
	})

	store := newTestStore(t, handler)
	uri, err := store.PutObject(context.Background(), objectName, "application/pdf", bytes.NewReader(objectData))
	require.NoError(t, err)
	assert.Equal(t, "gs://test-bucket/"+objectName, uri)
	assert.NoError(t, store.Close())
}

func TestPutObjectServerError(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	store := newTestStore(t, handler)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := store.PutObject(ctx, "doc.pdf", "application/pdf", strings.NewReader("x"))
	assert.Error(t, err)
}

func TestPutObjectRequiresPath(t *testing.T) {
	store := newTestStore(t, http.NotFoundHandler())
	_, err := store.PutObject(context.Background(), " ", "", strings.NewReader("x"))
	assert.Error(t, err)
}

func TestNewValidation(t *testing.T) {
	_, err := gcs.New(nil, gcs.Config{Bucket: bucketName})
	assert.Error(t, err)

	client, err := storage.NewClient(context.Background(), option.WithoutAuthentication())
	require.NoError(t, err)
	defer client.Close()
	_, err = gcs.New(client, gcs.Config{})
	assert.Error(t, err)
}

func TestOpenChecksBucket(t *testing.T) {
	var attrsCalls int
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "/b/"+bucketName) {
			attrsCalls++
			fmt.Fprintln(w, `{ "name": "`+bucketName+`" }`)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	})
	server := httptest.NewServer(handler)
	defer server.Close()

	store, err := gcs.Open(context.Background(), gcs.Config{Bucket: bucketName},
		option.WithEndpoint(server.URL), option.WithoutAuthentication())
	require.NoError(t, err)
	assert.Equal(t, 1, attrsCalls)
	assert.NoError(t, store.Close())

	_, err = gcs.Open(context.Background(), gcs.Config{Bucket: "missing"},
		option.WithEndpoint(server.URL), option.WithoutAuthentication())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to get GCS bucket")
}
