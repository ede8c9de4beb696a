package gcs

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"

	fcstorage "github.com/JakeFAU/fetchcore/internal/storage"
)

func newTestStore(t *testing.T, handler http.Handler, cfg Config) *BlobStore {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := storage.NewClient(t.Context(), option.WithEndpoint(server.URL), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	store, err := New(client, cfg)
	require.NoError(t, err)
	return store
}

func TestPutUploadsObject(t *testing.T) {
	t.Parallel()
	data := []byte(`{"total":3}`)

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/upload/storage/v1/b/exports-bucket/o")
		assert.Equal(t, "fc/exports/b1.json", r.URL.Query().Get("name"))
		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		assert.Contains(t, string(body), string(data))
		assert.Contains(t, string(body), `"sha256":"abc"`)
		_, _ = fmt.Fprintln(w, `{"name":"fc/exports/b1.json","bucket":"exports-bucket"}`)
	})
	store := newTestStore(t, handler, Config{Bucket: "exports-bucket", Prefix: "fc"})

	uri, err := store.Put(t.Context(), fcstorage.Object{
		Key:         "exports/b1.json",
		ContentType: "application/json",
		Metadata:    map[string]string{"sha256": "abc"},
	}, data)
	require.NoError(t, err)
	assert.Equal(t, "gs://exports-bucket/fc/exports/b1.json", uri)
}

func TestPutServerError(t *testing.T) {
	t.Parallel()
	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	store := newTestStore(t, handler, Config{Bucket: "b"})

	_, err := store.Put(t.Context(), fcstorage.Object{Key: "k"}, []byte("x"))
	assert.Error(t, err)
}

func TestNewValidates(t *testing.T) {
	t.Parallel()
	_, err := New(nil, Config{Bucket: "b"})
	assert.Error(t, err)
	_, err = New(&storage.Client{}, Config{})
	assert.Error(t, err)
}
