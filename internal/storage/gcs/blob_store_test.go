package gcs

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

type upload struct {
	path string
	name string
	kind string
	body string
}

func newFakeGCS(t *testing.T, status int) (*httptest.Server, func() []upload) {
	t.Helper()
	var (
		mu      sync.Mutex
		uploads []upload
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		mu.Lock()
		uploads = append(uploads, upload{
			path: r.URL.Path,
			name: r.URL.Query().Get("name"),
			kind: r.URL.Query().Get("uploadType"),
			body: string(body),
		})
		mu.Unlock()
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		fmt.Fprintln(w, `{"name": "`+r.URL.Query().Get("name")+`", "bucket": "reports-bucket"}`)
	}))
	t.Cleanup(srv.Close)
	return srv, func() []upload {
		mu.Lock()
		defer mu.Unlock()
		return append([]upload(nil), uploads...)
	}
}

func TestPutObjectUploadsWithPrefix(t *testing.T) {
	t.Parallel()

	srv, uploads := newFakeGCS(t, http.StatusOK)
	store, err := Open(context.Background(), Config{Bucket: "reports-bucket", Prefix: "/audits/", Endpoint: srv.URL})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	uri, err := store.PutObject(context.Background(), "a1/abc.csv", "text/csv", strings.NewReader("url,score\n"))
	require.NoError(t, err)
	require.Equal(t, "gs://reports-bucket/audits/a1/abc.csv", uri)

	got := uploads()
	require.Len(t, got, 1)
	assert.Contains(t, got[0].path, "/upload/storage/v1/b/reports-bucket/o")
	assert.Equal(t, "audits/a1/abc.csv", got[0].name)
	assert.Equal(t, "multipart", got[0].kind)
	assert.Contains(t, got[0].body, "url,score")
	assert.Contains(t, got[0].body, "text/csv")
}

func TestPutObjectSurfacesServerErrors(t *testing.T) {
	t.Parallel()

	srv, _ := newFakeGCS(t, http.StatusForbidden)
	client, err := storage.NewClient(context.Background(), option.WithEndpoint(srv.URL), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	store, err := New(client, Config{Bucket: "reports-bucket"})
	require.NoError(t, err)

	_, err = store.PutObject(context.Background(), "a1/abc.csv", "text/csv", strings.NewReader("x"))
	require.Error(t, err)

	_, err = store.PutObject(context.Background(), " ", "text/csv", strings.NewReader("x"))
	require.ErrorContains(t, err, "path is required")
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.Error(t, err)
	client, err := storage.NewClient(context.Background(), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	_, err = New(client, Config{})
	require.Error(t, err)
}
