package memory

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte("audit,score\n")
	uri, err := store.PutObject(context.Background(), "reports/a1/abc.csv", "text/csv", bytes.NewReader(payload))
	require.NoError(t, err)
	require.Equal(t, "memory://reports/a1/abc.csv", uri)

	payload[0] = 'A'
	stored, contentType, ok := store.Object("reports/a1/abc.csv")
	require.True(t, ok)
	require.Equal(t, "audit,score\n", string(stored))
	require.Equal(t, "text/csv", contentType)
}

func TestBlobStoreRejectsEmptyPath(t *testing.T) {
	t.Parallel()

	_, err := NewBlobStore().PutObject(context.Background(), " ", "text/csv", bytes.NewReader(nil))
	require.Error(t, err)
}
