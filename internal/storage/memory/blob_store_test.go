package memory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/fetchcore/internal/storage"
)

func TestBlobStorePutCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte("content")
	meta := map[string]string{"sha256": "abc"}
	uri, err := store.Put(t.Context(), storage.Object{Key: "exports/b1.json", ContentType: "application/json", Metadata: meta}, payload)
	require.NoError(t, err)
	assert.Equal(t, "memory://exports/b1.json", uri)

	payload[0] = 'C'
	meta["sha256"] = "mutated"

	obj, data, ok := store.Get("exports/b1.json")
	require.True(t, ok)
	assert.Equal(t, "content", string(data))
	assert.Equal(t, "application/json", obj.ContentType)
	assert.Equal(t, "abc", obj.Metadata["sha256"])
}

func TestBlobStoreKeysAndMissing(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	for _, k := range []string{"b", "a"} {
		_, err := store.Put(t.Context(), storage.Object{Key: k}, nil)
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"a", "b"}, store.Keys())

	_, _, ok := store.Get("missing")
	assert.False(t, ok)

	_, err := store.Put(t.Context(), storage.Object{Key: "../x"}, nil)
	assert.Error(t, err)
}
