package local_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/fetchcore/internal/storage"
	"github.com/JakeFAU/fetchcore/internal/storage/local"
)

func TestNew(t *testing.T) {
	t.Run("CreatesMissingDir", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "exports")
		store, err := local.New(local.Config{BaseDir: dir})
		require.NoError(t, err)
		assert.NotNil(t, store)
		assert.DirExists(t, dir)

		entries, err := os.ReadDir(dir)
		require.NoError(t, err)
		assert.Empty(t, entries, "probe file should be cleaned up")
	})

	t.Run("MissingBaseDir", func(t *testing.T) {
		_, err := local.New(local.Config{})
		assert.Error(t, err)
	})

	t.Run("BaseDirIsNotADirectory", func(t *testing.T) {
		f := filepath.Join(t.TempDir(), "file")
		require.NoError(t, os.WriteFile(f, []byte("x"), 0o600))
		_, err := local.New(local.Config{BaseDir: f})
		assert.Error(t, err)
	})

	t.Run("BaseDirNotWritable", func(t *testing.T) {
		if os.Geteuid() == 0 {
			t.Skip("root ignores directory permissions")
		}
		dir := t.TempDir()
		// #nosec G302 -- read-only on purpose.
		require.NoError(t, os.Chmod(dir, 0o500))
		t.Cleanup(func() {
			// #nosec G302 -- restore so cleanup can remove the directory.
			_ = os.Chmod(dir, 0o700)
		})
		_, err := local.New(local.Config{BaseDir: dir})
		assert.Error(t, err)
	})
}

func TestPut(t *testing.T) {
	dir := t.TempDir()
	store, err := local.New(local.Config{BaseDir: dir})
	require.NoError(t, err)

	t.Run("NestedKey", func(t *testing.T) {
		data := []byte(`[{"url":"https://example.com"}]`)
		uri, err := store.Put(t.Context(), storage.Object{Key: "exports/2026-01-02/b1.json", ContentType: "application/json"}, data)
		require.NoError(t, err)

		want := filepath.Join(dir, "exports", "2026-01-02", "b1.json")
		assert.Equal(t, "file://"+filepath.ToSlash(want), uri)
		// #nosec G304 -- reading from the test temp dir.
		got, err := os.ReadFile(want)
		require.NoError(t, err)
		assert.Equal(t, data, got)
	})

	t.Run("Overwrite", func(t *testing.T) {
		obj := storage.Object{Key: "same.txt"}
		_, err := store.Put(t.Context(), obj, []byte("one"))
		require.NoError(t, err)
		_, err = store.Put(t.Context(), obj, []byte("two"))
		require.NoError(t, err)
		// #nosec G304 -- reading from the test temp dir.
		got, err := os.ReadFile(filepath.Join(dir, "same.txt"))
		require.NoError(t, err)
		assert.Equal(t, "two", string(got))
	})

	t.Run("RejectsBadKeys", func(t *testing.T) {
		for _, key := range []string{"", "  ", "../escape.txt", "a/../../b"} {
			_, err := store.Put(t.Context(), storage.Object{Key: key}, []byte("x"))
			assert.Error(t, err, key)
		}
	})
}
