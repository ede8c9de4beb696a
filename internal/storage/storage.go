// Package storage defines where exported batches and result rows end up.
// Implementations live in the subpackages (local, memory, gcs, postgres).
package storage

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/JakeFAU/fetchcore/internal/fetch"
)

// Object describes a blob to write.
type Object struct {
	Key         string
	ContentType string
	Metadata    map[string]string
}

// BlobStore persists rendered exports and returns a URI for the stored object.
type BlobStore interface {
	Put(ctx context.Context, obj Object, data []byte) (string, error)
}

// ResultStore persists the results of one batch.
type ResultStore interface {
	StoreResults(ctx context.Context, batchID string, fetchedAt time.Time, results []fetch.Result) error
	Close()
}

// ExportKey builds the object key for an export: exports/<date>/<batch>-<hash prefix><ext>.
func ExportKey(batchID, hash, ext string, at time.Time) string {
	if len(hash) > 12 {
		hash = hash[:12]
	}
	name := batchID
	if hash != "" {
		name = fmt.Sprintf("%s-%s", batchID, hash)
	}
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return path.Join("exports", at.UTC().Format("2006-01-02"), name+ext)
}

// CleanKey validates a user supplied object key.
func CleanKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", fmt.Errorf("object key is required")
	}
	cleaned := path.Clean("/" + key)[1:]
	if cleaned == "" || cleaned != strings.TrimPrefix(key, "/") {
		return "", fmt.Errorf("object key %q is not canonical", key)
	}
	return cleaned, nil
}
