package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEnv(t *testing.T) {
	t.Helper()
	t.Setenv("FETCHCORE_STORAGE_BACKEND", "memory")
	t.Setenv("FETCHCORE_FETCH_RATE_LIMIT", "0")
	t.Setenv("FETCHCORE_RATELIMIT_BURST_LIMIT", "1000")
	t.Setenv("FETCHCORE_LOGGING_LEVEL", "error")
}

func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	root, cleanup := newRootCmd()
	defer cleanup()
	var stdout, stderr bytes.Buffer
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func newTarget(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/missing") {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("payload"))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestFetchCommand(t *testing.T) {
	testEnv(t)
	srv := newTarget(t)

	out, _, err := execute(t, "fetch", srv.URL+"/ok")
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, "success", got["outcome"])
	assert.EqualValues(t, http.StatusOK, got["status_code"])
}

func TestFetchCommandBody(t *testing.T) {
	testEnv(t)
	srv := newTarget(t)

	out, _, err := execute(t, "fetch", "--body", srv.URL+"/ok")
	require.NoError(t, err)
	assert.Equal(t, "payload", out)
}

func TestFetchCommandRequiresURL(t *testing.T) {
	testEnv(t)

	_, _, err := execute(t, "fetch")
	require.Error(t, err)
}

func TestBatchCommand(t *testing.T) {
	testEnv(t)
	srv := newTarget(t)

	path := filepath.Join(t.TempDir(), "urls.txt")
	list := "# targets\n" + srv.URL + "/a\n\n" + srv.URL + "/b\n"
	require.NoError(t, os.WriteFile(path, []byte(list), 0o600))

	out, stderr, err := execute(t, "batch", "--file", path, "--format", "csv", "--export")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[1], srv.URL+"/a")
	assert.Contains(t, lines[2], srv.URL+"/b")
	assert.Contains(t, stderr, "memory://exports/")
}

func TestBatchCommandEmptyFile(t *testing.T) {
	testEnv(t)

	path := filepath.Join(t.TempDir(), "urls.txt")
	require.NoError(t, os.WriteFile(path, []byte("# nothing\n"), 0o600))

	_, _, err := execute(t, "batch", "--file", path)
	require.ErrorContains(t, err, "no urls")
}

func TestReadURLsFromStdin(t *testing.T) {
	t.Parallel()

	urls, err := readURLs(strings.NewReader(" https://a \n#x\nhttps://b"), "-")
	require.NoError(t, err)
	assert.Equal(t, []string{"https://a", "https://b"}, urls)

	_, err = readURLs(nil, filepath.Join(t.TempDir(), "missing.txt"))
	require.Error(t, err)
}

func TestAgentsStatsCommand(t *testing.T) {
	testEnv(t)

	out, _, err := execute(t, "agents", "stats")
	require.NoError(t, err)
	assert.Contains(t, out, `"total"`)
}

func TestProxiesStatsCommand(t *testing.T) {
	testEnv(t)

	out, _, err := execute(t, "proxies", "stats")
	require.NoError(t, err)
	assert.Contains(t, out, `"healthy_count": 0`)
}

func TestBadConfigFails(t *testing.T) {
	testEnv(t)
	t.Setenv("FETCHCORE_OUTPUT_FORMAT", "pdf")

	_, _, err := execute(t, "agents", "stats")
	require.ErrorContains(t, err, "load config")
}
