package unzipper

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parazip/parazip/internal/httpreader"
	"github.com/parazip/parazip/internal/rangefetch"
)

func writeTestZip(t *testing.T, files map[string]string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.zip")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	zw := zip.NewWriter(f)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return path
}

func TestOpenAndExtractRoundTrip(t *testing.T) {
	archivePath := writeTestZip(t, map[string]string{
		"hello.txt":     "hello world",
		"dir/nested.go": "package dir\n",
	})

	a, err := Open(context.Background(), archivePath)
	require.NoError(t, err)
	defer a.Close()

	entries := a.Entries()
	require.Len(t, entries, 2)

	destDir := t.TempDir()
	summary, err := a.Extract(context.Background(), destDir, ExtractOptions{Concurrency: 4})
	require.NoError(t, err)
	assert.Equal(t, 2, summary.FilesExtracted)
	assert.EqualValues(t, len("hello world")+len("package dir\n"), summary.BytesExtracted)

	data, err := os.ReadFile(filepath.Join(destDir, "hello.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))

	data, err = os.ReadFile(filepath.Join(destDir, "dir", "nested.go"))
	require.NoError(t, err)
	assert.Equal(t, "package dir\n", string(data))
}

func TestExtractIncludeExcludeGlobs(t *testing.T) {
	archivePath := writeTestZip(t, map[string]string{
		"keep/a.txt":    "a",
		"keep/b.log":    "b",
		"skip/c.txt":    "c",
	})

	a, err := Open(context.Background(), archivePath)
	require.NoError(t, err)
	defer a.Close()

	destDir := t.TempDir()
	summary, err := a.Extract(context.Background(), destDir, ExtractOptions{
		Include: []string{"keep/**"},
		Exclude: []string{"**/*.log"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.FilesExtracted)
	assert.Equal(t, 2, summary.Skipped)

	_, err = os.Stat(filepath.Join(destDir, "keep", "a.txt"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(destDir, "keep", "b.log"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(destDir, "skip", "c.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestExtractVerifyDigest(t *testing.T) {
	archivePath := writeTestZip(t, map[string]string{"file.txt": "digest me"})

	a, err := Open(context.Background(), archivePath)
	require.NoError(t, err)
	defer a.Close()

	destDir := t.TempDir()
	summary, err := a.Extract(context.Background(), destDir, ExtractOptions{Verify: true})
	require.NoError(t, err)
	require.Contains(t, summary.Digests, "file.txt")
	assert.NotZero(t, summary.Digests["file.txt"])
}

func TestExtractRejectsZipSlip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "evil.zip")
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	w, err := zw.CreateHeader(&zip.FileHeader{Name: "../evil.txt"})
	require.NoError(t, err)
	_, err = w.Write([]byte("pwned"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())

	a, err := Open(context.Background(), path)
	require.NoError(t, err)
	defer a.Close()

	destDir := t.TempDir()
	_, err = a.Extract(context.Background(), destDir, ExtractOptions{})
	assert.ErrorIs(t, err, errZipSlip)
}

func TestExtractConcurrentManyEntries(t *testing.T) {
	files := make(map[string]string)
	for i := 0; i < 50; i++ {
		files[fmt.Sprintf("many/%02d.txt", i)] = "x"
	}
	archivePath := writeTestZip(t, files)

	a, err := Open(context.Background(), archivePath)
	require.NoError(t, err)
	defer a.Close()

	destDir := t.TempDir()
	summary, err := a.Extract(context.Background(), destDir, ExtractOptions{Concurrency: 8})
	require.NoError(t, err)
	assert.Equal(t, len(files), summary.FilesExtracted)
}

// flakyFetcher delegates to inner, except it fails the first FetchRange
// call made once armed (via Arm), simulating one transient network failure
// without disturbing whatever setup calls happen before Extract runs.
type flakyFetcher struct {
	inner      httpreader.RangeFetcher
	armed      atomic.Bool
	failedOnce atomic.Bool
}

func (f *flakyFetcher) Arm() { f.armed.Store(true) }

func (f *flakyFetcher) AcceptsRanges() bool { return f.inner.AcceptsRanges() }
func (f *flakyFetcher) Len() uint64         { return f.inner.Len() }

func (f *flakyFetcher) FetchRange(ctx context.Context, offset uint64) (io.ReadCloser, error) {
	if f.armed.Load() && !f.failedOnce.Swap(true) {
		return nil, errors.New("simulated transient network failure")
	}
	return f.inner.FetchRange(ctx, offset)
}

func TestExtractRetriesTransientFetchError(t *testing.T) {
	var zipBuf bytes.Buffer
	zw := zip.NewWriter(&zipBuf)
	w, err := zw.Create("file.txt")
	require.NoError(t, err)
	_, err = w.Write([]byte("hello from http"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	zipBytes := zipBuf.Bytes()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Accept-Ranges", "bytes")
		http.ServeContent(w, r, "archive.zip", time.Time{}, bytes.NewReader(zipBytes))
	}))
	t.Cleanup(server.Close)

	// List entries from an in-memory parse, independent of the engine under
	// test, so building the Archive doesn't warm the engine's cache before
	// the fetcher is armed below.
	plainZR, err := zip.NewReader(bytes.NewReader(zipBytes), int64(len(zipBytes)))
	require.NoError(t, err)
	entries := make([]Entry, len(plainZR.File))
	for i, f := range plainZR.File {
		entries[i] = Entry{Name: f.Name, UncompressedSize: f.UncompressedSize64, IsDir: f.FileInfo().IsDir()}
	}

	fetcher, err := rangefetch.New(context.Background(), server.URL)
	require.NoError(t, err)
	flaky := &flakyFetcher{inner: fetcher}

	engine, err := httpreader.NewEngine(context.Background(), flaky, 0, httpreader.RandomAccess)
	require.NoError(t, err)

	master := engine.NewReader()
	clone := func() io.ReadSeeker { return master.Clone() }

	a := &Archive{
		size:    int64(len(zipBytes)),
		clone:   clone,
		closeFn: func() error { return nil },
		entries: entries,
		engine:  engine,
	}

	// Arm only now: the first FetchRange the engine issues happens inside
	// Extract itself (re-parsing the central directory for this worker's
	// own *zip.Reader), so that call is the one that fails once.
	flaky.Arm()
	destDir := t.TempDir()
	summary, err := a.Extract(context.Background(), destDir, ExtractOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.FilesExtracted)
	assert.True(t, flaky.failedOnce.Load())

	data, err := os.ReadFile(filepath.Join(destDir, "file.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello from http", string(data))
}
