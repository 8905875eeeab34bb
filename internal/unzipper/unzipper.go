// Package unzipper drives parallel extraction of a ZIP archive, whether it
// sits on local disk or behind an HTTP(S) URL, fanning decompression of
// each entry out across a bounded worker pool.
//
// Each worker gets its own clone of the underlying source and its own
// *zip.Reader, mirroring the sequential upstream resource: local clones
// share one *os.File under a mutex, HTTP clones share one Engine and its
// single in-flight fetch, and re-parsing the (tiny) central directory once
// per extracted entry is the price paid for never needing a lock around the actual
// decompression work.
package unzipper

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"hash"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/cespare/xxhash/v2"
	kflate "github.com/klauspost/compress/flate"
	"golang.org/x/sync/errgroup"

	"github.com/parazip/parazip/internal/httpreader"
	"github.com/parazip/parazip/internal/rangefetch"
	"github.com/parazip/parazip/internal/seekable"
)

func init() {
	// klauspost/compress's flate decoder is noticeably faster than the
	// standard library's for the large, highly-compressible entries this
	// package spends most of its time on.
	zip.RegisterDecompressor(zip.Deflate, func(r io.Reader) io.ReadCloser {
		return kflate.NewReader(r)
	})
}

// Entry describes one member of the archive, independent of which source
// it came from.
type Entry struct {
	Name             string
	UncompressedSize uint64
	IsDir            bool
}

// Archive is an opened ZIP, ready to be listed or extracted. A local
// archive holds its file open until Close; an HTTP archive holds its
// Engine. Every read clones the underlying source.
type Archive struct {
	size    int64
	clone   func() io.ReadSeeker
	closeFn func() error
	entries []Entry

	// engine is non-nil only when the archive was opened over HTTP; it's
	// exposed narrowly through Engine() for the CLI's optional metrics
	// endpoint.
	engine *httpreader.Engine
}

// OpenOptions configure how the archive's source is read. The zero value is
// reasonable: default readahead, random access assumed.
type OpenOptions struct {
	AccessPattern  httpreader.AccessPattern
	ReadaheadLimit int64
	RangeFetch     []rangefetch.Option
}

// OpenOption mutates OpenOptions; see WithAccessPattern, WithReadaheadLimit,
// and WithRangeFetchOptions.
type OpenOption func(*OpenOptions)

// WithAccessPattern sets the readahead cache's eviction behavior for an
// HTTP source. It has no effect on a local source.
func WithAccessPattern(p httpreader.AccessPattern) OpenOption {
	return func(o *OpenOptions) { o.AccessPattern = p }
}

// WithReadaheadLimit bounds an HTTP source's readahead cache, in bytes. It
// has no effect on a local source.
func WithReadaheadLimit(n int64) OpenOption {
	return func(o *OpenOptions) { o.ReadaheadLimit = n }
}

// WithRangeFetchOptions passes through options to rangefetch.New, such as a
// custom *http.Client or extra headers. It has no effect on a local source.
func WithRangeFetchOptions(opts ...rangefetch.Option) OpenOption {
	return func(o *OpenOptions) { o.RangeFetch = append(o.RangeFetch, opts...) }
}

// Open opens location, which may be a local filesystem path or an
// http:// / https:// URL, and parses its central directory once to learn
// what it contains.
func Open(ctx context.Context, location string, opts ...OpenOption) (*Archive, error) {
	var options OpenOptions
	for _, opt := range opts {
		opt(&options)
	}

	var (
		clone   func() io.ReadSeeker
		closeFn func() error
		size    int64
		engine  *httpreader.Engine
	)

	if isHTTPLocation(location) {
		fetcher, err := rangefetch.New(ctx, location, options.RangeFetch...)
		if err != nil {
			return nil, fmt.Errorf("unzipper: %w", err)
		}
		eng, err := httpreader.NewEngine(ctx, fetcher, options.ReadaheadLimit, options.AccessPattern)
		if err != nil {
			return nil, fmt.Errorf("unzipper: %w", err)
		}
		engine = eng
		master := eng.NewReader()
		clone = func() io.ReadSeeker { return master.Clone() }
		closeFn = func() error { return nil }
		size = int64(eng.Len())
	} else {
		f, err := os.Open(location)
		if err != nil {
			return nil, fmt.Errorf("unzipper: %w", err)
		}
		master := seekable.New(f)
		length, err := master.Len()
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("unzipper: %w", err)
		}
		clone = func() io.ReadSeeker { return master.Clone() }
		closeFn = f.Close
		size = length
	}

	zr, err := zip.NewReader(seekable.AsReaderAt(clone()), size)
	if err != nil {
		closeFn()
		return nil, fmt.Errorf("unzipper: reading central directory: %w", err)
	}

	entries := make([]Entry, len(zr.File))
	for i, f := range zr.File {
		entries[i] = Entry{
			Name:             f.Name,
			UncompressedSize: f.UncompressedSize64,
			IsDir:            f.FileInfo().IsDir(),
		}
	}

	return &Archive{size: size, clone: clone, closeFn: closeFn, entries: entries, engine: engine}, nil
}

// Engine returns the underlying HTTP engine and true, if this archive was
// opened over HTTP; otherwise it returns nil, false.
func (a *Archive) Engine() (*httpreader.Engine, bool) {
	return a.engine, a.engine != nil
}

// Close releases the archive's local file descriptor, if it has one.
// Closing an archive opened over HTTP is a no-op: the Engine's live range
// response, if one is open, is not closed by it, and the cache is garbage
// collected with the Archive itself.
func (a *Archive) Close() error { return a.closeFn() }

// Entries lists every member of the archive, in central-directory order.
func (a *Archive) Entries() []Entry {
	return a.entries
}

func (a *Archive) zipReader() (*zip.Reader, error) {
	return zip.NewReader(seekable.AsReaderAt(a.clone()), a.size)
}

// Progress describes one extracted file entry, reported as extraction
// proceeds. Entries excluded by the filters and directory entries are not
// reported, so Extract never sets Skipped.
type Progress struct {
	Name         string
	Index        int
	Total        int
	BytesWritten int64
	Skipped      bool
}

// ExtractOptions configure a single Extract call.
type ExtractOptions struct {
	// Concurrency bounds how many entries are decompressed at once.
	// Zero means runtime.GOMAXPROCS(0).
	Concurrency int

	// Include and Exclude are doublestar glob patterns. An entry is
	// extracted only if it matches no Exclude pattern, and either
	// Include is empty or it matches at least one Include pattern.
	Include []string
	Exclude []string

	// Verify, if set, computes an xxhash64 digest of each entry's
	// decompressed bytes as they're written and reports it through the
	// returned Summary's Digests map.
	Verify bool

	// OnProgress, if set, is called from worker goroutines as each entry
	// finishes; it must be safe for concurrent use.
	OnProgress func(Progress)
}

// Summary reports what Extract actually did.
type Summary struct {
	FilesExtracted int
	BytesExtracted int64
	Skipped        int
	Digests        map[string]uint64 // entry name -> xxhash64, present when Verify is set
}

var errZipSlip = errors.New("unzipper: entry path escapes destination directory")

// Extract decompresses every included entry of the archive into destDir,
// creating directories as needed, using up to opts.Concurrency workers.
func (a *Archive) Extract(ctx context.Context, destDir string, opts ExtractOptions) (*Summary, error) {
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = runtime.GOMAXPROCS(0)
	}

	type job struct {
		index int
		entry Entry
		dest  string
	}

	jobs := make([]job, 0, len(a.entries))
	for i, e := range a.entries {
		include, err := matchesFilter(e.Name, opts.Include, opts.Exclude)
		if err != nil {
			return nil, err
		}
		if !include {
			continue
		}

		dest, err := safeJoin(destDir, e.Name)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job{index: i, entry: e, dest: dest})
	}

	var dirsMade sync.Map
	ensureDir := func(dir string) error {
		// Every caller for the same dir waits on one MkdirAll and sees its
		// result, so no worker opens a file before its directory exists.
		mkdir, _ := dirsMade.LoadOrStore(dir, sync.OnceValue(func() error { return os.MkdirAll(dir, 0o755) }))
		return mkdir.(func() error)()
	}

	var (
		filesExtracted atomic.Int64
		bytesExtracted atomic.Int64
		digestsMu      sync.Mutex
		digests        map[string]uint64
	)
	if opts.Verify {
		digests = make(map[string]uint64)
	}

	skipped := len(a.entries) - len(jobs)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for _, j := range jobs {
		j := j
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}

			if j.entry.IsDir {
				if err := ensureDir(j.dest); err != nil {
					return err
				}
				return nil
			}
			if err := ensureDir(filepath.Dir(j.dest)); err != nil {
				return err
			}

			n, digest, err := a.extractOne(j.index, j.dest, opts.Verify)
			if err != nil && isTransientFetchError(err) {
				slog.Warn("transientFetchErrorRetrying", "entry", j.entry.Name, "err", err)
				n, digest, err = a.extractOne(j.index, j.dest, opts.Verify)
			}
			if err != nil {
				return fmt.Errorf("unzipper: extracting %q: %w", j.entry.Name, err)
			}

			if opts.Verify {
				digestsMu.Lock()
				digests[j.entry.Name] = digest
				digestsMu.Unlock()
			}

			filesExtracted.Add(1)
			bytesExtracted.Add(n)

			if opts.OnProgress != nil {
				opts.OnProgress(Progress{
					Name:         j.entry.Name,
					Index:        j.index,
					Total:        len(a.entries),
					BytesWritten: n,
				})
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return &Summary{
		FilesExtracted: int(filesExtracted.Load()),
		BytesExtracted: bytesExtracted.Load(),
		Skipped:        skipped,
		Digests:        digests,
	}, nil
}

// extractOne parses a fresh *zip.Reader over its own clone of the archive's
// source, opens entry index within it, and copies it to dest.
func (a *Archive) extractOne(index int, dest string, verify bool) (written int64, digest uint64, err error) {
	zr, err := a.zipReader()
	if err != nil {
		return 0, 0, err
	}
	if index >= len(zr.File) {
		return 0, 0, fmt.Errorf("entry index %d out of range", index)
	}

	rc, err := zr.File[index].Open()
	if err != nil {
		return 0, 0, err
	}
	defer rc.Close()

	perm := zr.File[index].Mode().Perm()
	if perm == 0 {
		// ZIP entries written without unix permission bits (common for
		// archives produced on other platforms) carry a zero mode; fall
		// back to a sane default rather than creating an unreadable file.
		perm = 0o644
	}
	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, fs.FileMode(perm|0o200))
	if err != nil {
		return 0, 0, err
	}
	defer out.Close()

	var h hash.Hash64
	var w io.Writer = out
	if verify {
		h = xxhash.New()
		w = io.MultiWriter(out, h)
	}

	written, err = io.Copy(w, rc)
	if err != nil {
		return written, 0, err
	}
	if verify {
		digest = h.Sum64()
	}
	return written, digest, nil
}

// isTransientFetchError reports whether err is (or wraps) an
// *httpreader.FetchError: a failure opening an HTTP range, as opposed to a
// local I/O error or a zip-slip rejection, neither of which a retry could
// fix.
func isTransientFetchError(err error) bool {
	var fetchErr *httpreader.FetchError
	return errors.As(err, &fetchErr)
}

func matchesFilter(name string, include, exclude []string) (bool, error) {
	for _, pattern := range exclude {
		ok, err := doublestar.Match(pattern, name)
		if err != nil {
			return false, fmt.Errorf("unzipper: invalid exclude pattern %q: %w", pattern, err)
		}
		if ok {
			return false, nil
		}
	}
	if len(include) == 0 {
		return true, nil
	}
	for _, pattern := range include {
		ok, err := doublestar.Match(pattern, name)
		if err != nil {
			return false, fmt.Errorf("unzipper: invalid include pattern %q: %w", pattern, err)
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// safeJoin joins destDir and name the way a ZIP extractor must: rejecting
// any entry whose cleaned path would land outside destDir, the "zip slip"
// class of vulnerability.
func safeJoin(destDir, name string) (string, error) {
	cleaned := filepath.Clean(strings.ReplaceAll(name, "\\", "/"))
	if filepath.IsAbs(cleaned) || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("%w: %q", errZipSlip, name)
	}
	dest := filepath.Join(destDir, cleaned)
	destDirClean := filepath.Clean(destDir)
	if dest != destDirClean && !strings.HasPrefix(dest, destDirClean+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", errZipSlip, name)
	}
	return dest, nil
}

func isHTTPLocation(location string) bool {
	return strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://")
}
