// Package httpreader turns random-order reads against a remote HTTP
// resource into a bounded number of forward range fetches, backed by a
// readahead cache shared across every clone of the resulting reader.
//
// Only one fetch may be in flight at a time: a second caller whose read
// misses the cache waits for the first to finish rather than opening a
// competing connection. This keeps a parallel extraction from opening one
// HTTP stream per worker against a single archive.
package httpreader

import (
	"context"
	"io"
)

// MaxBlock is the size of every forward fetch and cache block. Chosen once,
// empirically, in the tool this package's algorithm is ported from:
// something in the few-hundred-KB to low-MB range amortizes per-request
// HTTP overhead without making a single cache-miss read pay for megabytes
// it doesn't need.
const MaxBlock = 1 << 20 // 1 MiB

// AccessPattern tunes how aggressively the cache discards data, trading
// memory for hit rate depending on what the caller expects to do next.
type AccessPattern int

const (
	// RandomAccess keeps every fetched block until the cache's size limit
	// forces an eviction. This is the safe default: it costs memory but
	// never surprises a caller who seeks backwards.
	RandomAccess AccessPattern = iota

	// SequentialIsh discards a block the instant it has been entirely
	// read, even if the cache has room to spare. Appropriate when the
	// caller is known to be walking forward through the resource (such
	// as a single ZIP entry being decompressed start to finish) and
	// won't re-read it.
	SequentialIsh
)

func (p AccessPattern) String() string {
	switch p {
	case RandomAccess:
		return "random-access"
	case SequentialIsh:
		return "sequential-ish"
	default:
		return "unknown"
	}
}

// RangeFetcher is the contract an Engine needs against the remote resource:
// whether it accepts byte ranges, how long it is, and a way to open a
// forward-reading stream starting at a given offset. internal/rangefetch
// implements this over net/http; tests implement it directly.
type RangeFetcher interface {
	// AcceptsRanges reports whether the resource advertised Range support
	// when probed.
	AcceptsRanges() bool

	// Len returns the resource's total length in bytes, as learned during
	// the probe.
	Len() uint64

	// FetchRange opens a forward-only stream starting at offset and
	// running to the end of the resource. The caller must Close it.
	FetchRange(ctx context.Context, offset uint64) (io.ReadCloser, error)
}

// Statistics is a point-in-time snapshot of an Engine's counters, useful for
// logging and for the optional Prometheus exposition in
// internal/telemetry/metrics.
type Statistics struct {
	NumHTTPStreams    uint64
	CacheHits         uint64
	CacheMisses       uint64
	CacheShrinks      uint64
	CurrentCacheBytes int64
}
