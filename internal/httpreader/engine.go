package httpreader

import (
	"context"
	"io"
	"sync"
)

// Engine is the shared state behind every Reader handed out by NewReader: the
// readahead cache, the single live HTTP stream, and the bookkeeping that
// lets many concurrent callers share one fetcher role without opening one
// connection each.
//
// The protocol that makes this safe lives entirely in read: at most one
// goroutine may hold the fetcher role at a time, tracked by
// state.readInProgress and arbitrated with a condition variable rather than
// a second mutex, because the work done while holding the role (an HTTP
// round trip) must not be done with the state lock held.
type Engine struct {
	ctx     context.Context
	fetcher RangeFetcher
	length  uint64

	stateMu sync.Mutex
	cond    *sync.Cond
	state   engineState

	// readerMu guards response and cursor below, and is held for the
	// entire duration of whichever goroutine currently holds the fetcher
	// role (state.readInProgress true). It is a distinct lock from
	// stateMu so that goroutines blocked on the cache can be woken by
	// cond.Broadcast without contending with whatever's blocked on I/O.
	readerMu sync.Mutex
	response io.ReadCloser
	cursor   uint64
	hasResponse bool
}

type engineState struct {
	accessPattern  AccessPattern
	cache          *cache
	readInProgress bool
	stats          Statistics
}

// NewEngine probes nothing itself; fetcher must already have completed its
// own probe (AcceptsRanges/Len) before being handed here. NewEngine refuses
// to construct an Engine over a resource that doesn't support ranges, since
// the whole design depends on opening a stream at an arbitrary offset.
func NewEngine(ctx context.Context, fetcher RangeFetcher, readaheadLimit int64, pattern AccessPattern) (*Engine, error) {
	if !fetcher.AcceptsRanges() {
		return nil, ErrAcceptRangesNotSupported
	}

	e := &Engine{
		ctx:     ctx,
		fetcher: fetcher,
		length:  fetcher.Len(),
		state: engineState{
			accessPattern: pattern,
			cache:         newCache(readaheadLimit),
		},
	}
	e.cond = sync.NewCond(&e.stateMu)
	return e, nil
}

// NewReader returns a cheap handle over the engine, starting at position
// zero. Each call yields an independent cursor; all of them share this
// engine's cache and fetcher role.
func (e *Engine) NewReader() *Reader {
	return &Reader{engine: e}
}

// Len returns the resource's total length, as learned at construction time.
func (e *Engine) Len() uint64 { return e.length }

// Stats returns a snapshot of the engine's counters.
func (e *Engine) Stats() Statistics {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	stats := e.state.stats
	stats.CurrentCacheBytes = e.state.cache.size
	return stats
}

// SetAccessPattern changes how aggressively the cache discards data. It is
// the caller's responsibility not to call this while a read on this engine
// is in flight; unlike the algorithm this is ported from, that precondition
// is documented rather than enforced with a runtime panic, since Go gives
// no cheap way to detect "called from within my own read" without adding a
// lock acquisition to every read's hot path.
//
// A transition into SequentialIsh preemptively tears down any live HTTP
// response and opens a fresh one at offset zero, incrementing
// NumHTTPStreams on success, matching the assumption that a caller only
// switches to SequentialIsh at the start of a new forward pass over the
// resource.
func (e *Engine) SetAccessPattern(pattern AccessPattern) {
	e.stateMu.Lock()
	previous := e.state.accessPattern
	e.state.accessPattern = pattern
	e.stateMu.Unlock()

	if pattern != SequentialIsh || previous == SequentialIsh {
		return
	}

	e.readerMu.Lock()
	defer e.readerMu.Unlock()

	if e.hasResponse {
		e.response.Close()
		e.hasResponse = false
	}

	resp, err := e.fetcher.FetchRange(e.ctx, 0)
	if err != nil {
		// Leave hasResponse false; the next read simply opens a fresh
		// stream itself, same as any other fetch failure.
		return
	}
	e.response = resp
	e.cursor = 0
	e.hasResponse = true

	e.stateMu.Lock()
	e.state.stats.NumHTTPStreams++
	e.stateMu.Unlock()
}

// read implements the core protocol: try the cache, wait for or become the
// fetcher, fast-forward the live HTTP stream to the requested position, and
// serve the read from the newly filled cache.
func (e *Engine) read(pos uint64, buf []byte) (int, error) {
	if pos >= e.length {
		return 0, io.ErrUnexpectedEOF
	}
	if remaining := e.length - pos; uint64(len(buf)) > remaining {
		buf = buf[:remaining]
	}

	e.stateMu.Lock()

	if n, hit := e.state.cache.lookup(int64(pos), buf, e.state.accessPattern); hit {
		e.state.stats.CacheHits++
		e.stateMu.Unlock()
		return n, nil
	}

	for e.state.readInProgress {
		e.cond.Wait()
		if n, hit := e.state.cache.lookup(int64(pos), buf, e.state.accessPattern); hit {
			e.state.stats.CacheHits++
			e.stateMu.Unlock()
			return n, nil
		}
	}

	// We're the fetcher now. Claim the role and release the state lock
	// before doing any I/O.
	e.state.stats.CacheMisses++
	e.state.readInProgress = true
	e.readerMu.Lock()
	e.stateMu.Unlock()

	n, err := e.fetchAndServe(pos, buf)

	e.stateMu.Lock()
	e.state.readInProgress = false
	e.stateMu.Unlock()
	e.cond.Broadcast()
	e.readerMu.Unlock()

	return n, err
}

// fetchAndServe runs with the fetcher role held (readerMu locked,
// state.readInProgress true) and no other lock held. It rewinds or opens
// the live stream as needed, fast-forwards it in MaxBlock steps until pos
// is covered, inserting each block into the cache as it arrives, and
// finally serves the original request out of the cache it just filled.
func (e *Engine) fetchAndServe(pos uint64, buf []byte) (int, error) {
	if e.hasResponse && pos < e.cursor {
		e.response.Close()
		e.hasResponse = false
	}

	streamOpened := false
	if !e.hasResponse {
		resp, err := e.fetcher.FetchRange(e.ctx, pos)
		if err != nil {
			return 0, &FetchError{Offset: pos, Err: err}
		}
		e.response = resp
		e.cursor = pos
		e.hasResponse = true
		streamOpened = true
	}

	for pos >= e.cursor {
		toRead := uint64(MaxBlock)
		if remaining := e.length - e.cursor; remaining < toRead {
			toRead = remaining
		}
		block := make([]byte, toRead)
		if _, err := io.ReadFull(e.response, block); err != nil {
			e.response.Close()
			e.hasResponse = false
			return 0, err
		}

		blockOffset := e.cursor
		e.cursor += toRead

		e.stateMu.Lock()
		e.state.cache.insert(int64(blockOffset), block, &e.state.stats)
		e.stateMu.Unlock()
		e.cond.Broadcast()
	}

	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	n, hit := e.state.cache.lookup(int64(pos), buf, e.state.accessPattern)
	if !hit {
		panic("httpreader: cache miss immediately after covering fetch, invariant violated")
	}
	e.state.stats.CacheHits++
	if streamOpened {
		e.state.stats.NumHTTPStreams++
	}
	return n, nil
}
