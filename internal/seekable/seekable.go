// Package seekable gives many concurrent callers their own independently
// positioned view onto one shared read-seek source, such as a local *os.File.
//
// Each clone is cheap: it shares the underlying source under a mutex and
// carries only its own logical position. A read seeks the shared source to
// the clone's position, performs one underlying read, and advances that
// clone's position by the bytes returned. Seeks only update the clone's
// bookkeeping; the one exception is an io.SeekEnd on a source whose length
// is not yet known and which does not implement Lengther, where the source
// is seeked to its end once to learn the length.
package seekable

import (
	"errors"
	"io"
	"sync"
)

// Source is the shared read-seek stream a Reader wraps. *os.File satisfies
// it directly; any other io.ReadSeeker works too, optionally implementing
// Lengther to avoid a SeekEnd round-trip to learn its size.
type Source interface {
	io.ReadSeeker
}

// Lengther is implemented by a Source whose total length can be asked for
// directly, avoiding an io.SeekEnd round-trip through Seek.
type Lengther interface {
	Len() (int64, error)
}

var (
	errNegativeOffset = errors.New("seekable: negative position")
	errWhence         = errors.New("seekable: invalid whence")
)

// shared is the state common to every clone of one Reader: the underlying
// source under a mutex, and the memoized length (computed at most once,
// since the spec guarantees a Source's length is fixed for its lifetime).
type shared struct {
	mu     sync.Mutex
	source Source
	length int64 // -1 until known
}

// Reader is a cloneable handle over a shared Source. The zero value is not
// usable; construct one with New.
type Reader struct {
	s   *shared
	pos int64
}

// New takes ownership of source. The returned Reader starts at position
// zero; the source's length is fetched lazily, on first need.
func New(source Source) *Reader {
	return &Reader{
		s: &shared{source: source, length: -1},
	}
}

// Clone produces an independent handle sharing the same underlying source.
// The clone inherits the caller's current position; subsequent seeks and
// reads on either handle do not affect the other.
func (r *Reader) Clone() *Reader {
	return &Reader{s: r.s, pos: r.pos}
}

// Read seeks the shared source to this handle's position, performs one
// underlying read, and advances this handle's position by the bytes
// returned. Concurrent clones serialize on the shared source's mutex; this
// is tolerable because extraction work is CPU-bound on decompression, not
// on this lock.
func (r *Reader) Read(buf []byte) (n int, err error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	defer func() {
		if p := recover(); p != nil {
			panic(p) // never hold the lock across an unwind
		}
	}()

	if _, err = r.s.source.Seek(r.pos, io.SeekStart); err != nil {
		return 0, err
	}
	n, err = r.s.source.Read(buf)
	r.pos += int64(n)
	return n, err
}

// Seek updates only this handle's logical position; the underlying source
// is left untouched until the next Read. io.SeekEnd requires the source's
// total length, fetched from the source on first need and memoized for
// every clone sharing this Reader's source.
func (r *Reader) Seek(offset int64, whence int) (int64, error) {
	var base int64
	switch whence {
	case io.SeekStart:
		base = 0
	case io.SeekCurrent:
		base = r.pos
	case io.SeekEnd:
		length, err := r.Len()
		if err != nil {
			return 0, err
		}
		base = length
	default:
		return 0, errWhence
	}

	newPos := base + offset
	if newPos < 0 {
		return 0, errNegativeOffset
	}
	r.pos = newPos
	return r.pos, nil
}

// Len returns the source's total length, computing and memoizing it on the
// first call across every clone that shares this handle's source.
func (r *Reader) Len() (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if r.s.length >= 0 {
		return r.s.length, nil
	}

	if lr, ok := r.s.source.(Lengther); ok {
		length, err := lr.Len()
		if err != nil {
			return 0, err
		}
		r.s.length = length
		return length, nil
	}

	// Fall back to seeking to the end. The source is left positioned
	// there, which is safe: every Read re-seeks to its own handle's
	// position before reading.
	length, err := r.s.source.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, err
	}
	r.s.length = length
	return length, nil
}

// Pos returns this handle's current logical position, the offset the next
// Read will start from.
func (r *Reader) Pos() int64 {
	return r.pos
}

var _ io.ReadSeeker = (*Reader)(nil)
