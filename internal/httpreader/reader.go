package httpreader

import (
	"io"
)

// Reader is a cheap, independently positioned handle onto an Engine's
// shared cache and fetcher, the HTTP analogue of seekable.Reader. Clones
// are meant one per worker.
type Reader struct {
	engine *Engine
	pos    uint64
}

// Clone returns an independent handle sharing this Reader's engine,
// starting at the same position.
func (r *Reader) Clone() *Reader {
	return &Reader{engine: r.engine, pos: r.pos}
}

// Read fills buf from the engine, advancing this handle's position by the
// bytes returned. A read starting exactly at the resource's length returns
// io.ErrUnexpectedEOF, not io.EOF: the engine's error is propagated
// unmodified rather than translated, so callers can distinguish "landed
// exactly on the boundary" from an ordinary short read.
func (r *Reader) Read(buf []byte) (int, error) {
	n, err := r.engine.read(r.pos, buf)
	r.pos += uint64(n)
	return n, err
}

// Seek updates only this handle's position; no I/O is performed until the
// next Read.
func (r *Reader) Seek(offset int64, whence int) (int64, error) {
	var base int64
	switch whence {
	case io.SeekStart:
		base = 0
	case io.SeekCurrent:
		base = int64(r.pos)
	case io.SeekEnd:
		base = int64(r.engine.Len())
	default:
		return 0, errInvalidWhence
	}

	newPos := base + offset
	if newPos < 0 {
		return 0, errNegativeOffset
	}
	r.pos = uint64(newPos)
	return newPos, nil
}

// Len returns the resource's total length.
func (r *Reader) Len() (int64, error) {
	return int64(r.engine.Len()), nil
}

// Pos returns this handle's current position.
func (r *Reader) Pos() uint64 { return r.pos }

var _ io.ReadSeeker = (*Reader)(nil)
