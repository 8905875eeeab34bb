package httpreader

import (
	"errors"
	"fmt"
)

// ErrAcceptRangesNotSupported is returned by NewEngine when the remote
// resource does not advertise Range support; there is no way to recover at
// this layer.
var ErrAcceptRangesNotSupported = fmt.Errorf("httpreader: resource does not advertise Accept-Ranges support")

// FetchError wraps any error encountered opening a new HTTP range, carrying
// the offset the fetch was attempted at.
type FetchError struct {
	Offset uint64
	Err    error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("httpreader: fetching range at offset %d: %s", e.Offset, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

var (
	errNegativeOffset = errors.New("httpreader: negative position")
	errInvalidWhence  = errors.New("httpreader: invalid whence")
)
