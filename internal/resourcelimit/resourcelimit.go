// Package resourcelimit raises process resource limits appropriate for a
// tool that opens one file descriptor per concurrent extraction worker,
// and sets a soft memory ceiling on the Go runtime.
package resourcelimit

import (
	"fmt"
	"math"
	"os"
	"runtime/debug"
	"strconv"
)

// RaiseFileDescriptorLimit raises the process's open-file soft limit to its
// hard limit, so a high --concurrency value doesn't immediately exhaust the
// default (often 1024) descriptor budget. It is a best-effort operation:
// some environments (containers with a fixed hard limit, or non-unix
// platforms) have nothing to raise, so a failure here is logged by the
// caller, never fatal.
func RaiseFileDescriptorLimit() (newLimit uint64, err error) {
	return raiseFileDescriptorLimit()
}

// MemoryLimitFromEnv parses the PARAZIP_MEM_LIMIT_GB environment variable
// (gigabytes, fractional allowed) the way the upstream tool this package's
// logic is adapted from reads its own memory budget variable, returning 0
// when unset.
func MemoryLimitFromEnv() (int64, error) {
	e := os.Getenv("PARAZIP_MEM_LIMIT_GB")
	if e == "" {
		return 0, nil
	}
	f, err := strconv.ParseFloat(e, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) || f < 0 {
		return 0, fmt.Errorf("resourcelimit: malformed PARAZIP_MEM_LIMIT_GB %q, want a non-negative number of gigabytes", e)
	}
	return int64(f * 1024 * 1024 * 1024), nil
}

// SetMemoryLimit sets the Go runtime's soft memory limit in bytes. A
// non-positive limit sets it to math.MaxInt64, i.e. no limit, which also
// overrides a limit that came from GOMEMLIMIT. It returns the previous
// limit, as debug.SetMemoryLimit does.
func SetMemoryLimit(bytes int64) int64 {
	if bytes <= 0 {
		return debug.SetMemoryLimit(math.MaxInt64)
	}
	return debug.SetMemoryLimit(bytes)
}
