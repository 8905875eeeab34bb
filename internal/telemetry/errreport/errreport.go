// Package errreport optionally reports unrecoverable CLI-level errors to
// Sentry. It is inert unless SENTRY_DSN is set; the core engine never calls
// into this package, since its errors are always returned values for the
// caller to handle, not crash reports.
package errreport

import (
	"os"
	"time"

	"github.com/getsentry/sentry-go"
)

// Reporter sends errors to Sentry when configured, and is a harmless no-op
// otherwise.
type Reporter struct {
	enabled bool
}

// Init reads SENTRY_DSN from the environment and, if set, initializes the
// Sentry SDK. Call Close on the returned Reporter before the process exits
// so buffered events are flushed.
func Init(release string) (*Reporter, error) {
	dsn := os.Getenv("SENTRY_DSN")
	if dsn == "" {
		return &Reporter{}, nil
	}

	if err := sentry.Init(sentry.ClientOptions{
		Dsn:     dsn,
		Release: release,
	}); err != nil {
		return nil, err
	}
	return &Reporter{enabled: true}, nil
}

// Report sends err to Sentry if configured. A nil err is a no-op.
func (r *Reporter) Report(err error) {
	if r == nil || !r.enabled || err == nil {
		return
	}
	sentry.CaptureException(err)
}

// Close flushes any buffered events, waiting up to timeout.
func (r *Reporter) Close(timeout time.Duration) {
	if r == nil || !r.enabled {
		return
	}
	sentry.Flush(timeout)
}
