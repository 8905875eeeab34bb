// Command parazip extracts a ZIP archive, local or remote, decompressing
// entries across a bounded worker pool.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/parazip/parazip/internal/httpreader"
	"github.com/parazip/parazip/internal/resourcelimit"
	"github.com/parazip/parazip/internal/telemetry/errreport"
	"github.com/parazip/parazip/internal/telemetry/metrics"
	"github.com/parazip/parazip/internal/unzipper"
)

var (
	flagConcurrency    int
	flagAccessPattern  string
	flagReadaheadLimit int64
	flagInclude        []string
	flagExclude        []string
	flagVerify         bool
	flagMetricsAddr    string
	flagMemLimitGB     float64
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		slog.Error("parazipFailed", "err", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "parazip <archive> <destdir>",
		Short: "Extract a ZIP archive in parallel, from disk or over HTTP",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), args[0], args[1])
		},
	}

	cmd.Flags().IntVar(&flagConcurrency, "concurrency", 0, "worker count (0 = GOMAXPROCS)")
	cmd.Flags().StringVar(&flagAccessPattern, "access-pattern", "random", `HTTP readahead hint: "random" or "sequential"`)
	cmd.Flags().Int64Var(&flagReadaheadLimit, "readahead-limit", 0, "HTTP readahead cache byte limit (0 = unlimited)")
	cmd.Flags().StringArrayVar(&flagInclude, "include", nil, "only extract entries matching this glob (repeatable)")
	cmd.Flags().StringArrayVar(&flagExclude, "exclude", nil, "skip entries matching this glob (repeatable)")
	cmd.Flags().BoolVar(&flagVerify, "verify", false, "compute an xxhash64 digest of every extracted entry")
	cmd.Flags().StringVar(&flagMetricsAddr, "metrics-addr", "", "expose Prometheus metrics on this address (empty disables)")
	cmd.Flags().Float64Var(&flagMemLimitGB, "mem-limit", 0, "soft memory limit in gigabytes (0 = use PARAZIP_MEM_LIMIT_GB if set, else runtime default)")

	return cmd
}

func run(ctx context.Context, location, destDir string) error {
	reporter, err := errreport.Init(version())
	if err != nil {
		slog.Warn("sentryInitFailed", "err", err)
	}
	defer reporter.Close(2 * time.Second)

	if limit, err := resourcelimit.RaiseFileDescriptorLimit(); err != nil {
		slog.Warn("raiseFileLimitFailed", "err", err)
	} else {
		slog.Info("fileLimitRaised", "limit", limit)
	}

	memLimitBytes := int64(flagMemLimitGB * 1024 * 1024 * 1024)
	if memLimitBytes == 0 {
		if envLimit, err := resourcelimit.MemoryLimitFromEnv(); err != nil {
			slog.Warn("memLimitEnvInvalid", "err", err)
		} else {
			memLimitBytes = envLimit
		}
	}
	if memLimitBytes > 0 {
		resourcelimit.SetMemoryLimit(memLimitBytes)
		slog.Info("memLimitSet", "bytes", memLimitBytes)
	}

	pattern, err := parseAccessPattern(flagAccessPattern)
	if err != nil {
		return errors.Wrap(err, "parazip")
	}

	archive, err := unzipper.Open(ctx, location,
		unzipper.WithAccessPattern(pattern),
		unzipper.WithReadaheadLimit(flagReadaheadLimit),
	)
	if err != nil {
		wrapped := errors.Wrap(err, "opening archive")
		reporter.Report(wrapped)
		return wrapped
	}
	defer archive.Close()

	slog.Info("archiveOpened", "location", location, "entries", len(archive.Entries()))

	if flagMetricsAddr != "" {
		if engine, ok := archive.Engine(); ok {
			go func() {
				if err := metrics.Serve(flagMetricsAddr, engine); err != nil {
					slog.Warn("metricsServerStopped", "err", err)
				}
			}()
			slog.Info("metricsServing", "addr", flagMetricsAddr)
		} else {
			slog.Warn("metricsRequestedForLocalArchive")
		}
	}

	start := time.Now()
	summary, err := archive.Extract(ctx, destDir, unzipper.ExtractOptions{
		Concurrency: flagConcurrency,
		Include:     flagInclude,
		Exclude:     flagExclude,
		Verify:      flagVerify,
		OnProgress: func(p unzipper.Progress) {
			slog.Debug("entryExtracted", "name", p.Name, "index", p.Index, "total", p.Total, "bytes", p.BytesWritten)
		},
	})
	if err != nil {
		wrapped := errors.Wrap(err, "extracting archive")
		reporter.Report(wrapped)
		return wrapped
	}

	slog.Info("extractionDone",
		"files", summary.FilesExtracted,
		"skipped", summary.Skipped,
		"bytes", summary.BytesExtracted,
		"duration", time.Since(start).Truncate(time.Millisecond).String(),
	)
	return nil
}

func parseAccessPattern(s string) (httpreader.AccessPattern, error) {
	switch s {
	case "random", "":
		return httpreader.RandomAccess, nil
	case "sequential":
		return httpreader.SequentialIsh, nil
	default:
		return 0, fmt.Errorf("unrecognized --access-pattern %q", s)
	}
}

// buildVersion is overridden at build time with -ldflags; version reports it.
var buildVersion = "dev"

func version() string { return buildVersion }
