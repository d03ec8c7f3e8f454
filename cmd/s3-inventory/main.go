package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/envidat/s3-inventory/pkg/builder"
	"github.com/envidat/s3-inventory/pkg/crawler"
	"github.com/envidat/s3-inventory/pkg/db"
	"github.com/envidat/s3-inventory/pkg/fileutil"
	"github.com/envidat/s3-inventory/pkg/metadata"
	"github.com/envidat/s3-inventory/pkg/report"
)

var defaultBuckets = []string{
	"https://os.zhdk.cloud.switch.ch/envidat-doi/",
	"https://os.zhdk.cloud.switch.ch/envicloud/",
	"https://s3-zh.os.switch.ch/pointclouds",
	"https://s3-zh.os.switch.ch/drone-data",
	"https://os.zhdk.cloud.switch.ch/edna/",
}

var (
	buckets          []string
	outCSV           string
	countersOut      string
	excludes         []string
	noisyBuckets     []string
	noisyExtensions  []string
	pageSize         int
	maxPages         int
	sleep            time.Duration
	zipFullBodyLimit int64
	retryMax         int
	retryWaitMin     time.Duration
	retryWaitMax     time.Duration
	bucketWorkers    int
	zipWorkers       int64
	cacheDir         string
	csvPath          string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Fatalf("%+v", err)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "s3-inventory",
		Short:         "Inventory S3-compatible buckets, including the contents of ZIP archives",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	fetchCmd := &cobra.Command{
		Use:   "fetch",
		Short: "Crawl the bucket listings and write object records to a CSV file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return fetch(cmd.Context())
		},
	}
	fetchCmd.Flags().StringSliceVar(&buckets, "buckets", defaultBuckets, "bucket root URLs")
	fetchCmd.Flags().StringVar(&outCSV, "out", "all_s3_files.csv", "output CSV path")
	fetchCmd.Flags().StringVar(&countersOut, "counters-out", "", "optional path for the skip-counter summary JSON")
	fetchCmd.Flags().StringSliceVar(&excludes, "exclude", []string{"envidat.1"}, "case-insensitive key substrings to exclude")
	fetchCmd.Flags().StringSliceVar(&noisyBuckets, "noisy-buckets", []string{"envidat-doi"}, "buckets with the extension blacklist applied")
	fetchCmd.Flags().StringSliceVar(&noisyExtensions, "noisy-extensions", []string{".html", ".json", ".xml"}, "extensions excluded from noisy buckets")
	fetchCmd.Flags().IntVar(&pageSize, "page-size", 1000, "max-keys per listing request")
	fetchCmd.Flags().IntVar(&maxPages, "max-pages", 0, "page cap per bucket, 0 for unlimited")
	fetchCmd.Flags().DurationVar(&sleep, "sleep", 0, "delay before each request")
	fetchCmd.Flags().Int64Var(&zipFullBodyLimit, "zip-full-body-limit", 16<<20, "largest archive downloaded whole when the server ignores Range")
	fetchCmd.Flags().IntVar(&retryMax, "retry-max", 5, "retry attempts for transient failures")
	fetchCmd.Flags().DurationVar(&retryWaitMin, "retry-wait-min", time.Second, "minimum retry backoff")
	fetchCmd.Flags().DurationVar(&retryWaitMax, "retry-wait-max", 30*time.Second, "maximum retry backoff")
	fetchCmd.Flags().IntVar(&bucketWorkers, "bucket-workers", 2, "buckets crawled in parallel")
	fetchCmd.Flags().Int64Var(&zipWorkers, "zip-workers", 4, "concurrent archive inspections across all buckets")

	buildCmd := &cobra.Command{
		Use:   "build",
		Short: "Load a record CSV into the inventory database",
		RunE: func(_ *cobra.Command, _ []string) error {
			return build()
		},
	}
	buildCmd.Flags().StringVar(&csvPath, "csv", "all_s3_files.csv", "record CSV produced by fetch")
	buildCmd.Flags().StringVar(&cacheDir, "cache-dir", defaultCacheDir(), "database directory")

	summaryCmd := &cobra.Command{
		Use:   "summary",
		Short: "Print per-bucket file-type totals from the inventory database",
		RunE: func(_ *cobra.Command, _ []string) error {
			return summary()
		},
	}
	summaryCmd.Flags().StringVar(&cacheDir, "cache-dir", defaultCacheDir(), "database directory")

	rootCmd.AddCommand(fetchCmd, buildCmd, summaryCmd)
	return rootCmd
}

func fetch(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	specs := lo.Map(buckets, func(bucketURL string, _ int) crawler.BucketSpec {
		spec := crawler.BucketSpec{
			Name:              crawler.BucketName(bucketURL),
			URL:               bucketURL,
			ExcludeSubstrings: excludes,
		}
		if lo.Contains(noisyBuckets, spec.Name) {
			spec.ExcludeExtensions = noisyExtensions
		}
		return spec
	})

	c, err := crawler.NewCrawler(crawler.Option{
		Buckets:          specs,
		PageSize:         pageSize,
		MaxPages:         maxPages,
		BucketWorkers:    bucketWorkers,
		ZipWorkers:       zipWorkers,
		Delay:            sleep,
		ZipFullBodyLimit: zipFullBodyLimit,
		RetryMax:         retryMax,
		RetryWaitMin:     retryWaitMin,
		RetryWaitMax:     retryWaitMax,
	})
	if err != nil {
		return xerrors.Errorf("crawler init error: %w", err)
	}

	w, err := report.Create(outCSV)
	if err != nil {
		return xerrors.Errorf("unable to create output: %w", err)
	}

	recordCh := make(chan crawler.ObjectRecord, 1000)
	var crawlSummary crawler.Summary

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(recordCh)
		var err error
		crawlSummary, err = c.Crawl(ctx, recordCh)
		return err
	})
	g.Go(func() error {
		var written int
		for record := range recordCh {
			if err := w.Write(record); err != nil {
				return err
			}
			written++
			if written%10000 == 0 {
				slog.Info("Written records", slog.Int("count", written))
			}
		}
		slog.Info("All buckets processed", slog.String("csv", outCSV), slog.Int("records", written))
		return nil
	})

	if err = g.Wait(); err != nil {
		w.Close()
		return xerrors.Errorf("fetch error: %w", err)
	}
	if err = w.Close(); err != nil {
		return xerrors.Errorf("unable to close output: %w", err)
	}

	logSummary(crawlSummary)
	if countersOut != "" {
		if err = fileutil.WriteJSON(countersOut, crawlSummary); err != nil {
			return xerrors.Errorf("unable to write counters: %w", err)
		}
	}
	return nil
}

func logSummary(summary crawler.Summary) {
	for bucket, counters := range summary {
		logger := slog.Default().With(slog.String("bucket", bucket))
		for reason, count := range counters.Filtered {
			logger.Info("Objects excluded by filter", slog.String("reason", string(reason)), slog.Int("count", count))
		}
		for reason, count := range counters.ZipSkipped {
			logger.Info("Archive inspections skipped", slog.String("reason", string(reason)), slog.Int("count", count))
		}
		for reason, count := range counters.Failed {
			logger.Warn("Listings failed", slog.String("reason", string(reason)), slog.Int("count", count))
		}
	}
}

func build() error {
	// A build always starts from scratch.
	if err := os.Remove(db.Path(cacheDir)); err != nil && !os.IsNotExist(err) {
		return xerrors.Errorf("unable to remove old db: %w", err)
	}

	dbc, err := db.New(cacheDir)
	if err != nil {
		return xerrors.Errorf("db init error: %w", err)
	}
	if err = dbc.Init(); err != nil {
		return xerrors.Errorf("db init error: %w", err)
	}

	meta := metadata.New(dbc.Dir())
	b := builder.NewBuilder(dbc, meta)
	if err = b.Build(csvPath); err != nil {
		return xerrors.Errorf("build error: %w", err)
	}
	return nil
}

func summary() error {
	dbc, err := db.New(cacheDir)
	if err != nil {
		return xerrors.Errorf("db open error: %w", err)
	}

	meta := metadata.New(dbc.Dir())
	if m, err := meta.Get(); err == nil {
		slog.Info("Inventory database", slog.Int64("records", m.RecordCount),
			slog.Time("updated_at", m.UpdatedAt))
	}

	stats, err := dbc.SelectExtensionStats()
	if err != nil {
		return xerrors.Errorf("stats error: %w", err)
	}

	fmt.Printf("%-20s %-12s %10s %12s\n", "BUCKET", "EXTENSION", "COUNT", "TOTAL")
	for _, s := range stats {
		fmt.Printf("%-20s %-12s %10d %12s\n", s.BucketName, s.Extension, s.Count,
			humanize.IBytes(uint64(s.TotalSize)))
	}
	return nil
}

func defaultCacheDir() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = os.TempDir()
	}
	return dir + "/s3-inventory"
}
