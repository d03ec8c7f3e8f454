package crawler

import (
	"context"
	"errors"
	"log/slog"
	"path"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/xerrors"

	"github.com/envidat/s3-inventory/pkg/fetcher"
	"github.com/envidat/s3-inventory/pkg/zipdir"
)

type Option struct {
	Buckets []BucketSpec

	PageSize int // max-keys per listing request
	MaxPages int // page cap per bucket, 0 means unlimited

	BucketWorkers int   // buckets crawled in parallel
	ZipWorkers    int64 // global cap on concurrent archive inspections

	Delay            time.Duration // inter-request delay for every fetch
	ZipFullBodyLimit int64         // full-body fallback threshold for archives
	RetryMax         int
	RetryWaitMin     time.Duration
	RetryWaitMax     time.Duration
}

// Crawler walks the configured buckets and streams object records.
type Crawler struct {
	opt     Option
	fetcher *fetcher.Client
	zip     *zipdir.Reader
	lister  *lister

	// zipLimit bounds concurrent archive inspections across all buckets.
	zipLimit *semaphore.Weighted
	logger   *slog.Logger
}

func NewCrawler(opt Option) (*Crawler, error) {
	if len(opt.Buckets) == 0 {
		return nil, xerrors.New("no buckets configured")
	}
	if opt.BucketWorkers <= 0 {
		opt.BucketWorkers = 1
	}
	if opt.ZipWorkers <= 0 {
		opt.ZipWorkers = 1
	}

	f := fetcher.New(fetcher.Option{
		RetryMax:      opt.RetryMax,
		RetryWaitMin:  opt.RetryWaitMin,
		RetryWaitMax:  opt.RetryWaitMax,
		Delay:         opt.Delay,
		FullBodyLimit: opt.ZipFullBodyLimit,
	})

	return &Crawler{
		opt:      opt,
		fetcher:  f,
		zip:      zipdir.New(f),
		lister:   newLister(f, listParams{MaxKeys: opt.PageSize, MaxPages: opt.MaxPages}),
		zipLimit: semaphore.NewWeighted(opt.ZipWorkers),
		logger:   slog.Default().With(slog.String("component", "crawler")),
	}, nil
}

// Crawl runs every configured bucket with bounded parallelism, writing
// records to recordCh. Records of one bucket keep their listing order;
// members of an archive follow the archive's own record immediately. The
// channel is left open, closing it is the caller's business.
func (c *Crawler) Crawl(ctx context.Context, recordCh chan<- ObjectRecord) (Summary, error) {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opt.BucketWorkers)

	var mu sync.Mutex
	summary := Summary{}

	for _, spec := range c.opt.Buckets {
		g.Go(func() error {
			counters, err := c.crawlBucket(ctx, spec, recordCh)

			mu.Lock()
			summary.Merge(spec.Name, counters)
			mu.Unlock()

			return err
		})
	}

	if err := g.Wait(); err != nil {
		return summary, xerrors.Errorf("crawl error: %w", err)
	}
	return summary, nil
}

func (c *Crawler) crawlBucket(ctx context.Context, spec BucketSpec, recordCh chan<- ObjectRecord) (Counters, error) {
	logger := c.logger.With(slog.String("bucket", spec.Name))
	logger.Info("Starting bucket", slog.String("url", spec.URL))

	counters := NewCounters()
	var pages, objects int
	for page, err := range c.lister.Pages(ctx, spec.URL) {
		if err != nil {
			// A rejected or missing listing skips this bucket only; anything
			// else aborts the crawl.
			if reason, ok := listingSkipReason(err); ok {
				logger.Warn("Listing not crawlable, skipping bucket", slog.String("reason", string(reason)),
					slog.String("error", err.Error()))
				counters.Failed[reason]++
				return counters, nil
			}
			return counters, xerrors.Errorf("listing error for bucket %s: %w", spec.Name, err)
		}
		pages++

		records, err := c.processPage(ctx, spec, page.Contents, counters)
		if err != nil {
			return counters, err
		}
		objects += len(page.Contents)

		for _, record := range records {
			select {
			case <-ctx.Done():
				return counters, ctx.Err()
			case recordCh <- record:
			}
		}
	}

	logger.Info("Finished bucket", slog.Int("pages", pages), slog.Int("objects", objects))
	return counters, nil
}

// processPage filters one page of listing entries and resolves the archive
// members. Inspections of distinct archives run concurrently under the
// global limit, but the returned slice keeps listing order: each Normal
// record is directly followed by the member records of its archive.
func (c *Crawler) processPage(ctx context.Context, spec BucketSpec, contents []Content, counters Counters) ([]ObjectRecord, error) {
	var kept []Content
	for _, content := range contents {
		if reason, ok := excluded(spec, content.Key); ok {
			counters.Filtered[reason]++
			continue
		}
		kept = append(kept, content)
	}

	members := make([][]ObjectRecord, len(kept))
	skips := make([]Reason, len(kept))

	g, ctx := errgroup.WithContext(ctx)
	for i, content := range kept {
		if !strings.EqualFold(path.Ext(content.Key), ".zip") {
			continue
		}
		g.Go(func() error {
			if err := c.zipLimit.Acquire(ctx, 1); err != nil {
				return err
			}
			defer c.zipLimit.Release(1)

			objectURL := strings.TrimSuffix(spec.URL, "/") + "/" + content.Key
			entries, err := c.zip.Inspect(ctx, objectURL, content.Size)
			if err != nil {
				reason, ok := zipSkipReason(err)
				if !ok {
					return err
				}
				c.logger.Warn("Skipping archive inspection", slog.String("bucket", spec.Name),
					slog.String("key", content.Key), slog.String("reason", string(reason)),
					slog.String("error", err.Error()))
				skips[i] = reason
				return nil
			}
			members[i] = lo.Map(entries, func(entry zipdir.Entry, _ int) ObjectRecord {
				record := newRecord(spec, content)
				record.Key = content.Key + InnerPathSeparator + entry.Path
				record.Size = int64(entry.CompressedSize)
				record.Kind = KindZipMember
				return record
			})
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	records := make([]ObjectRecord, 0, len(kept))
	for i, content := range kept {
		records = append(records, newRecord(spec, content))
		if skips[i] != "" {
			counters.ZipSkipped[skips[i]]++
			continue
		}
		records = append(records, members[i]...)
	}
	return records, nil
}

func newRecord(spec BucketSpec, content Content) ObjectRecord {
	return ObjectRecord{
		BucketURL:        spec.URL,
		BucketName:       spec.Name,
		Key:              content.Key,
		LastModified:     content.LastModified,
		ETag:             content.ETag,
		Size:             content.Size,
		StorageClass:     content.StorageClass,
		OwnerID:          content.Owner.ID,
		OwnerDisplayName: content.Owner.DisplayName,
		Kind:             KindNormal,
	}
}

// excluded applies the bucket's filter rules to a key, in order: the
// case-insensitive substring rules first, then the extension blacklist.
func excluded(spec BucketSpec, key string) (Reason, bool) {
	lower := strings.ToLower(key)
	for _, substring := range spec.ExcludeSubstrings {
		if strings.Contains(lower, strings.ToLower(substring)) {
			return ReasonExcludedSubstring, true
		}
	}
	if slices.Contains(spec.ExcludeExtensions, strings.ToLower(path.Ext(key))) {
		return ReasonExcludedExtension, true
	}
	return "", false
}

func zipSkipReason(err error) (Reason, bool) {
	switch {
	case errors.Is(err, zipdir.ErrEocdNotFound):
		return ReasonEocdNotFound, true
	case errors.Is(err, zipdir.ErrZip64Unsupported):
		return ReasonZip64Unsupported, true
	case errors.Is(err, zipdir.ErrMalformedDirectory):
		return ReasonMalformedDirectory, true
	case errors.Is(err, fetcher.ErrRangeUnsupported):
		return ReasonRangeUnsupported, true
	case errors.Is(err, fetcher.ErrAccessDenied):
		return ReasonAccessDenied, true
	case errors.Is(err, fetcher.ErrNotFound):
		return ReasonNotFound, true
	case errors.Is(err, fetcher.ErrTransient):
		return ReasonTransientNetwork, true
	}
	return "", false
}

func listingSkipReason(err error) (Reason, bool) {
	switch {
	case errors.Is(err, fetcher.ErrAccessDenied):
		return ReasonAccessDenied, true
	case errors.Is(err, fetcher.ErrNotFound):
		return ReasonNotFound, true
	}
	return "", false
}
