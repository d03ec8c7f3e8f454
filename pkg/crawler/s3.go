package crawler

import (
	"context"
	"encoding/xml"
	"fmt"
	"iter"
	"log/slog"
	"net/url"
	"strings"

	"golang.org/x/xerrors"

	"github.com/envidat/s3-inventory/pkg/fetcher"
)

// ListBucketResult is a page of an S3 list-objects-v2 response.
type ListBucketResult struct {
	Name                  string    `xml:"Name"`
	KeyCount              int       `xml:"KeyCount"`
	IsTruncated           bool      `xml:"IsTruncated"`
	NextContinuationToken string    `xml:"NextContinuationToken"`
	Contents              []Content `xml:"Contents"`
}

// Content is one raw listing entry.
type Content struct {
	Key          string `xml:"Key"`
	LastModified string `xml:"LastModified"`
	ETag         string `xml:"ETag"`
	Size         int64  `xml:"Size"`
	StorageClass string `xml:"StorageClass"`
	Owner        Owner  `xml:"Owner"`
}

type Owner struct {
	ID          string `xml:"ID"`
	DisplayName string `xml:"DisplayName"`
}

// listParams carries the query parameters of a listing request.
type listParams struct {
	MaxKeys  int
	MaxPages int // 0 means unlimited
}

// lister paginates a bucket's object listing.
type lister struct {
	fetcher *fetcher.Client
	params  listParams
	logger  *slog.Logger
}

func newLister(f *fetcher.Client, params listParams) *lister {
	return &lister{
		fetcher: f,
		params:  params,
		logger:  slog.Default().With(slog.String("component", "lister")),
	}
}

// Pages iterates the listing pages of bucketURL in order, following
// continuation tokens until the server reports no further cursor or the
// page cap is reached.
func (l *lister) Pages(ctx context.Context, bucketURL string) iter.Seq2[ListBucketResult, error] {
	return func(yield func(ListBucketResult, error) bool) {
		var token string
		var pageCount int
		for {
			select {
			case <-ctx.Done():
				yield(ListBucketResult{}, ctx.Err())
				return
			default:
			}

			result, err := l.list(ctx, bucketURL, token)
			if err != nil {
				yield(ListBucketResult{}, err)
				return
			}
			pageCount++

			if !yield(result, nil) {
				return
			}

			if !result.IsTruncated || result.NextContinuationToken == "" {
				return
			}
			if l.params.MaxPages > 0 && pageCount >= l.params.MaxPages {
				l.logger.Info("Reached page cap, stopping early",
					slog.String("bucket_url", bucketURL), slog.Int("pages", pageCount))
				return
			}
			token = result.NextContinuationToken
		}
	}
}

func (l *lister) list(ctx context.Context, bucketURL, token string) (ListBucketResult, error) {
	query := url.Values{}
	query.Set("list-type", "2")
	if l.params.MaxKeys > 0 {
		query.Set("max-keys", fmt.Sprintf("%d", l.params.MaxKeys))
	}
	if token != "" {
		query.Set("continuation-token", token)
	}
	pageURL := strings.TrimSuffix(bucketURL, "/") + "/?" + query.Encode()

	body, err := l.fetcher.Get(ctx, pageURL)
	if err != nil {
		return ListBucketResult{}, err
	}

	var result ListBucketResult
	if err = xml.Unmarshal(body, &result); err != nil {
		return ListBucketResult{}, xerrors.Errorf("unable to parse listing page of %s: %w", bucketURL, err)
	}
	return result, nil
}

// BucketName derives the bucket name from its base listing URL, taking the
// last path segment.
func BucketName(bucketURL string) string {
	trimmed := strings.TrimSuffix(bucketURL, "/")
	return trimmed[strings.LastIndex(trimmed, "/")+1:]
}
