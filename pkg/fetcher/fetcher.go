package fetcher

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/xerrors"
)

// Skip conditions surfaced to callers. Wrapped errors are classified with
// errors.Is.
var (
	ErrAccessDenied     = xerrors.New("access denied")
	ErrNotFound         = xerrors.New("object not found")
	ErrRangeUnsupported = xerrors.New("range request not supported")
	ErrTransient        = xerrors.New("transient network failure")
)

type Option struct {
	RetryMax      int
	RetryWaitMin  time.Duration
	RetryWaitMax  time.Duration
	Delay         time.Duration // inter-request delay applied to every fetch
	FullBodyLimit int64         // largest object accepted when the server ignores Range
}

// Client issues bounded HTTP reads against object URLs.
type Client struct {
	http          *retryablehttp.Client
	delay         time.Duration
	fullBodyLimit int64
	logger        *slog.Logger
}

// Result is the outcome of a ranged read.
type Result struct {
	Data []byte
	// RangeHonored reports whether the server returned exactly the requested
	// span. When false, Data holds the whole object.
	RangeHonored bool
}

func New(opt Option) *Client {
	client := retryablehttp.NewClient()
	client.RetryMax = opt.RetryMax
	client.Logger = slog.Default()
	client.RetryWaitMin = opt.RetryWaitMin
	client.RetryWaitMax = opt.RetryWaitMax
	client.Backoff = retryablehttp.DefaultBackoff
	client.ResponseLogHook = func(_ retryablehttp.Logger, resp *http.Response) {
		switch resp.StatusCode {
		case http.StatusOK, http.StatusPartialContent, http.StatusForbidden, http.StatusNotFound:
		default:
			slog.Warn("Unexpected http response",
				slog.String("url", resp.Request.URL.String()), slog.String("status", resp.Status))
		}
	}
	client.ErrorHandler = func(resp *http.Response, err error, numTries int) (*http.Response, error) {
		logger := slog.Default()
		if resp != nil {
			logger = slog.With(slog.String("url", resp.Request.URL.String()), slog.Int("status_code", resp.StatusCode),
				slog.Int("num_tries", numTries))
		}

		if err != nil {
			logger = logger.With(slog.String("error", err.Error()))
		}
		logger.Error("HTTP request failed after retries")
		return resp, xerrors.Errorf("HTTP request failed after retries: %w", err)
	}

	return &Client{
		http:          client,
		delay:         opt.Delay,
		fullBodyLimit: opt.FullBodyLimit,
		logger:        slog.Default().With(slog.String("component", "fetcher")),
	}
}

// FetchRange requests the inclusive byte range [start, end] of url.
//
// A partial-content response with a matching length is returned as-is. If the
// server ignores the Range header and replies with the full object, the body
// is accepted only when the object fits within FullBodyLimit; otherwise the
// read is aborted with ErrRangeUnsupported before any transfer happens.
func (c *Client) FetchRange(ctx context.Context, url string, start, end int64) (Result, error) {
	if start < 0 || end < start {
		return Result{}, xerrors.Errorf("invalid byte range %d-%d", start, end)
	}

	resp, err := c.do(ctx, url, fmt.Sprintf("bytes=%d-%d", start, end))
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusPartialContent:
		want := end - start + 1
		data, err := io.ReadAll(io.LimitReader(resp.Body, want+1))
		if err != nil {
			return Result{}, xerrors.Errorf("can't read range %d-%d of %s (%v): %w", start, end, url, err, ErrTransient)
		}
		if int64(len(data)) != want {
			return Result{}, xerrors.Errorf("partial response for %s returned %d bytes, want %d", url, len(data), want)
		}
		return Result{Data: data, RangeHonored: true}, nil
	case http.StatusOK:
		// Range ignored. Accept the full body only for small objects, never
		// pull an unbounded amount of data.
		if resp.ContentLength < 0 || resp.ContentLength > c.fullBodyLimit {
			return Result{}, xerrors.Errorf("%s returned full body of %d bytes (limit %d): %w",
				url, resp.ContentLength, c.fullBodyLimit, ErrRangeUnsupported)
		}
		c.logger.Debug("Server ignored Range header, reading full body",
			slog.String("url", url), slog.Int64("size", resp.ContentLength))
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return Result{}, xerrors.Errorf("can't read body of %s (%v): %w", url, err, ErrTransient)
		}
		return Result{Data: data, RangeHonored: false}, nil
	default:
		return Result{}, statusError(url, resp.StatusCode)
	}
}

// Get fetches url in full. Listing pages go through here so that the retry
// policy and the inter-request delay apply to every request path alike.
func (c *Client) Get(ctx context.Context, url string) ([]byte, error) {
	resp, err := c.do(ctx, url, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(url, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, xerrors.Errorf("can't read body of %s (%v): %w", url, err, ErrTransient)
	}
	return data, nil
}

func (c *Client) do(ctx context.Context, url, byteRange string) (*http.Response, error) {
	if c.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.delay):
		}
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, xerrors.Errorf("unable to create a HTTP request: %w", err)
	}
	if byteRange != "" {
		req.Header.Set("Range", byteRange)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, xerrors.Errorf("http error (%s, %v): %w", url, err, ErrTransient)
	}
	return resp, nil
}

func statusError(url string, code int) error {
	switch code {
	case http.StatusForbidden:
		return xerrors.Errorf("%s: %w", url, ErrAccessDenied)
	case http.StatusNotFound:
		return xerrors.Errorf("%s: %w", url, ErrNotFound)
	default:
		return xerrors.Errorf("%s returned unexpected status %d", url, code)
	}
}
