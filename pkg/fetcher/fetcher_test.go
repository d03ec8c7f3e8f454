package fetcher

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newClient(fullBodyLimit int64) *Client {
	return New(Option{
		RetryMax:      2,
		RetryWaitMin:  time.Millisecond,
		RetryWaitMax:  5 * time.Millisecond,
		FullBodyLimit: fullBodyLimit,
	})
}

func TestFetchRange(t *testing.T) {
	body := []byte("0123456789abcdef")

	t.Run("range honored", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "bytes=4-7", r.Header.Get("Range"))
			http.ServeContent(w, r, "obj", time.Time{}, bytes.NewReader(body))
		}))
		defer srv.Close()

		res, err := newClient(0).FetchRange(context.Background(), srv.URL, 4, 7)
		require.NoError(t, err)
		assert.True(t, res.RangeHonored)
		assert.Equal(t, []byte("4567"), res.Data)
	})

	t.Run("range ignored within limit", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Write(body)
		}))
		defer srv.Close()

		res, err := newClient(int64(len(body))).FetchRange(context.Background(), srv.URL, 4, 7)
		require.NoError(t, err)
		assert.False(t, res.RangeHonored)
		assert.Equal(t, body, res.Data)
	})

	t.Run("range ignored above limit", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Write(body)
		}))
		defer srv.Close()

		_, err := newClient(int64(len(body)) - 1).FetchRange(context.Background(), srv.URL, 4, 7)
		assert.ErrorIs(t, err, ErrRangeUnsupported)
	})

	t.Run("permanent failures are not retried", func(t *testing.T) {
		for code, want := range map[int]error{
			http.StatusForbidden: ErrAccessDenied,
			http.StatusNotFound:  ErrNotFound,
		} {
			var requests atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				requests.Add(1)
				w.WriteHeader(code)
			}))

			_, err := newClient(0).FetchRange(context.Background(), srv.URL, 0, 3)
			assert.ErrorIs(t, err, want)
			assert.EqualValues(t, 1, requests.Load())
			srv.Close()
		}
	})

	t.Run("transient failures are retried", func(t *testing.T) {
		var requests atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if requests.Add(1) < 3 {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			http.ServeContent(w, r, "obj", time.Time{}, bytes.NewReader(body))
		}))
		defer srv.Close()

		res, err := newClient(0).FetchRange(context.Background(), srv.URL, 0, 3)
		require.NoError(t, err)
		assert.Equal(t, []byte("0123"), res.Data)
		assert.EqualValues(t, 3, requests.Load())
	})

	t.Run("retries exhausted", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer srv.Close()

		_, err := newClient(0).FetchRange(context.Background(), srv.URL, 0, 3)
		assert.ErrorIs(t, err, ErrTransient)
	})
}

func TestGet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("<ListBucketResult/>"))
	}))
	defer srv.Close()

	data, err := newClient(0).Get(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, []byte("<ListBucketResult/>"), data)
}

func TestDelayHonorsCancellation(t *testing.T) {
	c := New(Option{Delay: time.Minute})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Get(ctx, "http://example.invalid/")
	assert.ErrorIs(t, err, context.Canceled)
}
