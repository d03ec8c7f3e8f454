package crawler_test

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/envidat/s3-inventory/pkg/crawler"
)

type mockObject struct {
	key  string
	data []byte // body served on object GET; listing size is len(data)
}

// mockBucket serves a paginated list-objects-v2 listing plus the objects
// themselves, with Range support.
type mockBucket struct {
	name     string
	objects  []mockObject
	pageSize int

	pagesServed atomic.Int32
}

func (m *mockBucket) register(mux *http.ServeMux) {
	mux.HandleFunc("/"+m.name+"/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/"+m.name+"/" && r.URL.Query().Get("list-type") == "2" {
			m.servePage(w, r)
			return
		}

		key := strings.TrimPrefix(r.URL.Path, "/"+m.name+"/")
		for _, obj := range m.objects {
			if obj.key == key {
				http.ServeContent(w, r, key, time.Time{}, bytes.NewReader(obj.data))
				return
			}
		}
		http.NotFound(w, r)
	})
}

func (m *mockBucket) servePage(w http.ResponseWriter, r *http.Request) {
	m.pagesServed.Add(1)

	start := 0
	if token := r.URL.Query().Get("continuation-token"); token != "" {
		start, _ = strconv.Atoi(token)
	}
	end := start + m.pageSize
	if end > len(m.objects) {
		end = len(m.objects)
	}

	var sb strings.Builder
	sb.WriteString(`<?xml version="1.0" encoding="UTF-8"?>`)
	sb.WriteString(`<ListBucketResult xmlns="http://s3.amazonaws.com/doc/2006-03-01/">`)
	fmt.Fprintf(&sb, "<Name>%s</Name><KeyCount>%d</KeyCount>", m.name, end-start)
	for _, obj := range m.objects[start:end] {
		fmt.Fprintf(&sb, `<Contents><Key>%s</Key><LastModified>2023-05-17T09:00:00.000Z</LastModified>`+
			`<ETag>&quot;etag-%s&quot;</ETag><Size>%d</Size><StorageClass>STANDARD</StorageClass>`+
			`<Owner><ID>owner-1</ID><DisplayName>EnviDat</DisplayName></Owner></Contents>`,
			obj.key, obj.key, len(obj.data))
	}
	if end < len(m.objects) {
		fmt.Fprintf(&sb, "<IsTruncated>true</IsTruncated><NextContinuationToken>%d</NextContinuationToken>", end)
	} else {
		sb.WriteString("<IsTruncated>false</IsTruncated>")
	}
	sb.WriteString("</ListBucketResult>")

	w.Header().Set("Content-Type", "application/xml")
	w.Write([]byte(sb.String()))
}

func buildZip(t *testing.T, files map[string]string) []byte {
	t.Helper()

	buf := &bytes.Buffer{}
	zw := zip.NewWriter(buf)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func newCrawler(t *testing.T, srvURL string, buckets []*mockBucket, workers int) *crawler.Crawler {
	t.Helper()

	var specs []crawler.BucketSpec
	for _, b := range buckets {
		specs = append(specs, crawler.BucketSpec{
			Name:              b.name,
			URL:               srvURL + "/" + b.name + "/",
			ExcludeSubstrings: []string{"envidat.1"},
		})
	}

	c, err := crawler.NewCrawler(crawler.Option{
		Buckets:          specs,
		PageSize:         2,
		BucketWorkers:    workers,
		ZipWorkers:       2,
		ZipFullBodyLimit: 1 << 20,
		RetryMax:         1,
		RetryWaitMin:     time.Millisecond,
		RetryWaitMax:     5 * time.Millisecond,
	})
	require.NoError(t, err)
	return c
}

func runCrawl(t *testing.T, c *crawler.Crawler) ([]crawler.ObjectRecord, crawler.Summary) {
	t.Helper()

	recordCh := make(chan crawler.ObjectRecord)
	var records []crawler.ObjectRecord
	done := make(chan struct{})
	go func() {
		defer close(done)
		for record := range recordCh {
			records = append(records, record)
		}
	}()

	summary, err := c.Crawl(context.Background(), recordCh)
	close(recordCh)
	<-done

	require.NoError(t, err)
	return records, summary
}

func keysOf(records []crawler.ObjectRecord) []string {
	keys := make([]string, 0, len(records))
	for _, r := range records {
		keys = append(keys, r.Key)
	}
	return keys
}

func TestCrawlPagination(t *testing.T) {
	bucket := &mockBucket{
		name:     "envicloud",
		pageSize: 2,
		objects: []mockObject{
			{key: "a.txt", data: []byte("aa")},
			{key: "b/ENVIDAT.1.23/b.txt", data: []byte("bb")}, // excluded, case-insensitively
			{key: "c.csv", data: []byte("cc")},
			{key: "d.nc", data: []byte("dd")},
			{key: "e.tif", data: []byte("ee")},
		},
	}
	mux := http.NewServeMux()
	bucket.register(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newCrawler(t, srv.URL, []*mockBucket{bucket}, 1)
	records, summary := runCrawl(t, c)

	assert.Equal(t, []string{"a.txt", "c.csv", "d.nc", "e.tif"}, keysOf(records))
	for _, record := range records {
		assert.Equal(t, crawler.KindNormal, record.Kind)
		assert.Equal(t, "envicloud", record.BucketName)
		assert.Equal(t, "STANDARD", record.StorageClass)
		assert.Equal(t, "owner-1", record.OwnerID)
	}
	assert.EqualValues(t, 3, bucket.pagesServed.Load())
	assert.Equal(t, 1, summary["envicloud"].Filtered[crawler.ReasonExcludedSubstring])
}

func TestCrawlExtensionFilter(t *testing.T) {
	bucket := &mockBucket{
		name:     "envidat-doi",
		pageSize: 10,
		objects: []mockObject{
			{key: "doi/data.bin", data: []byte("xx")},
			{key: "doi/meta.XML", data: []byte("xx")},
			{key: "doi/page.html", data: []byte("xx")},
		},
	}
	mux := http.NewServeMux()
	bucket.register(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c, err := crawler.NewCrawler(crawler.Option{
		Buckets: []crawler.BucketSpec{{
			Name:              "envidat-doi",
			URL:               srv.URL + "/envidat-doi/",
			ExcludeExtensions: []string{".html", ".json", ".xml"},
		}},
		RetryMax:     1,
		RetryWaitMin: time.Millisecond,
		RetryWaitMax: 5 * time.Millisecond,
	})
	require.NoError(t, err)

	records, summary := runCrawl(t, c)
	assert.Equal(t, []string{"doi/data.bin"}, keysOf(records))
	assert.Equal(t, 2, summary["envidat-doi"].Filtered[crawler.ReasonExcludedExtension])
}

func TestCrawlZipMembers(t *testing.T) {
	archive := buildZip(t, map[string]string{
		"inner/readme.txt": "hello",
	})
	bucket := &mockBucket{
		name:     "pointclouds",
		pageSize: 10,
		objects: []mockObject{
			{key: "a.txt", data: []byte("aa")},
			{key: "scans/Archive.ZIP", data: archive},
			{key: "z.txt", data: []byte("zz")},
		},
	}
	mux := http.NewServeMux()
	bucket.register(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newCrawler(t, srv.URL, []*mockBucket{bucket}, 1)
	records, summary := runCrawl(t, c)

	assert.Equal(t, []string{
		"a.txt",
		"scans/Archive.ZIP",
		"scans/Archive.ZIP::inner/readme.txt",
		"z.txt",
	}, keysOf(records))

	member := records[2]
	assert.Equal(t, crawler.KindZipMember, member.Kind)
	assert.Equal(t, "pointclouds", member.BucketName)
	// Compressed size from the central directory, smaller than the archive.
	assert.Less(t, member.Size, int64(len(archive)))
	assert.Positive(t, member.Size)

	assert.Empty(t, summary["pointclouds"].ZipSkipped)
}

func TestCrawlZipSkipped(t *testing.T) {
	bucket := &mockBucket{
		name:     "edna",
		pageSize: 10,
		objects: []mockObject{
			{key: "broken.zip", data: bytes.Repeat([]byte{0x42}, 256)},
		},
	}
	mux := http.NewServeMux()
	bucket.register(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newCrawler(t, srv.URL, []*mockBucket{bucket}, 1)
	records, summary := runCrawl(t, c)

	// The archive's own record survives, only the inspection is skipped.
	assert.Equal(t, []string{"broken.zip"}, keysOf(records))
	assert.Equal(t, 1, summary["edna"].ZipSkipped[crawler.ReasonEocdNotFound])
}

func TestCrawlListingAccessDenied(t *testing.T) {
	open := &mockBucket{
		name:     "envicloud",
		pageSize: 10,
		objects:  []mockObject{{key: "a.txt", data: []byte("aa")}},
	}
	mux := http.NewServeMux()
	open.register(mux)
	mux.HandleFunc("/locked/", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newCrawler(t, srv.URL, []*mockBucket{open, {name: "locked"}}, 1)
	records, summary := runCrawl(t, c)

	assert.Equal(t, []string{"a.txt"}, keysOf(records))
	assert.Equal(t, 1, summary["locked"].Failed[crawler.ReasonAccessDenied])
}

func TestCrawlConcurrencyEquivalence(t *testing.T) {
	archive := buildZip(t, map[string]string{"a/b.txt": "content", "a/c.txt": "more content"})
	buckets := []*mockBucket{
		{
			name:     "envicloud",
			pageSize: 2,
			objects: []mockObject{
				{key: "one.txt", data: []byte("1")},
				{key: "nested.zip", data: archive},
				{key: "two.txt", data: []byte("2")},
			},
		},
		{
			name:     "drone-data",
			pageSize: 2,
			objects: []mockObject{
				{key: "flight1.las", data: []byte("xxx")},
				{key: "flight2.las", data: []byte("yyy")},
			},
		},
	}
	mux := http.NewServeMux()
	for _, b := range buckets {
		b.register(mux)
	}
	srv := httptest.NewServer(mux)
	defer srv.Close()

	perBucket := func(records []crawler.ObjectRecord) map[string][]string {
		got := make(map[string][]string)
		for _, r := range records {
			got[r.BucketName] = append(got[r.BucketName], r.Key)
		}
		return got
	}

	sequential, _ := runCrawl(t, newCrawler(t, srv.URL, buckets, 1))
	concurrent, _ := runCrawl(t, newCrawler(t, srv.URL, buckets, 4))

	// Buckets may interleave, but each bucket's own order is stable.
	assert.Equal(t, perBucket(sequential), perBucket(concurrent))
}

func TestCrawlIdempotence(t *testing.T) {
	bucket := &mockBucket{
		name:     "envicloud",
		pageSize: 2,
		objects: []mockObject{
			{key: "a.txt", data: []byte("aa")},
			{key: "b.txt", data: []byte("bb")},
			{key: "c.txt", data: []byte("cc")},
		},
	}
	mux := http.NewServeMux()
	bucket.register(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	first, _ := runCrawl(t, newCrawler(t, srv.URL, []*mockBucket{bucket}, 1))
	second, _ := runCrawl(t, newCrawler(t, srv.URL, []*mockBucket{bucket}, 1))
	assert.Equal(t, first, second)
}
