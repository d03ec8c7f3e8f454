package report

import (
	"encoding/csv"
	"io"
	"os"
	"strconv"

	"golang.org/x/xerrors"

	"github.com/envidat/s3-inventory/pkg/crawler"
)

// Header is the column layout of the record CSV.
var Header = []string{
	"bucket_url", "bucket_name", "key", "last_modified", "etag", "size",
	"storage_class", "owner_id", "owner_display_name", "type",
}

// Writer serializes object records as CSV rows.
type Writer struct {
	f *os.File
	w *csv.Writer
}

// Create opens path for writing and emits the header row.
func Create(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, xerrors.Errorf("unable to create %s: %w", path, err)
	}

	w := csv.NewWriter(f)
	if err = w.Write(Header); err != nil {
		f.Close()
		return nil, xerrors.Errorf("unable to write CSV header: %w", err)
	}
	return &Writer{f: f, w: w}, nil
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: csv.NewWriter(w)}
}

func (w *Writer) Write(record crawler.ObjectRecord) error {
	row := []string{
		record.BucketURL,
		record.BucketName,
		record.Key,
		record.LastModified,
		record.ETag,
		strconv.FormatInt(record.Size, 10),
		record.StorageClass,
		record.OwnerID,
		record.OwnerDisplayName,
		string(record.Kind),
	}
	if err := w.w.Write(row); err != nil {
		return xerrors.Errorf("unable to write CSV row: %w", err)
	}
	return nil
}

func (w *Writer) Close() error {
	w.w.Flush()
	if err := w.w.Error(); err != nil {
		return xerrors.Errorf("CSV flush error: %w", err)
	}
	if w.f == nil {
		return nil
	}
	return w.f.Close()
}

// Reader parses rows produced by Writer back into object records.
type Reader struct {
	f *os.File
	r *csv.Reader
}

// Open opens a record CSV and skips its header row.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, xerrors.Errorf("unable to open %s: %w", path, err)
	}

	r := newCSVReader(f)
	if _, err = r.Read(); err != nil { // header
		f.Close()
		return nil, xerrors.Errorf("unable to read CSV header: %w", err)
	}
	return &Reader{f: f, r: r}, nil
}

func newCSVReader(r io.Reader) *csv.Reader {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = len(Header)
	reader.ReuseRecord = true
	return reader
}

// Read returns the next record. io.EOF signals the end of the file.
func (r *Reader) Read() (crawler.ObjectRecord, error) {
	row, err := r.r.Read()
	if err != nil {
		if err == io.EOF {
			return crawler.ObjectRecord{}, io.EOF
		}
		return crawler.ObjectRecord{}, xerrors.Errorf("CSV read error: %w", err)
	}

	size, err := strconv.ParseInt(row[5], 10, 64)
	if err != nil {
		return crawler.ObjectRecord{}, xerrors.Errorf("invalid size %q: %w", row[5], err)
	}

	return crawler.ObjectRecord{
		BucketURL:        row[0],
		BucketName:       row[1],
		Key:              row[2],
		LastModified:     row[3],
		ETag:             row[4],
		Size:             size,
		StorageClass:     row[6],
		OwnerID:          row[7],
		OwnerDisplayName: row[8],
		Kind:             crawler.RecordKind(row[9]),
	}, nil
}

func (r *Reader) Close() error {
	if r.f == nil {
		return nil
	}
	return r.f.Close()
}

// Count returns the number of data rows in a record CSV.
func Count(path string) (int, error) {
	r, err := Open(path)
	if err != nil {
		return 0, err
	}
	defer r.Close()

	var count int
	for {
		if _, err := r.Read(); err != nil {
			if err == io.EOF {
				return count, nil
			}
			return 0, err
		}
		count++
	}
}
