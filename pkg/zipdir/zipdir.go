package zipdir

import (
	"context"
	"encoding/binary"
	"log/slog"

	"golang.org/x/xerrors"

	"github.com/envidat/s3-inventory/pkg/fetcher"
)

// ZIP structure constants, see APPNOTE.TXT §4.3.
const (
	eocdSignature = 0x06054b50
	eocdSize      = 22

	dirHeaderSignature = 0x02014b50
	dirHeaderSize      = 46

	// The EOCD comment field is at most 64 KiB, so the record always sits
	// inside the last maxCommentSize+eocdSize bytes of the archive.
	maxCommentSize = 64 << 10
	scanWindow     = maxCommentSize + eocdSize

	zip64CountSentinel = 0xFFFF
	zip64Sentinel      = 0xFFFFFFFF
)

// Skip conditions. Each one aborts the inspection of a single archive.
var (
	ErrEocdNotFound       = xerrors.New("end-of-central-directory record not found")
	ErrZip64Unsupported   = xerrors.New("zip64 archive not supported")
	ErrMalformedDirectory = xerrors.New("malformed central directory")
)

// Entry describes one file of an archive, taken from its central directory.
type Entry struct {
	Path             string
	CompressedSize   uint32
	UncompressedSize uint32
	Method           uint16
	CRC32            uint32
	HeaderOffset     uint32
}

// EOCD is the parsed end-of-central-directory record.
type EOCD struct {
	EntryCount uint16
	DirSize    uint32
	DirOffset  uint32
	CommentLen uint16
}

// Reader reconstructs an archive's central directory from partial reads.
type Reader struct {
	fetcher *fetcher.Client
	logger  *slog.Logger
}

func New(f *fetcher.Client) *Reader {
	return &Reader{
		fetcher: f,
		logger:  slog.Default().With(slog.String("component", "zipdir")),
	}
}

// Inspect enumerates the entries of the archive at url without downloading
// its payload. Two ranged reads are issued: the tail window holding the EOCD
// record and the central directory itself. When the server ignores Range and
// hands back the whole (small enough) object, both reads are served from the
// one buffered body.
//
// The returned entry list is complete or the inspection fails as a whole;
// partial lists are never returned.
func (r *Reader) Inspect(ctx context.Context, url string, size int64) ([]Entry, error) {
	if size < eocdSize {
		return nil, xerrors.Errorf("object of %d bytes is too small for an archive: %w", size, ErrEocdNotFound)
	}

	window := min(size, scanWindow)
	res, err := r.fetcher.FetchRange(ctx, url, size-window, size-1)
	if err != nil {
		return nil, err
	}

	// On a full-body response the fetcher has already enforced the size
	// limit, so the whole archive is in memory.
	var full []byte
	tail := res.Data
	if !res.RangeHonored {
		full = res.Data
		if int64(len(full)) != size {
			return nil, xerrors.Errorf("full body of %s is %d bytes, listing reported %d: %w",
				url, len(full), size, ErrMalformedDirectory)
		}
		tail = full[size-window:]
	}

	rec, tailOffset, err := findEOCD(tail)
	if err != nil {
		return nil, err
	}
	if rec.EntryCount == zip64CountSentinel || rec.DirSize == zip64Sentinel || rec.DirOffset == zip64Sentinel {
		return nil, xerrors.Errorf("sentinel values in EOCD of %s: %w", url, ErrZip64Unsupported)
	}

	eocdPos := size - window + int64(tailOffset)
	if int64(rec.DirOffset)+int64(rec.DirSize) > eocdPos {
		return nil, xerrors.Errorf("central directory of %s overruns its EOCD record: %w", url, ErrMalformedDirectory)
	}

	var dir []byte
	switch {
	case full != nil:
		dir = full[rec.DirOffset : int64(rec.DirOffset)+int64(rec.DirSize)]
	case int64(rec.DirOffset) >= size-window:
		// The directory is already inside the tail window.
		off := int64(rec.DirOffset) - (size - window)
		dir = tail[off : off+int64(rec.DirSize)]
	default:
		res, err = r.fetcher.FetchRange(ctx, url, int64(rec.DirOffset), int64(rec.DirOffset)+int64(rec.DirSize)-1)
		if err != nil {
			return nil, err
		}
		dir = res.Data
		if !res.RangeHonored {
			if int64(len(res.Data)) < int64(rec.DirOffset)+int64(rec.DirSize) {
				return nil, xerrors.Errorf("full body of %s is shorter than its central directory: %w",
					url, ErrMalformedDirectory)
			}
			dir = res.Data[rec.DirOffset : int64(rec.DirOffset)+int64(rec.DirSize)]
		}
	}

	entries, err := parseDirectory(Synthesize(dir, rec), rec)
	if err != nil {
		return nil, xerrors.Errorf("%s: %w", url, err)
	}

	r.logger.Debug("Inspected archive", slog.String("url", url), slog.Int("entries", len(entries)))
	return entries, nil
}

// findEOCD scans tail backward for the EOCD signature and parses the record.
// It returns the record and its offset within tail.
func findEOCD(tail []byte) (EOCD, int, error) {
	for i := len(tail) - eocdSize; i >= 0; i-- {
		if binary.LittleEndian.Uint32(tail[i:]) != eocdSignature {
			continue
		}
		rec := EOCD{
			EntryCount: binary.LittleEndian.Uint16(tail[i+10:]),
			DirSize:    binary.LittleEndian.Uint32(tail[i+12:]),
			DirOffset:  binary.LittleEndian.Uint32(tail[i+16:]),
			CommentLen: binary.LittleEndian.Uint16(tail[i+20:]),
		}
		return rec, i, nil
	}
	return EOCD{}, 0, ErrEocdNotFound
}

// Synthesize builds a minimal in-memory archive image: the central directory
// bytes followed by a rewritten EOCD record whose directory offset is zero,
// matching the directory's position in the buffer. Entry count and directory
// size are carried over unchanged and the comment is dropped.
func Synthesize(dir []byte, rec EOCD) []byte {
	buf := make([]byte, len(dir)+eocdSize)
	copy(buf, dir)

	eocd := buf[len(dir):]
	binary.LittleEndian.PutUint32(eocd[0:], eocdSignature)
	binary.LittleEndian.PutUint16(eocd[8:], rec.EntryCount)
	binary.LittleEndian.PutUint16(eocd[10:], rec.EntryCount)
	binary.LittleEndian.PutUint32(eocd[12:], rec.DirSize)
	binary.LittleEndian.PutUint32(eocd[16:], 0)
	return buf
}

// parseDirectory walks the fixed 46-byte directory headers in buf, which must
// start with the first entry. The number of bytes consumed by EntryCount
// entries has to match DirSize exactly.
func parseDirectory(buf []byte, rec EOCD) ([]Entry, error) {
	entries := make([]Entry, 0, rec.EntryCount)
	off := 0
	for i := 0; i < int(rec.EntryCount); i++ {
		if off+dirHeaderSize > len(buf) {
			return nil, xerrors.Errorf("directory truncated at entry %d: %w", i, ErrMalformedDirectory)
		}
		h := buf[off:]
		if binary.LittleEndian.Uint32(h) != dirHeaderSignature {
			return nil, xerrors.Errorf("bad header signature at entry %d: %w", i, ErrMalformedDirectory)
		}

		entry := Entry{
			Method:           binary.LittleEndian.Uint16(h[10:]),
			CRC32:            binary.LittleEndian.Uint32(h[16:]),
			CompressedSize:   binary.LittleEndian.Uint32(h[20:]),
			UncompressedSize: binary.LittleEndian.Uint32(h[24:]),
			HeaderOffset:     binary.LittleEndian.Uint32(h[42:]),
		}
		if entry.CompressedSize == zip64Sentinel || entry.UncompressedSize == zip64Sentinel ||
			entry.HeaderOffset == zip64Sentinel {
			return nil, xerrors.Errorf("sentinel sizes in entry %d: %w", i, ErrZip64Unsupported)
		}

		nameLen := int(binary.LittleEndian.Uint16(h[28:]))
		extraLen := int(binary.LittleEndian.Uint16(h[30:]))
		commentLen := int(binary.LittleEndian.Uint16(h[32:]))
		if off+dirHeaderSize+nameLen > len(buf) {
			return nil, xerrors.Errorf("file name overruns directory at entry %d: %w", i, ErrMalformedDirectory)
		}
		entry.Path = string(h[dirHeaderSize : dirHeaderSize+nameLen])

		entries = append(entries, entry)
		off += dirHeaderSize + nameLen + extraLen + commentLen
	}

	if off != int(rec.DirSize) {
		return nil, xerrors.Errorf("directory declares %d bytes but %d were consumed: %w",
			rec.DirSize, off, ErrMalformedDirectory)
	}
	return entries, nil
}
