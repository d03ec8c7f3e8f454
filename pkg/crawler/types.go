package crawler

// RecordKind tells a top-level object apart from a file inside an archive.
type RecordKind string

const (
	KindNormal    RecordKind = "Normal"
	KindZipMember RecordKind = "ZipMember"
)

// InnerPathSeparator joins an archive key with the path of one of its
// members, e.g. "data/archive.zip::plots/a.png".
const InnerPathSeparator = "::"

// BucketSpec describes one bucket to crawl. Immutable once the crawl starts.
type BucketSpec struct {
	Name string
	URL  string // base listing URL, e.g. https://os.zhdk.cloud.switch.ch/envicloud/

	// ExcludeSubstrings drops any key containing one of these, compared
	// case-insensitively.
	ExcludeSubstrings []string

	// ExcludeExtensions drops keys with one of these extensions (lowercase,
	// leading dot). Used for buckets whose listings are littered with
	// metadata files.
	ExcludeExtensions []string
}

// ObjectRecord is one row of crawl output. For KindZipMember records the key
// carries the parent key plus the inner path, and Size is the compressed
// size from the archive's central directory, not the uncompressed one.
type ObjectRecord struct {
	BucketURL        string
	BucketName       string
	Key              string
	LastModified     string
	ETag             string
	Size             int64
	StorageClass     string
	OwnerID          string
	OwnerDisplayName string
	Kind             RecordKind
}
