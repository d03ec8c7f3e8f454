package db

import (
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"golang.org/x/xerrors"
	"k8s.io/utils/clock"

	"github.com/envidat/s3-inventory/pkg/crawler"
	"github.com/envidat/s3-inventory/pkg/metadata"
)

const (
	dbFileName     = "s3-inventory.db"
	SchemaVersion  = 1
	updateInterval = time.Hour * 24 * 7
)

type DB struct {
	client *sql.DB
	dir    string
	clock  clock.Clock
}

// ExtensionStat is an aggregate over objects sharing one file extension
// within a bucket.
type ExtensionStat struct {
	BucketName string
	Extension  string
	Count      int64
	TotalSize  int64
}

func Path(cacheDir string) string {
	return filepath.Join(cacheDir, dbFileName)
}

func New(cacheDir string) (DB, error) {
	dbPath := Path(cacheDir)
	dbDir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dbDir, 0700); err != nil {
		return DB{}, xerrors.Errorf("failed to mkdir: %w", err)
	}

	client, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return DB{}, xerrors.Errorf("can't open db: %w", err)
	}

	return DB{
		client: client,
		dir:    dbDir,
		clock:  clock.RealClock{},
	}, nil
}

func (db *DB) Init() error {
	if _, err := db.client.Exec(`CREATE TABLE objects(
		id INTEGER PRIMARY KEY,
		bucket_url TEXT,
		bucket_name TEXT,
		key TEXT,
		last_modified TEXT,
		etag TEXT,
		size INTEGER,
		storage_class TEXT,
		owner_id TEXT,
		owner_display_name TEXT,
		kind TEXT,
		extension TEXT)`); err != nil {
		return xerrors.Errorf("unable to create 'objects' table: %w", err)
	}
	if _, err := db.client.Exec("CREATE UNIQUE INDEX objects_idx ON objects(bucket_name, key)"); err != nil {
		return xerrors.Errorf("unable to create 'objects_idx' index: %w", err)
	}
	if _, err := db.client.Exec("CREATE INDEX objects_ext_idx ON objects(bucket_name, extension)"); err != nil {
		return xerrors.Errorf("unable to create 'objects_ext_idx' index: %w", err)
	}
	return nil
}

func (db *DB) Dir() string {
	return db.dir
}

func (db *DB) VacuumDB() error {
	if _, err := db.client.Exec("VACUUM"); err != nil {
		return xerrors.Errorf("vacuum database error: %w", err)
	}
	return nil
}

func (db *DB) InsertRecords(records []crawler.ObjectRecord) error {
	tx, err := db.client.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, r := range records {
		if _, err = tx.Exec(`INSERT INTO objects(bucket_url, bucket_name, key, last_modified, etag, size,
			storage_class, owner_id, owner_display_name, kind, extension)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT(bucket_name, key) DO NOTHING`,
			r.BucketURL, r.BucketName, r.Key, r.LastModified, r.ETag, r.Size,
			r.StorageClass, r.OwnerID, r.OwnerDisplayName, string(r.Kind), Extension(r.Key)); err != nil {
			return xerrors.Errorf("unable to insert to 'objects' table: %w", err)
		}
	}
	return tx.Commit()
}

// SelectExtensionStats aggregates object count and total bytes per
// (bucket, extension), largest byte totals first.
func (db *DB) SelectExtensionStats() ([]ExtensionStat, error) {
	rows, err := db.client.Query(`SELECT bucket_name, extension, COUNT(*), SUM(size) FROM objects
		GROUP BY bucket_name, extension ORDER BY SUM(size) DESC`)
	if err != nil {
		return nil, xerrors.Errorf("select stats error: %w", err)
	}
	defer rows.Close()

	var stats []ExtensionStat
	for rows.Next() {
		var s ExtensionStat
		if err = rows.Scan(&s.BucketName, &s.Extension, &s.Count, &s.TotalSize); err != nil {
			return nil, xerrors.Errorf("scan row error: %w", err)
		}
		stats = append(stats, s)
	}
	return stats, rows.Err()
}

// SelectRecordCount returns the number of stored records.
func (db *DB) SelectRecordCount() (int64, error) {
	var count int64
	if err := db.client.QueryRow("SELECT COUNT(*) FROM objects").Scan(&count); err != nil {
		return 0, xerrors.Errorf("count error: %w", err)
	}
	return count, nil
}

// UpdateMetadata writes the sidecar metadata file next to the database.
func (db *DB) UpdateMetadata(meta metadata.Client, recordCount int64) error {
	now := db.clock.Now().UTC()
	if err := meta.Update(metadata.Metadata{
		Version:     SchemaVersion,
		RecordCount: recordCount,
		UpdatedAt:   now,
		NextUpdate:  now.Add(updateInterval),
	}); err != nil {
		return xerrors.Errorf("failed to update metadata: %w", err)
	}
	return nil
}

// Extension derives the lowercase file extension of a key: the part after
// the last dot of the base name, or "<no_ext>" when there is none. Member
// keys are classified by their inner path.
func Extension(key string) string {
	if i := strings.LastIndex(key, crawler.InnerPathSeparator); i >= 0 {
		key = key[i+len(crawler.InnerPathSeparator):]
	}
	base := key
	if i := strings.LastIndex(base, "/"); i >= 0 {
		base = base[i+1:]
	}
	i := strings.LastIndex(base, ".")
	if i < 0 || i == len(base)-1 {
		return "<no_ext>"
	}
	return strings.ToLower(base[i:])
}
