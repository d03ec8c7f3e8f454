package builder

import (
	"io"
	"log/slog"

	"github.com/cheggaaa/pb/v3"
	"golang.org/x/xerrors"

	"github.com/envidat/s3-inventory/pkg/crawler"
	"github.com/envidat/s3-inventory/pkg/db"
	"github.com/envidat/s3-inventory/pkg/metadata"
	"github.com/envidat/s3-inventory/pkg/report"
)

const insertBatchSize = 1000

// Builder loads a record CSV produced by a crawl into the sqlite store.
type Builder struct {
	db   db.DB
	meta metadata.Client
}

func NewBuilder(db db.DB, meta metadata.Client) Builder {
	return Builder{
		db:   db,
		meta: meta,
	}
}

func (b *Builder) Build(csvPath string) error {
	count, err := report.Count(csvPath)
	if err != nil {
		return xerrors.Errorf("count error: %w", err)
	}

	r, err := report.Open(csvPath)
	if err != nil {
		return xerrors.Errorf("unable to open %s: %w", csvPath, err)
	}
	defer r.Close()

	bar := pb.StartNew(count)
	defer slog.Info("Build completed")
	defer bar.Finish()

	var records []crawler.ObjectRecord
	for {
		record, err := r.Read()
		if err != nil {
			if err == io.EOF {
				break
			}
			return xerrors.Errorf("read error: %w", err)
		}
		records = append(records, record)
		bar.Increment()

		if len(records) >= insertBatchSize {
			if err = b.db.InsertRecords(records); err != nil {
				return xerrors.Errorf("failed to insert records to db: %w", err)
			}
			records = records[:0]
		}
	}

	// Insert the remaining records
	if err = b.db.InsertRecords(records); err != nil {
		return xerrors.Errorf("failed to insert records to db: %w", err)
	}

	if err = b.db.VacuumDB(); err != nil {
		return xerrors.Errorf("failed to vacuum db: %w", err)
	}

	stored, err := b.db.SelectRecordCount()
	if err != nil {
		return xerrors.Errorf("record count error: %w", err)
	}
	if err = b.db.UpdateMetadata(b.meta, stored); err != nil {
		return xerrors.Errorf("metadata update error: %w", err)
	}
	return nil
}
