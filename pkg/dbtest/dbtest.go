package dbtest

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/envidat/s3-inventory/pkg/crawler"
	"github.com/envidat/s3-inventory/pkg/db"
)

func InitDB(t *testing.T, records []crawler.ObjectRecord) db.DB {
	tmpDir := t.TempDir()
	dbc, err := db.New(tmpDir)
	require.NoError(t, err)

	err = dbc.Init()
	require.NoError(t, err)

	if len(records) > 0 {
		err = dbc.InsertRecords(records)
		require.NoError(t, err)
	}
	return dbc
}
