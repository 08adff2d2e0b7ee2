package data

import (
	"testing"

	"RefreshWorker/internal/conf"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// newTestData opens a private in-memory SQLite store with the schema applied.
func newTestData(t *testing.T) (*Data, *gorm.DB) {
	t.Helper()

	c := &conf.Data{Database: &conf.Data_Database{
		Driver:      conf.DriverSQLite,
		Source:      "file::memory:",
		AutoMigrate: true,
	}}
	db, dbCleanup, err := NewDB(c, log.DefaultLogger)
	require.NoError(t, err)
	t.Cleanup(dbCleanup)

	d, cleanup, err := NewData(c, log.DefaultLogger, db, nil)
	require.NoError(t, err)
	t.Cleanup(cleanup)
	return d, db
}

func TestMigrate_Idempotent(t *testing.T) {
	d, db := newTestData(t)
	require.NoError(t, Migrate(testContext(t), db, d.Driver()))
	require.NoError(t, Migrate(testContext(t), db, d.Driver()))
}

func TestMigrate_UnknownDriver(t *testing.T) {
	_, db := newTestData(t)
	require.Error(t, Migrate(testContext(t), db, "oracle"))
}

func TestNewDB_MissingConfig(t *testing.T) {
	_, _, err := NewDB(&conf.Data{}, log.DefaultLogger)
	require.Error(t, err)

	_, _, err = NewDB(&conf.Data{Database: &conf.Data_Database{Driver: "oracle", Source: "x"}}, log.DefaultLogger)
	require.Error(t, err)
}
