package storage

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jdziat/foxx-queues/pkg/core"
)

const testDatabase = "_system"

func silentConfig() *gorm.Config {
	return &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}
}

// openTestDB opens a database for tests.
// When TEST_DATABASE_URL is set it connects to PostgreSQL; otherwise it
// opens a fresh in-memory SQLite instance.
func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn != "" {
		db, err := gorm.Open(postgres.Open(dsn), silentConfig())
		require.NoError(t, err, "open postgres test db")

		sqlDB, err := db.DB()
		require.NoError(t, err, "get underlying sql.DB")
		sqlDB.SetMaxOpenConns(4)

		// Clean before AND after to ensure test isolation.
		cleanupPostgresDB(db)
		t.Cleanup(func() {
			cleanupPostgresDB(db)
			_ = sqlDB.Close()
		})
		return db
	}
	db, err := OpenSQLite(":memory:", silentConfig())
	require.NoError(t, err, "open in-memory sqlite")
	return db
}

// cleanupPostgresDB deletes all rows so tests are isolated without
// requiring a fresh database per test.
func cleanupPostgresDB(db *gorm.DB) {
	for _, tbl := range []string{"jobs", "queues"} {
		db.Exec("DELETE FROM " + tbl)
	}
}

// newTestStorage returns a storage with one migrated database.
func newTestStorage(t *testing.T) *GormStorage {
	t.Helper()
	s := NewGormStorage(NewStaticConnector(map[string]*gorm.DB{testDatabase: openTestDB(t)}))
	require.NoError(t, s.Migrate(context.Background(), testDatabase), "migrate schema")
	return s
}

func seedQueue(t *testing.T, s *GormStorage, name string, maxWorkers int) {
	t.Helper()
	require.NoError(t, s.SaveQueue(context.Background(), testDatabase, &core.Queue{Name: name, MaxWorkers: maxWorkers}))
}

func seedJob(t *testing.T, s *GormStorage, id, queue string, status core.JobStatus, delayUntil int64) {
	t.Helper()
	require.NoError(t, s.CreateJob(context.Background(), testDatabase, &core.Job{
		ID:         id,
		Queue:      queue,
		Status:     status,
		DelayUntil: delayUntil,
	}))
}
