package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultPoolConfig(t *testing.T) {
	cfg := DefaultPoolConfig()

	assert.Equal(t, 4, cfg.MaxOpenConns)
	assert.Equal(t, 1, cfg.MaxIdleConns)
	assert.Equal(t, 30*time.Minute, cfg.ConnMaxLifetime)
	assert.Equal(t, 2*time.Minute, cfg.ConnMaxIdleTime)
}

func TestResolvePool_AppliesOptions(t *testing.T) {
	cfg := ResolvePool(
		MaxOpenConns(20),
		MaxIdleConns(5),
		ConnMaxLifetime(time.Minute),
		ConnMaxIdleTime(10*time.Second),
	)

	assert.Equal(t, 20, cfg.MaxOpenConns)
	assert.Equal(t, 5, cfg.MaxIdleConns)
	assert.Equal(t, time.Minute, cfg.ConnMaxLifetime)
	assert.Equal(t, 10*time.Second, cfg.ConnMaxIdleTime)
}

func TestResolvePool_IdleCappedByOpen(t *testing.T) {
	cfg := ResolvePool(MaxOpenConns(1), MaxIdleConns(4))

	assert.Equal(t, 1, cfg.MaxOpenConns)
	assert.Equal(t, 1, cfg.MaxIdleConns)
}

func TestResolvePool_UnlimitedOpenKeepsIdle(t *testing.T) {
	cfg := ResolvePool(MaxOpenConns(0), MaxIdleConns(3))

	assert.Equal(t, 0, cfg.MaxOpenConns)
	assert.Equal(t, 3, cfg.MaxIdleConns)
}

func TestConfigurePool_SQLite(t *testing.T) {
	db, err := OpenSQLite(":memory:", silentConfig())
	require.NoError(t, err)

	require.NoError(t, ConfigurePool(db, MaxOpenConns(3)))

	sqlDB, err := db.DB()
	require.NoError(t, err)
	assert.Equal(t, 3, sqlDB.Stats().MaxOpenConnections)
}

func TestOpenSQLite_SingleConnection(t *testing.T) {
	db, err := OpenSQLite(":memory:", silentConfig())
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	assert.Equal(t, 1, sqlDB.Stats().MaxOpenConnections)
}
