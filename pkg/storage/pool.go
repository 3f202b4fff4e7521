package storage

import (
	"fmt"
	"time"

	"gorm.io/gorm"
)

// PoolConfig sizes the connection pool of one scheduled database. Every
// database gets its own pool, so the totals grow with the number of
// databases a connector serves.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// DefaultPoolConfig returns a small pool: the scheduler holds at most one
// transaction per database at a time, plus the post-commit bookkeeping
// writes of a handoff that failed.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxOpenConns:    4,
		MaxIdleConns:    1,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 2 * time.Minute,
	}
}

// PoolOption adjusts a PoolConfig.
type PoolOption interface {
	applyPool(*PoolConfig)
}

type poolOptionFunc func(*PoolConfig)

func (f poolOptionFunc) applyPool(c *PoolConfig) { f(c) }

// MaxOpenConns caps the open connections per database. Zero means
// unlimited.
func MaxOpenConns(n int) PoolOption {
	return poolOptionFunc(func(c *PoolConfig) { c.MaxOpenConns = n })
}

// MaxIdleConns caps the idle connections kept per database.
func MaxIdleConns(n int) PoolOption {
	return poolOptionFunc(func(c *PoolConfig) { c.MaxIdleConns = n })
}

// ConnMaxLifetime closes connections after d.
func ConnMaxLifetime(d time.Duration) PoolOption {
	return poolOptionFunc(func(c *PoolConfig) { c.ConnMaxLifetime = d })
}

// ConnMaxIdleTime closes connections idle for longer than d. Databases
// visited rarely then hold no connection between ticks.
func ConnMaxIdleTime(d time.Duration) PoolOption {
	return poolOptionFunc(func(c *PoolConfig) { c.ConnMaxIdleTime = d })
}

// ResolvePool applies opts over DefaultPoolConfig. Idle connections never
// exceed a bounded open limit.
func ResolvePool(opts ...PoolOption) PoolConfig {
	pc := DefaultPoolConfig()
	for _, opt := range opts {
		opt.applyPool(&pc)
	}
	if pc.MaxOpenConns > 0 && pc.MaxIdleConns > pc.MaxOpenConns {
		pc.MaxIdleConns = pc.MaxOpenConns
	}
	return pc
}

// ConfigurePool applies the resolved pool to db's underlying *sql.DB.
func ConfigurePool(db *gorm.DB, opts ...PoolOption) error {
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("storage: underlying sql.DB: %w", err)
	}
	pc := ResolvePool(opts...)
	sqlDB.SetMaxOpenConns(pc.MaxOpenConns)
	sqlDB.SetMaxIdleConns(pc.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(pc.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(pc.ConnMaxIdleTime)
	return nil
}
