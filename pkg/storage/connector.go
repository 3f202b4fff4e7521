package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jdziat/foxx-queues/pkg/core"
	"github.com/jdziat/foxx-queues/pkg/security"
)

// Connector enumerates databases and opens them.
type Connector interface {
	Databases(ctx context.Context) ([]string, error)
	Open(ctx context.Context, name string) (*gorm.DB, error)
}

func defaultGormConfig() *gorm.Config {
	return &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	}
}

// OpenSQLite opens a SQLite database with a single connection, which
// SQLite needs for ":memory:" databases and which matches its single
// writer model for files.
func OpenSQLite(dsn string, cfg *gorm.Config) (*gorm.DB, error) {
	if cfg == nil {
		cfg = defaultGormConfig()
	}
	db, err := gorm.Open(sqlite.Open(dsn), cfg)
	if err != nil {
		return nil, err
	}
	if err := ConfigurePool(db, MaxOpenConns(1), MaxIdleConns(1)); err != nil {
		return nil, err
	}
	return db, nil
}

// StaticConnector serves a fixed set of already opened databases.
type StaticConnector struct {
	mu  sync.RWMutex
	dbs map[string]*gorm.DB
}

// NewStaticConnector creates a connector over the given databases.
func NewStaticConnector(dbs map[string]*gorm.DB) *StaticConnector {
	c := &StaticConnector{dbs: make(map[string]*gorm.DB, len(dbs))}
	for name, db := range dbs {
		c.dbs[name] = db
	}
	return c
}

// Attach adds or replaces a database.
func (c *StaticConnector) Attach(name string, db *gorm.DB) {
	c.mu.Lock()
	c.dbs[name] = db
	c.mu.Unlock()
}

// Databases returns the attached database names, sorted.
func (c *StaticConnector) Databases(ctx context.Context) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.dbs))
	for name := range c.dbs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Open returns the attached database or core.ErrUnknownDatabase.
func (c *StaticConnector) Open(ctx context.Context, name string) (*gorm.DB, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	db, ok := c.dbs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrUnknownDatabase, name)
	}
	return db, nil
}

// SQLiteDirConnector maps every "<name>.db" file in a directory to a database.
type SQLiteDirConnector struct {
	dir    string
	config *gorm.Config
}

// NewSQLiteDirConnector creates the directory if needed.
func NewSQLiteDirConnector(dir string, cfg *gorm.Config) (*SQLiteDirConnector, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create data dir: %w", err)
	}
	return &SQLiteDirConnector{dir: dir, config: cfg}, nil
}

// Databases lists the database files in the directory.
func (c *SQLiteDirConnector) Databases(ctx context.Context) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(c.dir, "*.db"))
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(matches))
	for _, m := range matches {
		name := strings.TrimSuffix(filepath.Base(m), ".db")
		if security.ValidDatabaseName(name) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// Open opens (and creates, if missing) the database file.
func (c *SQLiteDirConnector) Open(ctx context.Context, name string) (*gorm.DB, error) {
	if !security.ValidDatabaseName(name) {
		return nil, fmt.Errorf("%w: %q", core.ErrUnknownDatabase, name)
	}
	path := filepath.Join(c.dir, name+".db")
	return OpenSQLite(path+"?_journal_mode=WAL&_busy_timeout=5000", c.config)
}

// PostgresConnector treats databases on one Postgres server as databases.
// It visits the DSN's own database plus every database whose name starts
// with Prefix.
type PostgresConnector struct {
	base   *pgx.ConnConfig
	prefix string
	pool   []PoolOption
	config *gorm.Config
}

// NewPostgresConnector parses dsn. An empty prefix limits the connector to
// the DSN's database.
func NewPostgresConnector(dsn, prefix string, pool ...PoolOption) (*PostgresConnector, error) {
	cfg, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: parse postgres dsn: %w", err)
	}
	return &PostgresConnector{
		base:   cfg,
		prefix: prefix,
		pool:   pool,
		config: defaultGormConfig(),
	}, nil
}

// Databases queries pg_database for matching names.
func (c *PostgresConnector) Databases(ctx context.Context) ([]string, error) {
	names := []string{c.base.Database}
	if c.prefix == "" {
		return names, nil
	}
	conn, err := pgx.ConnectConfig(ctx, c.base)
	if err != nil {
		return nil, fmt.Errorf("storage: connect: %w", err)
	}
	defer conn.Close(ctx)

	rows, err := conn.Query(ctx,
		`SELECT datname FROM pg_database
		 WHERE NOT datistemplate AND datallowconn AND starts_with(datname, $1)
		 ORDER BY datname`, c.prefix)
	if err != nil {
		return nil, fmt.Errorf("storage: list databases: %w", err)
	}
	found, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("storage: list databases: %w", err)
	}
	for _, name := range found {
		if name != c.base.Database {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// Open connects to the named database on the same server.
func (c *PostgresConnector) Open(ctx context.Context, name string) (*gorm.DB, error) {
	cfg := c.base.Copy()
	cfg.Database = name
	sqlDB := stdlib.OpenDB(*cfg)
	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), c.config)
	if err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	if err := ConfigurePool(db, c.pool...); err != nil {
		return nil, err
	}
	return db, nil
}
