// Package pgcluster implements core.Cluster on PostgreSQL.
//
// Leadership is a session-level advisory lock held on one dedicated pool
// connection: the node holding it is the leader until its session ends.
// The recompute flag is a single row in the queue_control table.
package pgcluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jdziat/foxx-queues/pkg/core"
)

// DefaultLockKey is the advisory lock key used when none is configured.
const DefaultLockKey int64 = 0x666f7878

const schema = `
CREATE TABLE IF NOT EXISTS queue_control (
	id        integer PRIMARY KEY,
	recompute boolean NOT NULL DEFAULT false,
	updated   timestamptz NOT NULL DEFAULT now()
);
INSERT INTO queue_control (id) VALUES (1) ON CONFLICT (id) DO NOTHING;`

// Cluster is a Postgres-backed cluster signal.
type Cluster struct {
	pool    *pgxpool.Pool
	lockKey int64
	logger  *slog.Logger

	mu   sync.Mutex
	held *pgxpool.Conn
}

var _ core.Cluster = (*Cluster)(nil)

// Option configures a Cluster.
type Option func(*Cluster)

// WithLockKey sets the advisory lock key. Nodes contending for the same
// leadership must use the same key.
func WithLockKey(key int64) Option {
	return func(c *Cluster) {
		c.lockKey = key
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Cluster) {
		if l != nil {
			c.logger = l
		}
	}
}

// New wraps an existing pool and creates the control table.
func New(ctx context.Context, pool *pgxpool.Pool, opts ...Option) (*Cluster, error) {
	c := &Cluster{
		pool:    pool,
		lockKey: DefaultLockKey,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("pgcluster: create control table: %w", err)
	}
	return c, nil
}

// Connect opens a pool for dsn and calls New.
func Connect(ctx context.Context, dsn string, opts ...Option) (*Cluster, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("pgcluster: parse dsn: %w", err)
	}
	cfg.MaxConns = 4
	cfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("pgcluster: new pool: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgcluster: ping: %w", err)
	}
	c, err := New(ctx, pool, opts...)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return c, nil
}

// Clustered is always true.
func (c *Cluster) Clustered() bool { return true }

// IsLeader tries to take the advisory lock unless this node already holds
// it. A held lock is verified by pinging its session; a dead session
// drops leadership.
func (c *Cluster) IsLeader(ctx context.Context) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.held != nil {
		if err := c.held.Ping(ctx); err == nil {
			return true, nil
		}
		c.logger.Warn("leader session lost, closing advisory lock connection")
		discard(c.held)
		c.held = nil
	}

	conn, err := c.pool.Acquire(ctx)
	if err != nil {
		return false, fmt.Errorf("pgcluster: acquire: %w", err)
	}
	var ok bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", c.lockKey).Scan(&ok); err != nil {
		discard(conn)
		return false, fmt.Errorf("pgcluster: try lock: %w", err)
	}
	if !ok {
		conn.Release()
		return false, nil
	}
	c.held = conn
	c.logger.Info("acquired scheduler leadership", "lock_key", c.lockKey)
	return true, nil
}

// TakeRecompute clears the flag and reports whether it was set. The
// conditional update makes concurrent takes see a set flag once.
func (c *Cluster) TakeRecompute(ctx context.Context) (bool, error) {
	var was bool
	err := c.pool.QueryRow(ctx,
		`UPDATE queue_control SET recompute = false, updated = now()
		 WHERE id = 1 AND recompute
		 RETURNING true`).Scan(&was)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("pgcluster: take recompute: %w", err)
	}
	return was, nil
}

// RequestRecompute sets the flag.
func (c *Cluster) RequestRecompute(ctx context.Context) error {
	if _, err := c.pool.Exec(ctx,
		`UPDATE queue_control SET recompute = true, updated = now() WHERE id = 1`); err != nil {
		return fmt.Errorf("pgcluster: request recompute: %w", err)
	}
	return nil
}

// Resign releases leadership if held. The lock connection goes back to
// the pool only after a successful unlock; otherwise it is closed, which
// ends the session and frees the lock on the server.
func (c *Cluster) Resign(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.held == nil {
		return nil
	}
	conn := c.held
	c.held = nil

	var unlocked bool
	if err := conn.QueryRow(ctx, "SELECT pg_advisory_unlock($1)", c.lockKey).Scan(&unlocked); err != nil {
		discard(conn)
		return fmt.Errorf("pgcluster: unlock: %w", err)
	}
	if !unlocked {
		discard(conn)
		return nil
	}
	conn.Release()
	return nil
}

// discard removes conn from the pool and closes it. A session whose lock
// state is unknown must never be handed to another borrower.
func discard(conn *pgxpool.Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = conn.Hijack().Close(ctx)
}

// Close resigns and closes the pool.
func (c *Cluster) Close() {
	_ = c.Resign(context.Background())
	c.pool.Close()
}
