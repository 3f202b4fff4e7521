package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jdziat/foxx-queues/pkg/core"
	"github.com/jdziat/foxx-queues/pkg/storage"
)

const (
	sysDB = "_system"
	appDB = "app"
)

var t0 = time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: t0} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// newStore returns a storage with one in-memory SQLite database per name.
func newStore(t *testing.T, names ...string) *storage.GormStorage {
	t.Helper()
	dbs := make(map[string]*gorm.DB, len(names))
	for _, name := range names {
		db, err := storage.OpenSQLite(":memory:", &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
		require.NoError(t, err)
		dbs[name] = db
	}
	s := storage.NewGormStorage(storage.NewStaticConnector(dbs))
	t.Cleanup(func() { _ = s.Close() })
	for _, name := range names {
		require.NoError(t, s.Migrate(context.Background(), name))
	}
	return s
}

func seedQueue(t *testing.T, s *storage.GormStorage, database, name string, maxWorkers int) {
	t.Helper()
	require.NoError(t, s.SaveQueue(context.Background(), database, &core.Queue{Name: name, MaxWorkers: maxWorkers}))
}

func seedJob(t *testing.T, s *storage.GormStorage, database, id, queue string, status core.JobStatus, delayUntil time.Time) {
	t.Helper()
	require.NoError(t, s.CreateJob(context.Background(), database, &core.Job{
		ID:         id,
		Queue:      queue,
		Status:     status,
		DelayUntil: delayUntil.UnixMilli(),
	}))
}

func statusOf(t *testing.T, s *storage.GormStorage, database, id string) core.JobStatus {
	t.Helper()
	j, err := s.GetJob(context.Background(), database, id)
	require.NoError(t, err)
	require.NotNil(t, j, id)
	return j.Status
}

// countingStore counts every call that reaches the store.
type countingStore struct {
	core.Store

	calls        atomic.Int64
	databases    atomic.Int64
	hasRecords   atomic.Int64
	transactions atomic.Int64

	mu      sync.Mutex
	failFor map[string]error
}

func newCountingStore(s core.Store) *countingStore {
	return &countingStore{Store: s, failFor: make(map[string]error)}
}

func (c *countingStore) fail(database string, err error) {
	c.mu.Lock()
	c.failFor[database] = err
	c.mu.Unlock()
}

func (c *countingStore) err(database string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failFor[database]
}

func (c *countingStore) Databases(ctx context.Context) ([]string, error) {
	c.calls.Add(1)
	c.databases.Add(1)
	return c.Store.Databases(ctx)
}

func (c *countingStore) Migrate(ctx context.Context, database string) error {
	c.calls.Add(1)
	if err := c.err(database); err != nil {
		return err
	}
	return c.Store.Migrate(ctx, database)
}

func (c *countingStore) EnsureQueue(ctx context.Context, database string, q *core.Queue) (bool, error) {
	c.calls.Add(1)
	return c.Store.EnsureQueue(ctx, database, q)
}

func (c *countingStore) HasRecords(ctx context.Context, database string) (bool, error) {
	c.calls.Add(1)
	c.hasRecords.Add(1)
	if err := c.err(database); err != nil {
		return false, err
	}
	return c.Store.HasRecords(ctx, database)
}

func (c *countingStore) NextEligible(ctx context.Context, database string) (time.Time, bool, error) {
	c.calls.Add(1)
	return c.Store.NextEligible(ctx, database)
}

func (c *countingStore) ResetInProgress(ctx context.Context, database string) (int64, error) {
	c.calls.Add(1)
	return c.Store.ResetInProgress(ctx, database)
}

func (c *countingStore) CountOrphans(ctx context.Context, database string) (int64, error) {
	c.calls.Add(1)
	return c.Store.CountOrphans(ctx, database)
}

func (c *countingStore) Transaction(ctx context.Context, database string, fn func(tx core.Tx) error) error {
	c.calls.Add(1)
	c.transactions.Add(1)
	return c.Store.Transaction(ctx, database, fn)
}

func (c *countingStore) ReleaseClaim(ctx context.Context, database, jobID string) error {
	c.calls.Add(1)
	return c.Store.ReleaseClaim(ctx, database, jobID)
}

func (c *countingStore) RejectJob(ctx context.Context, database, jobID, reason string) error {
	c.calls.Add(1)
	return c.Store.RejectJob(ctx, database, jobID, reason)
}

// recordingExecutor records dispatched job IDs.
type recordingExecutor struct {
	mu  sync.Mutex
	ids []string
}

func (e *recordingExecutor) Dispatch(_ context.Context, d core.Dispatch) error {
	e.mu.Lock()
	e.ids = append(e.ids, d.JobID)
	e.mu.Unlock()
	return nil
}

func (e *recordingExecutor) dispatched() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.ids...)
}

// flakyCluster fails leader checks.
type flakyCluster struct{}

func (flakyCluster) Clustered() bool { return true }
func (flakyCluster) IsLeader(context.Context) (bool, error) { return false, errFlaky }
func (flakyCluster) TakeRecompute(context.Context) (bool, error) { return false, nil }
func (flakyCluster) RequestRecompute(context.Context) error { return nil }

var errFlaky = errors.New("cluster unavailable")

func fastRetry() Option {
	return WithRetry(RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        5 * time.Millisecond,
		BackoffMultiplier: 2,
	})
}
