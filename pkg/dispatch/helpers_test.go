package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jdziat/foxx-queues/pkg/core"
	"github.com/jdziat/foxx-queues/pkg/storage"
)

const testDB = "_system"

var baseTime = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func newStore(t *testing.T) *storage.GormStorage {
	t.Helper()
	db, err := storage.OpenSQLite(":memory:", &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	s := storage.NewGormStorage(storage.NewStaticConnector(map[string]*gorm.DB{testDB: db}))
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate(context.Background(), testDB))
	return s
}

func seedQueue(t *testing.T, s *storage.GormStorage, q core.Queue) {
	t.Helper()
	require.NoError(t, s.SaveQueue(context.Background(), testDB, &q))
}

func seedJob(t *testing.T, s *storage.GormStorage, id, queue string, delayUntil time.Time) {
	t.Helper()
	require.NoError(t, s.CreateJob(context.Background(), testDB, &core.Job{
		ID:         id,
		Queue:      queue,
		DelayUntil: delayUntil.UnixMilli(),
		Command:    []byte(`{"script":"` + id + `"}`),
	}))
}

func jobStatus(t *testing.T, s *storage.GormStorage, id string) core.JobStatus {
	t.Helper()
	j, err := s.GetJob(context.Background(), testDB, id)
	require.NoError(t, err)
	require.NotNil(t, j, id)
	return j.Status
}

// recordingExecutor records every dispatch and fails jobs listed in errs.
type recordingExecutor struct {
	mu   sync.Mutex
	got  []core.Dispatch
	errs map[string]error
}

func (e *recordingExecutor) Dispatch(_ context.Context, d core.Dispatch) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err, ok := e.errs[d.JobID]; ok {
		return err
	}
	e.got = append(e.got, d)
	return nil
}

func (e *recordingExecutor) ids() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.got))
	for _, d := range e.got {
		ids = append(ids, d.JobID)
	}
	return ids
}

var errInjected = errors.New("injected failure")

// faultyStore fails SelectEligible for one queue.
type faultyStore struct {
	core.Store
	failQueue string
}

func (s *faultyStore) Transaction(ctx context.Context, database string, fn func(tx core.Tx) error) error {
	return s.Store.Transaction(ctx, database, func(tx core.Tx) error {
		return fn(&faultyTx{Tx: tx, failQueue: s.failQueue})
	})
}

type faultyTx struct {
	core.Tx
	failQueue string
}

func (t *faultyTx) SelectEligible(queue string, now time.Time, limit int) ([]core.Job, error) {
	if queue == t.failQueue {
		return nil, errInjected
	}
	return t.Tx.SelectEligible(queue, now, limit)
}

func (t *faultyTx) Claim(jobID string, now time.Time) (bool, error) {
	if jobID == "fail-claim" {
		return false, errInjected
	}
	return t.Tx.Claim(jobID, now)
}

func (t *faultyTx) Isolate(fn func(tx core.Tx) error) error {
	return t.Tx.Isolate(func(inner core.Tx) error {
		return fn(&faultyTx{Tx: inner, failQueue: t.failQueue})
	})
}

// brokenStore fails every transaction.
type brokenStore struct {
	core.Store
}

func (brokenStore) Transaction(context.Context, string, func(tx core.Tx) error) error {
	return errInjected
}
