// Package storage provides storage implementations for the queues package.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jdziat/foxx-queues/pkg/core"
	"github.com/jdziat/foxx-queues/pkg/security"
)

// GormStorage implements core.Store using GORM. Each database is a separate
// *gorm.DB obtained from a Connector and opened on first use.
type GormStorage struct {
	connector   Connector
	autoMigrate bool

	mu      sync.Mutex
	handles map[string]*handle
}

type handle struct {
	db *gorm.DB

	// serialize is set for single-writer dialects (SQLite): transactions
	// on one database then run one at a time within the process.
	serialize bool
	txMu      sync.Mutex
}

// StorageOption configures a GormStorage.
type StorageOption func(*GormStorage)

// WithAutoMigrate controls whether a database's schema is created the first
// time it is opened. Enabled by default.
func WithAutoMigrate(enabled bool) StorageOption {
	return func(s *GormStorage) {
		s.autoMigrate = enabled
	}
}

// NewGormStorage creates a new GORM-backed storage over the given connector.
func NewGormStorage(c Connector, opts ...StorageOption) *GormStorage {
	s := &GormStorage{
		connector:   c,
		autoMigrate: true,
		handles:     make(map[string]*handle),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DB returns the *gorm.DB backing database, opening it if needed.
func (s *GormStorage) DB(ctx context.Context, database string) (*gorm.DB, error) {
	h, err := s.handle(ctx, database)
	if err != nil {
		return nil, err
	}
	return h.db, nil
}

func (s *GormStorage) handle(ctx context.Context, database string) (*handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if h, ok := s.handles[database]; ok {
		return h, nil
	}

	db, err := s.connector.Open(ctx, database)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", database, err)
	}
	h := &handle{
		db:        db,
		serialize: isSQLite(db),
	}
	if s.autoMigrate {
		if err := migrate(ctx, db); err != nil {
			return nil, fmt.Errorf("storage: migrate %s: %w", database, err)
		}
	}
	s.handles[database] = h
	return h, nil
}

func isSQLite(db *gorm.DB) bool {
	return db != nil && db.Dialector != nil && db.Dialector.Name() == "sqlite"
}

func migrate(ctx context.Context, db *gorm.DB) error {
	return db.WithContext(ctx).AutoMigrate(&core.Queue{}, &core.Job{})
}

// Close closes every opened database.
func (s *GormStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for name, h := range s.handles {
		sqlDB, err := h.db.DB()
		if err == nil {
			err = sqlDB.Close()
		}
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("storage: close %s: %w", name, err)
		}
		delete(s.handles, name)
	}
	return firstErr
}

// Databases lists the databases known to the connector.
func (s *GormStorage) Databases(ctx context.Context) ([]string, error) {
	return s.connector.Databases(ctx)
}

// Migrate creates the queues and jobs tables.
func (s *GormStorage) Migrate(ctx context.Context, database string) error {
	h, err := s.handle(ctx, database)
	if err != nil {
		return err
	}
	return migrate(ctx, h.db)
}

// EnsureQueue inserts the queue unless one with the same name exists.
// It reports whether the queue was created.
func (s *GormStorage) EnsureQueue(ctx context.Context, database string, q *core.Queue) (bool, error) {
	if err := validateQueue(q); err != nil {
		return false, err
	}
	h, err := s.handle(ctx, database)
	if err != nil {
		return false, err
	}
	result := h.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(q)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// HasRecords reports whether any queue or job exists.
func (s *GormStorage) HasRecords(ctx context.Context, database string) (bool, error) {
	h, err := s.handle(ctx, database)
	if err != nil {
		return false, err
	}
	var count int64
	if err := h.db.WithContext(ctx).Model(&core.Queue{}).Count(&count).Error; err != nil {
		return false, err
	}
	if count > 0 {
		return true, nil
	}
	if err := h.db.WithContext(ctx).Model(&core.Job{}).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// NextEligible returns the earliest delayUntil of pending jobs in queues
// that admit work.
func (s *GormStorage) NextEligible(ctx context.Context, database string) (time.Time, bool, error) {
	h, err := s.handle(ctx, database)
	if err != nil {
		return time.Time{}, false, err
	}
	var earliest sql.NullInt64
	err = h.db.WithContext(ctx).
		Model(&core.Job{}).
		Select("MIN(jobs.delay_until)").
		Joins("JOIN queues ON queues.name = jobs.queue").
		Where("jobs.status = ?", core.StatusPending).
		Where("queues.max_workers > 0").
		Row().
		Scan(&earliest)
	if err != nil {
		return time.Time{}, false, err
	}
	if !earliest.Valid {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(earliest.Int64), true, nil
}

// ResetInProgress moves every job in progress back to pending.
func (s *GormStorage) ResetInProgress(ctx context.Context, database string) (int64, error) {
	h, err := s.handle(ctx, database)
	if err != nil {
		return 0, err
	}
	result := h.db.WithContext(ctx).
		Model(&core.Job{}).
		Where("status = ?", core.StatusProgress).
		Update("status", core.StatusPending)
	return result.RowsAffected, result.Error
}

// CountOrphans counts pending jobs referencing a queue that does not exist.
func (s *GormStorage) CountOrphans(ctx context.Context, database string) (int64, error) {
	h, err := s.handle(ctx, database)
	if err != nil {
		return 0, err
	}
	db := h.db.WithContext(ctx)
	var count int64
	err = db.Model(&core.Job{}).
		Where("status = ?", core.StatusPending).
		Where("queue NOT IN (?)", db.Model(&core.Queue{}).Select("name")).
		Count(&count).Error
	return count, err
}

// Transaction runs fn in a database transaction. The transaction commits
// when fn returns nil and rolls back otherwise.
func (s *GormStorage) Transaction(ctx context.Context, database string, fn func(tx core.Tx) error) error {
	h, err := s.handle(ctx, database)
	if err != nil {
		return err
	}
	if h.serialize {
		h.txMu.Lock()
		defer h.txMu.Unlock()
	}
	return h.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gormTx{tx: tx, lockRows: !h.serialize})
	})
}

// ReleaseClaim moves a job from progress back to pending. A job that is no
// longer in progress is left alone.
func (s *GormStorage) ReleaseClaim(ctx context.Context, database, jobID string) error {
	h, err := s.handle(ctx, database)
	if err != nil {
		return err
	}
	return h.db.WithContext(ctx).
		Model(&core.Job{}).
		Where("id = ? AND status = ?", jobID, core.StatusProgress).
		Update("status", core.StatusPending).Error
}

// RejectJob marks a job in progress as failed after its handoff was
// refused. Reasons are sanitized before storage.
func (s *GormStorage) RejectJob(ctx context.Context, database, jobID, reason string) error {
	_, err := s.FailJob(ctx, database, jobID, reason)
	return err
}

// CompleteJob moves a job in progress to complete, freeing its queue slot.
// It reports false when the job was not in progress.
func (s *GormStorage) CompleteJob(ctx context.Context, database, jobID string) (bool, error) {
	return s.finish(ctx, database, jobID, map[string]any{
		"status": core.StatusComplete,
	})
}

// FailJob moves a job in progress to failed and records reason. It
// reports false when the job was not in progress.
func (s *GormStorage) FailJob(ctx context.Context, database, jobID, reason string) (bool, error) {
	return s.finish(ctx, database, jobID, map[string]any{
		"status":     core.StatusFailed,
		"last_error": security.SanitizeErrorMessage(reason),
	})
}

func (s *GormStorage) finish(ctx context.Context, database, jobID string, updates map[string]any) (bool, error) {
	h, err := s.handle(ctx, database)
	if err != nil {
		return false, err
	}
	result := h.db.WithContext(ctx).
		Model(&core.Job{}).
		Where("id = ? AND status = ?", jobID, core.StatusProgress).
		Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// SaveQueue creates or replaces a queue definition.
func (s *GormStorage) SaveQueue(ctx context.Context, database string, q *core.Queue) error {
	if err := validateQueue(q); err != nil {
		return err
	}
	h, err := s.handle(ctx, database)
	if err != nil {
		return err
	}
	return h.db.WithContext(ctx).Save(q).Error
}

// CreateJob inserts a job. Missing IDs are generated, and the status
// defaults to pending.
func (s *GormStorage) CreateJob(ctx context.Context, database string, job *core.Job) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.Status == "" {
		job.Status = core.StatusPending
	}
	if job.Queue == "" {
		job.Queue = core.DefaultQueue
	}
	h, err := s.handle(ctx, database)
	if err != nil {
		return err
	}
	return h.db.WithContext(ctx).Create(job).Error
}

// GetJob retrieves a job by ID, or nil if it does not exist.
func (s *GormStorage) GetJob(ctx context.Context, database, jobID string) (*core.Job, error) {
	h, err := s.handle(ctx, database)
	if err != nil {
		return nil, err
	}
	var jobs []core.Job
	if err := h.db.WithContext(ctx).Where("id = ?", jobID).Limit(1).Find(&jobs).Error; err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, nil
	}
	return &jobs[0], nil
}

// GetJobsByStatus retrieves the jobs of a database with the given status.
func (s *GormStorage) GetJobsByStatus(ctx context.Context, database string, status core.JobStatus) ([]core.Job, error) {
	h, err := s.handle(ctx, database)
	if err != nil {
		return nil, err
	}
	var jobList []core.Job
	err = h.db.WithContext(ctx).
		Where("status = ?", status).
		Order("delay_until ASC, id ASC").
		Find(&jobList).Error
	return jobList, err
}

func validateQueue(q *core.Queue) error {
	if err := security.ValidateQueueName(q.Name); err != nil {
		return err
	}
	return security.ValidateMaxWorkers(q.MaxWorkers)
}

// gormTx implements core.Tx on an open GORM transaction.
type gormTx struct {
	tx       *gorm.DB
	lockRows bool
}

func (t *gormTx) Queues() ([]core.Queue, error) {
	q := t.tx.Order("name ASC")
	if t.lockRows {
		// Concurrent dispatchers on the same database queue up here.
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var list []core.Queue
	err := q.Find(&list).Error
	return list, err
}

func (t *gormTx) CountInProgress(queue string) (int64, error) {
	var count int64
	err := t.tx.Model(&core.Job{}).
		Where("queue = ? AND status = ?", queue, core.StatusProgress).
		Count(&count).Error
	return count, err
}

func (t *gormTx) SelectEligible(queue string, now time.Time, limit int) ([]core.Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	var list []core.Job
	err := t.tx.
		Where("queue = ? AND status = ?", queue, core.StatusPending).
		Where("delay_until <= ?", now.UnixMilli()).
		Order("delay_until ASC, id ASC").
		Limit(limit).
		Find(&list).Error
	return list, err
}

func (t *gormTx) Claim(jobID string, now time.Time) (bool, error) {
	result := t.tx.Model(&core.Job{}).
		Where("id = ? AND status = ?", jobID, core.StatusPending).
		Updates(map[string]any{
			"status":   core.StatusProgress,
			"runs":     gorm.Expr("runs + 1"),
			"modified": now.UnixMilli(),
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// Isolate runs fn in a nested transaction, which GORM maps to a savepoint.
func (t *gormTx) Isolate(fn func(tx core.Tx) error) error {
	return t.tx.Transaction(func(inner *gorm.DB) error {
		return fn(&gormTx{tx: inner, lockRows: t.lockRows})
	})
}
