// Package queues dispatches queued jobs across many databases.
//
// This is the main package users should import. It re-exports the public
// types from the pkg/ packages for a clean API surface.
//
// Basic usage:
//
//	conn, _ := queues.NewSQLiteDirConnector("./data", nil)
//	store := queues.NewGormStorage(conn)
//	pool := queues.NewPool(func(ctx context.Context, d queues.Dispatch) error {
//	    return runJob(ctx, d)
//	})
//	go pool.Start(ctx)
//
//	m := queues.New(store, pool, queues.WithInterval(2*time.Second))
//	m.Start(ctx)
package queues

import (
	"gorm.io/gorm"

	"github.com/jdziat/foxx-queues/pkg/cluster"
	"github.com/jdziat/foxx-queues/pkg/control"
	"github.com/jdziat/foxx-queues/pkg/core"
	"github.com/jdziat/foxx-queues/pkg/executor"
	"github.com/jdziat/foxx-queues/pkg/scheduler"
	"github.com/jdziat/foxx-queues/pkg/security"
	"github.com/jdziat/foxx-queues/pkg/storage"
)

type (
	// Queue is a named queue with a worker limit.
	Queue = core.Queue

	// Job is a unit of work stored in a database.
	Job = core.Job

	// JobStatus is the lifecycle state of a job.
	JobStatus = core.JobStatus

	// Dispatch is what an executor receives for a claimed job.
	Dispatch = core.Dispatch

	// Store is the persistence layer over all databases.
	Store = core.Store

	// Executor runs claimed jobs.
	Executor = core.Executor

	// Cluster answers leadership and carries the recompute flag.
	Cluster = core.Cluster

	// QueueError reports a failure while dispatching one queue.
	QueueError = core.QueueError

	// Event is the interface for all scheduler events.
	Event = core.Event

	// JobClaimed is emitted when a job moves to progress.
	JobClaimed = core.JobClaimed

	// JobReleased is emitted when a claimed job goes back to pending.
	JobReleased = core.JobReleased

	// JobRejected is emitted when a job fails its runAsUser check.
	JobRejected = core.JobRejected

	// JobsRecovered is emitted when startup resets jobs in progress.
	JobsRecovered = core.JobsRecovered

	// TickCompleted is emitted after every tick that ran.
	TickCompleted = core.TickCompleted

	// Manager runs the periodic scheduler.
	Manager = scheduler.Manager

	// Option configures a Manager.
	Option = scheduler.Option

	// RecomputePolicy decides when delay markers are refreshed.
	RecomputePolicy = scheduler.RecomputePolicy

	// RetryConfig controls retries of bootstrap steps.
	RetryConfig = scheduler.RetryConfig

	// Marker is the cached delay marker of one database.
	Marker = control.Marker

	// GormStorage implements Store using GORM.
	GormStorage = storage.GormStorage

	// Connector enumerates and opens databases.
	Connector = storage.Connector

	// Pool is an in-process executor.
	Pool = executor.Pool

	// Handler runs one dispatched job in a Pool.
	Handler = executor.Handler
)

// Status constants
const (
	StatusPending  = core.StatusPending
	StatusProgress = core.StatusProgress
	StatusComplete = core.StatusComplete
	StatusFailed   = core.StatusFailed
)

// DefaultQueue is created in the default database on startup.
const DefaultQueue = core.DefaultQueue

// Recompute policies
const (
	RecomputeWhenIdle        = scheduler.RecomputeWhenIdle
	RecomputeUnlessSaturated = scheduler.RecomputeUnlessSaturated
)

// Security limits
const (
	MaxQueueNameLength    = security.MaxQueueNameLength
	MaxWorkers            = security.MaxWorkers
	MaxErrorMessageLength = security.MaxErrorMessageLength
)

// Error variables
var (
	ErrInvalidQueueName  = core.ErrInvalidQueueName
	ErrQueueNameTooLong  = core.ErrQueueNameTooLong
	ErrInvalidMaxWorkers = core.ErrInvalidMaxWorkers
	ErrUnknownDatabase   = core.ErrUnknownDatabase
	ErrPermissionDenied  = core.ErrPermissionDenied
	ErrNotLeader         = core.ErrNotLeader
	ErrExecutorClosed    = core.ErrExecutorClosed
)

// New creates a Manager over store that hands claimed jobs to exec.
func New(store Store, exec Executor, opts ...Option) *Manager {
	return scheduler.New(store, exec, opts...)
}

// NewGormStorage creates a GORM-backed store over c.
func NewGormStorage(c Connector) *GormStorage {
	return storage.NewGormStorage(c)
}

// NewSQLiteDirConnector serves every "<name>.db" file in dir.
func NewSQLiteDirConnector(dir string, cfg *gorm.Config) (*storage.SQLiteDirConnector, error) {
	return storage.NewSQLiteDirConnector(dir, cfg)
}

// NewStaticConnector serves already opened databases.
func NewStaticConnector(dbs map[string]*gorm.DB) *storage.StaticConnector {
	return storage.NewStaticConnector(dbs)
}

// NewPostgresConnector serves databases on one Postgres server.
func NewPostgresConnector(dsn, prefix string) (*storage.PostgresConnector, error) {
	return storage.NewPostgresConnector(dsn, prefix)
}

// NewPool creates an in-process executor running h.
func NewPool(h Handler, opts ...executor.PoolOption) *Pool {
	return executor.NewPool(h, opts...)
}

// Standalone is the cluster of a single process.
func Standalone() Cluster {
	return cluster.Standalone{}
}

// PermissionDenied builds the error executors return for a rejected
// runAsUser.
func PermissionDenied(user, reason string) error {
	return core.PermissionDenied(user, reason)
}

// ValidateQueueName validates a queue name.
func ValidateQueueName(name string) error {
	return security.ValidateQueueName(name)
}

// SanitizeErrorMessage truncates and sanitizes error messages for storage.
func SanitizeErrorMessage(msg string) string {
	return security.SanitizeErrorMessage(msg)
}

// ClampMaxWorkers ensures a worker limit is within [0, MaxWorkers].
func ClampMaxWorkers(n int) int {
	return security.ClampMaxWorkers(n)
}

// Manager options

var (
	WithEnabled           = scheduler.WithEnabled
	WithInterval          = scheduler.WithInterval
	WithDatabaseTTL       = scheduler.WithDatabaseTTL
	WithMarkerTTL         = scheduler.WithMarkerTTL
	WithDefaultDatabase   = scheduler.WithDefaultDatabase
	WithDefaultMaxWorkers = scheduler.WithDefaultMaxWorkers
	WithRecomputePolicy   = scheduler.WithRecomputePolicy
	WithRetry             = scheduler.WithRetry
	DisableRetry          = scheduler.DisableRetry
	WithCluster           = scheduler.WithCluster
	WithLogger            = scheduler.WithLogger
	WithMetrics           = scheduler.WithMetrics
	WithClock             = scheduler.WithClock
)
