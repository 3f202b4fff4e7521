package core

import (
	"context"
	"time"
)

// Store defines the persistence layer for queues and jobs. Every call names
// the database it operates on; there is no ambient "current database".
type Store interface {
	// Databases lists the databases the scheduler should visit.
	Databases(ctx context.Context) ([]string, error)

	// Migrate creates the Queues and Jobs record sets in a database.
	Migrate(ctx context.Context, database string) error

	// EnsureQueue creates the queue if it does not exist yet.
	EnsureQueue(ctx context.Context, database string, q *Queue) (bool, error)

	// HasRecords reports whether a database holds any queue or job.
	HasRecords(ctx context.Context, database string) (bool, error)

	// NextEligible returns the smallest delayUntil of pending jobs that
	// belong to an existing queue admitting work. ok is false when there
	// are none.
	NextEligible(ctx context.Context, database string) (at time.Time, ok bool, err error)

	// ResetInProgress moves every job in progress back to pending.
	ResetInProgress(ctx context.Context, database string) (int64, error)

	// CountOrphans counts pending jobs whose queue does not exist.
	CountOrphans(ctx context.Context, database string) (int64, error)

	// Transaction runs fn atomically against one database.
	Transaction(ctx context.Context, database string, fn func(tx Tx) error) error

	// ReleaseClaim moves a claimed job back to pending.
	ReleaseClaim(ctx context.Context, database, jobID string) error

	// RejectJob marks a claimed job failed with the given reason.
	RejectJob(ctx context.Context, database, jobID, reason string) error
}

// Tx is the view of a database inside Store.Transaction.
type Tx interface {
	// Queues returns all queues ordered by name. Implementations lock the
	// rows when the dialect supports it.
	Queues() ([]Queue, error)

	// CountInProgress counts jobs of a queue currently in progress.
	CountInProgress(queue string) (int64, error)

	// SelectEligible returns up to limit pending jobs of a queue with
	// delayUntil <= now, oldest first, ties broken by id.
	SelectEligible(queue string, now time.Time, limit int) ([]Job, error)

	// Claim moves a pending job to progress. It returns false when the job
	// was no longer pending.
	Claim(jobID string, now time.Time) (bool, error)

	// Isolate runs fn so that a failure rolls back only fn's writes.
	Isolate(fn func(tx Tx) error) error
}

// Executor receives claimed jobs. Dispatch must not wait for the job to
// finish.
type Executor interface {
	Dispatch(ctx context.Context, d Dispatch) error
}

// Cluster exposes the cluster signals the scheduler consults.
type Cluster interface {
	// Clustered reports whether the process runs as part of a cluster.
	Clustered() bool

	// IsLeader reports whether this node may run the scheduler.
	IsLeader(ctx context.Context) (bool, error)

	// TakeRecompute reads and clears the shared "recompute delay now" flag.
	TakeRecompute(ctx context.Context) (bool, error)

	// RequestRecompute sets the shared flag. Any node may call it.
	RequestRecompute(ctx context.Context) error
}
