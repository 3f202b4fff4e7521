package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jdziat/foxx-queues/pkg/core"
	"github.com/jdziat/foxx-queues/pkg/metrics"
)

// Result describes one dispatcher pass.
type Result struct {
	// Busy is set when a queue was saturated or had eligible jobs.
	Busy bool

	// Claimed lists the IDs of every job claimed by the pass, in claim order.
	Claimed []string

	// Saturated lists queues that had no free capacity.
	Saturated []string

	// Released lists claimed jobs put back to pending after a failed handoff.
	Released []string

	// Rejected lists claimed jobs failed because their runAsUser was refused.
	Rejected []string

	// QueueErrors holds the queues whose claims were rolled back.
	QueueErrors []*core.QueueError
}

// Dispatcher runs claim passes against a store.
type Dispatcher struct {
	store    core.Store
	executor core.Executor
	logger   *slog.Logger
	metrics  *metrics.Metrics
	emit     func(core.Event)
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithMetrics records pass and claim metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

// WithEmitter receives JobClaimed, JobReleased and JobRejected events.
func WithEmitter(emit func(core.Event)) Option {
	return func(d *Dispatcher) {
		d.emit = emit
	}
}

// New creates a dispatcher.
func New(store core.Store, executor core.Executor, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:    store,
		executor: executor,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

type queueOutcome struct {
	saturated bool
	selected  int
	claimed   []core.Dispatch
}

// Run performs one pass over database at now. The returned error is set
// only when the transaction itself failed; no claims survive in that case.
func (d *Dispatcher) Run(ctx context.Context, database string, now time.Time) (Result, error) {
	start := time.Now()

	var (
		res     Result
		claimed []core.Dispatch
	)
	err := d.store.Transaction(ctx, database, func(tx core.Tx) error {
		res, claimed = Result{}, nil

		queues, err := tx.Queues()
		if err != nil {
			return fmt.Errorf("list queues: %w", err)
		}
		for _, q := range queues {
			var out queueOutcome
			err := tx.Isolate(func(tx core.Tx) error {
				var err error
				out, err = d.claimQueue(tx, database, q, now)
				return err
			})
			if err != nil {
				qe := &core.QueueError{Database: database, Queue: q.Name, Err: err}
				res.QueueErrors = append(res.QueueErrors, qe)
				d.metrics.QueueError(database, q.Name)
				d.logger.Error("queue dispatch failed", "database", database, "queue", q.Name, "error", err)
				continue
			}
			if out.saturated {
				res.Busy = true
				res.Saturated = append(res.Saturated, q.Name)
			}
			if out.selected > 0 {
				res.Busy = true
			}
			claimed = append(claimed, out.claimed...)
		}
		return nil
	})
	d.metrics.ObserveDispatch(database, time.Since(start))
	if err != nil {
		return Result{}, fmt.Errorf("dispatch %s: %w", database, err)
	}

	for _, job := range claimed {
		res.Claimed = append(res.Claimed, job.JobID)
		d.metrics.JobClaimed(database, job.Queue)
		d.handoff(ctx, job, &res)
	}
	return res, nil
}

func (d *Dispatcher) claimQueue(tx core.Tx, database string, q core.Queue, now time.Time) (queueOutcome, error) {
	var out queueOutcome

	numBusy, err := tx.CountInProgress(q.Name)
	if err != nil {
		return out, fmt.Errorf("count in progress: %w", err)
	}
	if numBusy >= int64(q.MaxWorkers) {
		out.saturated = true
		return out, nil
	}

	jobs, err := tx.SelectEligible(q.Name, now, q.MaxWorkers-int(numBusy))
	if err != nil {
		return out, fmt.Errorf("select eligible: %w", err)
	}
	out.selected = len(jobs)

	for _, job := range jobs {
		if !job.EligibleBy(now) {
			continue
		}
		ok, err := tx.Claim(job.ID, now)
		if err != nil {
			return out, fmt.Errorf("claim %s: %w", job.ID, err)
		}
		if !ok {
			d.logger.Debug("job already claimed", "database", database, "queue", q.Name, "job_id", job.ID)
			continue
		}
		out.claimed = append(out.claimed, core.Dispatch{
			JobID:     job.ID,
			Database:  database,
			Queue:     q.Name,
			Command:   job.Command,
			RunAsUser: q.RunAsUser,
			IsSystem:  true,
		})
	}
	return out, nil
}

// handoff passes a committed claim to the executor. Refused handoffs are
// recorded on the job so the claim never stays in progress without a runner.
func (d *Dispatcher) handoff(ctx context.Context, job core.Dispatch, res *Result) {
	err := d.executor.Dispatch(ctx, job)
	if err == nil {
		d.publish(&core.JobClaimed{Database: job.Database, Queue: job.Queue, JobID: job.JobID, Timestamp: time.Now()})
		return
	}

	// Bookkeeping writes outlive a cancelled tick.
	bg := context.WithoutCancel(ctx)

	if errors.Is(err, core.ErrPermissionDenied) {
		d.logger.Error("executor rejected runAsUser",
			"database", job.Database, "queue", job.Queue, "job_id", job.JobID,
			"run_as_user", job.RunAsUser, "error", err)
		if rerr := d.store.RejectJob(bg, job.Database, job.JobID, err.Error()); rerr != nil {
			d.logger.Error("failed to mark rejected job", "database", job.Database, "job_id", job.JobID, "error", rerr)
		}
		res.Rejected = append(res.Rejected, job.JobID)
		d.metrics.HandoffFailed(job.Database, metrics.HandoffRejected)
		d.publish(&core.JobRejected{
			Database:  job.Database,
			Queue:     job.Queue,
			JobID:     job.JobID,
			RunAsUser: job.RunAsUser,
			Error:     err,
			Timestamp: time.Now(),
		})
		return
	}

	d.logger.Warn("executor handoff failed, releasing claim",
		"database", job.Database, "queue", job.Queue, "job_id", job.JobID, "error", err)
	if rerr := d.store.ReleaseClaim(bg, job.Database, job.JobID); rerr != nil {
		d.logger.Error("failed to release claim", "database", job.Database, "job_id", job.JobID, "error", rerr)
	}
	res.Released = append(res.Released, job.JobID)
	d.metrics.HandoffFailed(job.Database, metrics.HandoffReleased)
	d.publish(&core.JobReleased{Database: job.Database, Queue: job.Queue, JobID: job.JobID, Error: err, Timestamp: time.Now()})
}

func (d *Dispatcher) publish(e core.Event) {
	if d.emit != nil {
		d.emit(e)
	}
}
