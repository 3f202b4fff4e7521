package scheduler

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/jdziat/foxx-queues/pkg/core"
)

// Bootstrap prepares every database before the first tick: it ensures the
// default queue, moves jobs left in progress back to pending and computes
// each database's delay marker. A failing database is logged and skipped.
//
// On a clustered node that is not the leader, recovery is skipped so the
// leader's running jobs stay claimed.
func (m *Manager) Bootstrap(ctx context.Context) error {
	m.ensureDefaultQueue(ctx)

	if m.cluster.Clustered() {
		leader, err := m.cluster.IsLeader(ctx)
		if err != nil {
			m.logger.Warn("leader check failed, skipping recovery", "error", err)
			return nil
		}
		if !leader {
			m.logger.Info("not the leader, skipping recovery")
			return nil
		}
	}

	var names []string
	err := retryWithBackoff(ctx, m.config.Retry, func() error {
		var err error
		names, err = m.databases.Names(ctx)
		return err
	})
	if err != nil {
		return fmt.Errorf("scheduler: list databases: %w", err)
	}

	for _, name := range names {
		if err := m.reconcile(ctx, name); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			m.metrics.DatabaseError(name)
			m.logger.Error("recovery failed, database skipped", "database", name, "error", err)
		}
	}
	return nil
}

func (m *Manager) ensureDefaultQueue(ctx context.Context) {
	q := &core.Queue{Name: core.DefaultQueue, MaxWorkers: m.config.DefaultMaxWorkers}
	var created bool
	err := retryWithBackoff(ctx, m.config.Retry, func() error {
		var err error
		created, err = m.store.EnsureQueue(ctx, m.config.DefaultDatabase, q)
		return err
	})
	switch {
	case err != nil:
		m.logger.Error("ensuring default queue failed", "database", m.config.DefaultDatabase, "queue", q.Name, "error", err)
	case created:
		m.markers.Invalidate(m.config.DefaultDatabase)
		m.logger.Info("created default queue", "database", m.config.DefaultDatabase, "max_workers", q.MaxWorkers)
	}
}

func (m *Manager) reconcile(ctx context.Context, database string) error {
	if err := retryWithBackoff(ctx, m.config.Retry, func() error {
		return m.store.Migrate(ctx, database)
	}); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	var recovered int64
	if err := retryWithBackoff(ctx, m.config.Retry, func() error {
		var err error
		recovered, err = m.store.ResetInProgress(ctx, database)
		return err
	}); err != nil {
		return fmt.Errorf("reset in progress: %w", err)
	}
	if recovered > 0 {
		m.logger.Info("recovered jobs left in progress", "database", database, "count", recovered)
	}
	m.metrics.Recovered(database, recovered)
	m.Emit(&core.JobsRecovered{Database: database, Count: recovered, Timestamp: m.config.Now()})

	orphans, err := m.store.CountOrphans(ctx, database)
	if err != nil {
		m.logger.Warn("counting orphan jobs failed", "database", database, "error", err)
	} else if orphans > 0 {
		m.logger.Warn("pending jobs reference missing queues and will never run", "database", database, "count", orphans)
	}

	return retryWithBackoff(ctx, m.config.Retry, func() error {
		return m.recompute(ctx, database)
	})
}

// Start bootstraps and then ticks every interval until ctx is cancelled.
// Ticks never overlap. Start returns ctx.Err() once the running tick, if
// any, has finished. A disabled manager returns nil immediately.
func (m *Manager) Start(ctx context.Context) error {
	if !m.config.Enabled {
		m.logger.Info("queue scheduler disabled")
		return nil
	}
	if err := m.Bootstrap(ctx); err != nil {
		return err
	}

	logger := cron.PrintfLogger(slog.NewLogLogger(m.logger.Handler(), slog.LevelError))
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	spec := fmt.Sprintf("@every %s", m.config.Interval)
	if _, err := c.AddFunc(spec, func() { m.Tick(ctx) }); err != nil {
		return fmt.Errorf("scheduler: register tick %q: %w", spec, err)
	}

	m.logger.Info("queue scheduler started",
		"interval", m.config.Interval,
		"clustered", m.cluster.Clustered(),
		"policy", m.config.Policy.String(),
	)
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	m.logger.Info("queue scheduler stopped")
	return ctx.Err()
}
