package scheduler

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/jdziat/foxx-queues/pkg/cluster"
	"github.com/jdziat/foxx-queues/pkg/control"
	"github.com/jdziat/foxx-queues/pkg/core"
	"github.com/jdziat/foxx-queues/pkg/dispatch"
	"github.com/jdziat/foxx-queues/pkg/metrics"
)

// Manager owns the caches and the dispatcher of one scheduler process.
type Manager struct {
	store      core.Store
	dispatcher *dispatch.Dispatcher
	cluster    core.Cluster
	config     Config
	logger     *slog.Logger
	metrics    *metrics.Metrics

	markers   *control.DelayCache
	databases *control.DatabaseCache
	events    core.Broadcaster

	ticking atomic.Bool
}

// New creates a manager that claims jobs from store and hands them to exec.
func New(store core.Store, exec core.Executor, opts ...Option) *Manager {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt.apply(&cfg)
	}
	if cfg.Cluster == nil {
		cfg.Cluster = cluster.Standalone{}
	}

	m := &Manager{
		store:   store,
		cluster: cfg.Cluster,
		config:  cfg,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
	}
	clock := control.WithClock(cfg.Now)
	m.markers = control.NewDelayCache(cfg.MarkerTTL, clock)
	m.databases = control.NewDatabaseCache(cfg.DatabaseTTL, func(ctx context.Context) ([]string, error) {
		return m.store.Databases(ctx)
	}, clock)
	m.dispatcher = dispatch.New(store, exec,
		dispatch.WithLogger(cfg.Logger),
		dispatch.WithMetrics(cfg.Metrics),
		dispatch.WithEmitter(m.Emit),
	)
	return m
}

// Config returns the effective configuration.
func (m *Manager) Config() Config {
	return m.config
}

// Events returns a channel for receiving scheduler events.
// The caller must call Unsubscribe when done to prevent resource leaks.
func (m *Manager) Events() <-chan core.Event {
	return m.events.Events()
}

// Unsubscribe removes a subscriber channel created by Events.
func (m *Manager) Unsubscribe(ch <-chan core.Event) {
	m.events.Unsubscribe(ch)
}

// Emit sends an event to all subscribers.
func (m *Manager) Emit(e core.Event) {
	m.events.Emit(e)
}

// Marker returns the cached delay marker of database.
func (m *Manager) Marker(database string) (control.Marker, bool) {
	return m.markers.Get(database)
}

// Notify drops the marker of database so the next tick dispatches it.
// Call it after writing queues or jobs from this process.
func (m *Manager) Notify(database string) {
	m.markers.Invalidate(database)
}

// RequestRecompute asks the leader to drop every marker on its next tick.
// Local markers are dropped as well.
func (m *Manager) RequestRecompute(ctx context.Context) error {
	m.markers.InvalidateAll()
	if !m.cluster.Clustered() {
		return nil
	}
	return m.cluster.RequestRecompute(ctx)
}

type tickStats struct {
	ran        bool
	databases  int
	dispatched int
	claimed    int
	failed     int
}

// Tick runs one scheduling round. On a clustered node that is not the
// leader it returns without touching any database.
func (m *Manager) Tick(ctx context.Context) {
	m.tick(ctx)
}

func (m *Manager) tick(ctx context.Context) tickStats {
	var stats tickStats
	if !m.ticking.CompareAndSwap(false, true) {
		m.logger.Warn("tick already in progress, skipping")
		return stats
	}
	defer m.ticking.Store(false)

	start := m.config.Now()

	if m.cluster.Clustered() {
		leader, err := m.cluster.IsLeader(ctx)
		if err != nil {
			m.logger.Warn("leader check failed", "error", err)
			m.metrics.Tick(metrics.TickFailed)
			return stats
		}
		if !leader {
			m.metrics.Tick(metrics.TickNotLeader)
			return stats
		}

		recompute, err := m.cluster.TakeRecompute(ctx)
		if err != nil {
			m.logger.Warn("reading recompute flag failed", "error", err)
		} else if recompute {
			m.logger.Debug("recompute requested, dropping all delay markers")
			m.metrics.Recompute()
			m.markers.InvalidateAll()
		}
	}

	names, err := m.databases.Names(ctx)
	if err != nil {
		if len(names) == 0 {
			m.logger.Error("listing databases failed", "error", err)
			m.metrics.Tick(metrics.TickFailed)
			return stats
		}
		m.logger.Warn("listing databases failed, using cached list", "error", err)
	}

	stats.ran = true
	stats.databases = len(names)
	for _, name := range names {
		if ctx.Err() != nil {
			break
		}
		dispatched, claimed, err := m.runDatabase(ctx, name)
		if err != nil {
			stats.failed++
			m.metrics.DatabaseError(name)
			m.logger.Error("database skipped", "database", name, "error", err)
			continue
		}
		if dispatched {
			stats.dispatched++
		}
		stats.claimed += claimed
	}

	m.metrics.Tick(metrics.TickRan)
	m.Emit(&core.TickCompleted{
		Databases: stats.databases,
		Claimed:   stats.claimed,
		Duration:  m.config.Now().Sub(start),
		Timestamp: m.config.Now(),
	})
	return stats
}

// runDatabase dispatches one database unless its marker says nothing can
// be eligible yet. It reports whether the dispatcher ran and how many
// jobs it claimed.
func (m *Manager) runDatabase(ctx context.Context, database string) (bool, int, error) {
	now := m.config.Now()

	if marker, ok := m.markers.Get(database); ok && marker.Blocks(now) {
		m.metrics.DatabaseSkipped(metrics.SkipMarker)
		return false, 0, nil
	}

	has, err := m.store.HasRecords(ctx, database)
	if err != nil {
		return false, 0, err
	}
	if !has {
		m.markers.Set(database, control.IndefiniteMarker)
		m.metrics.DatabaseSkipped(metrics.SkipEmpty)
		return false, 0, nil
	}

	res, err := m.dispatcher.Run(ctx, database, now)
	if err != nil {
		return false, 0, err
	}
	if m.shouldRecompute(res) {
		if err := m.recompute(ctx, database); err != nil {
			m.logger.Warn("recomputing delay marker failed", "database", database, "error", err)
		}
	} else {
		m.markers.Invalidate(database)
	}
	return true, len(res.Claimed), nil
}

func (m *Manager) shouldRecompute(res dispatch.Result) bool {
	switch m.config.Policy {
	case RecomputeUnlessSaturated:
		return len(res.Saturated) == 0
	default:
		return !res.Busy
	}
}

// recompute stores the marker derived from the earliest pending job.
func (m *Manager) recompute(ctx context.Context, database string) error {
	at, ok, err := m.store.NextEligible(ctx, database)
	if err != nil {
		m.markers.Invalidate(database)
		return err
	}
	marker := control.MarkerAt(at, ok)
	m.markers.Set(database, marker)
	m.logger.Debug("delay marker updated", "database", database, "marker", marker.String())
	return nil
}
