package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdziat/foxx-queues/pkg/cluster"
	"github.com/jdziat/foxx-queues/pkg/control"
	"github.com/jdziat/foxx-queues/pkg/core"
	"github.com/jdziat/foxx-queues/pkg/metrics"
)

func TestTick_NonLeaderMakesNoStoreCalls(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, sysDB)
	seedQueue(t, s, sysDB, "q", 1)
	seedJob(t, s, sysDB, "j", "q", core.StatusPending, t0)

	cs := newCountingStore(s)
	cl := cluster.NewLocal(false)
	require.NoError(t, cl.RequestRecompute(ctx))
	exec := &recordingExecutor{}
	m := New(cs, exec, WithCluster(cl), WithClock(newFakeClock().Now))

	for i := 0; i < 3; i++ {
		stats := m.tick(ctx)
		assert.False(t, stats.ran)
	}
	assert.Zero(t, cs.calls.Load())
	assert.Empty(t, exec.dispatched())
	assert.Equal(t, core.StatusPending, statusOf(t, s, sysDB, "j"))

	set, _ := cl.TakeRecompute(ctx)
	assert.True(t, set, "a follower never clears the flag")
}

func TestTick_LeaderCheckErrorSkipsTick(t *testing.T) {
	cs := newCountingStore(newStore(t, sysDB))
	m := New(cs, &recordingExecutor{}, WithCluster(flakyCluster{}))

	stats := m.tick(context.Background())
	assert.False(t, stats.ran)
	assert.Zero(t, cs.calls.Load())
}

func TestTick_LeaderDispatches(t *testing.T) {
	s := newStore(t, sysDB)
	seedQueue(t, s, sysDB, "q", 2)
	seedJob(t, s, sysDB, "j1", "q", core.StatusPending, t0.Add(-time.Minute))
	exec := &recordingExecutor{}
	m := New(s, exec, WithCluster(cluster.NewLocal(true)), WithClock(newFakeClock().Now))

	stats := m.tick(context.Background())
	assert.True(t, stats.ran)
	assert.Equal(t, 1, stats.claimed)
	assert.Equal(t, []string{"j1"}, exec.dispatched())
}

func TestTick_EmptyDatabaseGetsIndefiniteMarker(t *testing.T) {
	ctx := context.Background()
	cs := newCountingStore(newStore(t, sysDB))
	m := New(cs, &recordingExecutor{}, WithClock(newFakeClock().Now))

	m.tick(ctx)
	marker, ok := m.Marker(sysDB)
	require.True(t, ok)
	assert.True(t, marker.Indefinite)
	assert.Zero(t, cs.transactions.Load())

	before := cs.hasRecords.Load()
	m.tick(ctx)
	assert.Equal(t, before, cs.hasRecords.Load(), "indefinite marker skips the database")
}

func TestTick_FutureJobAdvancesMarker(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	s := newStore(t, sysDB)
	seedQueue(t, s, sysDB, "q", 1)
	seedJob(t, s, sysDB, "later", "q", core.StatusPending, t0.Add(time.Hour))

	cs := newCountingStore(s)
	exec := &recordingExecutor{}
	m := New(cs, exec, WithClock(clock.Now), WithMarkerTTL(0))

	m.tick(ctx)
	marker, ok := m.Marker(sysDB)
	require.True(t, ok)
	assert.False(t, marker.Indefinite)
	assert.True(t, marker.ResumeAt.Equal(t0.Add(time.Hour)))

	tx := cs.transactions.Load()
	clock.Advance(30 * time.Minute)
	m.tick(ctx)
	assert.Equal(t, tx, cs.transactions.Load(), "marker in the future skips the dispatcher")
	assert.Empty(t, exec.dispatched())

	clock.Advance(30 * time.Minute)
	m.tick(ctx)
	assert.Equal(t, []string{"later"}, exec.dispatched())
	assert.Equal(t, core.StatusProgress, statusOf(t, s, sysDB, "later"))
}

func TestTick_BusyDatabaseKeepsDispatching(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, sysDB)
	seedQueue(t, s, sysDB, "q", 1)
	seedJob(t, s, sysDB, "a", "q", core.StatusPending, t0)
	seedJob(t, s, sysDB, "b", "q", core.StatusPending, t0)

	cs := newCountingStore(s)
	m := New(cs, &recordingExecutor{}, WithClock(newFakeClock().Now))

	m.tick(ctx)
	_, ok := m.Marker(sysDB)
	assert.False(t, ok, "busy pass leaves no marker")

	tx := cs.transactions.Load()
	m.tick(ctx)
	assert.Equal(t, tx+1, cs.transactions.Load())
	assert.Equal(t, core.StatusPending, statusOf(t, s, sysDB, "b"))
}

func TestTick_RecomputePolicy(t *testing.T) {
	for _, tc := range []struct {
		policy     RecomputePolicy
		wantMarker bool
	}{
		{RecomputeWhenIdle, false},
		{RecomputeUnlessSaturated, true},
	} {
		t.Run(tc.policy.String(), func(t *testing.T) {
			s := newStore(t, sysDB)
			seedQueue(t, s, sysDB, "q", 5)
			seedJob(t, s, sysDB, "now", "q", core.StatusPending, t0)
			seedJob(t, s, sysDB, "soon", "q", core.StatusPending, t0.Add(time.Minute))

			m := New(s, &recordingExecutor{}, WithClock(newFakeClock().Now), WithRecomputePolicy(tc.policy))
			stats := m.tick(context.Background())
			require.Equal(t, 1, stats.claimed)

			marker, ok := m.Marker(sysDB)
			assert.Equal(t, tc.wantMarker, ok)
			if ok {
				assert.True(t, marker.ResumeAt.Equal(t0.Add(time.Minute)))
			}
		})
	}
}

func TestTick_RecomputeFlagDropsMarkers(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, sysDB, appDB)
	leader := cluster.NewLocal(true)
	follower := cluster.Follower{Local: leader}
	exec := &recordingExecutor{}
	reg := metrics.New(nil)
	m := New(s, exec, WithCluster(leader), WithClock(newFakeClock().Now), WithMarkerTTL(0), WithMetrics(reg))

	m.tick(ctx)
	for _, db := range []string{sysDB, appDB} {
		marker, ok := m.Marker(db)
		require.True(t, ok)
		require.True(t, marker.Indefinite)
	}

	// Another node writes a job; without the flag the marker would hide it.
	seedQueue(t, s, appDB, "q", 1)
	seedJob(t, s, appDB, "x", "q", core.StatusPending, t0)
	m.tick(ctx)
	assert.Empty(t, exec.dispatched())

	require.NoError(t, follower.RequestRecompute(ctx))
	m.tick(ctx)
	assert.Equal(t, []string{"x"}, exec.dispatched())
	assert.Equal(t, 1.0, testutil.ToFloat64(reg.Recomputes))

	set, _ := leader.TakeRecompute(ctx)
	assert.False(t, set, "the leader cleared the flag")
}

func TestNotify_DropsMarker(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, sysDB)
	exec := &recordingExecutor{}
	m := New(s, exec, WithClock(newFakeClock().Now), WithMarkerTTL(0))

	m.tick(ctx)
	seedQueue(t, s, sysDB, "q", 1)
	seedJob(t, s, sysDB, "n", "q", core.StatusPending, t0)

	m.tick(ctx)
	assert.Empty(t, exec.dispatched())

	m.Notify(sysDB)
	m.tick(ctx)
	assert.Equal(t, []string{"n"}, exec.dispatched())
}

func TestRequestRecompute_Standalone(t *testing.T) {
	m := New(newStore(t, sysDB), &recordingExecutor{}, WithClock(newFakeClock().Now))
	m.tick(context.Background())
	_, ok := m.Marker(sysDB)
	require.True(t, ok)

	require.NoError(t, m.RequestRecompute(context.Background()))
	_, ok = m.Marker(sysDB)
	assert.False(t, ok)
}

func TestRequestRecompute_Clustered(t *testing.T) {
	cl := cluster.NewLocal(false)
	m := New(newStore(t, sysDB), &recordingExecutor{}, WithCluster(cl))

	require.NoError(t, m.RequestRecompute(context.Background()))
	set, _ := cl.TakeRecompute(context.Background())
	assert.True(t, set)
}

func TestTick_MarkerExpires(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	cs := newCountingStore(newStore(t, sysDB))
	m := New(cs, &recordingExecutor{}, WithClock(clock.Now), WithMarkerTTL(30*time.Second), WithDatabaseTTL(time.Hour))

	m.tick(ctx)
	n := cs.hasRecords.Load()

	clock.Advance(10 * time.Second)
	m.tick(ctx)
	assert.Equal(t, n, cs.hasRecords.Load())

	clock.Advance(30 * time.Second)
	m.tick(ctx)
	assert.Equal(t, n+1, cs.hasRecords.Load(), "expired marker is treated as lost")
}

func TestTick_DatabaseListCached(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	cs := newCountingStore(newStore(t, sysDB))
	m := New(cs, &recordingExecutor{}, WithClock(clock.Now))

	m.tick(ctx)
	m.tick(ctx)
	assert.Equal(t, int64(1), cs.databases.Load())

	clock.Advance(control.DefaultDatabaseTTL)
	m.tick(ctx)
	assert.Equal(t, int64(2), cs.databases.Load())
}

func TestTick_DatabaseErrorsAreIsolated(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, sysDB, appDB)
	seedQueue(t, s, appDB, "q", 1)
	seedJob(t, s, appDB, "ok", "q", core.StatusPending, t0)

	cs := newCountingStore(s)
	cs.fail(sysDB, errors.New("schema missing"))
	exec := &recordingExecutor{}
	reg := metrics.New(nil)
	m := New(cs, exec, WithClock(newFakeClock().Now), WithMetrics(reg))

	stats := m.tick(ctx)
	assert.Equal(t, 1, stats.failed)
	assert.Equal(t, []string{"ok"}, exec.dispatched())
	assert.Equal(t, 1.0, testutil.ToFloat64(reg.DatabaseErrors.WithLabelValues(sysDB)))
	assert.Equal(t, 1.0, testutil.ToFloat64(reg.Ticks.WithLabelValues(metrics.TickRan)))
}

func TestTick_EmitsTickCompleted(t *testing.T) {
	s := newStore(t, sysDB)
	seedQueue(t, s, sysDB, "q", 1)
	seedJob(t, s, sysDB, "e", "q", core.StatusPending, t0)
	m := New(s, &recordingExecutor{}, WithClock(newFakeClock().Now))
	events := m.Events()
	defer m.Unsubscribe(events)

	m.Tick(context.Background())

	var claimed, completed bool
	for len(events) > 0 {
		switch e := (<-events).(type) {
		case *core.JobClaimed:
			claimed = e.JobID == "e"
		case *core.TickCompleted:
			completed = e.Databases == 1 && e.Claimed == 1
		}
	}
	assert.True(t, claimed)
	assert.True(t, completed)
}

func TestTick_ConcurrentCallIsSkipped(t *testing.T) {
	m := New(newStore(t, sysDB), &recordingExecutor{})
	m.ticking.Store(true)

	stats := m.tick(context.Background())
	assert.False(t, stats.ran)
}
