// Package cluster provides core.Cluster implementations that need no
// external coordination service.
package cluster

import (
	"context"
	"sync/atomic"

	"github.com/jdziat/foxx-queues/pkg/core"
)

// Standalone is a single process outside any cluster. It is always the
// leader and never sees a recompute flag.
type Standalone struct{}

var _ core.Cluster = Standalone{}

func (Standalone) Clustered() bool { return false }
func (Standalone) IsLeader(context.Context) (bool, error) { return true, nil }
func (Standalone) TakeRecompute(context.Context) (bool, error) { return false, nil }
func (Standalone) RequestRecompute(context.Context) error { return nil }

// Local is an in-process cluster signal. Several schedulers sharing one
// Local behave like nodes of a cluster with a single leader.
type Local struct {
	leader    atomic.Bool
	recompute atomic.Bool
}

var _ core.Cluster = (*Local)(nil)

// NewLocal creates a Local whose leadership starts as given.
func NewLocal(leader bool) *Local {
	l := &Local{}
	l.leader.Store(leader)
	return l
}

// SetLeader changes leadership.
func (l *Local) SetLeader(leader bool) { l.leader.Store(leader) }

func (l *Local) Clustered() bool { return true }

func (l *Local) IsLeader(context.Context) (bool, error) { return l.leader.Load(), nil }

// TakeRecompute clears the flag and reports whether it was set.
func (l *Local) TakeRecompute(context.Context) (bool, error) {
	return l.recompute.Swap(false), nil
}

func (l *Local) RequestRecompute(context.Context) error {
	l.recompute.Store(true)
	return nil
}

// Follower shares the recompute flag of a Local but never leads. It models
// a non-leader node that writes queue state out of band.
type Follower struct {
	*Local
}

func (Follower) IsLeader(context.Context) (bool, error) { return false, nil }

func (Follower) TakeRecompute(context.Context) (bool, error) { return false, core.ErrNotLeader }
