package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/jdziat/foxx-queues/pkg/core"
	"github.com/jdziat/foxx-queues/pkg/security"
)

// ErrPoolFull is returned by Pool.Dispatch when the buffer is full. The
// scheduler releases the claim and retries on a later tick.
var ErrPoolFull = errors.New("executor: pool full")

// Handler runs one dispatched job. It owns the job's transition to a
// terminal status.
type Handler func(ctx context.Context, d core.Dispatch) error

// Authorizer decides whether a job may run as runAsUser. An empty user
// means no impersonation.
type Authorizer func(runAsUser string) error

// AllowUsers returns an Authorizer admitting only the listed users.
func AllowUsers(users ...string) Authorizer {
	allowed := slices.Clone(users)
	return func(user string) error {
		if user == "" || slices.Contains(allowed, user) {
			return nil
		}
		return core.PermissionDenied(user, "user is not allowed")
	}
}

// Func adapts a function to core.Executor. The function runs on the
// caller's goroutine and must return quickly.
type Func func(ctx context.Context, d core.Dispatch) error

func (f Func) Dispatch(ctx context.Context, d core.Dispatch) error {
	return f(ctx, d)
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithWorkers sets the number of handler goroutines, clamped to
// [1, security.MaxWorkers].
func WithWorkers(n int) PoolOption {
	return func(p *Pool) {
		p.workers = max(1, security.ClampMaxWorkers(n))
	}
}

// WithBuffer sets how many dispatches may wait for a free worker.
func WithBuffer(n int) PoolOption {
	return func(p *Pool) {
		if n >= 0 {
			p.buffer = n
		}
	}
}

// WithAuthorizer checks runAsUser before a job is accepted.
func WithAuthorizer(a Authorizer) PoolOption {
	return func(p *Pool) {
		p.authorize = a
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) PoolOption {
	return func(p *Pool) {
		if l != nil {
			p.logger = l
		}
	}
}

// Pool is a bounded in-process executor.
type Pool struct {
	handler   Handler
	workers   int
	buffer    int
	authorize Authorizer
	logger    *slog.Logger

	mu     sync.RWMutex
	jobs   chan core.Dispatch
	closed bool
	wg     sync.WaitGroup
}

var _ core.Executor = (*Pool)(nil)

// NewPool creates a pool. It accepts dispatches immediately; they run once
// Start is called.
func NewPool(h Handler, opts ...PoolOption) *Pool {
	p := &Pool{
		handler: h,
		workers: 4,
		buffer:  64,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.jobs = make(chan core.Dispatch, p.buffer)
	return p
}

// Dispatch queues d without waiting for it to run.
func (p *Pool) Dispatch(ctx context.Context, d core.Dispatch) error {
	if p.authorize != nil {
		if err := p.authorize(d.RunAsUser); err != nil {
			return err
		}
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return core.ErrExecutorClosed
	}
	select {
	case p.jobs <- d:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrPoolFull
	}
}

// Start runs the workers and blocks until ctx is cancelled. Queued
// dispatches are drained before Start returns.
func (p *Pool) Start(ctx context.Context) error {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.processLoop(ctx)
	}
	<-ctx.Done()
	p.Close()
	return ctx.Err()
}

// Close stops accepting dispatches and waits for the workers.
func (p *Pool) Close() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.jobs)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Pool) processLoop(ctx context.Context) {
	defer p.wg.Done()

	for d := range p.jobs {
		// Handlers see a live context while the pool drains.
		if err := p.run(context.WithoutCancel(ctx), d); err != nil {
			p.logger.Error("job handler failed",
				"database", d.Database, "queue", d.Queue, "job_id", d.JobID, "error", err)
		}
	}
}

func (p *Pool) run(ctx context.Context, d core.Dispatch) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return p.handler(ctx, d)
}
