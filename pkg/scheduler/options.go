package scheduler

import (
	"log/slog"
	"time"

	"github.com/jdziat/foxx-queues/pkg/control"
	"github.com/jdziat/foxx-queues/pkg/core"
	"github.com/jdziat/foxx-queues/pkg/metrics"
	"github.com/jdziat/foxx-queues/pkg/security"
)

// RecomputePolicy decides when a dispatcher pass refreshes the delay
// marker of its database.
type RecomputePolicy int

const (
	// RecomputeWhenIdle recomputes only after a pass that found no work
	// and no saturated queue.
	RecomputeWhenIdle RecomputePolicy = iota

	// RecomputeUnlessSaturated recomputes after any pass in which no
	// queue was saturated, even if jobs were claimed.
	RecomputeUnlessSaturated
)

func (p RecomputePolicy) String() string {
	switch p {
	case RecomputeWhenIdle:
		return "idle"
	case RecomputeUnlessSaturated:
		return "unless-saturated"
	default:
		return "unknown"
	}
}

// Option configures a Manager.
type Option interface {
	apply(*Config)
}

type optionFunc func(*Config)

func (f optionFunc) apply(c *Config) { f(c) }

// Config holds manager configuration.
type Config struct {
	Enabled           bool
	Interval          time.Duration
	DatabaseTTL       time.Duration
	MarkerTTL         time.Duration
	DefaultDatabase   string
	DefaultMaxWorkers int
	Policy            RecomputePolicy
	Retry             RetryConfig

	Cluster core.Cluster
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

// MinInterval is the shortest tick interval the periodic registration
// accepts.
const MinInterval = time.Second

func defaultConfig() Config {
	return Config{
		Enabled:           true,
		Interval:          MinInterval,
		DatabaseTTL:       control.DefaultDatabaseTTL,
		MarkerTTL:         control.DefaultMarkerTTL,
		DefaultDatabase:   "_system",
		DefaultMaxWorkers: 1,
		Policy:            RecomputeWhenIdle,
		Retry:             DefaultRetryConfig(),
		Logger:            slog.Default(),
		Now:               time.Now,
	}
}

// WithEnabled toggles the whole scheduler. A disabled manager's Start
// returns immediately.
func WithEnabled(enabled bool) Option {
	return optionFunc(func(c *Config) {
		c.Enabled = enabled
	})
}

// WithInterval sets the tick interval. Values below MinInterval are raised
// to it; the periodic facility counts whole seconds.
func WithInterval(d time.Duration) Option {
	return optionFunc(func(c *Config) {
		c.Interval = max(d, MinInterval).Truncate(time.Second)
	})
}

// WithDatabaseTTL sets how long the database list is cached.
func WithDatabaseTTL(d time.Duration) Option {
	return optionFunc(func(c *Config) {
		c.DatabaseTTL = d
	})
}

// WithMarkerTTL sets how long a delay marker is trusted. Zero keeps
// markers until they are invalidated.
func WithMarkerTTL(d time.Duration) Option {
	return optionFunc(func(c *Config) {
		c.MarkerTTL = d
	})
}

// WithDefaultDatabase names the database that receives the default queue.
func WithDefaultDatabase(name string) Option {
	return optionFunc(func(c *Config) {
		if name != "" {
			c.DefaultDatabase = name
		}
	})
}

// WithDefaultMaxWorkers sets maxWorkers of the queue created at startup.
// Values are clamped to [0, security.MaxWorkers].
func WithDefaultMaxWorkers(n int) Option {
	return optionFunc(func(c *Config) {
		c.DefaultMaxWorkers = security.ClampMaxWorkers(n)
	})
}

// WithRecomputePolicy sets when markers are refreshed after a pass.
func WithRecomputePolicy(p RecomputePolicy) Option {
	return optionFunc(func(c *Config) {
		c.Policy = p
	})
}

// WithRetry sets the retry policy of startup store calls.
func WithRetry(r RetryConfig) Option {
	return optionFunc(func(c *Config) {
		c.Retry = r
	})
}

// DisableRetry makes startup store calls run once.
func DisableRetry() Option {
	return optionFunc(func(c *Config) {
		c.Retry = RetryConfig{MaxAttempts: 1}
	})
}

// WithCluster sets the cluster signal. Defaults to a standalone node.
func WithCluster(cl core.Cluster) Option {
	return optionFunc(func(c *Config) {
		c.Cluster = cl
	})
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return optionFunc(func(c *Config) {
		if l != nil {
			c.Logger = l
		}
	})
}

// WithMetrics records scheduler metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return optionFunc(func(c *Config) {
		c.Metrics = m
	})
}

// WithClock replaces time.Now for every time-dependent decision.
func WithClock(now func() time.Time) Option {
	return optionFunc(func(c *Config) {
		if now != nil {
			c.Now = now
		}
	})
}
