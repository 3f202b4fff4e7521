// Package config loads scheduler settings from the environment.
package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jdziat/foxx-queues/pkg/security"
)

// Environment variables.
const (
	EnvEnabled           = "QUEUES_ENABLED"
	EnvInterval          = "QUEUES_INTERVAL"
	EnvDatabaseTTL       = "QUEUES_DATABASE_TTL"
	EnvMarkerTTL         = "QUEUES_MARKER_TTL"
	EnvDefaultDatabase   = "QUEUES_DEFAULT_DATABASE"
	EnvDefaultMaxWorkers = "QUEUES_DEFAULT_MAX_WORKERS"
	EnvRecomputePolicy   = "QUEUES_RECOMPUTE_POLICY"
	EnvDataDir           = "QUEUES_DATA_DIR"
	EnvPostgresURL       = "QUEUES_POSTGRES_URL"
	EnvPostgresPrefix    = "QUEUES_POSTGRES_PREFIX"
	EnvAMQPURL           = "QUEUES_AMQP_URL"
	EnvClusterURL        = "QUEUES_CLUSTER_URL"
	EnvExecutorWorkers   = "QUEUES_EXECUTOR_WORKERS"
	EnvMetricsAddr       = "METRICS_ADDR"
)

// Recompute policy names.
const (
	PolicyIdle            = "idle"
	PolicyUnlessSaturated = "unless-saturated"
)

// Config holds every setting of a scheduler process.
type Config struct {
	Enabled           bool          `json:"enabled"`
	Interval          time.Duration `json:"interval"`
	DatabaseTTL       time.Duration `json:"database_ttl"`
	MarkerTTL         time.Duration `json:"marker_ttl"`
	DefaultDatabase   string        `json:"default_database"`
	DefaultMaxWorkers int           `json:"default_max_workers"`
	RecomputePolicy   string        `json:"recompute_policy"`

	// Store selection: PostgresURL wins over DataDir.
	DataDir        string `json:"data_dir"`
	PostgresURL    string `json:"postgres_url,omitempty"`
	PostgresPrefix string `json:"postgres_prefix,omitempty"`

	AMQPURL         string `json:"amqp_url,omitempty"`
	ClusterURL      string `json:"cluster_url,omitempty"`
	ExecutorWorkers int    `json:"executor_workers"`
	MetricsAddr     string `json:"metrics_addr,omitempty"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Enabled:           true,
		Interval:          time.Second,
		DatabaseTTL:       30 * time.Second,
		MarkerTTL:         30 * time.Second,
		DefaultDatabase:   "_system",
		DefaultMaxWorkers: 1,
		RecomputePolicy:   PolicyIdle,
		DataDir:           "./data",
		ExecutorWorkers:   4,
	}
}

// LookupFunc reads one variable, like os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// FromEnv loads the configuration from the process environment.
func FromEnv() (*Config, error) {
	return Load(os.LookupEnv)
}

// Load builds a configuration from defaults overlaid with lookup. The
// result is validated.
func Load(lookup LookupFunc) (*Config, error) {
	cfg := Default()
	var errs []error

	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(key); ok && v != "" {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && v != "" {
			d, err := ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	boolean(EnvEnabled, &cfg.Enabled)
	duration(EnvInterval, &cfg.Interval)
	duration(EnvDatabaseTTL, &cfg.DatabaseTTL)
	duration(EnvMarkerTTL, &cfg.MarkerTTL)
	str(EnvDefaultDatabase, &cfg.DefaultDatabase)
	integer(EnvDefaultMaxWorkers, &cfg.DefaultMaxWorkers)
	str(EnvRecomputePolicy, &cfg.RecomputePolicy)
	str(EnvDataDir, &cfg.DataDir)
	str(EnvPostgresURL, &cfg.PostgresURL)
	str(EnvPostgresPrefix, &cfg.PostgresPrefix)
	str(EnvAMQPURL, &cfg.AMQPURL)
	str(EnvClusterURL, &cfg.ClusterURL)
	integer(EnvExecutorWorkers, &cfg.ExecutorWorkers)
	str(EnvMetricsAddr, &cfg.MetricsAddr)

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ParseDuration accepts Go durations ("1500ms", "2s") and bare integers,
// which count seconds.
func ParseDuration(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(v)
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	if c.Interval < time.Second {
		errs = append(errs, fmt.Errorf("interval must be at least 1s, got %s", c.Interval))
	}
	if c.DatabaseTTL < 0 {
		errs = append(errs, fmt.Errorf("database ttl must not be negative, got %s", c.DatabaseTTL))
	}
	if c.MarkerTTL < 0 {
		errs = append(errs, fmt.Errorf("marker ttl must not be negative, got %s", c.MarkerTTL))
	}
	if !security.ValidDatabaseName(c.DefaultDatabase) {
		errs = append(errs, fmt.Errorf("invalid default database name %q", c.DefaultDatabase))
	}
	if err := security.ValidateMaxWorkers(c.DefaultMaxWorkers); err != nil {
		errs = append(errs, err)
	}
	if c.RecomputePolicy != PolicyIdle && c.RecomputePolicy != PolicyUnlessSaturated {
		errs = append(errs, fmt.Errorf("unknown recompute policy %q", c.RecomputePolicy))
	}
	if c.ExecutorWorkers < 1 {
		errs = append(errs, fmt.Errorf("executor workers must be positive, got %d", c.ExecutorWorkers))
	}
	if c.PostgresURL == "" && c.DataDir == "" {
		errs = append(errs, errors.New("either a data dir or a postgres url is required"))
	}
	return errors.Join(errs...)
}

// Redacted returns a copy with credentials removed from URLs.
func (c *Config) Redacted() *Config {
	out := *c
	out.PostgresURL = redact(c.PostgresURL)
	out.AMQPURL = redact(c.AMQPURL)
	out.ClusterURL = redact(c.ClusterURL)
	return &out
}

func redact(url string) string {
	scheme, rest, ok := strings.Cut(url, "://")
	if !ok {
		return url
	}
	at := strings.LastIndex(rest, "@")
	if at < 0 {
		return url
	}
	return scheme + "://***@" + rest[at+1:]
}

// LoadEnvFile sets variables from a KEY=VALUE file. Existing variables are
// kept unless overwrite is set. Blank lines and lines starting with '#'
// are ignored.
func LoadEnvFile(path string, overwrite bool) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.Trim(strings.TrimSpace(value), `"'`)
		if _, exists := os.LookupEnv(key); overwrite || !exists {
			if err := os.Setenv(key, value); err != nil {
				return err
			}
		}
	}
	return scanner.Err()
}
