// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package config loads the service configuration from a YAML file, RLS_*
// environment variables and defaults, in that order of precedence.
package config

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// envPrefix is the prefix of every recognized environment variable
// (RLS_LISTEN, RLS_DB_PATH, ...).
const envPrefix = "RLS"

// OverflowPolicy selects the ingestion bus behavior when the queue is full.
type OverflowPolicy string

// Overflow policies.
const (
	OverflowBlock      OverflowPolicy = "block"
	OverflowDropNew    OverflowPolicy = "drop_new"
	OverflowDropOldest OverflowPolicy = "drop_oldest"
)

// Config is the typed view of every tunable the pipeline reads.
type Config struct {
	Listen        string
	DBPath        string
	Environment   string
	Hostname      string
	LogLevel      string
	RetentionDays int

	// Ingestion bus
	BusCapacity     int
	BusOverflow     OverflowPolicy
	BusBlockTimeout time.Duration

	// Enricher
	EnricherWorkers   int
	MaxMessageBytes   int
	CorrelationTagKey []string

	// Store
	StoreBatchSize  int
	StoreBatchWait  time.Duration
	PruneInterval   time.Duration
	SnapshotEvery   time.Duration
	TimestampSkew   time.Duration
	QueryLimitCap   int

	// Analyzer
	AnomalySigma       float64
	AnomalyMinSamples  int
	WindowSize         int
	WindowSpan         time.Duration
	LearningRate       float64
	ThresholdEvery     int
	PatternRecurrence  int
	AlertCooldown      time.Duration
	CorrelationMinLen  int
	CorrelationLimit   float64
	ShedHighWater      int
	ShedKeepOneIn      int
	DependencyMapPath  string
	BaseThresholds     []BaseThreshold

	// Fanout
	FanoutQueueSize int

	// Server
	RPCDeadline       time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	ShutdownDeadline  time.Duration

	// Collectors
	CollectorFailureLimit int
	Collectors            CollectorsConfig
}

// BaseThreshold is a configured base warning/critical pair for one series.
type BaseThreshold struct {
	MetricName string  `mapstructure:"metric_name"`
	Component  string  `mapstructure:"component"`
	Warning    float64 `mapstructure:"warning"`
	Critical   float64 `mapstructure:"critical"`
}

// CollectorsConfig groups the per-variant collector settings.
type CollectorsConfig struct {
	System      SystemConfig      `mapstructure:"system"`
	Application ApplicationConfig `mapstructure:"application"`
	Container   ContainerConfig   `mapstructure:"container"`
	Database    DatabaseConfig    `mapstructure:"database"`
	LogFiles    LogFilesConfig    `mapstructure:"log_files"`
}

// SystemConfig configures the host metrics collector.
type SystemConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

// ApplicationConfig configures the HTTP endpoint prober.
type ApplicationConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Interval  time.Duration `mapstructure:"interval"`
	Endpoints []AppEndpoint `mapstructure:"endpoints"`
}

// AppEndpoint is one probed HTTP endpoint.
type AppEndpoint struct {
	Name    string        `mapstructure:"name"`
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// ContainerConfig configures the docker stats collector. An empty host
// falls back to the standard docker environment settings.
type ContainerConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
	Host     string        `mapstructure:"host"`
}

// DatabaseConfig configures the database status collectors.
type DatabaseConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Interval  time.Duration `mapstructure:"interval"`
	Instances []DBInstance  `mapstructure:"instances"`
}

// DBInstance is one monitored database instance.
type DBInstance struct {
	Name string `mapstructure:"name"`
	Kind string `mapstructure:"kind"` // redis, mysql, mongo
	Addr string `mapstructure:"addr"` // address or DSN
}

// LogFilesConfig configures the file tailing collector.
type LogFilesConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
	Files    []TailedFile  `mapstructure:"files"`
}

// TailedFile is one tailed log file.
type TailedFile struct {
	Path   string `mapstructure:"path"`
	Source string `mapstructure:"source"`
	Format string `mapstructure:"format"` // parser tag, or "auto"
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen", "localhost:8420")
	v.SetDefault("db_path", "logstream.db")
	v.SetDefault("environment", "dev")
	v.SetDefault("hostname", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("retention_days", 30)

	v.SetDefault("bus_capacity", 10000)
	v.SetDefault("bus_overflow", string(OverflowBlock))
	v.SetDefault("bus_block_timeout", 50*time.Millisecond)

	v.SetDefault("enricher_workers", 4)
	v.SetDefault("max_message_bytes", 64*1024)
	v.SetDefault("correlation_tag_keys", []string{"trace_id", "request_id"})

	v.SetDefault("store_batch_size", 256)
	v.SetDefault("store_batch_wait", 100*time.Millisecond)
	v.SetDefault("prune_interval", time.Hour)
	v.SetDefault("snapshot_every", time.Minute)
	v.SetDefault("timestamp_skew", 5*time.Second)
	v.SetDefault("query_limit_cap", 10000)

	v.SetDefault("anomaly_sigma", 2.0)
	v.SetDefault("anomaly_min_samples", 10)
	v.SetDefault("window_size", 1000)
	v.SetDefault("window_span", 10*time.Minute)
	v.SetDefault("learning_rate", 0.1)
	v.SetDefault("threshold_every", 50)
	v.SetDefault("pattern_recurrence", 3)
	v.SetDefault("alert_cooldown", 5*time.Minute)
	v.SetDefault("correlation_min_len", 30)
	v.SetDefault("correlation_limit", 0.7)
	v.SetDefault("shed_high_water", 5000)
	v.SetDefault("shed_keep_one_in", 10)
	v.SetDefault("dependency_map_path", "")

	v.SetDefault("fanout_queue_size", 1000)

	v.SetDefault("rpc_deadline", 5*time.Second)
	v.SetDefault("heartbeat_interval", 30*time.Second)
	v.SetDefault("heartbeat_timeout", 90*time.Second)
	v.SetDefault("shutdown_deadline", 30*time.Second)

	v.SetDefault("collector_failure_limit", 5)
	v.SetDefault("collectors.system.enabled", true)
	v.SetDefault("collectors.system.interval", 15*time.Second)
	v.SetDefault("collectors.application.enabled", false)
	v.SetDefault("collectors.application.interval", 30*time.Second)
	v.SetDefault("collectors.container.enabled", false)
	v.SetDefault("collectors.container.interval", 30*time.Second)
	v.SetDefault("collectors.container.host", "")
	v.SetDefault("collectors.database.enabled", false)
	v.SetDefault("collectors.database.interval", 30*time.Second)
	v.SetDefault("collectors.log_files.enabled", false)
	v.SetDefault("collectors.log_files.interval", time.Second)
}

// Load reads the configuration. path may be empty, in which case only
// environment variables and defaults apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "config: cannot read %s", path)
		}
	}

	c := &Config{
		Listen:        v.GetString("listen"),
		DBPath:        v.GetString("db_path"),
		Environment:   v.GetString("environment"),
		Hostname:      v.GetString("hostname"),
		LogLevel:      v.GetString("log_level"),
		RetentionDays: v.GetInt("retention_days"),

		BusCapacity:     v.GetInt("bus_capacity"),
		BusOverflow:     OverflowPolicy(v.GetString("bus_overflow")),
		BusBlockTimeout: v.GetDuration("bus_block_timeout"),

		EnricherWorkers:   v.GetInt("enricher_workers"),
		MaxMessageBytes:   v.GetInt("max_message_bytes"),
		CorrelationTagKey: v.GetStringSlice("correlation_tag_keys"),

		StoreBatchSize: v.GetInt("store_batch_size"),
		StoreBatchWait: v.GetDuration("store_batch_wait"),
		PruneInterval:  v.GetDuration("prune_interval"),
		SnapshotEvery:  v.GetDuration("snapshot_every"),
		TimestampSkew:  v.GetDuration("timestamp_skew"),
		QueryLimitCap:  v.GetInt("query_limit_cap"),

		AnomalySigma:      v.GetFloat64("anomaly_sigma"),
		AnomalyMinSamples: v.GetInt("anomaly_min_samples"),
		WindowSize:        v.GetInt("window_size"),
		WindowSpan:        v.GetDuration("window_span"),
		LearningRate:      v.GetFloat64("learning_rate"),
		ThresholdEvery:    v.GetInt("threshold_every"),
		PatternRecurrence: v.GetInt("pattern_recurrence"),
		AlertCooldown:     v.GetDuration("alert_cooldown"),
		CorrelationMinLen: v.GetInt("correlation_min_len"),
		CorrelationLimit:  v.GetFloat64("correlation_limit"),
		ShedHighWater:     v.GetInt("shed_high_water"),
		ShedKeepOneIn:     v.GetInt("shed_keep_one_in"),
		DependencyMapPath: v.GetString("dependency_map_path"),

		FanoutQueueSize: v.GetInt("fanout_queue_size"),

		RPCDeadline:       v.GetDuration("rpc_deadline"),
		HeartbeatInterval: v.GetDuration("heartbeat_interval"),
		HeartbeatTimeout:  v.GetDuration("heartbeat_timeout"),
		ShutdownDeadline:  v.GetDuration("shutdown_deadline"),

		CollectorFailureLimit: v.GetInt("collector_failure_limit"),
	}

	if err := v.UnmarshalKey("base_thresholds", &c.BaseThresholds); err != nil {
		return nil, errors.Wrap(err, "config: invalid base_thresholds")
	}
	if err := v.UnmarshalKey("collectors", &c.Collectors); err != nil {
		return nil, errors.Wrap(err, "config: invalid collectors")
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) validate() error {
	switch c.BusOverflow {
	case OverflowBlock, OverflowDropNew, OverflowDropOldest:
	default:
		return errors.Errorf("config: unknown bus_overflow policy %q", c.BusOverflow)
	}
	if c.BusCapacity <= 0 {
		return errors.New("config: bus_capacity must be positive")
	}
	if c.EnricherWorkers <= 0 {
		return errors.New("config: enricher_workers must be positive")
	}
	if c.RetentionDays <= 0 {
		return errors.New("config: retention_days must be positive")
	}
	if c.LearningRate < 0 || c.LearningRate > 1 {
		return errors.New("config: learning_rate must be within [0, 1]")
	}
	return nil
}

// Retention returns the retention window as a duration.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}
