package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full configuration surface of the subsystem
type Config struct {
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Queue      QueueConfig      `yaml:"queue" mapstructure:"queue"`
	Workers    WorkerConfig     `yaml:"workers" mapstructure:"workers"`
	Errors     ErrorConfig      `yaml:"errors" mapstructure:"errors"`
	Batch      BatchConfig      `yaml:"batch" mapstructure:"batch"`
	Pipeline   PipelineConfig   `yaml:"pipeline" mapstructure:"pipeline"`
	Sessions   SessionConfig    `yaml:"sessions" mapstructure:"sessions"`
	Checkpoint CheckpointConfig `yaml:"checkpoint" mapstructure:"checkpoint"`
	Rollback   RollbackConfig   `yaml:"rollback" mapstructure:"rollback"`
	Stores     StoreConfig      `yaml:"stores" mapstructure:"stores"`
	HTTPAddr   string           `yaml:"http_addr" mapstructure:"http_addr"`
	Shutdown   time.Duration    `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
}

// LogConfig controls the process logger
type LogConfig struct {
	Level string `yaml:"level" mapstructure:"level"`
	JSON  bool   `yaml:"json" mapstructure:"json"`
}

// PartitionStrategy selects how tasks map to queue partitions
type PartitionStrategy string

const (
	StrategyRoundRobin PartitionStrategy = "round_robin"
	StrategyHash       PartitionStrategy = "hash"
	StrategyPriority   PartitionStrategy = "priority"
)

// QueueConfig configures the task queue manager
type QueueConfig struct {
	Partitions            int               `yaml:"partitions" mapstructure:"partitions"`
	EnableBackpressure    bool              `yaml:"enable_backpressure" mapstructure:"enable_backpressure"`
	BackpressureThreshold int               `yaml:"backpressure_threshold" mapstructure:"backpressure_threshold"`
	PartitionStrategy     PartitionStrategy `yaml:"partition_strategy" mapstructure:"partition_strategy"`
	MetricsInterval       time.Duration     `yaml:"metrics_interval" mapstructure:"metrics_interval"`
}

// ScalingRules bound the auto-scaler
type ScalingRules struct {
	ScaleUpThreshold   float64       `yaml:"scale_up_threshold" mapstructure:"scale_up_threshold"`
	ScaleDownThreshold float64       `yaml:"scale_down_threshold" mapstructure:"scale_down_threshold"`
	ScaleUpCooldown    time.Duration `yaml:"scale_up_cooldown" mapstructure:"scale_up_cooldown"`
	ScaleDownCooldown  time.Duration `yaml:"scale_down_cooldown" mapstructure:"scale_down_cooldown"`
}

// WorkerConfig configures the worker pool
type WorkerConfig struct {
	MinWorkers          int           `yaml:"min_workers" mapstructure:"min_workers"`
	MaxWorkers          int           `yaml:"max_workers" mapstructure:"max_workers"`
	WorkerTimeout       time.Duration `yaml:"worker_timeout" mapstructure:"worker_timeout"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval" mapstructure:"health_check_interval"`
	RestartThreshold    int           `yaml:"restart_threshold" mapstructure:"restart_threshold"`
	AutoScale           bool          `yaml:"auto_scale" mapstructure:"auto_scale"`
	ScalingRules        ScalingRules  `yaml:"scaling_rules" mapstructure:"scaling_rules"`
}

// RetryConfig configures retry backoff
type RetryConfig struct {
	MaxAttempts       int           `yaml:"max_attempts" mapstructure:"max_attempts"`
	BaseDelay         time.Duration `yaml:"base_delay" mapstructure:"base_delay"`
	MaxDelay          time.Duration `yaml:"max_delay" mapstructure:"max_delay"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier" mapstructure:"backoff_multiplier"`
	JitterFactor      float64       `yaml:"jitter_factor" mapstructure:"jitter_factor"`
	RetryableErrors   []string      `yaml:"retryable_errors" mapstructure:"retryable_errors"`
}

// BreakerConfig configures the circuit breaker
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	TimeoutThreshold time.Duration `yaml:"timeout_threshold" mapstructure:"timeout_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout" mapstructure:"reset_timeout"`
	MonitoringWindow time.Duration `yaml:"monitoring_window" mapstructure:"monitoring_window"`
}

// DLQConfig configures the dead-letter queue
type DLQConfig struct {
	Enabled       bool          `yaml:"enabled" mapstructure:"enabled"`
	MaxSize       int           `yaml:"max_size" mapstructure:"max_size"`
	RetentionTime time.Duration `yaml:"retention_time" mapstructure:"retention_time"`
}

// ReportingConfig rate-limits error reporting
type ReportingConfig struct {
	Enabled            bool    `yaml:"enabled" mapstructure:"enabled"`
	SampleRate         float64 `yaml:"sample_rate" mapstructure:"sample_rate"`
	MaxErrorsPerMinute int     `yaml:"max_errors_per_minute" mapstructure:"max_errors_per_minute"`
}

// ErrorConfig wraps the error handling knobs
type ErrorConfig struct {
	Retry           RetryConfig     `yaml:"retry" mapstructure:"retry"`
	CircuitBreaker  BreakerConfig   `yaml:"circuit_breaker" mapstructure:"circuit_breaker"`
	DeadLetterQueue DLQConfig       `yaml:"dead_letter_queue" mapstructure:"dead_letter_queue"`
	ErrorReporting  ReportingConfig `yaml:"error_reporting" mapstructure:"error_reporting"`
}

// StreamingConfig bounds the streaming write path inside the batch processor
type StreamingConfig struct {
	BatchSize           int           `yaml:"batch_size" mapstructure:"batch_size"`
	MaxConcurrentWrites int           `yaml:"max_concurrent_writes" mapstructure:"max_concurrent_writes"`
	IdempotencyKeyTTL   time.Duration `yaml:"idempotency_key_ttl" mapstructure:"idempotency_key_ttl"`
}

// BatchConfig configures the batch processor
type BatchConfig struct {
	EntityBatchSize       int             `yaml:"entity_batch_size" mapstructure:"entity_batch_size"`
	RelationshipBatchSize int             `yaml:"relationship_batch_size" mapstructure:"relationship_batch_size"`
	EmbeddingBatchSize    int             `yaml:"embedding_batch_size" mapstructure:"embedding_batch_size"`
	Timeout               time.Duration   `yaml:"timeout" mapstructure:"timeout"`
	MaxConcurrentBatches  int             `yaml:"max_concurrent_batches" mapstructure:"max_concurrent_batches"`
	Streaming             StreamingConfig `yaml:"streaming" mapstructure:"streaming"`
	EnableDAG             bool            `yaml:"enable_dag" mapstructure:"enable_dag"`
	EpochTTL              time.Duration   `yaml:"epoch_ttl" mapstructure:"epoch_ttl"`
	DependencyTimeout     time.Duration   `yaml:"dependency_timeout" mapstructure:"dependency_timeout"`
}

// AlertThresholds are the levels at which the pipeline raises alert events.
// A zero threshold disables that alert.
type AlertThresholds struct {
	QueueDepth int           `yaml:"queue_depth" mapstructure:"queue_depth"`
	ErrorRate  float64       `yaml:"error_rate" mapstructure:"error_rate"`
	P95Latency time.Duration `yaml:"p95_latency" mapstructure:"p95_latency"`
}

// PipelineConfig configures the ingestion pipeline orchestrator
type PipelineConfig struct {
	MetricsInterval    time.Duration   `yaml:"metrics_interval" mapstructure:"metrics_interval"`
	EnrichmentPriority int             `yaml:"enrichment_priority" mapstructure:"enrichment_priority"`
	Alerts             AlertThresholds `yaml:"alerts" mapstructure:"alerts"`
}

// SessionConfig configures the session store and manager
type SessionConfig struct {
	DefaultTTL             time.Duration `yaml:"default_ttl" mapstructure:"default_ttl"`
	CheckpointInterval     int           `yaml:"checkpoint_interval" mapstructure:"checkpoint_interval"`
	MaxEventsPerSession    int           `yaml:"max_events_per_session" mapstructure:"max_events_per_session"`
	GraceTTL               time.Duration `yaml:"grace_ttl" mapstructure:"grace_ttl"`
	EnableFailureSnapshots bool          `yaml:"enable_failure_snapshots" mapstructure:"enable_failure_snapshots"`
	PubSubChannels         []string      `yaml:"pub_sub_channels" mapstructure:"pub_sub_channels"`
}

// CheckpointConfig configures the checkpoint job runner
type CheckpointConfig struct {
	Concurrency int           `yaml:"concurrency" mapstructure:"concurrency"`
	RetryDelay  time.Duration `yaml:"retry_delay" mapstructure:"retry_delay"`
	MaxAttempts int           `yaml:"max_attempts" mapstructure:"max_attempts"`
}

// RollbackConfig configures the rollback manager
type RollbackConfig struct {
	MaxRollbackPoints    int           `yaml:"max_rollback_points" mapstructure:"max_rollback_points"`
	DefaultTTL           time.Duration `yaml:"default_ttl" mapstructure:"default_ttl"`
	EnablePersistence    bool          `yaml:"enable_persistence" mapstructure:"enable_persistence"`
	RequireDatabaseReady bool          `yaml:"require_database_ready" mapstructure:"require_database_ready"`
}

// StoreConfig points at the external stores
type StoreConfig struct {
	RedisAddr     string `yaml:"redis_addr" mapstructure:"redis_addr"`
	RedisDB       int    `yaml:"redis_db" mapstructure:"redis_db"`
	RedisPassword string `yaml:"redis_password" mapstructure:"redis_password"`
	JobDBPath     string `yaml:"job_db_path" mapstructure:"job_db_path"`
	DataDir       string `yaml:"data_dir" mapstructure:"data_dir"`
	WatchDir      string `yaml:"watch_dir" mapstructure:"watch_dir"`
}

// Default returns the configuration used when no file or env overrides exist
func Default() *Config {
	return &Config{
		Log:      LogConfig{Level: "info", JSON: true},
		HTTPAddr: ":9464",
		Shutdown: 30 * time.Second,
		Queue: QueueConfig{
			Partitions:            10,
			EnableBackpressure:    true,
			BackpressureThreshold: 10000,
			PartitionStrategy:     StrategyRoundRobin,
			MetricsInterval:       15 * time.Second,
		},
		Workers: WorkerConfig{
			MinWorkers:          2,
			MaxWorkers:          16,
			WorkerTimeout:       60 * time.Second,
			HealthCheckInterval: 5 * time.Second,
			RestartThreshold:    5,
			AutoScale:           true,
			ScalingRules: ScalingRules{
				ScaleUpThreshold:   0.8,
				ScaleDownThreshold: 0.2,
				ScaleUpCooldown:    30 * time.Second,
				ScaleDownCooldown:  60 * time.Second,
			},
		},
		Errors: ErrorConfig{
			Retry: RetryConfig{
				MaxAttempts:       3,
				BaseDelay:         100 * time.Millisecond,
				MaxDelay:          30 * time.Second,
				BackoffMultiplier: 2.0,
				JitterFactor:      0.2,
			},
			CircuitBreaker: BreakerConfig{
				FailureThreshold: 5,
				TimeoutThreshold: 10 * time.Second,
				ResetTimeout:     30 * time.Second,
				MonitoringWindow: time.Minute,
			},
			DeadLetterQueue: DLQConfig{
				Enabled:       true,
				MaxSize:       1000,
				RetentionTime: 24 * time.Hour,
			},
			ErrorReporting: ReportingConfig{
				Enabled:            true,
				SampleRate:         1.0,
				MaxErrorsPerMinute: 60,
			},
		},
		Batch: BatchConfig{
			EntityBatchSize:       200,
			RelationshipBatchSize: 500,
			EmbeddingBatchSize:    100,
			Timeout:               30 * time.Second,
			MaxConcurrentBatches:  4,
			Streaming: StreamingConfig{
				BatchSize:           100,
				MaxConcurrentWrites: 8,
				IdempotencyKeyTTL:   10 * time.Minute,
			},
			EnableDAG:         true,
			EpochTTL:          5 * time.Minute,
			DependencyTimeout: 30 * time.Second,
		},
		Pipeline: PipelineConfig{
			MetricsInterval:    15 * time.Second,
			EnrichmentPriority: 8,
			Alerts: AlertThresholds{
				QueueDepth: 5000,
				ErrorRate:  0.25,
				P95Latency: 2 * time.Second,
			},
		},
		Sessions: SessionConfig{
			DefaultTTL:             time.Hour,
			CheckpointInterval:     10,
			MaxEventsPerSession:    10000,
			GraceTTL:               5 * time.Minute,
			EnableFailureSnapshots: false,
		},
		Checkpoint: CheckpointConfig{
			Concurrency: 2,
			RetryDelay:  5 * time.Second,
			MaxAttempts: 3,
		},
		Rollback: RollbackConfig{
			MaxRollbackPoints: 100,
			DefaultTTL:        24 * time.Hour,
			EnablePersistence: false,
		},
		Stores: StoreConfig{
			RedisAddr: "localhost:6379",
			JobDBPath: "checkpoint-jobs.db",
			DataDir:   ".",
		},
	}
}

// Load reads configuration from an optional YAML file and SIGMACHAD_*
// environment variables layered over the defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("SIGMACHAD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := Default()
	setDefaults(v, cfg)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.json", cfg.Log.JSON)
	v.SetDefault("http_addr", cfg.HTTPAddr)
	v.SetDefault("shutdown_timeout", cfg.Shutdown)
	v.SetDefault("queue.partitions", cfg.Queue.Partitions)
	v.SetDefault("queue.enable_backpressure", cfg.Queue.EnableBackpressure)
	v.SetDefault("queue.backpressure_threshold", cfg.Queue.BackpressureThreshold)
	v.SetDefault("queue.partition_strategy", string(cfg.Queue.PartitionStrategy))
	v.SetDefault("queue.metrics_interval", cfg.Queue.MetricsInterval)
	v.SetDefault("workers.min_workers", cfg.Workers.MinWorkers)
	v.SetDefault("workers.max_workers", cfg.Workers.MaxWorkers)
	v.SetDefault("workers.worker_timeout", cfg.Workers.WorkerTimeout)
	v.SetDefault("workers.health_check_interval", cfg.Workers.HealthCheckInterval)
	v.SetDefault("workers.restart_threshold", cfg.Workers.RestartThreshold)
	v.SetDefault("workers.auto_scale", cfg.Workers.AutoScale)
	v.SetDefault("errors.retry.max_attempts", cfg.Errors.Retry.MaxAttempts)
	v.SetDefault("errors.retry.base_delay", cfg.Errors.Retry.BaseDelay)
	v.SetDefault("errors.retry.max_delay", cfg.Errors.Retry.MaxDelay)
	v.SetDefault("errors.retry.backoff_multiplier", cfg.Errors.Retry.BackoffMultiplier)
	v.SetDefault("errors.retry.jitter_factor", cfg.Errors.Retry.JitterFactor)
	v.SetDefault("batch.entity_batch_size", cfg.Batch.EntityBatchSize)
	v.SetDefault("batch.relationship_batch_size", cfg.Batch.RelationshipBatchSize)
	v.SetDefault("batch.embedding_batch_size", cfg.Batch.EmbeddingBatchSize)
	v.SetDefault("batch.enable_dag", cfg.Batch.EnableDAG)
	v.SetDefault("sessions.default_ttl", cfg.Sessions.DefaultTTL)
	v.SetDefault("pipeline.metrics_interval", cfg.Pipeline.MetricsInterval)
	v.SetDefault("pipeline.enrichment_priority", cfg.Pipeline.EnrichmentPriority)
	v.SetDefault("pipeline.alerts.queue_depth", cfg.Pipeline.Alerts.QueueDepth)
	v.SetDefault("pipeline.alerts.error_rate", cfg.Pipeline.Alerts.ErrorRate)
	v.SetDefault("pipeline.alerts.p95_latency", cfg.Pipeline.Alerts.P95Latency)
	v.SetDefault("sessions.checkpoint_interval", cfg.Sessions.CheckpointInterval)
	v.SetDefault("sessions.grace_ttl", cfg.Sessions.GraceTTL)
	v.SetDefault("checkpoint.concurrency", cfg.Checkpoint.Concurrency)
	v.SetDefault("checkpoint.retry_delay", cfg.Checkpoint.RetryDelay)
	v.SetDefault("checkpoint.max_attempts", cfg.Checkpoint.MaxAttempts)
	v.SetDefault("rollback.max_rollback_points", cfg.Rollback.MaxRollbackPoints)
	v.SetDefault("rollback.default_ttl", cfg.Rollback.DefaultTTL)
	v.SetDefault("stores.redis_addr", cfg.Stores.RedisAddr)
	v.SetDefault("stores.job_db_path", cfg.Stores.JobDBPath)
	v.SetDefault("stores.data_dir", cfg.Stores.DataDir)
}

// Validate checks invariants the components rely on
func (c *Config) Validate() error {
	if c.Queue.Partitions < 1 {
		return fmt.Errorf("queue.partitions must be >= 1, got %d", c.Queue.Partitions)
	}
	switch c.Queue.PartitionStrategy {
	case StrategyRoundRobin, StrategyHash, StrategyPriority:
	default:
		return fmt.Errorf("unknown partition strategy %q", c.Queue.PartitionStrategy)
	}
	if c.Workers.MinWorkers < 1 {
		return fmt.Errorf("workers.min_workers must be >= 1, got %d", c.Workers.MinWorkers)
	}
	if c.Workers.MaxWorkers < c.Workers.MinWorkers {
		return fmt.Errorf("workers.max_workers (%d) must be >= min_workers (%d)",
			c.Workers.MaxWorkers, c.Workers.MinWorkers)
	}
	if c.Errors.Retry.MaxAttempts < 1 {
		return fmt.Errorf("errors.retry.max_attempts must be >= 1, got %d", c.Errors.Retry.MaxAttempts)
	}
	if c.Errors.Retry.JitterFactor < 0 || c.Errors.Retry.JitterFactor > 1 {
		return fmt.Errorf("errors.retry.jitter_factor must be in [0,1], got %f", c.Errors.Retry.JitterFactor)
	}
	if c.Pipeline.EnrichmentPriority < 0 || c.Pipeline.EnrichmentPriority > 9 {
		return fmt.Errorf("pipeline.enrichment_priority must be in [0,9], got %d", c.Pipeline.EnrichmentPriority)
	}
	if c.Pipeline.Alerts.ErrorRate < 0 || c.Pipeline.Alerts.ErrorRate > 1 {
		return fmt.Errorf("pipeline.alerts.error_rate must be in [0,1], got %f", c.Pipeline.Alerts.ErrorRate)
	}
	if c.Checkpoint.Concurrency < 1 {
		return fmt.Errorf("checkpoint.concurrency must be >= 1, got %d", c.Checkpoint.Concurrency)
	}
	if c.Checkpoint.RetryDelay < 100*time.Millisecond {
		return fmt.Errorf("checkpoint.retry_delay must be >= 100ms, got %s", c.Checkpoint.RetryDelay)
	}
	if c.Checkpoint.MaxAttempts < 1 {
		return fmt.Errorf("checkpoint.max_attempts must be >= 1, got %d", c.Checkpoint.MaxAttempts)
	}
	if c.Sessions.CheckpointInterval < 1 {
		return fmt.Errorf("sessions.checkpoint_interval must be >= 1, got %d", c.Sessions.CheckpointInterval)
	}
	return nil
}
