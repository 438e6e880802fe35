// Package config provides functions for reading config settings from ENV.
package config

import (
	"log/slog"
	"path/filepath"
	"time"
)

const (
	// DefaultWorkerCount is the default number of scheduler workers.
	DefaultWorkerCount = 1
	// DefaultSandboxTimeout is the default wall-clock limit for one sandbox run.
	DefaultSandboxTimeout = 10 * time.Second
	// DefaultDataDir is the default root for persisted artifacts.
	DefaultDataDir = "./data"
	// DefaultKafkaTopic is the default topic for the optional metrics event sink.
	DefaultKafkaTopic = "chartengine.events"
	// DefaultLogLevel is the default log level.
	DefaultLogLevel = slog.LevelInfo
)

type (
	// EngineConfig holds scheduler and facade configuration.
	EngineConfig struct {
		// Async selects the queued worker-pool mode; false runs submissions inline.
		Async bool

		// WorkerCount is the number of workers sharing the queue (P).
		WorkerCount int

		// ExecuteUserFlow selects the generated-chart subprocess path for
		// hint-driven jobs instead of the template paths.
		ExecuteUserFlow bool

		// SubprocessTemplates renders templates in an isolated child process
		// instead of inline when ExecuteUserFlow is off.
		SubprocessTemplates bool

		// DataDir is the root for per-job results and the saved-charts file.
		DataDir string

		// LogLevel controls the service-wide slog level.
		LogLevel slog.Level
	}

	// SandboxConfig holds resource and isolation limits for child processes.
	SandboxConfig struct {
		// Timeout is the wall-clock limit enforced by the parent poll loop.
		Timeout time.Duration

		// MemLimitMB caps the child address space (RLIMIT_AS), in MiB.
		MemLimitMB int

		// SpawnRPS throttles child process creation; 0 disables the limiter.
		SpawnRPS float64
	}

	// MetricsConfig holds event-log and sink configuration.
	MetricsConfig struct {
		// LogPath is the append-only JSONL event log.
		LogPath string

		// KafkaBrokers enables the optional Kafka event sink when non-empty.
		KafkaBrokers []string

		// KafkaTopic is the topic events are published to.
		KafkaTopic string

		// SLOThresholds is the raw JSON threshold override, if any.
		SLOThresholds string
	}
)

// LoadEngineConfig loads scheduler configuration from environment variables
// with sensible defaults.
func LoadEngineConfig() EngineConfig {
	workers := GetEnvInt("CHARTENGINE_CHARTS_PARALLELISM", DefaultWorkerCount)
	if workers < 1 {
		workers = 1
	}

	return EngineConfig{
		Async:               GetEnvBool("CHARTENGINE_CHARTS_ASYNC", false),
		WorkerCount:         workers,
		ExecuteUserFlow:     GetEnvBool("CHARTENGINE_SANDBOX_EXECUTE", false),
		SubprocessTemplates: GetEnvBool("CHARTENGINE_SANDBOX_SUBPROCESS", false),
		DataDir:             GetEnvStr("CHARTENGINE_DATA_DIR", DefaultDataDir),
		LogLevel:            GetEnvLogLevel("CHARTENGINE_LOG_LEVEL", DefaultLogLevel),
	}
}

// LoadSandboxConfig loads sandbox limits from environment variables.
func LoadSandboxConfig() SandboxConfig {
	return SandboxConfig{
		Timeout:    GetEnvDuration("CHARTENGINE_SANDBOX_TIMEOUT", DefaultSandboxTimeout),
		MemLimitMB: GetEnvInt("CHARTENGINE_SANDBOX_MEM_MB", 512),
		SpawnRPS:   GetEnvFloat("CHARTENGINE_SANDBOX_SPAWN_RPS", 0),
	}
}

// LoadMetricsConfig loads metrics configuration from environment variables.
// The event log defaults to <dataDir>/metrics/events.jsonl.
func LoadMetricsConfig(dataDir string) MetricsConfig {
	return MetricsConfig{
		LogPath:       GetEnvStr("CHARTENGINE_METRICS_LOG", filepath.Join(dataDir, "metrics", "events.jsonl")),
		KafkaBrokers:  ParseCommaSeparatedList(GetEnvStr("CHARTENGINE_METRICS_KAFKA_BROKERS", "")),
		KafkaTopic:    GetEnvStr("CHARTENGINE_METRICS_KAFKA_TOPIC", DefaultKafkaTopic),
		SLOThresholds: GetEnvStr("CHARTENGINE_SLO_THRESHOLDS", ""),
	}
}
