// Package main provides the AutoEDA chart execution engine service.
//
// The engine accepts chart-generation jobs, runs each one in an isolated
// sandbox under strict resource caps, and exposes job/batch status, saved
// charts, and SLO metrics to the surrounding API service.
package main

import (
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/autoeda-io/chartengine/internal/config"
	"github.com/autoeda-io/chartengine/internal/engine"
	"github.com/autoeda-io/chartengine/internal/metrics"
	"github.com/autoeda-io/chartengine/internal/sandbox"
	"github.com/autoeda-io/chartengine/internal/saved"
)

// Version information.
const (
	version = "1.0.0-dev"
	name    = "chartengine"
)

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	engineConfig := config.LoadEngineConfig()
	sandboxConfig := config.LoadSandboxConfig()
	metricsConfig := config.LoadMetricsConfig(engineConfig.DataDir)

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: engineConfig.LogLevel,
	}))

	logger.Info("Starting chart engine",
		slog.String("service", name),
		slog.String("version", version),
	)

	logger.Info("Loaded engine configuration",
		slog.Bool("async", engineConfig.Async),
		slog.Int("workers", engineConfig.WorkerCount),
		slog.Bool("execute_user_flow", engineConfig.ExecuteUserFlow),
		slog.Bool("subprocess_templates", engineConfig.SubprocessTemplates),
		slog.String("data_dir", engineConfig.DataDir),
		slog.Duration("sandbox_timeout", sandboxConfig.Timeout),
		slog.String("metrics_log", metricsConfig.LogPath),
	)

	var sink metrics.Sink

	if len(metricsConfig.KafkaBrokers) > 0 {
		kafkaSink := metrics.NewKafkaSink(metricsConfig.KafkaBrokers, metricsConfig.KafkaTopic)
		defer kafkaSink.Close()

		sink = kafkaSink

		logger.Info("Metrics Kafka sink enabled",
			slog.Any("brokers", metricsConfig.KafkaBrokers),
			slog.String("topic", metricsConfig.KafkaTopic),
		)
	}

	metricsStore := metrics.NewStore(metricsConfig.LogPath, sink, logger)
	runner := sandbox.NewRunner(sandboxConfig, engineConfig.DataDir, logger)
	savedStore := saved.NewStore(filepath.Join(engineConfig.DataDir, "charts", "saved.json"))
	thresholds := metrics.ResolveThresholds(metricsConfig.SLOThresholds, logger)

	eng := engine.New(engineConfig, runner, metricsStore, savedStore, thresholds, logger)
	defer eng.Close()

	logger.Info("Chart engine ready")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("Chart engine stopping")
}
