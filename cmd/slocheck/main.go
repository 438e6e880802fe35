// Package main provides the offline SLO checker for the chart engine.
//
// It replays a persisted metrics event log into an in-memory store,
// evaluates the configured thresholds, prints the full report as JSON, and
// exits non-zero when any threshold is violated. Intended for CI gates and
// operator spot checks.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/autoeda-io/chartengine/internal/config"
	"github.com/autoeda-io/chartengine/internal/metrics"
)

const (
	version = "1.0.0-dev"
	name    = "slocheck"

	// outputEnv names an optional file the report is also written to.
	outputEnv = "CHARTENGINE_SLO_OUTPUT"
)

// report is the JSON document printed on stdout.
type report struct {
	Thresholds map[string]metrics.Threshold `json:"slo_thresholds"`
	Snapshot   metrics.Snapshot             `json:"snapshot"`
	Violations map[string]metrics.Violation `json:"violations"`
	EventLog   string                       `json:"event_log"`
}

func main() {
	os.Exit(run())
}

func run() int {
	versionFlag := flag.Bool("version", false, "show version information")
	thresholdsPath := flag.String("thresholds", "", "YAML or JSON file overriding the default SLO thresholds")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)

		return 0
	}

	metricsConfig := config.LoadMetricsConfig(config.GetEnvStr("CHARTENGINE_DATA_DIR", config.DefaultDataDir))

	logPath := metricsConfig.LogPath
	if flag.NArg() > 0 {
		logPath = flag.Arg(0)
	}

	thresholds := metrics.ResolveThresholds(metricsConfig.SLOThresholds, nil)

	if *thresholdsPath != "" {
		overrides, err := loadThresholdFile(*thresholdsPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", name, err)

			return 2
		}

		for event, limit := range overrides {
			thresholds[event] = limit
		}
	}

	store := metrics.NewStore(logPath, nil, nil)
	store.BootstrapFromEvents(metrics.LoadEventLog(logPath))

	violations := store.DetectViolations(thresholds)

	out := report{
		Thresholds: thresholds,
		Snapshot:   store.Snapshot(),
		Violations: violations,
		EventLog:   logPath,
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: encode report: %v\n", name, err)

		return 2
	}

	fmt.Println(string(data))

	if dest := os.Getenv(outputEnv); dest != "" {
		if err := writeReport(dest, data); err != nil {
			fmt.Fprintf(os.Stderr, "%s: write report: %v\n", name, err)
		}
	}

	for _, v := range violations {
		if v.P95Exceeded || v.GroundednessBelow {
			return 1
		}
	}

	return 0
}

// loadThresholdFile reads a threshold override map from a YAML or JSON file.
// YAML is a superset of JSON here, so one decoder covers both.
func loadThresholdFile(path string) (map[string]metrics.Threshold, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	overrides := make(map[string]metrics.Threshold)
	if err := yaml.Unmarshal(raw, &overrides); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	return overrides, nil
}

func writeReport(dest string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}

	return os.WriteFile(dest, append(data, '\n'), 0o644)
}
