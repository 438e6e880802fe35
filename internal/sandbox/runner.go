package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"golang.org/x/time/rate"

	"github.com/autoeda-io/chartengine/internal/config"
)

const (
	// pollInterval is the granularity of the parent's cancel/timeout checks
	// while a child is running.
	pollInterval = 10 * time.Millisecond

	templateCPUSecs  = 2
	generatedCPUSecs = 3

	maxRows = 200
)

// CancelCheck reports whether the current run should be abandoned. The
// runner consults it before starting work and at every poll tick.
type CancelCheck func() bool

// Runner executes chart snippets in isolated child processes. One Runner is
// shared by all workers; each invocation gets a fresh temporary working
// directory, a scrubbed environment, and its own child process.
type Runner struct {
	timeout    time.Duration
	memLimitMB int
	dataDir    string
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// NewRunner creates a runner with the given limits. dataDir is the root
// under which dataset CSVs live (datasets/<id>.csv). A SpawnRPS of 0 leaves
// child creation unthrottled.
func NewRunner(cfg config.SandboxConfig, dataDir string, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}

	var limiter *rate.Limiter
	if cfg.SpawnRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.SpawnRPS), 1)
	}

	return &Runner{
		timeout:    cfg.Timeout,
		memLimitMB: cfg.MemLimitMB,
		dataDir:    dataDir,
		limiter:    limiter,
		logger:     logger,
	}
}

// RunTemplate renders a built-in template in-process. No sandboxing; used
// for trusted inline generation. The cancel callback is honoured before any
// work happens.
func (r *Runner) RunTemplate(hint, datasetID string, cancel CancelCheck) (*Result, error) {
	start := time.Now()

	if cancel != nil && cancel() {
		return nil, newError(KindCancelled, "cancelled before start")
	}

	result := templateResult(hint, datasetID)
	result.setMeta("sandbox", "inline")
	result.setMeta("duration_ms", time.Since(start).Milliseconds())

	return result, nil
}

// RunTemplateSubprocess renders a built-in template in an isolated child
// running a fixed, system-authored snippet.
func (r *Runner) RunTemplateSubprocess(hint, datasetID string, cancel CancelCheck) (*Result, error) {
	program := buildProgram(templateSnippet, r.memLimitMB, templateCPUSecs)
	input := map[string]any{
		"kind":       normalizeHint(hint),
		"dataset_id": datasetID,
	}

	result, err := r.execSnippet(program, input, r.timeout, cancel)
	if err != nil {
		return nil, err
	}

	result.setMeta("engine", "template")
	result.setMeta("sandbox", "subprocess")
	result.setMeta("dataset_id", datasetID)
	result.setMeta("hint", hint)

	return result, nil
}

// RunGeneratedChart executes the templated dataset-reading snippet in an
// isolated child: it loads the dataset CSV when present and derives a
// Vega-Lite spec from real data, bounded to the first numeric column of at
// most 200 rows.
func (r *Runner) RunGeneratedChart(jobID, hint, datasetID string, cancel CancelCheck) (*Result, error) {
	program := buildProgram(generatedSnippet, r.memLimitMB, generatedCPUSecs)
	input := map[string]any{
		"kind":     normalizeHint(hint),
		"max_rows": maxRows,
	}

	if datasetID != "" {
		input["csv_path"] = r.datasetPath(datasetID)
	}

	result, err := r.execSnippet(program, input, r.timeout, cancel)
	if err != nil {
		return nil, err
	}

	result.setMeta("engine", "generated")
	result.setMeta("sandbox", "subprocess")
	result.setMeta("dataset_id", datasetID)
	result.setMeta("hint", hint)

	if jobID != "" {
		result.setMeta("job_id", jobID)
	}

	return result, nil
}

// RunCodeExec executes a user-provided snippet under subprocess isolation
// after the static allowlist has vetted it. The snippet must print the
// Result JSON shape on stdout.
func (r *Runner) RunCodeExec(code, datasetID string, timeout time.Duration) (*Result, error) {
	if err := Inspect(code); err != nil {
		return nil, err
	}

	if timeout < 0 {
		timeout = r.timeout
	}

	program := buildProgram(execGuardPrelude+"\n"+code, r.memLimitMB, generatedCPUSecs)
	input := map[string]any{
		"dataset_id": datasetID,
	}

	if datasetID != "" {
		input["csv_path"] = r.datasetPath(datasetID)
	}

	result, err := r.execSnippet(program, input, timeout, nil)
	if err != nil {
		return nil, err
	}

	result.setMeta("engine", "exec")
	result.setMeta("sandbox", "subprocess")
	result.setMeta("dataset_id", datasetID)

	return result, nil
}

func (r *Runner) datasetPath(datasetID string) string {
	path := filepath.Join(r.dataDir, "datasets", datasetID+".csv")

	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}

	return path
}

// execSnippet runs one child to completion under the cancel/timeout
// protocol: a fresh temporary working directory holding in.json, a scrubbed
// environment, and a poll loop that kills the child the moment the cancel
// callback trips or the wall clock runs out.
func (r *Runner) execSnippet(program string, input map[string]any, timeout time.Duration, cancel CancelCheck) (*Result, error) {
	if cancel != nil && cancel() {
		return nil, newError(KindCancelled, "cancelled before start")
	}

	tmpDir, err := os.MkdirTemp("", "chartengine-sbx-")
	if err != nil {
		return nil, newError(KindUnknown, fmt.Sprintf("failed to create sandbox dir: %v", err))
	}

	defer func() {
		if rmErr := os.RemoveAll(tmpDir); rmErr != nil {
			r.logger.Warn("failed to prune sandbox dir",
				slog.String("dir", tmpDir),
				slog.Any("error", rmErr),
			)
		}
	}()

	payload, err := json.Marshal(input)
	if err != nil {
		return nil, newError(KindUnknown, fmt.Sprintf("failed to encode sandbox input: %v", err))
	}

	if err := os.WriteFile(filepath.Join(tmpDir, "in.json"), payload, 0o644); err != nil {
		return nil, newError(KindUnknown, fmt.Sprintf("failed to write sandbox input: %v", err))
	}

	if r.limiter != nil {
		waitBudget := timeout
		if waitBudget <= 0 {
			waitBudget = pollInterval
		}

		ctx, cancelWait := context.WithTimeout(context.Background(), waitBudget)
		defer cancelWait()

		if err := r.limiter.Wait(ctx); err != nil {
			return nil, newError(KindUnknown, "child spawn throttled")
		}
	}

	cmd := exec.Command("python3", "-I", "-c", program)
	cmd.Dir = tmpDir
	cmd.Env = childEnv()

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()

	if err := cmd.Start(); err != nil {
		return nil, newError(KindUnknown, fmt.Sprintf("failed to start child: %v", err))
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	var waitErr error

poll:
	for {
		select {
		case waitErr = <-done:
			break poll
		case <-ticker.C:
			if cancel != nil && cancel() {
				_ = cmd.Process.Kill()
				<-done

				return nil, newError(KindCancelled, "cancelled during execution")
			}

			if time.Since(start) >= timeout {
				_ = cmd.Process.Kill()
				<-done

				return nil, newError(KindTimeout, fmt.Sprintf("wall time exceeded %s", timeout))
			}
		}
	}

	if waitErr != nil {
		return nil, newFormatError(fmt.Sprintf("child exited with error: %v", waitErr), stderr.String())
	}

	out := bytes.TrimSpace(stdout.Bytes())
	if len(out) == 0 {
		return nil, newFormatError("child emitted no output", stderr.String())
	}

	var result Result
	if err := json.Unmarshal(out, &result); err != nil {
		return nil, newFormatError(fmt.Sprintf("child emitted unparseable result: %v", err), stderr.String())
	}

	if len(result.Outputs) == 0 {
		return nil, newFormatError("child result has no outputs", stderr.String())
	}

	result.setMeta("duration_ms", time.Since(start).Milliseconds())

	return &result, nil
}

// childEnv is the scrubbed child environment: a minimal PATH, unbuffered
// interpreter output, and the test-only delay knobs when set in the parent.
func childEnv() []string {
	env := []string{
		"PATH=/usr/bin:/bin",
		"PYTHONUNBUFFERED=1",
	}

	for _, knob := range []string{"AUTOEDA_SB_TEST_DELAY_MS", "AUTOEDA_SB_TEST_DELAY2_MS"} {
		if v := os.Getenv(knob); v != "" {
			env = append(env, knob+"="+v)
		}
	}

	return env
}
