package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/autoeda-io/chartengine/internal/metrics"
	"github.com/autoeda-io/chartengine/internal/redact"
	"github.com/autoeda-io/chartengine/internal/sandbox"
)

const (
	// gateRetryWait bounds how long a worker parks when a batch's gate is
	// closed before rescanning the queue.
	gateRetryWait = 50 * time.Millisecond

	// workerYield is the small pause between jobs so no worker monopolises
	// the queue lock.
	workerYield = 10 * time.Millisecond
)

func (e *Engine) startWorkers() {
	for i := 0; i < e.cfg.WorkerCount; i++ {
		e.workers.Add(1)

		go e.workerLoop(i + 1)
	}
}

// workerLoop is one scheduler worker. Selection order per pass:
//
//  1. Wait for a non-empty queue.
//  2. Round-robin fairness: prefer the first job whose batch differs from
//     the most recently served batch, falling back to the queue head.
//  3. Per-batch gate: if the batch already runs at its effective
//     parallelism, re-enqueue at the tail and park briefly.
//  4. Dispatch: mark running/generating, invoke the sandbox, finish the job.
func (e *Engine) workerLoop(id int) {
	defer e.workers.Done()

	for {
		e.mu.Lock()

		for len(e.queue) == 0 && !e.stopped {
			e.cond.Wait()
		}

		if e.stopped {
			e.mu.Unlock()

			return
		}

		idx := 0

		if e.lastServedBatch != "" {
			for i, entry := range e.queue {
				if entry.batchID != e.lastServedBatch {
					idx = i

					break
				}
			}
		}

		entry := e.queue[idx]
		e.queue = append(e.queue[:idx], e.queue[idx+1:]...)

		job, ok := e.jobs[entry.jobID]
		if !ok || job.Status != StateQueued {
			// Cancelled or unknown while queued; nothing to run.
			e.mu.Unlock()

			continue
		}

		if entry.batchID != "" {
			limit, configured := e.batchLimits[entry.batchID]
			if !configured {
				limit = e.cfg.WorkerCount
			}

			if e.batchRunning[entry.batchID] >= limit {
				e.queue = append(e.queue, entry)
				e.waitLocked(gateRetryWait)
				e.mu.Unlock()

				continue
			}

			e.batchRunning[entry.batchID]++
		}

		e.lastServedBatch = entry.batchID
		job.Status = StateRunning
		job.Stage = StageGenerating
		job.StartedAt = time.Now()
		e.mu.Unlock()

		e.executeJob(job)

		e.mu.Lock()

		if entry.batchID != "" && e.batchRunning[entry.batchID] > 0 {
			e.batchRunning[entry.batchID]--
		}

		e.cond.Broadcast()
		e.mu.Unlock()

		time.Sleep(workerYield)
	}
}

// waitLocked parks on the condition variable for at most d. Caller holds
// e.mu; the lock is held again on return. sync.Cond has no timed wait, so a
// timer re-acquires the mutex (guaranteeing the waiter is parked) before
// broadcasting.
func (e *Engine) waitLocked(d time.Duration) {
	timer := time.AfterFunc(d, func() {
		e.mu.Lock()
		//nolint:staticcheck // empty critical section orders the broadcast after Wait parks.
		e.mu.Unlock()
		e.cond.Broadcast()
	})
	defer timer.Stop()

	e.cond.Wait()
}

// executeJob drives one running job to its single terminal transition and
// emits ChartJobFinished after that state is visible in the store. Only the
// owning worker calls this.
func (e *Engine) executeJob(job *Job) {
	result, runErr := e.invokeRunner(job)

	if runErr == nil && result != nil && job.Item.Seed != nil {
		result.Seed = *job.Item.Seed
	}

	var eventCode string

	if runErr != nil {
		eventCode = string(sandbox.ClassifyKind(runErr))

		e.finishWithError(job, runErr)
	} else {
		e.finishWithResult(job, result)
	}

	e.mu.Lock()
	event := metrics.Event{
		Name:       "ChartJobFinished",
		DurationMS: metrics.Float(float64(job.FinishedAt.Sub(job.SubmittedAt).Milliseconds())),
		Status:     string(job.Status),
		ErrorCode:  eventCode,
		Properties: map[string]any{
			"job_id":     job.ID,
			"dataset_id": job.Item.DatasetID,
			"hint":       job.Item.SpecHint,
		},
	}
	delete(e.cancelFlags, job.ID)
	e.mu.Unlock()

	e.emitEvent(event)
}

// invokeRunner picks the sandbox entry point for a job from configuration:
// the execute flow runs user code (or the generated-chart snippet), the
// template flow renders inline or in a subprocess.
func (e *Engine) invokeRunner(job *Job) (*sandbox.Result, error) {
	cancel := func() bool { return e.cancelRequested(job.ID) }
	hint := job.Item.SpecHint
	dataset := job.Item.DatasetID

	if e.cfg.ExecuteUserFlow {
		if job.Item.Code != "" || job.Item.Language != "" {
			return e.runUserCode(job)
		}

		return e.runner.RunGeneratedChart(job.ID, hint, dataset, cancel)
	}

	if e.cfg.SubprocessTemplates {
		return e.runner.RunTemplateSubprocess(hint, dataset, cancel)
	}

	return e.runner.RunTemplate(hint, dataset, cancel)
}

// runUserCode executes a user snippet, or completes the job as a skipped
// success (empty outputs, explanatory meta) when the code is empty or does
// not target python.
func (e *Engine) runUserCode(job *Job) (*sandbox.Result, error) {
	code := strings.TrimSpace(job.Item.Code)
	language := job.Item.Language

	if language == "" {
		language = "python"
	}

	if code == "" || language != "python" {
		e.logger.Info("skipping user code execution",
			slog.String("job_id", job.ID),
			slog.String("language", language),
			slog.Bool("empty_code", code == ""),
		)

		return &sandbox.Result{
			Language: "python",
			Library:  "vega",
			Outputs:  []sandbox.Output{},
			Meta: map[string]any{
				"engine": "exec",
				"note":   "skipped: user code empty or not python",
			},
		}, nil
	}

	return e.runner.RunCodeExec(job.Item.Code, job.Item.DatasetID, -1)
}

// finishWithResult transitions a job through rendering to succeeded.
// A cancel flag raised after the runner already returned success is ignored:
// terminal-state precedence, the completed work wins.
func (e *Engine) finishWithResult(job *Job, result *sandbox.Result) {
	e.mu.Lock()
	job.Stage = StageRendering
	e.mu.Unlock()

	persistErr := e.persistResult(job.ID, result)

	e.mu.Lock()
	job.Result = result
	job.Status = StateSucceeded
	job.Stage = StageDone
	job.FinishedAt = time.Now()
	e.mu.Unlock()

	if persistErr != nil {
		e.logger.Warn("failed to persist job result",
			slog.String("job_id", job.ID),
			slog.Any("error", persistErr),
		)
		e.metrics.Persist(metrics.Event{
			Name:   "ChartResultPersistFailed",
			Status: "error",
			Properties: map[string]any{
				"job_id": job.ID,
				"error":  redact.Redact(persistErr.Error()),
			},
		})
	}
}

// finishWithError maps a runner failure onto the job's terminal state:
// cancelled for cooperative cancellation, failed with a canonical error code
// for everything else. Runner failures are never retried.
func (e *Engine) finishWithError(job *Job, runErr error) {
	kind := sandbox.ClassifyKind(runErr)

	var detail, logs string

	var sbErr *sandbox.Error
	if errors.As(runErr, &sbErr) {
		detail = redact.Redact(sbErr.Detail)
		logs = redact.Redact(sbErr.Logs)
	} else {
		detail = redact.Redact(runErr.Error())
	}

	e.mu.Lock()

	job.FinishedAt = time.Now()

	if kind == sandbox.KindCancelled {
		// Cancelled is a terminal state of its own, not a failure: the
		// error code field stays empty.
		job.Status = StateCancelled
		job.Error = "execution was cancelled"
	} else {
		job.Status = StateFailed
		job.ErrorCode = string(kind)
		job.Error = friendlyError(kind)
		job.ErrorDetail = detail

		if logs != "" {
			job.ErrorDetail = strings.TrimSpace(detail + "\n" + logs)
		}
	}

	e.mu.Unlock()
}

func friendlyError(kind sandbox.Kind) string {
	switch kind {
	case sandbox.KindTimeout:
		return "execution timed out (wall-clock limit exceeded)"
	case sandbox.KindForbiddenImport:
		return "execution rejected by the sandbox allowlist"
	case sandbox.KindFormatError:
		return "execution produced no usable chart output"
	default:
		return "execution failed"
	}
}

// persistResult writes the per-job result document under
// <data>/charts/<job_id>/result.json.
func (e *Engine) persistResult(jobID string, result *sandbox.Result) error {
	dir := filepath.Join(e.cfg.DataDir, "charts", jobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create result dir: %w", err)
	}

	payload := map[string]any{
		"job_id": jobID,
		"status": string(StateSucceeded),
		"result": result,
	}

	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "result.json"), data, 0o644); err != nil {
		return fmt.Errorf("write result: %w", err)
	}

	return nil
}
