package engine

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/autoeda-io/chartengine/internal/config"
	"github.com/autoeda-io/chartengine/internal/metrics"
	"github.com/autoeda-io/chartengine/internal/sandbox"
	"github.com/autoeda-io/chartengine/internal/saved"
)

// Runner is the sandbox surface the scheduler dispatches to. The concrete
// implementation is *sandbox.Runner; tests substitute fakes with controlled
// latency.
type Runner interface {
	RunTemplate(hint, datasetID string, cancel sandbox.CancelCheck) (*sandbox.Result, error)
	RunTemplateSubprocess(hint, datasetID string, cancel sandbox.CancelCheck) (*sandbox.Result, error)
	RunGeneratedChart(jobID, hint, datasetID string, cancel sandbox.CancelCheck) (*sandbox.Result, error)
	RunCodeExec(code, datasetID string, timeout time.Duration) (*sandbox.Result, error)
}

// Engine owns all scheduler state: the job and batch maps, the queue,
// cancellation flags, per-batch gate counters, and the fairness pointer.
// Everything mutable lives behind one mutex and one condition variable;
// workers hold a borrowed reference.
type Engine struct {
	cfg        config.EngineConfig
	runner     Runner
	metrics    *metrics.Store
	saved      *saved.Store
	thresholds map[string]metrics.Threshold
	logger     *slog.Logger

	mu              sync.Mutex
	cond            *sync.Cond
	jobs            map[string]*Job
	batches         map[string]*batchRecord
	queue           []queueEntry
	cancelFlags     map[string]bool
	batchLimits     map[string]int
	batchRunning    map[string]int
	lastServedBatch string
	stopped         bool

	workers sync.WaitGroup
}

// New creates an engine. In asynchronous mode the worker pool starts
// immediately; call Close to drain it.
func New(
	cfg config.EngineConfig,
	runner Runner,
	metricsStore *metrics.Store,
	savedStore *saved.Store,
	thresholds map[string]metrics.Threshold,
	logger *slog.Logger,
) *Engine {
	if logger == nil {
		logger = slog.Default()
	}

	e := &Engine{
		cfg:          cfg,
		runner:       runner,
		metrics:      metricsStore,
		saved:        savedStore,
		thresholds:   thresholds,
		logger:       logger,
		jobs:         make(map[string]*Job),
		batches:      make(map[string]*batchRecord),
		cancelFlags:  make(map[string]bool),
		batchLimits:  make(map[string]int),
		batchRunning: make(map[string]int),
	}
	e.cond = sync.NewCond(&e.mu)

	if cfg.Async {
		e.startWorkers()
	}

	return e
}

// Close stops the worker pool. Queued jobs stay queued; in-flight jobs run
// to completion first.
func (e *Engine) Close() {
	e.mu.Lock()
	e.stopped = true
	e.cond.Broadcast()
	e.mu.Unlock()

	e.workers.Wait()
}

// Generate submits one chart job. In synchronous mode the job runs inline
// and the returned snapshot is terminal; in asynchronous mode it is queued
// and a worker completes it.
func (e *Engine) Generate(item Item) Job {
	return e.submit(item, "")
}

func (e *Engine) submit(item Item, batchID string) Job {
	item.SpecHint = normalizeHint(item.SpecHint)
	job := &Job{
		ID:          newID(),
		BatchID:     batchID,
		ChartID:     item.ChartID,
		Item:        item,
		SubmittedAt: time.Now(),
	}

	if e.cfg.Async {
		job.Status = StateQueued

		e.mu.Lock()
		e.jobs[job.ID] = job
		e.queue = append(e.queue, queueEntry{jobID: job.ID, batchID: batchID})
		e.cond.Broadcast()
		snapshot := *job
		e.mu.Unlock()

		return snapshot
	}

	job.Status = StateRunning
	job.Stage = StageGenerating
	job.StartedAt = job.SubmittedAt

	e.mu.Lock()
	e.jobs[job.ID] = job
	e.mu.Unlock()

	e.executeJob(job)

	e.mu.Lock()
	snapshot := *job
	e.mu.Unlock()

	return snapshot
}

// GenerateBatch submits a group of jobs under one batch id with a declared
// concurrency cap. The requested parallelism is clamped to
// [1, worker count] for the effective gate limit.
func (e *Engine) GenerateBatch(items []Item, parallelism int) BatchStatus {
	batchID := newID()
	effective := max(1, min(parallelism, e.cfg.WorkerCount))

	rec := &batchRecord{
		id:          batchID,
		parallelism: parallelism,
		effective:   effective,
	}

	if e.cfg.Async {
		e.mu.Lock()
		e.batchLimits[batchID] = effective
		e.mu.Unlock()

		for _, item := range items {
			job := e.submit(item, batchID)
			rec.items = append(rec.items, BatchItem{
				JobID:   job.ID,
				ChartID: job.ChartID,
				Status:  job.Status,
			})
		}

		e.mu.Lock()
		e.batches[batchID] = rec
		status := e.batchStatusLocked(rec)
		e.mu.Unlock()

		return status
	}

	start := time.Now()

	for _, item := range items {
		job := e.submit(item, batchID)
		rec.items = append(rec.items, BatchItem{
			JobID:   job.ID,
			ChartID: job.ChartID,
			Status:  job.Status,
			Stage:   job.Stage,
		})
	}

	e.mu.Lock()
	e.batches[batchID] = rec
	status := e.batchStatusLocked(rec)
	e.mu.Unlock()

	e.emitEvent(metrics.Event{
		Name:       "ChartBatchFinished",
		DurationMS: metrics.Float(float64(time.Since(start).Milliseconds())),
		Status:     "succeeded",
		Properties: map[string]any{
			"batch_id": batchID,
			"total":    len(items),
		},
	})

	return status
}

// GetJob returns a snapshot of one job.
func (e *Engine) GetJob(id string) (Job, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	job, ok := e.jobs[id]
	if !ok {
		return Job{}, false
	}

	return *job, true
}

// GetBatch recomputes and returns a batch status snapshot.
func (e *Engine) GetBatch(id string) (BatchStatus, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	rec, ok := e.batches[id]
	if !ok {
		return BatchStatus{}, false
	}

	return e.batchStatusLocked(rec), true
}

// CancelBatch cancels member jobs. Queued targets are removed from the
// queue and marked cancelled atomically; running targets get their
// cancellation flag set and become visible as cancelled via later polls.
// ids defaults to every member. Returns the count of cancelled-while-queued
// jobs.
func (e *Engine) CancelBatch(batchID string, ids []string) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	rec, ok := e.batches[batchID]
	if !ok {
		return 0
	}

	targets := make(map[string]struct{}, len(ids))

	if len(ids) > 0 {
		for _, id := range ids {
			targets[id] = struct{}{}
		}
	} else {
		for _, item := range rec.items {
			targets[item.JobID] = struct{}{}
		}
	}

	removed := 0
	remaining := e.queue[:0]

	for _, entry := range e.queue {
		if _, hit := targets[entry.jobID]; hit {
			if job, found := e.jobs[entry.jobID]; found && job.Status == StateQueued {
				job.Status = StateCancelled
				job.FinishedAt = time.Now()
				removed++

				continue
			}
		}

		remaining = append(remaining, entry)
	}

	e.queue = remaining

	for id := range targets {
		if job, found := e.jobs[id]; found && job.Status == StateRunning {
			e.cancelFlags[id] = true
		}
	}

	e.cond.Broadcast()

	return removed
}

// SLO returns the current metrics snapshot together with the configured
// thresholds and the per-event violation map.
func (e *Engine) SLO() SLOReport {
	return SLOReport{
		Snapshot:   e.metrics.Snapshot(),
		Thresholds: e.thresholds,
		Violations: e.metrics.DetectViolations(e.thresholds),
	}
}

// SaveChart stores a user-saved chart artifact.
func (e *Engine) SaveChart(chart saved.Chart) (saved.Chart, error) {
	return e.saved.Add(chart)
}

// ListSaved lists saved charts, optionally filtered by dataset.
func (e *Engine) ListSaved(datasetID string) []saved.Chart {
	return e.saved.List(datasetID)
}

// DeleteSaved removes a saved chart, reporting whether anything was removed.
func (e *Engine) DeleteSaved(id string) bool {
	return e.saved.Delete(id)
}

// cancelRequested is the cancel callback handed to the sandbox runner.
func (e *Engine) cancelRequested(jobID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.cancelFlags[jobID]
}

// batchStatusLocked recomputes a batch snapshot from member job states.
// Caller holds e.mu.
func (e *Engine) batchStatusLocked(rec *batchRecord) BatchStatus {
	status := BatchStatus{
		BatchID:              rec.id,
		Total:                len(rec.items),
		Parallelism:          rec.parallelism,
		ParallelismEffective: rec.effective,
	}

	var (
		results    []*sandbox.Result
		resultsMap = make(map[string]*sandbox.Result)
		waitSum    float64
		waitCount  int
	)

	for i := range rec.items {
		item := &rec.items[i]

		job, ok := e.jobs[item.JobID]
		if ok {
			item.Status = job.Status
			item.Stage = job.Stage
		}

		switch item.Status {
		case StateSucceeded:
			status.Done++

			if ok && job.Result != nil {
				results = append(results, job.Result)

				if item.ChartID != "" {
					resultsMap[item.ChartID] = job.Result
				}
			}
		case StateFailed:
			status.Failed++
		case StateCancelled:
			status.Cancelled++
		case StateRunning:
			status.Running++
		default:
			status.Queued++
		}

		if ok && job.Status.Terminal() && !job.StartedAt.IsZero() {
			waitSum += float64(job.StartedAt.Sub(job.SubmittedAt).Milliseconds())
			waitCount++
		}
	}

	status.Served = status.Done + status.Failed + status.Cancelled

	if waitCount > 0 {
		status.AvgWaitMS = waitSum / float64(waitCount)
	}

	status.Items = make([]BatchItem, len(rec.items))
	copy(status.Items, rec.items)

	if status.Served == status.Total && !rec.frozen {
		rec.frozen = true
		rec.results = results

		if len(resultsMap) > 0 {
			rec.resultsMap = resultsMap
		}
	}

	if rec.frozen {
		status.Results = rec.results
		status.ResultsMap = rec.resultsMap
	}

	return status
}

// emitEvent records the event in memory and appends it to the event log.
func (e *Engine) emitEvent(event metrics.Event) {
	e.metrics.Record(event)
	e.metrics.Persist(event)
}

// newID mirrors the upstream id scheme: the first 12 hex chars of a v4 UUID.
func newID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}
