// Package engine implements the chart execution engine: job and batch
// lifecycle, a bounded worker pool with round-robin fairness across batches,
// cooperative cancellation, and result persistence.
package engine

import (
	"strings"
	"time"

	"github.com/autoeda-io/chartengine/internal/metrics"
	"github.com/autoeda-io/chartengine/internal/sandbox"
)

type (
	// State is a job's lifecycle state.
	State string

	// Stage is the sub-phase a running job is in.
	Stage string
)

const (
	// StateQueued means the job is waiting in the scheduler queue.
	StateQueued State = "queued"
	// StateRunning means a worker owns the job.
	StateRunning State = "running"
	// StateSucceeded is terminal: the result is available.
	StateSucceeded State = "succeeded"
	// StateFailed is terminal: the error fields are populated.
	StateFailed State = "failed"
	// StateCancelled is terminal: the job was cancelled before completion.
	StateCancelled State = "cancelled"

	// StageGenerating covers sandbox execution.
	StageGenerating Stage = "generating"
	// StageRendering covers result persistence.
	StageRendering Stage = "rendering"
	// StageDone marks a completed run.
	StageDone Stage = "done"
)

// Terminal reports whether no further transitions can happen.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

type (
	// Item is one chart-generation request.
	Item struct {
		DatasetID string   `json:"dataset_id"`
		SpecHint  string   `json:"spec_hint,omitempty"`
		Columns   []string `json:"columns,omitempty"`
		Library   string   `json:"library,omitempty"`
		Seed      *int     `json:"seed,omitempty"`
		Code      string   `json:"code,omitempty"`
		Language  string   `json:"language,omitempty"`
		ChartID   string   `json:"chart_id,omitempty"`
	}

	// Job is one unit of chart-generation work. Records are owned by the
	// engine; facade methods hand out value copies.
	Job struct {
		ID          string          `json:"job_id"`
		BatchID     string          `json:"batch_id,omitempty"`
		ChartID     string          `json:"chart_id,omitempty"`
		Status      State           `json:"status"`
		Stage       Stage           `json:"stage,omitempty"`
		Result      *sandbox.Result `json:"result,omitempty"`
		Error       string          `json:"error,omitempty"`
		ErrorCode   string          `json:"error_code,omitempty"`
		ErrorDetail string          `json:"error_detail,omitempty"`

		Item        Item      `json:"-"`
		SubmittedAt time.Time `json:"-"`
		StartedAt   time.Time `json:"-"`
		FinishedAt  time.Time `json:"-"`
	}

	// BatchItem is a member job's latest observed status inside a batch.
	BatchItem struct {
		JobID   string `json:"job_id"`
		ChartID string `json:"chart_id,omitempty"`
		Status  State  `json:"status"`
		Stage   Stage  `json:"stage,omitempty"`
	}

	// BatchStatus is the recomputed snapshot returned by batch submission
	// and polling. Results and ResultsMap appear only once every member is
	// terminal.
	BatchStatus struct {
		BatchID              string                     `json:"batch_id"`
		Total                int                        `json:"total"`
		Queued               int                        `json:"queued"`
		Running              int                        `json:"running"`
		Done                 int                        `json:"done"`
		Failed               int                        `json:"failed"`
		Cancelled            int                        `json:"cancelled"`
		Served               int                        `json:"served"`
		AvgWaitMS            float64                    `json:"avg_wait_ms"`
		Parallelism          int                        `json:"parallelism"`
		ParallelismEffective int                        `json:"parallelism_effective"`
		Items                []BatchItem                `json:"items"`
		Results              []*sandbox.Result          `json:"results,omitempty"`
		ResultsMap           map[string]*sandbox.Result `json:"results_map,omitempty"`
	}

	// SLOReport is the read-only aggregate exposed by the facade.
	SLOReport struct {
		Snapshot   metrics.Snapshot             `json:"snapshot"`
		Thresholds map[string]metrics.Threshold `json:"slo_thresholds"`
		Violations map[string]metrics.Violation `json:"violations"`
	}

	// batchRecord is the engine-owned batch state.
	batchRecord struct {
		id          string
		items       []BatchItem
		parallelism int
		effective   int
		frozen      bool
		results     []*sandbox.Result
		resultsMap  map[string]*sandbox.Result
	}

	// queueEntry is one queued job reference.
	queueEntry struct {
		jobID   string
		batchID string
	}
)

// normalizeHint coerces an arbitrary hint to a supported chart kind;
// anything unrecognised becomes "bar".
func normalizeHint(hint string) string {
	switch strings.ToLower(hint) {
	case "line":
		return "line"
	case "scatter":
		return "scatter"
	default:
		return "bar"
	}
}
