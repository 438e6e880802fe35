// Package metrics provides in-memory SLO aggregation and an append-only
// event log for the chart execution engine.
package metrics

import (
	"encoding/json"
	"time"
)

type (
	// Event is one observability record. Known fields are typed; anything
	// else travels in Properties and is flattened on the wire so the JSONL
	// log stays a single flat object per line.
	Event struct {
		// Name identifies the event, e.g. "ChartJobFinished".
		Name string

		// Timestamp is stamped at persist time when zero.
		Timestamp time.Time

		// DurationMS is the measured duration in milliseconds, if any.
		DurationMS *float64

		// Groundedness is a bounded score in [0,1], if any.
		Groundedness *float64

		// Status is the outcome ("succeeded", "failed", "cancelled"), if any.
		Status string

		// ErrorCode is the canonical error kind for failed outcomes, if any.
		ErrorCode string

		// Properties holds free-form attributes (dataset_id, hint, ...).
		Properties map[string]any
	}

	// Summary is the in-memory aggregate for one event name.
	Summary struct {
		Count           int     `json:"count"`
		P95             float64 `json:"p95"`
		GroundednessMin float64 `json:"groundedness_min"`
	}

	// BreakdownEntry is the outcome breakdown for one event name, computed
	// by streaming the persisted event log.
	BreakdownEntry struct {
		Total         int            `json:"total"`
		SuccessRate   float64        `json:"success_rate"`
		Failures      int            `json:"failures"`
		FailureByCode map[string]int `json:"failure_by_code"`
	}

	// Snapshot is a point-in-time read of the store.
	Snapshot struct {
		Events    map[string]Summary        `json:"events"`
		Breakdown map[string]BreakdownEntry `json:"breakdown"`
	}

	// Threshold holds the configured limits for one event name. Nil fields
	// are not evaluated.
	Threshold struct {
		P95          *float64 `json:"p95,omitempty"`
		Groundedness *float64 `json:"groundedness,omitempty"`
	}

	// Violation reports threshold comparison results for one event name.
	// Missing data evaluates to false.
	Violation struct {
		P95Exceeded       bool `json:"p95_exceeded"`
		GroundednessBelow bool `json:"groundedness_below"`
	}
)

// MarshalJSON flattens Properties next to the typed fields.
func (e Event) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(e.Properties)+6)
	for k, v := range e.Properties {
		m[k] = v
	}

	m["event_name"] = e.Name

	if !e.Timestamp.IsZero() {
		m["ts"] = e.Timestamp.UTC().Format(time.RFC3339Nano)
	}

	if e.DurationMS != nil {
		m["duration_ms"] = *e.DurationMS
	}

	if e.Groundedness != nil {
		m["groundedness"] = *e.Groundedness
	}

	if e.Status != "" {
		m["status"] = e.Status
	}

	if e.ErrorCode != "" {
		m["error_code"] = e.ErrorCode
	}

	return json.Marshal(m)
}

// UnmarshalJSON lifts known keys out of the flat object and keeps the rest
// in Properties.
func (e *Event) UnmarshalJSON(data []byte) error {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}

	*e = Event{Properties: make(map[string]any)}

	for k, v := range m {
		switch k {
		case "event_name":
			if s, ok := v.(string); ok {
				e.Name = s
			}
		case "ts":
			if s, ok := v.(string); ok {
				if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
					e.Timestamp = ts
				}
			}
		case "duration_ms":
			if f, ok := coerceFloat(v); ok {
				e.DurationMS = &f
			}
		case "groundedness":
			if f, ok := coerceFloat(v); ok {
				e.Groundedness = &f
			}
		case "status":
			if s, ok := v.(string); ok {
				e.Status = s
			}
		case "error_code":
			if s, ok := v.(string); ok {
				e.ErrorCode = s
			}
		default:
			e.Properties[k] = v
		}
	}

	return nil
}

func coerceFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// Float is a convenience for building optional Event fields.
func Float(v float64) *float64 {
	return &v
}
