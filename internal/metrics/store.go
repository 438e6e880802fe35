package metrics

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// BreakdownEvents is the fixed set of event names the snapshot computes an
// outcome breakdown for.
var BreakdownEvents = []string{"ChartJobFinished", "ChartBatchFinished"}

const persistTimeout = 2 * time.Second

type (
	// Sink receives every persisted event in addition to the JSONL log.
	// Publish failures are swallowed by the store; the log file remains the
	// source of truth.
	Sink interface {
		Publish(ctx context.Context, event Event) error
	}

	// Store aggregates event durations and groundedness scores in memory and
	// appends persisted events to a JSONL log. Safe for concurrent use.
	Store struct {
		mu      sync.Mutex
		samples map[string]*eventSamples
		logPath string
		sink    Sink
		logger  *slog.Logger
	}

	eventSamples struct {
		durations    []float64
		groundedness []float64
	}
)

// NewStore creates a metrics store writing its event log to logPath.
// sink may be nil.
func NewStore(logPath string, sink Sink, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}

	return &Store{
		samples: make(map[string]*eventSamples),
		logPath: logPath,
		sink:    sink,
		logger:  logger,
	}
}

// LogPath returns the event log location.
func (s *Store) LogPath() string {
	return s.logPath
}

// Record folds an event into the in-memory aggregates. Pure in-memory;
// never fails.
func (s *Store) Record(event Event) {
	if event.Name == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	bucket, ok := s.samples[event.Name]
	if !ok {
		bucket = &eventSamples{}
		s.samples[event.Name] = bucket
	}

	if event.DurationMS != nil {
		bucket.durations = append(bucket.durations, *event.DurationMS)
	}

	if event.Groundedness != nil {
		bucket.groundedness = append(bucket.groundedness, *event.Groundedness)
	}
}

// Persist appends one JSON line to the event log and forwards the event to
// the sink, if configured. Failures are logged and swallowed; the in-memory
// store is never touched here.
func (s *Store) Persist(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	data, err := json.Marshal(event)
	if err != nil {
		s.logger.Warn("failed to encode metrics event",
			slog.String("event", event.Name),
			slog.Any("error", err),
		)

		return
	}

	if err := s.appendLine(data); err != nil {
		s.logger.Warn("failed to persist metrics event",
			slog.String("event", event.Name),
			slog.String("path", s.logPath),
			slog.Any("error", err),
		)
	}

	if s.sink != nil {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()

		if err := s.sink.Publish(ctx, event); err != nil {
			s.logger.Warn("failed to publish metrics event to sink",
				slog.String("event", event.Name),
				slog.Any("error", err),
			)
		}
	}
}

func (s *Store) appendLine(data []byte) error {
	if err := os.MkdirAll(filepath.Dir(s.logPath), 0o755); err != nil {
		return err
	}

	f, err := os.OpenFile(s.logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(append(data, '\n'))

	return err
}

// Snapshot returns per-event in-memory summaries plus the outcome breakdown
// for BreakdownEvents, computed by streaming the event log.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	events := make(map[string]Summary, len(s.samples))

	for name, bucket := range s.samples {
		events[name] = summarize(bucket)
	}
	s.mu.Unlock()

	return Snapshot{
		Events:    events,
		Breakdown: s.statusBreakdown(BreakdownEvents),
	}
}

func (s *Store) statusBreakdown(names []string) map[string]BreakdownEntry {
	counters := make(map[string]BreakdownEntry, len(names))

	records := LoadEventLog(s.logPath)

	for _, name := range names {
		var total, ok, failures int

		byCode := make(map[string]int)

		for _, rec := range records {
			if rec.Name != name {
				continue
			}

			total++

			switch rec.Status {
			case "succeeded", "success", "ok":
				ok++
			case "failed", "error", "cancelled":
				failures++

				code := rec.ErrorCode
				if code == "" {
					if v, found := rec.Properties["error"].(string); found && v != "" {
						code = v
					} else {
						code = "unknown"
					}
				}

				byCode[code]++
			}
		}

		rate := 0.0
		if total > 0 {
			rate = math.Round(float64(ok)/float64(total)*1000) / 1000
		}

		counters[name] = BreakdownEntry{
			Total:         total,
			SuccessRate:   rate,
			Failures:      failures,
			FailureByCode: byCode,
		}
	}

	return counters
}

// DetectViolations compares the in-memory snapshot against thresholds.
// Only limits present in a threshold entry produce flags; event names with
// no recorded data never violate.
func (s *Store) DetectViolations(thresholds map[string]Threshold) map[string]Violation {
	snapshot := s.Snapshot().Events
	report := make(map[string]Violation, len(thresholds))

	for name, limit := range thresholds {
		summary, ok := snapshot[name]
		if !ok {
			summary = Summary{Count: 0, P95: 0, GroundednessMin: 1}
		}

		var v Violation

		if limit.P95 != nil && summary.Count > 0 {
			v.P95Exceeded = summary.P95 > *limit.P95
		}

		if limit.Groundedness != nil && summary.Count > 0 {
			v.GroundednessBelow = summary.GroundednessMin < *limit.Groundedness
		}

		report[name] = v
	}

	return report
}

// Reset clears the in-memory aggregates. The event log is untouched.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.samples = make(map[string]*eventSamples)
}

// BootstrapFromEvents replays an event stream into the in-memory store,
// replacing whatever was recorded before. Used by offline checkers.
func (s *Store) BootstrapFromEvents(events []Event) {
	s.Reset()

	for _, event := range events {
		s.Record(event)
	}
}

// LoadEventLog reads a JSONL event log, skipping blank and malformed lines.
// A missing file yields an empty slice.
func LoadEventLog(path string) []Event {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	var events []Event

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var event Event
		if err := json.Unmarshal(line, &event); err != nil {
			continue
		}

		events = append(events, event)
	}

	return events
}

// ParseThresholds decodes a JSON threshold map, e.g.
// {"ChartJobFinished": {"p95": 400, "groundedness": 0.9}}.
func ParseThresholds(raw string) (map[string]Threshold, error) {
	out := make(map[string]Threshold)
	if raw == "" {
		return out, nil
	}

	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, err
	}

	return out, nil
}

func summarize(bucket *eventSamples) Summary {
	count := len(bucket.durations)
	if count == 0 {
		count = len(bucket.groundedness)
	}

	summary := Summary{Count: count, P95: 0, GroundednessMin: 1}

	if len(bucket.durations) > 0 {
		summary.P95 = percentile(bucket.durations, 0.95)
	}

	if len(bucket.groundedness) > 0 {
		low := bucket.groundedness[0]
		for _, g := range bucket.groundedness[1:] {
			if g < low {
				low = g
			}
		}

		summary.GroundednessMin = low
	}

	return summary
}

// percentile interpolates linearly between the two order statistics
// bracketing the requested rank and rounds to integer milliseconds.
// Deterministic and streaming-free; fine for small in-process sample sets.
func percentile(values []float64, q float64) float64 {
	if len(values) == 0 {
		return 0
	}

	q = math.Max(0, math.Min(1, q))

	ordered := make([]float64, len(values))
	copy(ordered, values)
	sort.Float64s(ordered)

	if len(ordered) == 1 {
		return ordered[0]
	}

	pos := float64(len(ordered)-1) * q
	lower := int(math.Floor(pos))
	upper := min(lower+1, len(ordered)-1)
	fraction := pos - float64(lower)

	return math.Round(ordered[lower] + (ordered[upper]-ordered[lower])*fraction)
}
