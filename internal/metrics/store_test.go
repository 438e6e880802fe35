package metrics

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	return NewStore(filepath.Join(t.TempDir(), "events.jsonl"), nil, nil)
}

func TestRecord_TracksDurationsAndComputesP95(t *testing.T) {
	store := newTestStore(t)

	for _, v := range []float64{120, 150, 90, 110, 95, 105, 130, 125, 100, 160} {
		store.Record(Event{Name: "EDAReportGenerated", DurationMS: Float(v)})
	}

	summary := store.Snapshot().Events["EDAReportGenerated"]
	assert.Equal(t, 10, summary.Count)
	assert.InDelta(t, 156, summary.P95, 1)
}

func TestPercentile_SingleSample(t *testing.T) {
	store := newTestStore(t)
	store.Record(Event{Name: "EDAReportGenerated", DurationMS: Float(240)})

	assert.InDelta(t, 240, store.Snapshot().Events["EDAReportGenerated"].P95, 0.001)
}

func TestPercentile_LowInsertDoesNotInflateP95(t *testing.T) {
	store := newTestStore(t)

	for _, v := range []float64{100, 200, 300, 400, 500} {
		store.Record(Event{Name: "ev", DurationMS: Float(v)})
	}

	before := store.Snapshot().Events["ev"].P95
	assert.InDelta(t, 480, before, 0.001)

	// Recording a value at the low end shifts p95 down, never up beyond a
	// rounding unit.
	store.Record(Event{Name: "ev", DurationMS: Float(100)})
	after := store.Snapshot().Events["ev"].P95

	assert.InDelta(t, 475, after, 0.001)
	assert.LessOrEqual(t, after, before+1)
}

func TestDetectViolations_GroundednessBelowThreshold(t *testing.T) {
	store := newTestStore(t)

	for _, v := range []float64{120, 150, 140, 145, 155} {
		store.Record(Event{Name: "EDAReportGenerated", DurationMS: Float(v), Groundedness: Float(0.92)})
	}

	store.Record(Event{Name: "EDAReportGenerated", DurationMS: Float(320), Groundedness: Float(0.7)})

	report := store.DetectViolations(map[string]Threshold{
		"EDAReportGenerated": {P95: Float(400), Groundedness: Float(0.9)},
	})

	assert.False(t, report["EDAReportGenerated"].P95Exceeded)
	assert.True(t, report["EDAReportGenerated"].GroundednessBelow)
}

func TestDetectViolations_MissingDataIsFalse(t *testing.T) {
	store := newTestStore(t)

	report := store.DetectViolations(map[string]Threshold{
		"NeverRecorded": {P95: Float(1), Groundedness: Float(0.99)},
	})

	assert.False(t, report["NeverRecorded"].P95Exceeded)
	assert.False(t, report["NeverRecorded"].GroundednessBelow)
}

func TestPersist_AppendsJSONLinesAndFeedsBreakdown(t *testing.T) {
	store := newTestStore(t)

	store.Persist(Event{
		Name:       "ChartJobFinished",
		DurationMS: Float(42),
		Status:     "succeeded",
		Properties: map[string]any{"dataset_id": "ds_1"},
	})
	store.Persist(Event{
		Name:      "ChartJobFinished",
		Status:    "failed",
		ErrorCode: "timeout",
	})
	store.Persist(Event{
		Name:   "ChartJobFinished",
		Status: "failed",
	})

	events := LoadEventLog(store.LogPath())
	require.Len(t, events, 3)
	assert.Equal(t, "ChartJobFinished", events[0].Name)
	assert.Equal(t, "ds_1", events[0].Properties["dataset_id"])
	assert.False(t, events[0].Timestamp.IsZero())

	breakdown := store.Snapshot().Breakdown["ChartJobFinished"]
	assert.Equal(t, 3, breakdown.Total)
	assert.Equal(t, 2, breakdown.Failures)
	assert.InDelta(t, 0.333, breakdown.SuccessRate, 0.001)
	assert.Equal(t, 1, breakdown.FailureByCode["timeout"])
	assert.Equal(t, 1, breakdown.FailureByCode["unknown"])
}

func TestLoadEventLog_SkipsMalformedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	content := `{"event_name":"A","duration_ms":10}
not json
{"event_name":"B"}

`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	events := LoadEventLog(path)
	require.Len(t, events, 2)
	assert.Equal(t, "A", events[0].Name)
	assert.Equal(t, "B", events[1].Name)
}

func TestLoadEventLog_MissingFile(t *testing.T) {
	assert.Empty(t, LoadEventLog(filepath.Join(t.TempDir(), "nope.jsonl")))
}

func TestBootstrapFromEvents_ReplaysStream(t *testing.T) {
	store := newTestStore(t)
	store.Record(Event{Name: "stale", DurationMS: Float(1)})

	store.BootstrapFromEvents([]Event{
		{Name: "EDAQueryAnswered", DurationMS: Float(100)},
		{Name: "EDAQueryAnswered", DurationMS: Float(200), Groundedness: Float(0.85)},
	})

	snapshot := store.Snapshot().Events
	assert.NotContains(t, snapshot, "stale")
	assert.Equal(t, 2, snapshot["EDAQueryAnswered"].Count)
	assert.InDelta(t, 0.85, snapshot["EDAQueryAnswered"].GroundednessMin, 0.001)
}

func TestPersist_SwallowsUnwritablePath(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "missing", "\x00bad", "events.jsonl"), nil, nil)

	// Must not panic or fail; the in-memory store stays usable.
	store.Persist(Event{Name: "ev", DurationMS: Float(5)})
	store.Record(Event{Name: "ev", DurationMS: Float(5)})

	assert.Equal(t, 1, store.Snapshot().Events["ev"].Count)
}

func TestParseThresholds(t *testing.T) {
	thresholds, err := ParseThresholds(`{"ChartJobFinished":{"p95":400,"groundedness":0.9}}`)
	require.NoError(t, err)

	limit := thresholds["ChartJobFinished"]
	require.NotNil(t, limit.P95)
	assert.InDelta(t, 400, *limit.P95, 0.001)
	require.NotNil(t, limit.Groundedness)
	assert.InDelta(t, 0.9, *limit.Groundedness, 0.001)
}

func TestResolveThresholds_OverridesDefaults(t *testing.T) {
	thresholds := ResolveThresholds(`{"EDAReportGenerated":{"p95":123}}`, nil)

	require.NotNil(t, thresholds["EDAReportGenerated"].P95)
	assert.InDelta(t, 123, *thresholds["EDAReportGenerated"].P95, 0.001)
	// The override replaces the entry wholesale.
	assert.Nil(t, thresholds["EDAReportGenerated"].Groundedness)
	// Untouched defaults remain.
	require.NotNil(t, thresholds["EDAQueryAnswered"].P95)
	assert.InDelta(t, 4000, *thresholds["EDAQueryAnswered"].P95, 0.001)
}

func TestResolveThresholds_MalformedOverrideIgnored(t *testing.T) {
	thresholds := ResolveThresholds("{bad json", nil)

	require.NotNil(t, thresholds["EDAReportGenerated"].P95)
	assert.InDelta(t, 10000, *thresholds["EDAReportGenerated"].P95, 0.001)
}
