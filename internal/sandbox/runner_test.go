package sandbox

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autoeda-io/chartengine/internal/config"
)

func requirePython(t *testing.T) {
	t.Helper()

	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("python3 not available in PATH")
	}
}

func newTestRunner(t *testing.T, timeout time.Duration) *Runner {
	t.Helper()

	return NewRunner(config.SandboxConfig{
		Timeout:    timeout,
		MemLimitMB: 512,
	}, t.TempDir(), nil)
}

func writeDataset(t *testing.T, dataDir, id, content string) {
	t.Helper()

	dir := filepath.Join(dataDir, "datasets")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, id+".csv"), []byte(content), 0o644))
}

func sandboxKind(t *testing.T, err error) Kind {
	t.Helper()

	var sbErr *Error
	require.True(t, errors.As(err, &sbErr), "expected sandbox error, got %v", err)

	return sbErr.Kind
}

func TestRunTemplate_RendersAllKinds(t *testing.T) {
	runner := newTestRunner(t, time.Second)

	for _, tc := range []struct {
		hint string
		mark string
	}{
		{"bar", "bar"},
		{"line", "line"},
		{"scatter", "point"},
		{"nonsense", "bar"},
	} {
		result, err := runner.RunTemplate(tc.hint, "ds_x", nil)
		require.NoError(t, err, "hint %q", tc.hint)
		require.Len(t, result.Outputs, 2)

		assert.Equal(t, "image", result.Outputs[0].Type)
		assert.Equal(t, "image/svg+xml", result.Outputs[0].MIME)
		assert.Contains(t, result.Outputs[0].Content.(string), "<svg")

		assert.Equal(t, "vega", result.Outputs[1].Type)
		assert.Equal(t, "application/json", result.Outputs[1].MIME)

		spec, ok := result.Outputs[1].Content.(map[string]any)
		require.True(t, ok)
		assert.Equal(t, tc.mark, spec["mark"])

		assert.Equal(t, "inline", result.Meta["sandbox"])
	}
}

func TestRunTemplate_CancelledBeforeStart(t *testing.T) {
	runner := newTestRunner(t, time.Second)

	_, err := runner.RunTemplate("bar", "ds_x", func() bool { return true })
	assert.Equal(t, KindCancelled, sandboxKind(t, err))
}

func TestRunTemplateSubprocess_Success(t *testing.T) {
	requirePython(t)

	runner := newTestRunner(t, 5*time.Second)

	result, err := runner.RunTemplateSubprocess("line", "ds_x", nil)
	require.NoError(t, err)
	require.NotEmpty(t, result.Outputs)

	assert.Equal(t, "vega", result.Outputs[0].Type)

	spec, ok := result.Outputs[0].Content.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "line", spec["mark"])

	assert.Equal(t, "subprocess", result.Meta["sandbox"])
}

func TestRunTemplateSubprocess_Timeout(t *testing.T) {
	requirePython(t)

	t.Setenv("AUTOEDA_SB_TEST_DELAY_MS", "500")

	runner := newTestRunner(t, 100*time.Millisecond)

	start := time.Now()
	_, err := runner.RunTemplateSubprocess("bar", "ds_x", nil)
	elapsed := time.Since(start)

	assert.Equal(t, KindTimeout, sandboxKind(t, err))
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
	assert.Less(t, elapsed, 2*time.Second)
}

func TestRunTemplateSubprocess_CooperativeCancel(t *testing.T) {
	requirePython(t)

	t.Setenv("AUTOEDA_SB_TEST_DELAY_MS", "500")

	runner := newTestRunner(t, 5*time.Second)

	start := time.Now()
	cancel := func() bool { return time.Since(start) > 50*time.Millisecond }

	_, err := runner.RunTemplateSubprocess("bar", "ds_x", cancel)
	assert.Equal(t, KindCancelled, sandboxKind(t, err))
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestRunGeneratedChart_FallbackSeries(t *testing.T) {
	requirePython(t)

	runner := newTestRunner(t, 5*time.Second)

	result, err := runner.RunGeneratedChart("job-1", "bar", "", nil)
	require.NoError(t, err)
	require.NotEmpty(t, result.Outputs)

	spec, ok := result.Outputs[0].Content.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "bar", spec["mark"])

	datasets, ok := spec["datasets"].(map[string]any)
	require.True(t, ok)

	values, ok := datasets["data"].([]any)
	require.True(t, ok)
	assert.Len(t, values, 20)

	assert.Equal(t, "generated", result.Meta["engine"])
}

func TestRunGeneratedChart_ReadsDatasetCSV(t *testing.T) {
	requirePython(t)

	runner := newTestRunner(t, 5*time.Second)
	writeDataset(t, runner.dataDir, "ds_csv", "label,value\na,10\nb,20\nc,30\n")

	result, err := runner.RunGeneratedChart("job-2", "line", "ds_csv", nil)
	require.NoError(t, err)

	spec := result.Outputs[0].Content.(map[string]any)
	values := spec["datasets"].(map[string]any)["data"].([]any)
	require.Len(t, values, 3)

	first := values[0].(map[string]any)
	assert.InDelta(t, 10, first["y"].(float64), 0.001)
}

func TestRunCodeExec_AllowsReadingContextFile(t *testing.T) {
	requirePython(t)

	runner := newTestRunner(t, 5*time.Second)

	code := "import json\n" +
		"txt = open('in.json', 'r', encoding='utf-8').read()[:2]\n" +
		"print(json.dumps({'language': 'python', 'library': 'vega', 'outputs': [{'type': 'text', 'mime': 'text/plain', 'content': txt}]}))\n"

	result, err := runner.RunCodeExec(code, "", -1)
	require.NoError(t, err)
	require.NotEmpty(t, result.Outputs)
	assert.Equal(t, "exec", result.Meta["engine"])
}

func TestRunCodeExec_ForbiddenImportRejectedStatically(t *testing.T) {
	// No child is spawned; the static guard rejects before exec.
	runner := newTestRunner(t, time.Second)

	_, err := runner.RunCodeExec("import socket\nprint({})", "", -1)
	assert.Equal(t, KindForbiddenImport, sandboxKind(t, err))
}

func TestRunCodeExec_RuntimeImportGuardBlocksSmuggledImport(t *testing.T) {
	requirePython(t)

	runner := newTestRunner(t, 5*time.Second)

	// An exec'd import slips past the line scanner, but the child's import
	// hook rejects it and the child dies without emitting a result.
	code := "exec(\"import socket\")\n" +
		"import json\n" +
		"print(json.dumps({'language': 'python', 'library': 'vega', 'outputs': [{'type': 'text', 'mime': 'text/plain', 'content': 'x'}]}))\n"

	_, err := runner.RunCodeExec(code, "", -1)
	assert.Equal(t, KindFormatError, sandboxKind(t, err))
}

func TestRunCodeExec_FormatErrorOnNonJSONOutput(t *testing.T) {
	requirePython(t)

	runner := newTestRunner(t, 5*time.Second)

	_, err := runner.RunCodeExec("print('not json')", "", -1)

	kind := sandboxKind(t, err)
	assert.Equal(t, KindFormatError, kind)
}

func TestRunCodeExec_FormatErrorCarriesRedactedLogs(t *testing.T) {
	requirePython(t)

	runner := newTestRunner(t, 5*time.Second)

	code := "raise RuntimeError('boom contact admin@example.com')"

	_, err := runner.RunCodeExec(code, "", -1)

	var sbErr *Error
	require.True(t, errors.As(err, &sbErr))
	assert.Equal(t, KindFormatError, sbErr.Kind)
	assert.NotEmpty(t, sbErr.Logs)
	assert.NotContains(t, sbErr.Logs, "admin@example.com")
	assert.Contains(t, sbErr.Logs, "RuntimeError")
}

func TestRunCodeExec_TimeoutEnforced(t *testing.T) {
	requirePython(t)

	runner := newTestRunner(t, 5*time.Second)

	code := "import time\ntime.sleep(0.5)\nprint('{}')"

	_, err := runner.RunCodeExec(code, "", 100*time.Millisecond)
	assert.Equal(t, KindTimeout, sandboxKind(t, err))
}
