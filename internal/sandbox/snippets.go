package sandbox

import (
	"fmt"
	"strings"
)

// Child programs are assembled from a shared prelude plus a body. The prelude
// applies resource limits from inside the child (the portable stand-in for a
// pre-exec hook) and honours the test-only delay knobs that scheduling tests
// use to hold a child in a known phase.

const limitPrelude = `import os as _os, time as _time
try:
    import resource as _resource
except ImportError:
    _resource = None
def _setlim(name, soft, hard):
    if _resource is None:
        return
    try:
        _resource.setrlimit(getattr(_resource, name), (soft, hard))
    except Exception:
        pass
_setlim('RLIMIT_AS', __MEM_BYTES__, __MEM_BYTES__)
_setlim('RLIMIT_CPU', __CPU_SECS__, __CPU_SECS__)
_setlim('RLIMIT_NOFILE', 64, 64)
_setlim('RLIMIT_NPROC', 64, 64)
_setlim('RLIMIT_STACK', 8388608, 8388608)
_d = int(_os.environ.get('AUTOEDA_SB_TEST_DELAY_MS', '0') or '0')
if _d:
    _time.sleep(_d / 1000.0)
`

// templateSnippet is the fixed, system-authored template renderer. It emits
// the Result JSON shape on stdout.
const templateSnippet = `import json, os
cfg = json.loads(open('in.json', 'r', encoding='utf-8').read())
kind = cfg.get('kind', 'bar')
_d2 = int(os.environ.get('AUTOEDA_SB_TEST_DELAY2_MS', '0') or '0')
if _d2:
    _time.sleep(_d2 / 1000.0)
mark = kind if kind in ('bar', 'line') else 'point'
spec = {'mark': mark, 'data': {'values': [{'x': 0, 'y': 1}]}}
out = {
    'language': 'python',
    'library': 'vega',
    'code': '# generated',
    'outputs': [{'type': 'vega', 'mime': 'application/json', 'content': spec}],
}
print(json.dumps(out, ensure_ascii=False))
`

// generatedSnippet reads the dataset CSV named in in.json (when present) and
// derives a Vega-Lite spec from the first numeric column, bounded to max_rows.
// The import guard is ceremonial here (the program is system-authored) but
// keeps the child consistent with the user-code path.
const generatedSnippet = `import builtins
_allowed = {'json', 'csv', 'os'}
_orig_import = builtins.__import__
def _guard_import(name, *args, **kwargs):
    root = (name or '').split('.')[0]
    if root not in _allowed:
        raise ImportError('disallowed module: %s' % root)
    return _orig_import(name, *args, **kwargs)
builtins.__import__ = _guard_import

import json, csv, os
cfg = json.loads(open('in.json', 'r', encoding='utf-8').read())
kind = cfg.get('kind', 'bar')
csv_path = cfg.get('csv_path')
_d2 = int(os.environ.get('AUTOEDA_SB_TEST_DELAY2_MS', '0') or '0')
if _d2:
    _time.sleep(_d2 / 1000.0)
values = []
if csv_path and os.path.exists(csv_path):
    try:
        with open(csv_path, 'r', encoding='utf-8') as f:
            rdr = csv.reader(f)
            headers = next(rdr, None)
            col_idx = None
            sample = []
            for i, row in enumerate(rdr):
                if i >= int(cfg.get('max_rows', 200)):
                    break
                for j, cell in enumerate(row):
                    try:
                        val = float(cell)
                    except Exception:
                        val = None
                    sample.append((i, j, val))
            for _, j, val in sample:
                if val is not None:
                    col_idx = j
                    break
            if col_idx is None:
                values = [{'x': i, 'y': (i % 5) + 1} for i in range(min(20, len(sample) or 20))]
            else:
                series = [val for _, j, val in sample if j == col_idx and val is not None]
                if not series:
                    values = [{'x': i, 'y': (i % 5) + 1} for i in range(20)]
                else:
                    values = [{'x': i, 'y': series[i]} for i in range(min(20, len(series)))]
    except Exception:
        values = [{'x': i, 'y': (i % 5) + 1} for i in range(20)]
else:
    values = [{'x': i, 'y': (i % 5) + 1} for i in range(20)]

spec = {
    '$schema': 'https://vega.github.io/schema/vega-lite/v5.json',
    'mark': kind if kind in ('bar', 'line') else 'point',
    'data': {'name': 'data'},
    'encoding': {'x': {'field': 'x', 'type': 'quantitative'}, 'y': {'field': 'y', 'type': 'quantitative'}},
    'datasets': {'data': values},
    'description': 'generated %s chart' % kind,
}
out = {
    'language': 'python',
    'library': 'vega',
    'code': '# generated',
    'outputs': [{'type': 'vega', 'mime': 'application/json', 'content': spec}],
}
print(json.dumps(out, ensure_ascii=False))
`

// execGuardPrelude installs the runtime import allowlist and binds the
// dataset path for user snippets. The static guard has already vetted the
// source; this is the second fence.
const execGuardPrelude = `import builtins
_allowed = {'json', 'csv', 'os', 'time', 'math', 'statistics', 'random'}
_orig_import = builtins.__import__
def _guard_import(name, *args, **kwargs):
    root = (name or '').split('.')[0]
    if root not in _allowed:
        raise ImportError('disallowed module: %s' % root)
    return _orig_import(name, *args, **kwargs)
builtins.__import__ = _guard_import

import json
cfg = json.loads(open('in.json', 'r', encoding='utf-8').read())
csv_path = cfg.get('csv_path')
`

// buildProgram assembles the child program from the limit prelude and body.
func buildProgram(body string, memLimitMB, cpuSecs int) string {
	prelude := strings.NewReplacer(
		"__MEM_BYTES__", fmt.Sprintf("%d", memLimitMB*1024*1024),
		"__CPU_SECS__", fmt.Sprintf("%d", cpuSecs),
	).Replace(limitPrelude)

	return prelude + "\n" + body
}
