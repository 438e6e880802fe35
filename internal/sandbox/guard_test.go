package sandbox

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireForbidden(t *testing.T, code string) *Error {
	t.Helper()

	err := Inspect(code)
	require.Error(t, err)

	var sbErr *Error
	require.True(t, errors.As(err, &sbErr))
	assert.Equal(t, KindForbiddenImport, sbErr.Kind)

	return sbErr
}

func TestInspect_AllowsBenignSnippet(t *testing.T) {
	code := "import json\n" +
		"import math, statistics\n" +
		"from csv import reader\n" +
		"txt = open('in.json', 'r', encoding='utf-8').read()\n" +
		"print(json.dumps({'ok': True}))\n"

	assert.NoError(t, Inspect(code))
}

func TestInspect_ForbiddenImport(t *testing.T) {
	sbErr := requireForbidden(t, "import socket\nprint({})")
	assert.Contains(t, sbErr.Detail, "socket")
}

func TestInspect_ForbiddenFromImport(t *testing.T) {
	requireForbidden(t, "from subprocess import run\nrun(['ls'])")
}

func TestInspect_ForbiddenImportInCommaList(t *testing.T) {
	requireForbidden(t, "import json, socket\n")
}

func TestInspect_DottedImportChecksRoot(t *testing.T) {
	assert.NoError(t, Inspect("import os.path\n"))
	requireForbidden(t, "import urllib.request\n")
}

func TestInspect_BannedCalls(t *testing.T) {
	for _, code := range []string{
		"eval('1+1')",
		"compile('x', '<s>', 'exec')",
		"input()",
		"breakpoint()",
		"__import__('socket')",
	} {
		requireForbidden(t, code)
	}
}

func TestInspect_BannedCallNameAsSuffixIsAllowed(t *testing.T) {
	// my_eval is not eval; attribute calls are not the banned builtins.
	assert.NoError(t, Inspect("my_eval(1)\nresult.eval('1+1')\n"))
}

func TestInspect_BannedOSCalls(t *testing.T) {
	for _, code := range []string{
		"import os\nos.system('ls')",
		"import os\nos.remove('x')",
		"import os\nos.chdir('/')",
		"import os\nos.popen('ls')",
	} {
		requireForbidden(t, code)
	}
}

func TestInspect_BenignOSCallAllowed(t *testing.T) {
	assert.NoError(t, Inspect("import os\nos.path.exists('in.json')\n"))
}

func TestInspect_OpenWriteModeForbidden(t *testing.T) {
	requireForbidden(t, "open('in.json', 'w')")
	requireForbidden(t, "open('in.json', 'a')")
	requireForbidden(t, "open('in.json', 'x')")
	requireForbidden(t, "open('in.json', 'r+')")
	requireForbidden(t, "open('in.json', mode='wb')")
}

func TestInspect_OpenOtherLiteralPathForbidden(t *testing.T) {
	sbErr := requireForbidden(t, "_ = open('other.txt', 'r', encoding='utf-8')")
	assert.Contains(t, sbErr.Detail, "other.txt")
}

func TestInspect_OpenVariableMustBeDatasetPath(t *testing.T) {
	assert.NoError(t, Inspect("rows = open(csv_path, 'r', encoding='utf-8').read()"))
	requireForbidden(t, "name = 'dummy.csv'\n_ = open(name, 'r', encoding='utf-8')")
}

func TestInspect_OpenContextFileReadAllowed(t *testing.T) {
	assert.NoError(t, Inspect("txt = open('in.json', 'r', encoding='utf-8').read()[:2]"))
	assert.NoError(t, Inspect("txt = open('in.json').read()"))
}

func TestInspect_IgnoresCommentsAndDocstrings(t *testing.T) {
	code := "# import socket would be bad\n" +
		"\"\"\"\nimport socket\nos.system('ls')\n\"\"\"\n" +
		"import json\n"

	assert.NoError(t, Inspect(code))
}
