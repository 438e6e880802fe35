package sandbox

import (
	"fmt"
	"regexp"
	"strings"
)

// The static allowlist is a walker over the snippet source, not a semantic
// analysis: it inspects logical lines with comments stripped and
// triple-quoted blocks skipped. Whatever slips past it is still subject to
// the child's resource caps and scrubbed environment.

const (
	// contextFile is the injected input file every run receives read access to.
	contextFile = "in.json"
	// datasetVar is the prelude variable bound to the dataset CSV path.
	datasetVar = "csv_path"
)

var allowedImports = map[string]struct{}{
	"json":       {},
	"csv":        {},
	"os":         {},
	"time":       {},
	"math":       {},
	"statistics": {},
	"random":     {},
}

var bannedOSCalls = map[string]struct{}{
	"system": {}, "popen": {},
	"spawnv": {}, "spawnve": {}, "spawnvp": {}, "spawnvpe": {},
	"remove": {}, "unlink": {}, "rmdir": {}, "removedirs": {},
	"rename": {}, "renames": {},
	"chdir": {}, "chmod": {}, "chown": {},
}

var (
	importRe     = regexp.MustCompile(`^\s*import\s+(.+)$`)
	fromImportRe = regexp.MustCompile(`^\s*from\s+([A-Za-z_][\w.]*)\s+import\b`)
	bannedCallRe = regexp.MustCompile(`(^|[^.\w])(eval|compile|input|breakpoint|__import__)\s*\(`)
	osCallRe     = regexp.MustCompile(`(^|[^.\w])os\s*\.\s*([A-Za-z_]\w*)\s*\(`)
	openCallRe   = regexp.MustCompile(`(^|[^.\w])open\s*\(`)
	identRe      = regexp.MustCompile(`^[A-Za-z_]\w*$`)
)

// Inspect scans a user snippet against the import/call/open allowlist and
// returns a forbidden_import error on the first violation. A nil return
// means the snippet may be attempted.
func Inspect(code string) error {
	for _, line := range logicalLines(code) {
		if err := checkImports(line); err != nil {
			return err
		}

		if m := bannedCallRe.FindStringSubmatch(line); m != nil {
			return newError(KindForbiddenImport, fmt.Sprintf("forbidden call: %s", m[2]))
		}

		if m := osCallRe.FindStringSubmatch(line); m != nil {
			if _, banned := bannedOSCalls[m[2]]; banned {
				return newError(KindForbiddenImport, fmt.Sprintf("forbidden os call: os.%s", m[2]))
			}
		}

		if err := checkOpenCalls(line); err != nil {
			return err
		}
	}

	return nil
}

func checkImports(line string) error {
	if m := importRe.FindStringSubmatch(line); m != nil {
		for _, clause := range strings.Split(m[1], ",") {
			name := strings.Fields(strings.TrimSpace(clause))
			if len(name) == 0 {
				continue
			}

			root := strings.SplitN(name[0], ".", 2)[0]
			if _, ok := allowedImports[root]; !ok {
				return newError(KindForbiddenImport, fmt.Sprintf("forbidden import: %s", root))
			}
		}
	}

	if m := fromImportRe.FindStringSubmatch(line); m != nil {
		root := strings.SplitN(m[1], ".", 2)[0]
		if _, ok := allowedImports[root]; !ok {
			return newError(KindForbiddenImport, fmt.Sprintf("forbidden import: %s", root))
		}
	}

	return nil
}

func checkOpenCalls(line string) error {
	for _, loc := range openCallRe.FindAllStringSubmatchIndex(line, -1) {
		// loc[1] is the end of the match, just past '('.
		args, ok := splitCallArgs(line[loc[1]:])
		if !ok {
			// Unbalanced call spanning lines; runtime caps remain the backstop.
			continue
		}

		if err := checkOpenTarget(args); err != nil {
			return err
		}
	}

	return nil
}

func checkOpenTarget(args []string) error {
	if len(args) == 0 {
		return newError(KindForbiddenImport, "forbidden open: missing path")
	}

	path := strings.TrimSpace(args[0])

	if lit, ok := stringLiteral(path); ok {
		if lit != contextFile {
			return newError(KindForbiddenImport, fmt.Sprintf("forbidden open target: %s", lit))
		}
	} else if identRe.MatchString(path) {
		if path != datasetVar {
			return newError(KindForbiddenImport, fmt.Sprintf("forbidden open target: %s", path))
		}
	} else {
		return newError(KindForbiddenImport, "forbidden open target")
	}

	mode := "r"

	for i, arg := range args[1:] {
		arg = strings.TrimSpace(arg)

		if value, found := strings.CutPrefix(arg, "mode="); found {
			lit, ok := stringLiteral(strings.TrimSpace(value))
			if !ok {
				return newError(KindForbiddenImport, "forbidden open mode")
			}

			mode = lit

			break
		}

		if i == 0 && !strings.Contains(arg, "=") {
			lit, ok := stringLiteral(arg)
			if !ok {
				return newError(KindForbiddenImport, "forbidden open mode")
			}

			mode = lit
		}
	}

	if strings.ContainsAny(mode, "wax+") {
		return newError(KindForbiddenImport, fmt.Sprintf("forbidden open mode: %s", mode))
	}

	return nil
}

// splitCallArgs splits the argument list starting right after '(' at depth
// zero, honoring nesting and string quotes. Returns false when the closing
// parenthesis is not on this line.
func splitCallArgs(s string) ([]string, bool) {
	var (
		args    []string
		current strings.Builder
		depth   int
		quote   rune
	)

	for _, r := range s {
		if quote != 0 {
			current.WriteRune(r)

			if r == quote {
				quote = 0
			}

			continue
		}

		switch r {
		case '\'', '"':
			quote = r

			current.WriteRune(r)
		case '(', '[', '{':
			depth++

			current.WriteRune(r)
		case ')', ']', '}':
			if r == ')' && depth == 0 {
				if arg := strings.TrimSpace(current.String()); arg != "" {
					args = append(args, arg)
				}

				return args, true
			}

			depth--

			current.WriteRune(r)
		case ',':
			if depth == 0 {
				args = append(args, strings.TrimSpace(current.String()))
				current.Reset()
			} else {
				current.WriteRune(r)
			}
		default:
			current.WriteRune(r)
		}
	}

	return nil, false
}

// stringLiteral unquotes a simple python string literal.
func stringLiteral(s string) (string, bool) {
	if len(s) < 2 {
		return "", false
	}

	if (s[0] == '\'' && s[len(s)-1] == '\'') || (s[0] == '"' && s[len(s)-1] == '"') {
		inner := s[1 : len(s)-1]
		if !strings.ContainsAny(inner, `'"`) {
			return inner, true
		}
	}

	return "", false
}

// logicalLines yields source lines with comments stripped and
// triple-quoted string blocks blanked out.
func logicalLines(code string) []string {
	var (
		out       []string
		inTriple  bool
		tripleSep string
	)

	for _, line := range strings.Split(code, "\n") {
		if inTriple {
			if idx := strings.Index(line, tripleSep); idx >= 0 {
				inTriple = false
				line = line[idx+len(tripleSep):]
			} else {
				continue
			}
		}

		for {
			dq := strings.Index(line, `"""`)
			sq := strings.Index(line, "'''")

			idx, sep := dq, `"""`
			if dq < 0 || (sq >= 0 && sq < dq) {
				idx, sep = sq, "'''"
			}

			if idx < 0 {
				break
			}

			if end := strings.Index(line[idx+3:], sep); end >= 0 {
				line = line[:idx] + line[idx+3+end+3:]

				continue
			}

			line = line[:idx]
			inTriple = true
			tripleSep = sep

			break
		}

		out = append(out, stripComment(line))
	}

	return out
}

// stripComment removes a trailing # comment that is not inside a string.
func stripComment(line string) string {
	var quote rune

	for i, r := range line {
		if quote != 0 {
			if r == quote {
				quote = 0
			}

			continue
		}

		switch r {
		case '\'', '"':
			quote = r
		case '#':
			return line[:i]
		}
	}

	return line
}
