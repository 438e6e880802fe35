// Package sandbox provides one-shot isolated execution of chart-rendering
// snippets and constrained user code, with a static allowlist, resource caps,
// and a cooperative cancel/timeout protocol.
package sandbox

import (
	"errors"
	"fmt"

	"github.com/autoeda-io/chartengine/internal/redact"
)

// Kind is the canonical sandbox error taxonomy. Anything the runner cannot
// classify maps to KindUnknown at the facade boundary.
type Kind string

const (
	// KindTimeout means the wall-clock limit was exceeded.
	KindTimeout Kind = "timeout"
	// KindCancelled means the cancel callback observed true at a checkpoint.
	KindCancelled Kind = "cancelled"
	// KindForbiddenImport means the static allowlist rejected the snippet.
	KindForbiddenImport Kind = "forbidden_import"
	// KindFormatError means the child exited without emitting a parseable result.
	KindFormatError Kind = "format_error"
	// KindUnknown covers everything else.
	KindUnknown Kind = "unknown"
)

// Error is the tagged failure returned by every runner entry point.
// Detail and Logs are redacted before the error leaves the runner.
type Error struct {
	Kind   Kind
	Detail string
	// Logs carries the first redacted lines of child stderr for format errors.
	Logs string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Detail == "" {
		return string(e.Kind)
	}

	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

// newError builds a tagged error with the detail scrubbed by the redactor.
func newError(kind Kind, detail string) *Error {
	return &Error{Kind: kind, Detail: redact.Redact(detail)}
}

// newFormatError attaches a redacted stderr summary to a format_error.
func newFormatError(detail, stderr string) *Error {
	e := newError(KindFormatError, detail)
	e.Logs = redact.SummarizeLogs(stderr, redact.DefaultMaxLines, redact.DefaultMaxLen)

	return e
}

// ClassifyKind returns the error's taxonomy kind, coercing anything that is
// not a sandbox error to KindUnknown.
func ClassifyKind(err error) Kind {
	var sbErr *Error
	if errors.As(err, &sbErr) {
		switch sbErr.Kind {
		case KindTimeout, KindCancelled, KindForbiddenImport, KindFormatError:
			return sbErr.Kind
		}
	}

	return KindUnknown
}
