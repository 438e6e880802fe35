// Package redact provides best-effort scrubbing of secrets and PII from
// diagnostic strings before they leave the sandbox boundary.
//
// Rules are applied in a fixed order; earlier rules strip tokens that later
// rules would otherwise over-match (a bearer token is masked before the
// long-opaque-token rule can swallow its surroundings).
package redact

import (
	"regexp"
	"strings"
)

const (
	// DefaultMaxLen is the truncation cap applied to redacted strings.
	DefaultMaxLen = 500
	// DefaultMaxLines is the number of leading lines kept by SummarizeLogs.
	DefaultMaxLines = 6
)

var (
	emailRe       = regexp.MustCompile(`\b([A-Za-z0-9._%+-]+)@([A-Za-z0-9.-]+)\.[A-Za-z]{2,}\b`)
	bearerRe      = regexp.MustCompile(`(?i)\bBearer\s+([A-Za-z0-9._\-]+)\b`)
	jwtRe         = regexp.MustCompile(`\beyJ[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{20,}\.[A-Za-z0-9_-]{20,}\b`)
	basicRe       = regexp.MustCompile(`(?i)\bAuthorization\s*:\s*Basic\s+([A-Za-z0-9+/=]+)\b`)
	apiKeyFieldRe = regexp.MustCompile(`(?i)(api[_-]?key|token|secret|client[_-]?secret)\s*[:=]\s*(["']?)([^"'\s]{6,})(["']?)`)
	urlKeyParamRe = regexp.MustCompile(`(?i)([?&](?:api[_-]?key|token|secret|password|client[_-]?secret)=)([^&#]{4,})`)
	urlUserinfoRe = regexp.MustCompile(`(?i)\b(https?://)([^:@\s]+):([^@\s]+)@`)
	longAlnumRe   = regexp.MustCompile(`\b[A-Za-z0-9_-]{24,}\b`)
	uuidRe        = regexp.MustCompile(`\b[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[1-5][0-9a-fA-F]{3}-[89abAB][0-9a-fA-F]{3}-[0-9a-fA-F]{12}\b`)
	awsAKIDRe     = regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`)
	// RE2 has no lookaround; non-digit boundaries are captured instead.
	phoneRe = regexp.MustCompile(`(^|[^0-9])(\+?[0-9][0-9\s\-]{7,}[0-9])($|[^0-9])`)
)

// Redact scrubs common secrets and PII from text and truncates to DefaultMaxLen.
func Redact(text string) string {
	return RedactMax(text, DefaultMaxLen)
}

// RedactMax scrubs common secrets and PII from text and truncates to maxLen
// runes. A maxLen of 0 disables truncation.
//
// Masked, in order: emails, bearer tokens, JWT-shaped tokens, basic-auth
// values, api-key/token/secret fields, secret URL query params, URL userinfo,
// long opaque tokens (24+ chars), UUIDs, AWS access key ids, phone-like digit
// runs.
func RedactMax(text string, maxLen int) string {
	if text == "" {
		return ""
	}

	s := text
	s = emailRe.ReplaceAllString(s, "***@***")
	s = bearerRe.ReplaceAllString(s, "Bearer ***")
	s = jwtRe.ReplaceAllString(s, "***")
	s = basicRe.ReplaceAllString(s, "Authorization: Basic ***")
	s = apiKeyFieldRe.ReplaceAllString(s, "${1}=${2}***${4}")
	s = urlKeyParamRe.ReplaceAllString(s, "${1}***")
	s = urlUserinfoRe.ReplaceAllString(s, "${1}***:***@")
	s = longAlnumRe.ReplaceAllString(s, "***")
	s = uuidRe.ReplaceAllString(s, "***")
	s = awsAKIDRe.ReplaceAllString(s, "***")
	s = phoneRe.ReplaceAllString(s, "${1}***${3}")

	return truncate(s, maxLen)
}

// SummarizeLogs produces a short, redacted summary of child stderr/stdout for
// safe display.
//
// Redaction runs first (with twice the char budget so slicing never exposes a
// half-masked token), then the first maxLines lines are kept. When a Python
// traceback is detected, the final exception line is spliced into the head if
// it would otherwise be cut. The result is trimmed to maxChars runes.
func SummarizeLogs(text string, maxLines, maxChars int) string {
	if text == "" {
		return ""
	}

	if maxLines <= 0 {
		maxLines = DefaultMaxLines
	}

	if maxChars <= 0 {
		maxChars = DefaultMaxLen
	}

	s := RedactMax(text, maxChars*2)
	lines := strings.Split(s, "\n")

	if hasTraceback(lines) {
		for i := len(lines) - 1; i >= 0; i-- {
			last := strings.TrimSpace(lines[i])
			if last == "" {
				continue
			}

			if !contains(lines[:min(maxLines, len(lines))], last) {
				head := lines[:min(maxLines-1, len(lines))]
				lines = append(append([]string{}, head...), last)
			}

			break
		}
	}

	head := lines[:min(maxLines, len(lines))]
	out := strings.Join(head, "\n")

	return truncate(out, maxChars)
}

func hasTraceback(lines []string) bool {
	for _, l := range lines {
		if strings.HasPrefix(l, "Traceback ") {
			return true
		}
	}

	return false
}

func contains(lines []string, target string) bool {
	for _, l := range lines {
		if l == target {
			return true
		}
	}

	return false
}

func truncate(s string, maxLen int) string {
	if maxLen <= 0 {
		return s
	}

	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}

	return string(runes[:maxLen-3]) + "..."
}
