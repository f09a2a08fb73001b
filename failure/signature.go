package failure

import (
	"fmt"
	"hash/fnv"
	"path/filepath"
	"regexp"
	"strings"
)

// Volatile-token patterns. These are scrubbed from the message before
// fingerprinting so that re-runs of the same bug produce the same
// signature. Order matters: longer, more specific patterns run first
// so that, for example, a timestamp is not half-eaten by the generic
// number rule.
var volatilePatterns = []struct {
	re          *regexp.Regexp
	replacement string
}{
	// Memory addresses: <Foo object at 0x7f3a2b4c>
	{regexp.MustCompile(`0[xX][0-9a-fA-F]+`), "0xADDR"},

	// ISO-ish timestamps: 2026-08-23T14:02:11.123456 or with a space
	{regexp.MustCompile(`\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}(?:\.\d+)?(?:Z|[+-]\d{2}:?\d{2})?`), "<TS>"},

	// Bare clock times: 14:02:11
	{regexp.MustCompile(`\b\d{1,2}:\d{2}:\d{2}(?:\.\d+)?\b`), "<TS>"},

	// Long hex runs (hashes, ids)
	{regexp.MustCompile(`\b[0-9a-fA-F]{12,}\b`), "<HEX>"},

	// Explicit line references: "line 42", "line 42," etc.
	{regexp.MustCompile(`\bline \d+`), "line <N>"},

	// Long decimal runs (object ids, epoch stamps, ports in URLs)
	{regexp.MustCompile(`\b\d{5,}\b`), "<N>"},
}

// pathToken matches absolute unix paths so they can be reduced to a
// basename. A failure that moves between checkouts must not change
// signature.
var pathToken = regexp.MustCompile(`(?:/[\w.\-]+){2,}`)

// tracebackFrame matches a Python-style traceback frame. The deepest
// frame names the enclosing function of the failure.
var tracebackFrame = regexp.MustCompile(`File "([^"]+)", line \d+, in (\S+)`)

// NormalizeMessage scrubs volatile tokens (addresses, timestamps, line
// numbers, ids, absolute paths) from a failure message, leaving the
// message template.
func NormalizeMessage(msg string) string {
	out := msg
	for _, p := range volatilePatterns {
		out = p.re.ReplaceAllString(out, p.replacement)
	}
	out = pathToken.ReplaceAllStringFunc(out, func(p string) string {
		return filepath.Base(p)
	})
	return strings.TrimSpace(out)
}

// EnclosingFunction returns the function name of the deepest traceback
// frame, or "" when the traceback carries no recognizable frames.
func EnclosingFunction(traceback string) string {
	frames := tracebackFrame.FindAllStringSubmatch(traceback, -1)
	if len(frames) == 0 {
		return ""
	}
	return frames[len(frames)-1][2]
}

// Fingerprint derives the stable signature for a record. It is
// deterministic and ignores volatile substrings while remaining
// sensitive to exception kind, message template, offending file, and
// enclosing function. Line numbers deliberately do not participate:
// the same bug shifted by an unrelated edit keeps its signature.
func Fingerprint(rec Record) Signature {
	h := fnv.New64a()

	write := func(s string) {
		_, _ = h.Write([]byte(s))
		_, _ = h.Write([]byte{0})
	}

	write(rec.Kind)
	write(NormalizeMessage(rec.Message))
	write(filepath.Base(rec.File))
	write(EnclosingFunction(rec.Traceback))

	return Signature(fmt.Sprintf("sig-%016x", h.Sum64()))
}
