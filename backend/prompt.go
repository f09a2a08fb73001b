package backend

import (
	"fmt"
	"regexp"
	"strings"
)

// systemPrompt frames the task for every provider. The response
// contract (a single fenced unified diff) is what ExtractDiff parses.
const systemPrompt = `You are an automated bug-fixing engine. You receive one failing test with its traceback and a source excerpt, and you respond with a minimal fix.

Rules:
- Respond with exactly one unified diff inside a fenced code block (` + "```diff" + `).
- Use paths relative to the project root, with a/ and b/ prefixes.
- Change as few lines as possible; never reformat unrelated code.
- Never weaken or delete the failing test unless the test itself is the bug.
- No prose outside the fenced block.`

// BuildPrompt renders a request into the user message sent to the
// provider.
func BuildPrompt(req *Request) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Failing test: %s\n", req.Record.TestID)
	fmt.Fprintf(&b, "Error: %s: %s\n", req.Record.Kind, req.Record.Message)
	if req.Record.File != "" {
		fmt.Fprintf(&b, "Location: %s", req.Record.File)
		if req.Record.Line > 0 {
			fmt.Fprintf(&b, ":%d", req.Record.Line)
		}
		b.WriteString("\n")
	}

	if req.Record.Traceback != "" {
		b.WriteString("\nTraceback:\n")
		b.WriteString(req.Record.Traceback)
		b.WriteString("\n")
	}

	if req.Excerpt != "" {
		b.WriteString("\nSource around the failure:\n")
		b.WriteString(req.Excerpt)
		b.WriteString("\n")
	}

	if len(req.PriorRejected) > 0 {
		b.WriteString("\nThe following patches were already tried and rejected; propose something different:\n")
		for i, prior := range req.PriorRejected {
			fmt.Fprintf(&b, "\n--- rejected attempt %d ---\n%s\n", i+1, prior)
		}
	}

	return b.String()
}

var fencedDiff = regexp.MustCompile("(?s)```(?:diff|patch)?\\n(.*?)```")

// ExtractDiff pulls the unified diff out of a provider response. It
// accepts a fenced code block or, failing that, bare text that starts
// at a diff header. Returns "" when no diff-shaped content is present.
func ExtractDiff(text string) string {
	if m := fencedDiff.FindStringSubmatch(text); m != nil {
		candidate := strings.TrimSpace(m[1])
		if looksLikeDiff(candidate) {
			return candidate
		}
	}

	// Unfenced fallback: take everything from the first diff header.
	for _, marker := range []string{"diff --git", "--- "} {
		if idx := strings.Index(text, marker); idx != -1 {
			candidate := strings.TrimSpace(text[idx:])
			if looksLikeDiff(candidate) {
				return candidate
			}
		}
	}

	return ""
}

func looksLikeDiff(s string) bool {
	return strings.Contains(s, "@@") &&
		(strings.Contains(s, "---") || strings.Contains(s, "diff --git"))
}
