package failure

import (
	"fmt"

	"github.com/tidwall/gjson"
)

const (
	// maxReportSize caps the accepted report to prevent resource exhaustion
	// from a runaway test runner.
	maxReportSize = 8 * 1024 * 1024

	// maxFailures bounds the number of records extracted from one report.
	maxFailures = 1000
)

// ExtractionError indicates the test-run report was malformed and no
// failure records could be derived from it.
type ExtractionError struct {
	Reason string
}

func (e *ExtractionError) Error() string {
	return "malformed test report: " + e.Reason
}

// Extractor turns raw test-run reports into ordered failure records paired
// with stable signatures.
type Extractor struct {
	excerptLines int
}

// NewExtractor creates an extractor that attaches code excerpts of
// ±contextLines around each failure location.
func NewExtractor(contextLines int) *Extractor {
	if contextLines < 0 {
		contextLines = 0
	}
	return &Extractor{excerptLines: contextLines}
}

// Extract parses a raw JSON test report into ordered failure records.
// An empty failing list is a valid success state and returns an empty
// slice with a nil error. A structurally invalid report returns
// *ExtractionError.
//
// Expected shape:
//
//	{"passed": bool, "failing": [{"test_id", "file", "line", "kind", "message", "traceback"}]}
func (e *Extractor) Extract(root string, raw []byte) (*Report, error) {
	if len(raw) == 0 {
		return nil, &ExtractionError{Reason: "empty report"}
	}
	if len(raw) > maxReportSize {
		return nil, &ExtractionError{Reason: fmt.Sprintf("report exceeds %d bytes", maxReportSize)}
	}
	if !gjson.ValidBytes(raw) {
		return nil, &ExtractionError{Reason: "not valid JSON"}
	}

	doc := gjson.ParseBytes(raw)

	passed := doc.Get("passed")
	if !passed.Exists() || (passed.Type != gjson.True && passed.Type != gjson.False) {
		return nil, &ExtractionError{Reason: "missing boolean field 'passed'"}
	}

	failing := doc.Get("failing")
	if failing.Exists() && !failing.IsArray() {
		return nil, &ExtractionError{Reason: "'failing' is not an array"}
	}

	report := &Report{Passed: passed.Bool()}

	var parseErr *ExtractionError
	failing.ForEach(func(_, item gjson.Result) bool {
		if len(report.Failing) >= maxFailures {
			return false
		}
		if !item.IsObject() {
			parseErr = &ExtractionError{Reason: "failing entry is not an object"}
			return false
		}

		kind := item.Get("kind").String()
		message := item.Get("message").String()
		if kind == "" && message == "" {
			parseErr = &ExtractionError{Reason: "failing entry has neither kind nor message"}
			return false
		}

		rec := Record{
			TestID:    item.Get("test_id").String(),
			File:      item.Get("file").String(),
			Line:      int(item.Get("line").Int()),
			Kind:      kind,
			Message:   message,
			Traceback: item.Get("traceback").String(),
		}
		rec.Excerpt = Excerpt(root, rec.File, rec.Line, e.excerptLines)
		report.Failing = append(report.Failing, rec)
		return true
	})
	if parseErr != nil {
		return nil, parseErr
	}

	if !report.Passed && len(report.Failing) == 0 {
		return nil, &ExtractionError{Reason: "report marked failed but lists no failures"}
	}

	return report, nil
}
