package failure

// Record is one failing test, extracted from a test-run report.
// Records are immutable once created and owned by the cycle that
// extracted them.
type Record struct {
	TestID    string `json:"test_id"`
	File      string `json:"file"`
	Line      int    `json:"line,omitempty"`
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Traceback string `json:"traceback,omitempty"`
	Excerpt   string `json:"excerpt,omitempty"`
}

// Signature is a stable fingerprint identifying "the same bug" across runs,
// independent of volatile text such as object addresses, timestamps, and
// line numbers. Two Records with equal Signatures are treated as the same
// failure by the confidence model and the learning cache.
type Signature string

// Report is the structured result of one test-suite run, as produced by the
// test execution collaborator.
type Report struct {
	Passed  bool
	Failing []Record
}

// HasFailures reports whether the run produced any failing tests.
func (r *Report) HasFailures() bool {
	return len(r.Failing) > 0
}
