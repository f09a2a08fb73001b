package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nightlyone/lockfile"

	"github.com/handleui/mend/config"
	"github.com/handleui/mend/failure"
	"github.com/handleui/mend/runner"
	"github.com/handleui/mend/store"
)

// scriptRunner replays a fixed sequence of results; the last result
// repeats once the script runs out.
type scriptRunner struct {
	results []*runner.Result
	calls   int
}

func (s *scriptRunner) Run(ctx context.Context, root string) (*runner.Result, error) {
	idx := s.calls
	if idx >= len(s.results) {
		idx = len(s.results) - 1
	}
	s.calls++
	return s.results[idx], nil
}

func failingResult(recs ...failure.Record) *runner.Result {
	return &runner.Result{
		Outcome: runner.OutcomeOK,
		Report:  &failure.Report{Passed: false, Failing: recs},
	}
}

func passingResult() *runner.Result {
	return &runner.Result{
		Outcome: runner.OutcomeOK,
		Report:  &failure.Report{Passed: true},
	}
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.MaxRetries = 3
	cfg.Watch = []string{"src/**/*.py"}
	return cfg
}

func attrRecord() failure.Record {
	return failure.Record{
		TestID:  "tests/test_widget.py::test_render",
		File:    "src/widget.py",
		Line:    3,
		Kind:    "AttributeError",
		Message: "'Widget' object has no attribute 'render'",
	}
}

func setupWidgetProject(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "src"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "src", "widget.py"),
		[]byte("class Widget:\n    def __init__(self):\n        self.name = \"w\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	return root
}

func TestRunCleanSuite(t *testing.T) {
	root := setupWidgetProject(t)
	original, _ := os.ReadFile(filepath.Join(root, "src", "widget.py"))

	ctrl, err := New(root, testConfig(), Deps{Runner: &scriptRunner{results: []*runner.Result{passingResult()}}})
	if err != nil {
		t.Fatal(err)
	}

	summary, err := ctrl.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if summary.State != StateCommitted {
		t.Errorf("state = %v, want committed", summary.State)
	}
	if len(summary.Touched) != 0 {
		t.Errorf("clean session touched files: %v", summary.Touched)
	}

	after, _ := os.ReadFile(filepath.Join(root, "src", "widget.py"))
	if string(after) != string(original) {
		t.Error("clean session mutated the tree")
	}

	// Nothing was attempted, so the audit log stays empty.
	st, err := store.Open(testConfig().ResolveStateDir(root))
	if err != nil {
		t.Fatal(err)
	}
	attempts, err := st.Attempts()
	if err != nil {
		t.Fatal(err)
	}
	if len(attempts) != 0 {
		t.Errorf("clean session recorded attempts: %+v", attempts)
	}
}

func TestRunFixesAttributeError(t *testing.T) {
	root := setupWidgetProject(t)
	cfg := testConfig()

	// First run fails, the run after the structured patch passes.
	script := &scriptRunner{results: []*runner.Result{
		failingResult(attrRecord()),
		passingResult(),
	}}

	ctrl, err := New(root, cfg, Deps{Runner: script})
	if err != nil {
		t.Fatal(err)
	}

	summary, err := ctrl.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if summary.State != StateCommitted {
		t.Fatalf("state = %v (%s), want committed", summary.State, summary.Detail)
	}
	if summary.Cycles != 1 {
		t.Errorf("cycles = %d, want 1", summary.Cycles)
	}

	content, _ := os.ReadFile(filepath.Join(root, "src", "widget.py"))
	if !strings.Contains(string(content), "def render(self):") {
		t.Errorf("fix not in working tree:\n%s", content)
	}

	// The attempt log and learning cache must both record the fix.
	st, err := store.Open(cfg.ResolveStateDir(root))
	if err != nil {
		t.Fatal(err)
	}
	attempts, err := st.Attempts()
	if err != nil {
		t.Fatal(err)
	}
	if len(attempts) != 1 || attempts[0].Outcome != store.OutcomeCommitted {
		t.Errorf("attempts = %+v, want one committed record", attempts)
	}

	sig := failure.Fingerprint(attrRecord())
	learned, err := st.GetLearned(sig)
	if err != nil {
		t.Fatal(err)
	}
	if learned == nil {
		t.Error("verified fix not cached")
	} else if learned.Confidence <= 0.5 {
		t.Errorf("learned confidence = %v, want above the neutral prior", learned.Confidence)
	}
}

func TestRunRejectsAndRestoresBaseline(t *testing.T) {
	root := setupWidgetProject(t)
	original, _ := os.ReadFile(filepath.Join(root, "src", "widget.py"))
	cfg := testConfig()
	cfg.MaxRetries = 2

	// Validation keeps failing: every cycle must revert to the baseline.
	script := &scriptRunner{results: []*runner.Result{failingResult(attrRecord())}}

	ctrl, err := New(root, cfg, Deps{Runner: script})
	if err != nil {
		t.Fatal(err)
	}

	summary, err := ctrl.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if summary.State != StateAborted {
		t.Fatalf("state = %v, want aborted after budget exhaustion", summary.State)
	}
	if summary.Cycles != 2 {
		t.Errorf("cycles = %d, want 2", summary.Cycles)
	}

	after, _ := os.ReadFile(filepath.Join(root, "src", "widget.py"))
	if string(after) != string(original) {
		t.Errorf("tree not byte-exact after abort:\n%q\nwant\n%q", after, original)
	}

	st, err := store.Open(cfg.ResolveStateDir(root))
	if err != nil {
		t.Fatal(err)
	}
	attempts, err := st.Attempts()
	if err != nil {
		t.Fatal(err)
	}
	if len(attempts) != 2 {
		t.Fatalf("attempts = %d, want 2 rejected records", len(attempts))
	}
	for _, a := range attempts {
		if a.Outcome != store.OutcomeRejected {
			t.Errorf("attempt outcome = %v, want rejected", a.Outcome)
		}
	}
}

func TestRunAbortsWithoutMutationWhenNoStrategyApplies(t *testing.T) {
	root := setupWidgetProject(t)
	original, _ := os.ReadFile(filepath.Join(root, "src", "widget.py"))

	// AssertionError matches no structured pattern, there is no cache
	// entry, and no backend is configured.
	rec := failure.Record{
		TestID:  "tests/test_math.py::test_sum",
		File:    "src/widget.py",
		Kind:    "AssertionError",
		Message: "3 != 4",
	}
	script := &scriptRunner{results: []*runner.Result{failingResult(rec)}}

	ctrl, err := New(root, testConfig(), Deps{Runner: script})
	if err != nil {
		t.Fatal(err)
	}

	summary, err := ctrl.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if summary.State != StateAborted {
		t.Errorf("state = %v, want aborted", summary.State)
	}
	if len(summary.Touched) != 0 {
		t.Errorf("aborted session touched files: %v", summary.Touched)
	}

	after, _ := os.ReadFile(filepath.Join(root, "src", "widget.py"))
	if string(after) != string(original) {
		t.Error("tree mutated despite no applicable strategy")
	}
}

func TestRunSecondFailureReusesLearnedFix(t *testing.T) {
	root := setupWidgetProject(t)
	cfg := testConfig()

	first, err := New(root, cfg, Deps{Runner: &scriptRunner{results: []*runner.Result{
		failingResult(attrRecord()),
		passingResult(),
	}}})
	if err != nil {
		t.Fatal(err)
	}
	if summary, err := first.Run(context.Background()); err != nil || summary.State != StateCommitted {
		t.Fatalf("first session = %+v, %v", summary, err)
	}

	// Regress the file and run again: the learned fix should commit on
	// the first cycle without touching the structured strategy's logic.
	if err := os.WriteFile(filepath.Join(root, "src", "widget.py"),
		[]byte("class Widget:\n    def __init__(self):\n        self.name = \"w\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	second, err := New(root, cfg, Deps{Runner: &scriptRunner{results: []*runner.Result{
		failingResult(attrRecord()),
		passingResult(),
	}}})
	if err != nil {
		t.Fatal(err)
	}
	summary, err := second.Run(context.Background())
	if err != nil {
		t.Fatalf("second session error = %v", err)
	}
	if summary.State != StateCommitted || summary.Cycles != 1 {
		t.Fatalf("second session = %+v, want committed in one cycle", summary)
	}

	st, err := store.Open(cfg.ResolveStateDir(root))
	if err != nil {
		t.Fatal(err)
	}
	attempts, err := st.Attempts()
	if err != nil {
		t.Fatal(err)
	}
	last := attempts[len(attempts)-1]
	if last.Origin != "learned" {
		t.Errorf("second fix origin = %v, want learned", last.Origin)
	}
}

func TestRunMutualExclusion(t *testing.T) {
	root := setupWidgetProject(t)
	cfg := testConfig()
	stateDir := cfg.ResolveStateDir(root)
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		t.Fatal(err)
	}

	// Hold the lock as a live owner.
	lock, err := lockfile.New(filepath.Join(stateDir, lockFileName))
	if err != nil {
		t.Fatal(err)
	}
	if err := lock.TryLock(); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = lock.Unlock() }()

	ctrl, err := New(root, cfg, Deps{Runner: &scriptRunner{results: []*runner.Result{passingResult()}}})
	if err != nil {
		t.Fatal(err)
	}

	_, err = ctrl.Run(context.Background())
	if !errors.Is(err, ErrSessionActive) {
		t.Errorf("Run() error = %v, want ErrSessionActive", err)
	}
}

func TestAcquireLockSameProcess(t *testing.T) {
	root := setupWidgetProject(t)
	cfg := testConfig()

	first, err := New(root, cfg, Deps{Runner: &scriptRunner{results: []*runner.Result{passingResult()}}})
	if err != nil {
		t.Fatal(err)
	}
	second, err := New(root, cfg, Deps{Runner: &scriptRunner{results: []*runner.Result{passingResult()}}})
	if err != nil {
		t.Fatal(err)
	}

	unlock, err := first.acquireLock()
	if err != nil {
		t.Fatalf("first acquireLock() error = %v", err)
	}

	// The lock owner is this process; a second controller must still be
	// refused rather than re-entering.
	if _, err := second.acquireLock(); !errors.Is(err, ErrSessionActive) {
		t.Errorf("second acquireLock() error = %v, want ErrSessionActive", err)
	}

	unlock()

	unlock2, err := second.acquireLock()
	if err != nil {
		t.Errorf("acquireLock() after release error = %v", err)
	} else {
		unlock2()
	}
}

func TestRunFatalTestRunAborts(t *testing.T) {
	root := setupWidgetProject(t)
	script := &scriptRunner{results: []*runner.Result{
		{Outcome: runner.OutcomeFatal, Detail: "pytest: command not found"},
	}}

	ctrl, err := New(root, testConfig(), Deps{Runner: script})
	if err != nil {
		t.Fatal(err)
	}

	summary, err := ctrl.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if summary.State != StateAborted {
		t.Errorf("state = %v, want aborted", summary.State)
	}
	if !strings.Contains(summary.Detail, "not found") {
		t.Errorf("detail = %q, want the runner's diagnostic", summary.Detail)
	}
}

func TestStatusReflectsLastSession(t *testing.T) {
	root := setupWidgetProject(t)
	cfg := testConfig()

	ctrl, err := New(root, cfg, Deps{Runner: &scriptRunner{results: []*runner.Result{passingResult()}}})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ctrl.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	rec, err := Status(cfg.ResolveStateDir(root))
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if rec == nil || rec.State != StateCommitted {
		t.Errorf("Status() = %+v, want committed terminal record", rec)
	}
	if rec != nil && rec.EndedAt == nil {
		t.Error("terminal session has no end time")
	}
}

func TestStatusWithoutSessions(t *testing.T) {
	rec, err := Status(t.TempDir())
	if err != nil || rec != nil {
		t.Errorf("Status() = %+v, %v; want nil, nil", rec, err)
	}
}

func TestStateTerminal(t *testing.T) {
	terminal := []State{StateCommitted, StateAborted, StateRolledBack}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%v not terminal", s)
		}
	}
	active := []State{StateInit, StateRunningTests, StateClean, StateHasFailures, StateSynthesizing, StateValidating, StateRejected}
	for _, s := range active {
		if s.Terminal() {
			t.Errorf("%v reported terminal", s)
		}
	}
}
