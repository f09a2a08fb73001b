// Package runner executes the project's test command and turns its
// machine-readable report into a failure report. Outcomes are explicit
// values rather than error unwinding: a timed-out or flaky run is a
// normal result the session counts against its budget, not a crash.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/handleui/mend/failure"
	"github.com/handleui/mend/retry"
)

// Outcome classifies how a test run ended.
type Outcome string

const (
	// OutcomeOK means the run completed and produced a parseable report.
	// The report itself says whether tests passed.
	OutcomeOK Outcome = "ok"

	// OutcomeTimeout means the run exceeded its deadline.
	OutcomeTimeout Outcome = "timeout"

	// OutcomeTransient means the run failed for a reason that looks
	// environmental and is worth retrying.
	OutcomeTransient Outcome = "transient"

	// OutcomeFatal means the run cannot succeed without intervention,
	// for example a missing test binary.
	OutcomeFatal Outcome = "fatal"
)

// Result is one completed test run.
type Result struct {
	Outcome  Outcome
	Report   *failure.Report // nil unless Outcome is OutcomeOK
	Duration time.Duration
	Detail   string // diagnostic context for non-ok outcomes
}

// Runner executes the test suite for a project root.
type Runner interface {
	Run(ctx context.Context, root string) (*Result, error)
}

// CommandRunner runs a configured external command and parses the JSON
// report it writes to stdout.
type CommandRunner struct {
	command   []string
	timeout   time.Duration
	extractor *failure.Extractor
}

// NewCommandRunner creates a runner for the given argv. The command
// must write the failure report to stdout as JSON.
func NewCommandRunner(command []string, timeout time.Duration, extractor *failure.Extractor) (*CommandRunner, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("runner: empty test command")
	}
	if timeout <= 0 {
		return nil, fmt.Errorf("runner: non-positive timeout %v", timeout)
	}
	return &CommandRunner{
		command:   command,
		timeout:   timeout,
		extractor: extractor,
	}, nil
}

// Run implements Runner.
func (r *CommandRunner) Run(ctx context.Context, root string) (*Result, error) {
	runCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, r.command[0], r.command[1:]...) //nolint:gosec // command comes from validated config
	cmd.Dir = root
	cmd.Env = os.Environ()

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	if runCtx.Err() != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return &Result{
			Outcome:  OutcomeTimeout,
			Duration: duration,
			Detail:   fmt.Sprintf("test command exceeded %v", r.timeout),
		}, nil
	}
	if ctx.Err() != nil {
		// Caller cancellation is not a run outcome.
		return nil, ctx.Err()
	}

	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			// The command never started. A missing binary is fatal; a
			// resource hiccup is worth one more try.
			if retry.IsTransient(runErr) {
				return &Result{Outcome: OutcomeTransient, Duration: duration, Detail: runErr.Error()}, nil
			}
			return &Result{Outcome: OutcomeFatal, Duration: duration, Detail: runErr.Error()}, nil
		}
		// Nonzero exit is expected when tests fail; the report decides.
	}

	report, err := r.extractor.Extract(root, stdout.Bytes())
	if err != nil {
		detail := err.Error()
		if stderr.Len() > 0 {
			detail = fmt.Sprintf("%s (stderr: %s)", detail, truncate(stderr.String(), 512))
		}
		return &Result{Outcome: OutcomeFatal, Duration: duration, Detail: detail}, nil
	}

	return &Result{Outcome: OutcomeOK, Report: report, Duration: duration}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
