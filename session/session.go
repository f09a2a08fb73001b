// Package session drives the fix loop for one project root: run the
// suite, synthesize a candidate for the primary failure, apply it,
// re-validate, then commit or revert. One session holds an exclusive
// per-root lock; everything it learns is persisted through the store
// and the confidence model.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nightlyone/lockfile"

	"github.com/handleui/mend/backend"
	"github.com/handleui/mend/config"
	"github.com/handleui/mend/confidence"
	"github.com/handleui/mend/failure"
	"github.com/handleui/mend/gitops"
	"github.com/handleui/mend/patch"
	"github.com/handleui/mend/runner"
	"github.com/handleui/mend/snapshot"
	"github.com/handleui/mend/store"
	"github.com/handleui/mend/synth"
)

const (
	lockFileName    = "session.lock"
	confidenceFile  = "confidence.json"
	baselineDirName = "baseline"
	sessionFileName = "session.json"
)

// Deps are optional collaborator overrides, used by tests and by
// callers that already built a backend.
type Deps struct {
	Runner  runner.Runner   // nil builds a CommandRunner from the config
	Backend backend.Backend // nil builds one from config.Provider
	Log     *slog.Logger    // nil uses slog.Default
}

// Summary is what a finished session reports back to the caller.
type Summary struct {
	SessionID string
	State     State
	Cycles    int
	Signature failure.Signature
	Touched   []string
	Detail    string
}

// Controller owns one session's collaborators and state.
type Controller struct {
	root        string
	stateDir    string
	baselineDir string
	cfg         *config.Config
	log         *slog.Logger

	run   runner.Runner
	st    *store.Store
	conf  *confidence.Manager
	snaps *snapshot.Manager
	syn   *synth.Synthesizer

	enabled []patch.Origin
	rec     Record
}

// New wires a controller for the project root. The state directory,
// store, confidence model and synthesizer are all created here; Run
// does no setup beyond taking the lock.
func New(root string, cfg *config.Config, deps Deps) (*Controller, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving project root: %w", err)
	}

	log := deps.Log
	if log == nil {
		log = slog.Default()
	}

	stateDir := cfg.ResolveStateDir(absRoot)
	st, err := store.Open(stateDir)
	if err != nil {
		return nil, err
	}

	conf, err := confidence.Load(filepath.Join(stateDir, confidenceFile), cfg.SuccessRate, cfg.FailureRate)
	if err != nil {
		return nil, err
	}

	extractor := failure.NewExtractor(cfg.ContextLines)

	run := deps.Runner
	if run == nil {
		run, err = runner.NewCommandRunner(cfg.TestCommand, cfg.Timeout(), extractor)
		if err != nil {
			return nil, err
		}
	}

	be := deps.Backend
	if be == nil {
		be, err = buildBackend(cfg)
		if err != nil {
			return nil, err
		}
	}

	enabled, err := cfg.Strategies()
	if err != nil {
		return nil, err
	}
	if len(enabled) == 0 {
		enabled = patch.Origins
	}

	syn := synth.New(absRoot, conf, st, be, synth.Options{
		ConfidenceFloor:  cfg.ConfidenceFloor,
		Enabled:          enabled,
		LearnedThreshold: cfg.LearnedThreshold,
	}, log)

	return &Controller{
		root:        absRoot,
		stateDir:    stateDir,
		baselineDir: filepath.Join(stateDir, baselineDirName),
		cfg:         cfg,
		log:         log,
		run:         run,
		st:          st,
		conf:        conf,
		snaps:       snapshot.NewManager(),
		syn:         syn,
		enabled:     enabled,
	}, nil
}

// buildBackend constructs the configured provider with its API key from
// the environment. An empty provider disables generation.
func buildBackend(cfg *config.Config) (backend.Backend, error) {
	switch cfg.Provider {
	case "":
		return nil, nil
	case "anthropic":
		inner, err := backend.NewAnthropic(os.Getenv("ANTHROPIC_API_KEY"), cfg.Model)
		if err != nil {
			return nil, err
		}
		return backend.WithRetry(inner), nil
	case "openai":
		inner, err := backend.NewOpenAI(os.Getenv("OPENAI_API_KEY"), cfg.Model)
		if err != nil {
			return nil, err
		}
		return backend.WithRetry(inner), nil
	}
	return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
}

// Run executes the full session. It holds the per-root lock for its
// whole duration and guarantees a terminal state: the tree is either at
// a validated fix or byte-exact at the session baseline.
func (c *Controller) Run(ctx context.Context) (*Summary, error) {
	unlock, err := c.acquireLock()
	if err != nil {
		return nil, err
	}
	defer unlock()

	// A leftover baseline means an earlier session died mid-mutation.
	// Restore the tree before doing anything else.
	if restored, err := snapshot.Restore(c.root, c.baselineDir); err != nil {
		return nil, fmt.Errorf("recovering interrupted session: %w", err)
	} else if len(restored) > 0 {
		c.log.Warn("recovered interrupted session", "restored_files", len(restored))
		if err := snapshot.Discard(c.baselineDir); err != nil {
			return nil, err
		}
	}

	c.rec = Record{
		ID:        fmt.Sprintf("s-%s", time.Now().UTC().Format("20060102T150405")),
		Root:      c.root,
		State:     StateInit,
		StartedAt: time.Now().UTC(),
	}
	c.transition(StateInit)

	summary, err := c.loop(ctx)
	if summary != nil {
		summary.Touched = c.snaps.Touched()
	}
	return summary, err
}

// loop is the state machine body.
func (c *Controller) loop(ctx context.Context) (*Summary, error) {
	report, res, err := c.initialRun(ctx)
	if err != nil {
		return nil, err
	}
	if report == nil {
		return c.abort(res.Detail), nil
	}

	if !report.HasFailures() {
		// Clean is an intermediate state for the status surface; a
		// passing suite still ends committed, with nothing attempted.
		c.transition(StateClean)
		c.transition(StateCommitted)
		c.log.Info("suite already clean, nothing to fix")
		return c.finish(""), nil
	}

	c.transition(StateHasFailures)

	target := report.Failing[0]
	sig := failure.Fingerprint(target)
	c.rec.Signature = string(sig)

	baselineSigs := make(map[failure.Signature]bool, len(report.Failing))
	for _, f := range report.Failing {
		baselineSigs[failure.Fingerprint(f)] = true
	}

	c.log.Info("targeting failure",
		"test", target.TestID, "kind", target.Kind, "signature", sig,
		"total_failing", len(report.Failing))

	if err := c.captureBaseline(report); err != nil {
		return nil, err
	}

	hist := synth.History{}
	for cycle := 1; cycle <= c.cfg.MaxRetries; cycle++ {
		if err := ctx.Err(); err != nil {
			return c.rollBack("canceled"), err
		}
		c.rec.Cycle = cycle

		if len(c.conf.Ranked(sig, c.enabled, c.cfg.ConfidenceFloor)) == 0 {
			return c.abort("all strategies below confidence floor"), nil
		}

		c.transition(StateSynthesizing)
		candidate, err := c.syn.Synthesize(ctx, target, sig, hist)
		if errors.Is(err, synth.ErrSynthesisExhausted) {
			return c.abort("no strategy produced a candidate"), nil
		}
		if err != nil {
			return nil, err
		}

		if _, err := c.snaps.Apply(candidate); err != nil {
			// Application may have written some targets before failing;
			// the tree must go back to baseline before the next cycle.
			if rbErr := c.revert(); rbErr != nil {
				return c.rollBack(rbErr.Error()), rbErr
			}
			c.log.Warn("patch failed to apply", "cycle", cycle, "error", err)
			c.recordAttempt(sig, candidate.Origin, store.OutcomeError)
			continue
		}
		if err := c.snaps.Persist(c.baselineDir); err != nil {
			if rbErr := c.revert(); rbErr != nil {
				return c.rollBack(rbErr.Error()), rbErr
			}
			return nil, err
		}

		c.transition(StateValidating)
		vres, err := c.run.Run(ctx, c.root)
		if err != nil {
			if rbErr := c.revert(); rbErr != nil {
				return c.rollBack(rbErr.Error()), rbErr
			}
			return c.rollBack("canceled during validation"), err
		}

		switch vres.Outcome {
		case runner.OutcomeTimeout, runner.OutcomeTransient:
			if rbErr := c.revert(); rbErr != nil {
				return c.rollBack(rbErr.Error()), rbErr
			}
			c.log.Warn("validation run did not complete", "cycle", cycle, "outcome", vres.Outcome, "detail", vres.Detail)
			c.recordAttempt(sig, candidate.Origin, store.OutcomeError)
			continue

		case runner.OutcomeFatal:
			if rbErr := c.revert(); rbErr != nil {
				return c.rollBack(rbErr.Error()), rbErr
			}
			return c.rollBack(vres.Detail), fmt.Errorf("validation run failed: %s", vres.Detail)
		}

		if !vres.Report.HasFailures() {
			return c.commit(ctx, sig, candidate)
		}

		// Still failing. Decide why, for the log, then reject either way.
		reason := c.rejectReason(sig, baselineSigs, vres.Report)
		c.transition(StateRejected)
		if rbErr := c.revert(); rbErr != nil {
			return c.rollBack(rbErr.Error()), rbErr
		}
		if err := c.conf.Update(sig, candidate.Origin, false); err != nil {
			c.log.Warn("confidence update failed", "error", err)
		}
		c.recordAttempt(sig, candidate.Origin, store.OutcomeRejected)
		hist.PriorRejected = append(hist.PriorRejected, describeCandidate(candidate))
		c.log.Info("patch rejected", "cycle", cycle, "strategy", candidate.Origin, "reason", reason)
	}

	return c.abort(fmt.Sprintf("retry budget of %d exhausted", c.cfg.MaxRetries)), nil
}

// initialRun executes the suite until it produces a report, spending
// the retry budget on timeouts and transient failures. A nil report
// with a non-nil result means the session should abort with its detail.
func (c *Controller) initialRun(ctx context.Context) (*failure.Report, *runner.Result, error) {
	c.transition(StateRunningTests)

	var last *runner.Result
	for attempt := 1; attempt <= c.cfg.MaxRetries; attempt++ {
		res, err := c.run.Run(ctx, c.root)
		if err != nil {
			return nil, nil, err
		}
		last = res

		switch res.Outcome {
		case runner.OutcomeOK:
			return res.Report, res, nil
		case runner.OutcomeFatal:
			return nil, res, nil
		default:
			c.log.Warn("test run did not complete", "attempt", attempt, "outcome", res.Outcome, "detail", res.Detail)
		}
	}
	return nil, last, nil
}

// captureBaseline takes the single session snapshot: the watch set plus
// every file the failures reference.
func (c *Controller) captureBaseline(report *failure.Report) error {
	paths := make([]string, 0, len(report.Failing))
	for _, f := range report.Failing {
		if f.File != "" {
			paths = append(paths, f.File)
		}
	}
	_, err := c.snaps.Begin(c.rec.ID, c.root, c.cfg.Watch, paths)
	return err
}

// commit finalizes a validated fix: confidence reward, audit record,
// learning cache write, optional git commit.
func (c *Controller) commit(ctx context.Context, sig failure.Signature, candidate *patch.Patch) (*Summary, error) {
	c.transition(StateCommitted)

	if err := c.conf.Update(sig, candidate.Origin, true); err != nil {
		c.log.Warn("confidence update failed", "error", err)
	}
	if candidate.Origin != patch.OriginLearned {
		// The cached entry is what the learned strategy replays for this
		// signature, so it inherits the verified success.
		if err := c.conf.Update(sig, patch.OriginLearned, true); err != nil {
			c.log.Warn("confidence update failed", "error", err)
		}
	}
	score := c.conf.Score(sig, candidate.Origin)
	c.recordAttempt(sig, candidate.Origin, store.OutcomeCommitted)

	if err := c.st.PutLearned(store.LearningEntry{
		Signature:  sig,
		Patch:      *candidate,
		VerifiedAt: time.Now().UTC(),
		Confidence: score,
	}); err != nil {
		// Losing the cache entry degrades future sessions, not this one.
		c.log.Warn("learning cache write failed", "error", err)
	}

	if err := snapshot.Discard(c.baselineDir); err != nil {
		c.log.Warn("baseline cleanup failed", "error", err)
	}

	if c.cfg.CommitOnSuccess && gitops.IsRepository(c.root) {
		msg := fmt.Sprintf("Fix %s (%s patch)", sig, candidate.Origin)
		if err := gitops.CommitFiles(ctx, c.root, c.snaps.Touched(), msg); err != nil {
			c.log.Warn("git commit failed", "error", err)
		} else {
			c.log.Info("committed fix to git")
		}
	}

	c.log.Info("fix committed", "signature", sig, "strategy", candidate.Origin, "confidence", score, "cycles", c.rec.Cycle)
	return c.finish(""), nil
}

// rejectReason distinguishes a persisting failure from a regression.
func (c *Controller) rejectReason(target failure.Signature, baseline map[failure.Signature]bool, report *failure.Report) string {
	var regressions []string
	persists := false
	for _, f := range report.Failing {
		s := failure.Fingerprint(f)
		if s == target {
			persists = true
		}
		if !baseline[s] {
			regressions = append(regressions, string(s))
		}
	}
	if len(regressions) > 0 {
		return (&ValidationRegressionError{NewSignatures: regressions}).Error()
	}
	if persists {
		return "target failure persists"
	}
	return "other baseline failures remain"
}

// revert restores the tree to the session baseline. Any failure here,
// an integrity mismatch included, is fatal for the session.
func (c *Controller) revert() error {
	return c.snaps.Revert()
}

// abort ends the session with the tree at the baseline.
func (c *Controller) abort(detail string) *Summary {
	c.rec.Detail = detail
	c.transition(StateAborted)
	if len(c.snaps.Touched()) == 0 {
		if err := snapshot.Discard(c.baselineDir); err != nil {
			c.log.Warn("baseline cleanup failed", "error", err)
		}
	}
	c.log.Info("session aborted", "detail", detail, "cycles", c.rec.Cycle)
	return c.finish(detail)
}

// rollBack marks the terminal state after a mutation-point error. The
// persisted baseline is kept when the tree could not be verified clean,
// so a later `rollback` can finish the job.
func (c *Controller) rollBack(detail string) *Summary {
	c.rec.Detail = detail
	c.transition(StateRolledBack)
	if len(c.snaps.Touched()) == 0 {
		if err := snapshot.Discard(c.baselineDir); err != nil {
			c.log.Warn("baseline cleanup failed", "error", err)
		}
	}
	c.log.Error("session rolled back", "detail", detail)
	return c.finish(detail)
}

func (c *Controller) finish(detail string) *Summary {
	now := time.Now().UTC()
	c.rec.EndedAt = &now
	c.persistRecord()
	return &Summary{
		SessionID: c.rec.ID,
		State:     c.rec.State,
		Cycles:    c.rec.Cycle,
		Signature: failure.Signature(c.rec.Signature),
		Detail:    detail,
	}
}

func (c *Controller) transition(s State) {
	c.rec.State = s
	c.persistRecord()
	c.log.Debug("state transition", "state", s)
}

func (c *Controller) recordAttempt(sig failure.Signature, origin patch.Origin, outcome store.Outcome) {
	err := c.st.Record(store.Attempt{
		Signature:  sig,
		Origin:     origin,
		Outcome:    outcome,
		Confidence: c.conf.Score(sig, origin),
		Timestamp:  time.Now().UTC(),
	})
	if err != nil {
		c.log.Warn("attempt record failed", "error", err)
	}
}

// heldLocks tracks the lock paths this process currently owns.
// lockfile.TryLock treats a lock whose owner PID is our own as
// re-entrant and re-acquires it, so in-process exclusion needs its own
// guard; the lockfile stays the cross-process one.
var (
	heldMu    sync.Mutex
	heldLocks = make(map[string]struct{})
)

// acquireLock takes the exclusive per-root lock. A lock held by a live
// process, this one included, means another session is active; a dead
// owner's lock is cleared and retried once.
func (c *Controller) acquireLock() (func(), error) {
	lockPath := filepath.Join(c.stateDir, lockFileName)

	heldMu.Lock()
	if _, held := heldLocks[lockPath]; held {
		heldMu.Unlock()
		return nil, ErrSessionActive
	}
	if lockOwnedByThisProcess(lockPath) {
		heldMu.Unlock()
		return nil, ErrSessionActive
	}
	heldLocks[lockPath] = struct{}{}
	heldMu.Unlock()

	release := func() {
		heldMu.Lock()
		delete(heldLocks, lockPath)
		heldMu.Unlock()
	}

	lock, err := lockfile.New(lockPath)
	if err != nil {
		release()
		return nil, fmt.Errorf("creating session lock: %w", err)
	}

	tryErr := lock.TryLock()
	if errors.Is(tryErr, lockfile.ErrDeadOwner) || errors.Is(tryErr, lockfile.ErrInvalidPid) {
		if err := os.Remove(lockPath); err != nil {
			release()
			return nil, fmt.Errorf("clearing stale session lock: %w", err)
		}
		tryErr = lock.TryLock()
	}
	if errors.Is(tryErr, lockfile.ErrBusy) {
		release()
		return nil, ErrSessionActive
	}
	if tryErr != nil {
		release()
		return nil, fmt.Errorf("acquiring session lock: %w", tryErr)
	}

	return func() {
		if err := lock.Unlock(); err != nil {
			c.log.Warn("session unlock failed", "error", err)
		}
		release()
	}, nil
}

// lockOwnedByThisProcess reports whether an existing lock file names
// our own PID. Such a lock belongs to a live owner in this process and
// must never be treated as re-entrant.
func lockOwnedByThisProcess(lockPath string) bool {
	data, err := os.ReadFile(lockPath) // #nosec G304 - path inside the state dir
	if err != nil {
		return false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	return err == nil && pid == os.Getpid()
}

func describeCandidate(p *patch.Patch) string {
	if p.DiffText != "" {
		return p.DiffText
	}
	return p.Rationale
}
