// Package synth produces one ranked candidate patch per cycle. It
// never mutates files: candidates are resolved read-only against the
// working tree to prove they apply, and the snapshot manager performs
// the actual write.
package synth

import (
	"context"
	"errors"
	"log/slog"

	"github.com/handleui/mend/backend"
	"github.com/handleui/mend/confidence"
	"github.com/handleui/mend/failure"
	"github.com/handleui/mend/patch"
	"github.com/handleui/mend/store"
)

// ErrSynthesisExhausted indicates no enabled strategy produced a
// structurally valid candidate for the failure.
var ErrSynthesisExhausted = errors.New("all patch strategies exhausted")

// History carries what earlier cycles already tried for a signature, so
// the generated strategy can steer the model away from rejected fixes.
type History struct {
	PriorRejected []string
}

// Options configure strategy selection.
type Options struct {
	// ConfidenceFloor gates strategies whose score for the signature
	// fell below it after repeated failures.
	ConfidenceFloor float64

	// Enabled restricts which strategies may run. Empty means all.
	Enabled []patch.Origin

	// LearnedThreshold is the minimum stored confidence for a cached
	// fix to be reused.
	LearnedThreshold float64
}

// Synthesizer selects and runs patch strategies in confidence-ranked
// order.
type Synthesizer struct {
	root       string
	confidence *confidence.Manager
	store      *store.Store
	backend    backend.Backend // nil when the generated strategy is disabled
	opts       Options
	log        *slog.Logger
}

// New creates a synthesizer for one project root.
func New(root string, cm *confidence.Manager, st *store.Store, be backend.Backend, opts Options, log *slog.Logger) *Synthesizer {
	if log == nil {
		log = slog.Default()
	}
	if len(opts.Enabled) == 0 {
		opts.Enabled = patch.Origins
	}
	return &Synthesizer{
		root:       root,
		confidence: cm,
		store:      st,
		backend:    be,
		opts:       opts,
		log:        log,
	}
}

// Synthesize returns exactly one candidate patch for the failure, or
// ErrSynthesisExhausted when every enabled strategy declined or failed.
// A backend error is a strategy failure here, never a session failure.
func (s *Synthesizer) Synthesize(ctx context.Context, rec failure.Record, sig failure.Signature, hist History) (*patch.Patch, error) {
	ranked := s.confidence.Ranked(sig, s.opts.Enabled, s.opts.ConfidenceFloor)
	if len(ranked) == 0 {
		return nil, ErrSynthesisExhausted
	}

	for _, origin := range ranked {
		var (
			candidate *patch.Patch
			err       error
		)

		switch origin {
		case patch.OriginLearned:
			candidate, err = s.tryLearned(rec, sig)
		case patch.OriginStructured:
			candidate, err = s.tryStructured(rec)
		case patch.OriginGenerated:
			candidate, err = s.tryGenerated(ctx, rec, sig, hist)
		}

		if err != nil {
			s.log.Warn("strategy failed", "strategy", origin, "signature", sig, "error", err)
			continue
		}
		if candidate == nil {
			continue // strategy declined (no pattern matched, no cache entry)
		}

		// Prove the candidate applies cleanly before handing it over.
		if _, resolveErr := candidate.Resolve(s.root); resolveErr != nil {
			s.log.Warn("candidate does not apply", "strategy", origin, "signature", sig, "error", resolveErr)
			continue
		}

		s.log.Info("candidate synthesized", "strategy", origin, "signature", sig)
		return candidate, nil
	}

	return nil, ErrSynthesisExhausted
}

// tryLearned adapts a cached verified fix to the current failure.
func (s *Synthesizer) tryLearned(rec failure.Record, sig failure.Signature) (*patch.Patch, error) {
	entry, err := s.store.GetLearned(sig)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, nil
	}
	if entry.Confidence < s.opts.LearnedThreshold {
		s.log.Debug("learned fix below threshold", "signature", sig, "confidence", entry.Confidence)
		return nil, nil
	}
	return AdaptLearned(entry, rec), nil
}

// tryGenerated asks the model backend for a diff and validates it
// structurally. Malformed responses fall through to the next strategy.
func (s *Synthesizer) tryGenerated(ctx context.Context, rec failure.Record, sig failure.Signature, hist History) (*patch.Patch, error) {
	if s.backend == nil {
		return nil, nil
	}

	resp, err := s.backend.GeneratePatch(ctx, &backend.Request{
		Signature:     sig,
		Record:        rec,
		Excerpt:       rec.Excerpt,
		PriorRejected: hist.PriorRejected,
	})
	if err != nil {
		return nil, err
	}

	candidate := &patch.Patch{
		Origin:    patch.OriginGenerated,
		Rationale: "proposed by " + s.backend.Name() + " (" + resp.Model + ")",
		DiffText:  resp.DiffText,
	}
	if err := candidate.Validate(); err != nil {
		return nil, &backend.Error{Kind: backend.ErrMalformed, Backend: s.backend.Name(), Err: err}
	}
	return candidate, nil
}
