package synth

import (
	"github.com/handleui/mend/failure"
	"github.com/handleui/mend/patch"
	"github.com/handleui/mend/store"
)

// AdaptLearned instantiates a cached verified fix for the current
// failure. The template is copied, never aliased, because the caller
// may mutate the candidate and the cache entry must stay pristine.
//
// Signatures exclude line numbers, so the same logical failure can
// resurface at a shifted location or, for single-file templates, in a
// renamed file. A single-file template is retargeted onto the failing
// file; multi-file templates and raw diffs keep their recorded targets,
// and the read-only resolve in the synthesizer decides whether they
// still apply.
func AdaptLearned(entry *store.LearningEntry, rec failure.Record) *patch.Patch {
	adapted := &patch.Patch{
		Origin:    patch.OriginLearned,
		Rationale: "reuse verified fix for recurring failure",
		DiffText:  entry.Patch.DiffText,
	}

	if len(entry.Patch.Files) > 0 {
		adapted.Files = make([]patch.FileChange, len(entry.Patch.Files))
		copy(adapted.Files, entry.Patch.Files)

		if len(adapted.Files) == 1 && rec.File != "" {
			adapted.Files[0].Path = rec.File
		}
	}

	return adapted
}
