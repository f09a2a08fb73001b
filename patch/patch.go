// Package patch defines the candidate-fix value type and the unified
// diff parsing and application used to materialize it. Patches never
// apply themselves; the snapshot manager owns all file mutation.
package patch

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Origin identifies the strategy that produced a patch.
type Origin string

const (
	OriginLearned    Origin = "learned"
	OriginStructured Origin = "structured"
	OriginGenerated  Origin = "generated"
)

// Origins lists all strategies in default preference order: learned
// fixes are cheapest and already verified, structured fixes are
// deterministic, generation is the expensive last resort.
var Origins = []Origin{OriginLearned, OriginStructured, OriginGenerated}

// Rank returns the default preference rank of an origin (lower is
// preferred). Used as the tie-break when confidence scores are equal.
func (o Origin) Rank() int {
	for i, origin := range Origins {
		if origin == o {
			return i
		}
	}
	return len(Origins)
}

// Valid reports whether o names a known strategy.
func (o Origin) Valid() bool {
	return o.Rank() < len(Origins)
}

// FileChange is a full-content replacement for a single file, with
// paths relative to the project root. Delete marks the file for
// removal instead; Content is empty then.
type FileChange struct {
	Path    string `json:"path"`
	Content string `json:"content"`
	Delete  bool   `json:"delete,omitempty"`
}

// Patch is one candidate fix. Exactly one of Files or DiffText is
// populated: structured and learned strategies emit resolved file
// contents, generated strategies emit the backend's unified diff which
// is resolved against the working tree at apply time.
type Patch struct {
	Origin    Origin       `json:"origin"`
	Rationale string       `json:"rationale,omitempty"`
	Files     []FileChange `json:"files,omitempty"`
	DiffText  string       `json:"diff_text,omitempty"`
}

// TargetFiles lists the root-relative paths the patch will touch.
// For diff-backed patches the targets come from the diff headers.
func (p *Patch) TargetFiles() ([]string, error) {
	if len(p.Files) > 0 {
		paths := make([]string, 0, len(p.Files))
		for _, fc := range p.Files {
			paths = append(paths, fc.Path)
		}
		return paths, nil
	}
	if p.DiffText != "" {
		fds, err := ParseDiff(p.DiffText)
		if err != nil {
			return nil, err
		}
		paths := make([]string, 0, len(fds))
		for _, fd := range fds {
			paths = append(paths, diffTargetPath(fd.OrigName, fd.NewName))
		}
		return paths, nil
	}
	return nil, fmt.Errorf("patch has no content")
}

// Validate checks the patch is structurally applicable: it names at
// least one target, all targets are relative paths confined to the
// project root, and any diff parses with at least one hunk.
func (p *Patch) Validate() error {
	if !p.Origin.Valid() {
		return fmt.Errorf("unknown patch origin %q", p.Origin)
	}
	if len(p.Files) == 0 && p.DiffText == "" {
		return fmt.Errorf("patch has no content")
	}
	if len(p.Files) > 0 && p.DiffText != "" {
		return fmt.Errorf("patch has both file contents and diff text")
	}

	if p.DiffText != "" {
		fds, err := ParseDiff(p.DiffText)
		if err != nil {
			return fmt.Errorf("invalid diff: %w", err)
		}
		if len(fds) == 0 {
			return fmt.Errorf("diff contains no files")
		}
		for _, fd := range fds {
			if len(fd.Hunks) == 0 {
				return fmt.Errorf("diff for %s contains no hunks", fd.NewName)
			}
		}
	}

	targets, err := p.TargetFiles()
	if err != nil {
		return err
	}
	for _, t := range targets {
		if t == "" {
			return fmt.Errorf("patch targets an empty path")
		}
		if filepath.IsAbs(t) {
			return fmt.Errorf("patch targets absolute path %s", t)
		}
		clean := filepath.Clean(t)
		if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
			return fmt.Errorf("patch escapes project root: %s", t)
		}
	}
	return nil
}
