package patch

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// Resolve materializes the patch into full-content file changes against
// the working tree at root. Content-backed patches pass through
// untouched; diff-backed patches are applied to the current on-disk
// bytes. A diff that does not apply cleanly returns *ApplicationError.
func (p *Patch) Resolve(root string) ([]FileChange, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	if len(p.Files) > 0 {
		return p.Files, nil
	}

	fds, err := ParseDiff(p.DiffText)
	if err != nil {
		return nil, fmt.Errorf("invalid diff: %w", err)
	}

	changes := make([]FileChange, 0, len(fds))
	for _, fd := range fds {
		relPath := diffTargetPath(fd.OrigName, fd.NewName)
		fullPath := filepath.Join(root, relPath)

		original, readErr := os.ReadFile(fullPath) // #nosec G304 - confined by Validate
		if readErr != nil && !errors.Is(readErr, fs.ErrNotExist) {
			return nil, fmt.Errorf("reading %s: %w", relPath, readErr)
		}

		if fd.NewName == "/dev/null" {
			if errors.Is(readErr, fs.ErrNotExist) {
				return nil, &ApplicationError{Path: relPath, Reason: "cannot delete missing file"}
			}
			changes = append(changes, FileChange{Path: relPath, Delete: true})
			continue
		}

		patched, applyErr := ApplyFileDiff(original, fd)
		if applyErr != nil {
			return nil, applyErr
		}

		changes = append(changes, FileChange{Path: relPath, Content: string(patched)})
	}

	return changes, nil
}
