package patch

import (
	"fmt"
	"strings"

	"github.com/sourcegraph/go-diff/diff"
)

// ApplicationError indicates a diff does not apply cleanly to the
// current working-tree content. It is a synthesis-level failure, not a
// session failure.
type ApplicationError struct {
	Path   string
	Reason string
}

func (e *ApplicationError) Error() string {
	return fmt.Sprintf("patch does not apply to %s: %s", e.Path, e.Reason)
}

// ParseDiff parses unified diff text into per-file diffs.
func ParseDiff(text string) ([]*diff.FileDiff, error) {
	return diff.NewMultiFileDiffReader(strings.NewReader(text)).ReadAllFiles()
}

// diffTargetPath resolves the working-tree path a file diff addresses,
// stripping the a/ b/ prefixes git-style diffs carry.
func diffTargetPath(origName, newName string) string {
	path := newName
	if path == "" || path == "/dev/null" {
		path = origName
	}
	path = strings.TrimPrefix(path, "a/")
	path = strings.TrimPrefix(path, "b/")
	return path
}

// ApplyFileDiff applies one file diff to the original content and
// returns the patched bytes. Context lines are verified against the
// original; a mismatch means the diff was generated against different
// content and returns *ApplicationError.
func ApplyFileDiff(original []byte, fd *diff.FileDiff) ([]byte, error) {
	path := diffTargetPath(fd.OrigName, fd.NewName)

	if fd.NewName == "/dev/null" {
		return nil, nil // file deletion
	}

	if fd.OrigName == "/dev/null" || len(original) == 0 {
		// New file: content is the added lines of every hunk.
		var lines []string
		for _, hunk := range fd.Hunks {
			for _, line := range strings.Split(strings.TrimSuffix(string(hunk.Body), "\n"), "\n") {
				if strings.HasPrefix(line, "+") {
					lines = append(lines, strings.TrimPrefix(line, "+"))
				}
			}
		}
		return []byte(strings.Join(lines, "\n") + "\n"), nil
	}

	origLines := strings.Split(string(original), "\n")
	newLines := make([]string, 0, len(origLines))

	origIdx := 0
	for _, hunk := range fd.Hunks {
		hunkStart := int(hunk.OrigStartLine) - 1
		if hunkStart < 0 || hunkStart > len(origLines) {
			return nil, &ApplicationError{Path: path, Reason: fmt.Sprintf("hunk start %d out of range", hunk.OrigStartLine)}
		}
		if hunkStart < origIdx {
			return nil, &ApplicationError{Path: path, Reason: "overlapping hunks"}
		}

		for origIdx < hunkStart {
			newLines = append(newLines, origLines[origIdx])
			origIdx++
		}

		for _, line := range strings.Split(strings.TrimSuffix(string(hunk.Body), "\n"), "\n") {
			switch {
			case strings.HasPrefix(line, "+"):
				newLines = append(newLines, strings.TrimPrefix(line, "+"))
			case strings.HasPrefix(line, "-"):
				want := strings.TrimPrefix(line, "-")
				if origIdx >= len(origLines) || origLines[origIdx] != want {
					return nil, &ApplicationError{Path: path, Reason: fmt.Sprintf("removed line mismatch at line %d", origIdx+1)}
				}
				origIdx++
			case strings.HasPrefix(line, "\\"):
				// "\ No newline at end of file" - ignore
			default:
				ctx := strings.TrimPrefix(line, " ")
				if origIdx >= len(origLines) {
					return nil, &ApplicationError{Path: path, Reason: "context extends past end of file"}
				}
				if origLines[origIdx] != ctx {
					return nil, &ApplicationError{Path: path, Reason: fmt.Sprintf("context mismatch at line %d", origIdx+1)}
				}
				newLines = append(newLines, origLines[origIdx])
				origIdx++
			}
		}
	}

	for origIdx < len(origLines) {
		newLines = append(newLines, origLines[origIdx])
		origIdx++
	}

	return []byte(strings.Join(newLines, "\n")), nil
}
