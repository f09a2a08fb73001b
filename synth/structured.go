package synth

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/handleui/mend/failure"
	"github.com/handleui/mend/patch"
)

// The structured strategy pattern-matches the failure against a closed
// set of recognized categories and synthesizes a minimal, deterministic
// fix from the target source. It is always cheaper and more reviewable
// than generation, so the ranking prefers it whenever it applies.

var (
	missingAttrPattern = regexp.MustCompile(`'(\w+)' object has no attribute '(\w+)'`)
	missingModPattern  = regexp.MustCompile(`No module named '([\w.]+)'`)
	missingArgPattern  = regexp.MustCompile(`(\w+)\(\) missing (\d+) required positional argument`)
)

// tryStructured dispatches on the failure kind. A nil, nil return means
// no recognized pattern matched and the next strategy should run.
func (s *Synthesizer) tryStructured(rec failure.Record) (*patch.Patch, error) {
	switch rec.Kind {
	case "AttributeError":
		return s.fixMissingAttribute(rec)
	case "ImportError", "ModuleNotFoundError":
		return s.fixMissingImport(rec)
	case "TypeError":
		return s.fixMissingArgument(rec)
	case "IndentationError", "TabError":
		return s.fixIndentation(rec)
	}
	return nil, nil
}

// fixMissingAttribute stubs the missing method on the named class:
// "'Foo' object has no attribute 'bar'" gets a pass-body `bar` inserted
// directly under `class Foo`.
func (s *Synthesizer) fixMissingAttribute(rec failure.Record) (*patch.Patch, error) {
	m := missingAttrPattern.FindStringSubmatch(rec.Message)
	if m == nil {
		return nil, nil
	}
	className, attrName := m[1], m[2]

	lines, err := s.readTargetLines(rec.File)
	if err != nil || lines == nil {
		return nil, err
	}

	classDef := regexp.MustCompile(`^(\s*)class\s+` + regexp.QuoteMeta(className) + `\b`)
	for i, line := range lines {
		indentMatch := classDef.FindStringSubmatch(line)
		if indentMatch == nil {
			continue
		}
		bodyIndent := indentMatch[1] + "    "
		stub := []string{
			bodyIndent + "def " + attrName + "(self):",
			bodyIndent + "    pass",
			"",
		}
		patched := make([]string, 0, len(lines)+len(stub))
		patched = append(patched, lines[:i+1]...)
		patched = append(patched, stub...)
		patched = append(patched, lines[i+1:]...)

		return &patch.Patch{
			Origin:    patch.OriginStructured,
			Rationale: fmt.Sprintf("stub missing attribute %s.%s", className, attrName),
			Files:     []patch.FileChange{{Path: rec.File, Content: strings.Join(patched, "\n")}},
		}, nil
	}

	return nil, nil // class not defined in the failing file
}

// fixMissingImport inserts the missing module import at the top of the
// failing file, after any module docstring.
func (s *Synthesizer) fixMissingImport(rec failure.Record) (*patch.Patch, error) {
	m := missingModPattern.FindStringSubmatch(rec.Message)
	if m == nil {
		return nil, nil
	}
	module := m[1]

	lines, err := s.readTargetLines(rec.File)
	if err != nil || lines == nil {
		return nil, err
	}

	importLine := "import " + module
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == importLine || strings.HasPrefix(trimmed, importLine+" ") ||
			strings.HasPrefix(trimmed, "from "+module+" ") {
			return nil, nil // already imported; the bug is elsewhere
		}
	}

	insertAt := importInsertionPoint(lines)
	patched := make([]string, 0, len(lines)+1)
	patched = append(patched, lines[:insertAt]...)
	patched = append(patched, importLine)
	patched = append(patched, lines[insertAt:]...)

	return &patch.Patch{
		Origin:    patch.OriginStructured,
		Rationale: "add missing import " + module,
		Files:     []patch.FileChange{{Path: rec.File, Content: strings.Join(patched, "\n")}},
	}, nil
}

// fixMissingArgument pads call sites of the named function with None
// placeholders for the missing positional arguments.
func (s *Synthesizer) fixMissingArgument(rec failure.Record) (*patch.Patch, error) {
	m := missingArgPattern.FindStringSubmatch(rec.Message)
	if m == nil {
		return nil, nil
	}
	funcName := m[1]
	missing := 0
	fmt.Sscanf(m[2], "%d", &missing)
	if missing <= 0 {
		return nil, nil
	}

	lines, err := s.readTargetLines(rec.File)
	if err != nil || lines == nil {
		return nil, err
	}

	callSite := regexp.MustCompile(regexp.QuoteMeta(funcName) + `\(([^()]*)\)`)
	placeholders := strings.TrimPrefix(strings.Repeat(", None", missing), ", ")

	changed := false
	patched := make([]string, len(lines))
	for i, line := range lines {
		if strings.Contains(line, "def "+funcName) || !callSite.MatchString(line) {
			patched[i] = line
			continue
		}
		patched[i] = callSite.ReplaceAllStringFunc(line, func(call string) string {
			args := callSite.FindStringSubmatch(call)[1]
			if strings.TrimSpace(args) == "" {
				return funcName + "(" + placeholders + ")"
			}
			return funcName + "(" + args + ", " + placeholders + ")"
		})
		changed = true
	}
	if !changed {
		return nil, nil
	}

	return &patch.Patch{
		Origin:    patch.OriginStructured,
		Rationale: fmt.Sprintf("pad %s() call with %d placeholder argument(s)", funcName, missing),
		Files:     []patch.FileChange{{Path: rec.File, Content: strings.Join(patched, "\n")}},
	}, nil
}

// fixIndentation converts tabs to four spaces throughout the failing
// file.
func (s *Synthesizer) fixIndentation(rec failure.Record) (*patch.Patch, error) {
	lines, err := s.readTargetLines(rec.File)
	if err != nil || lines == nil {
		return nil, err
	}

	changed := false
	patched := make([]string, len(lines))
	for i, line := range lines {
		converted := strings.ReplaceAll(line, "\t", "    ")
		if converted != line {
			changed = true
		}
		patched[i] = converted
	}
	if !changed {
		return nil, nil
	}

	return &patch.Patch{
		Origin:    patch.OriginStructured,
		Rationale: "normalize tab indentation to spaces",
		Files:     []patch.FileChange{{Path: rec.File, Content: strings.Join(patched, "\n")}},
	}, nil
}

// readTargetLines loads the failing file, confined to the project root.
// A missing or unreadable file declines the strategy rather than
// failing it.
func (s *Synthesizer) readTargetLines(relPath string) ([]string, error) {
	if relPath == "" || filepath.IsAbs(relPath) {
		return nil, nil
	}
	clean := filepath.Clean(relPath)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return nil, nil
	}

	content, err := os.ReadFile(filepath.Join(s.root, clean)) // #nosec G304 - confined above
	if err != nil {
		return nil, nil
	}
	return strings.Split(string(content), "\n"), nil
}

// importInsertionPoint finds the line index where a new import belongs:
// after a module docstring and any leading comments.
func importInsertionPoint(lines []string) int {
	i := 0

	// Skip shebang and leading comments.
	for i < len(lines) && (strings.HasPrefix(lines[i], "#") || strings.TrimSpace(lines[i]) == "") {
		i++
	}

	// Skip a module docstring.
	if i < len(lines) {
		trimmed := strings.TrimSpace(lines[i])
		for _, quote := range []string{`"""`, "'''"} {
			if strings.HasPrefix(trimmed, quote) {
				rest := strings.TrimPrefix(trimmed, quote)
				if strings.Contains(rest, quote) {
					return i + 1 // single-line docstring
				}
				for j := i + 1; j < len(lines); j++ {
					if strings.Contains(lines[j], quote) {
						return j + 1
					}
				}
			}
		}
	}

	return i
}
