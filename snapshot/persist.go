package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/handleui/mend/atomicfile"
)

// The on-disk baseline mirrors the in-memory one for the files a
// session has touched. It exists so a later process can restore the
// tree when a session died mid-mutation: the in-memory snapshot is gone
// but the bytes are not.

const manifestName = "manifest.json"

type manifestEntry struct {
	Path    string `json:"path"`
	Sum     string `json:"sum"`
	Existed bool   `json:"existed"`
	Mode    uint32 `json:"mode"`
}

type manifest struct {
	SessionID string          `json:"session_id"`
	Root      string          `json:"root"`
	Entries   []manifestEntry `json:"entries"`
}

// Persist writes the baselines of every touched file under dir. Called
// after each apply, so the on-disk baseline always covers the current
// mutation set. Content lands before the manifest references it.
func (m *Manager) Persist(dir string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.snap == nil {
		return fmt.Errorf("persist before snapshot capture")
	}

	filesDir := filepath.Join(dir, "files")
	if err := os.MkdirAll(filesDir, 0o755); err != nil {
		return fmt.Errorf("creating baseline directory: %w", err)
	}

	paths := make([]string, 0, len(m.touched))
	for p := range m.touched {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	doc := manifest{SessionID: m.snap.SessionID, Root: m.snap.Root}
	for _, rel := range paths {
		baseline, ok := m.snap.files[rel]
		if !ok {
			return fmt.Errorf("touched file %s has no baseline", rel)
		}
		if baseline.existed {
			dst := filepath.Join(filesDir, filepath.FromSlash(rel))
			if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
				return fmt.Errorf("creating baseline directory for %s: %w", rel, err)
			}
			if err := atomicfile.WriteFile(dst, baseline.content, 0o644); err != nil {
				return fmt.Errorf("persisting baseline of %s: %w", rel, err)
			}
		}
		doc.Entries = append(doc.Entries, manifestEntry{
			Path:    rel,
			Sum:     baseline.sum,
			Existed: baseline.existed,
			Mode:    uint32(baseline.mode),
		})
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding baseline manifest: %w", err)
	}
	if err := atomicfile.WriteFile(filepath.Join(dir, manifestName), data, 0o644); err != nil {
		return fmt.Errorf("writing baseline manifest: %w", err)
	}
	return nil
}

// Restore replays a persisted baseline onto the tree, verifying every
// restored file against its recorded checksum. Returns the restored
// paths, or nil when no baseline is persisted.
func Restore(root, dir string) ([]string, error) {
	data, err := os.ReadFile(filepath.Join(dir, manifestName)) // #nosec G304 - dir is the state directory
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading baseline manifest: %w", err)
	}

	var doc manifest
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing baseline manifest: %w", err)
	}

	restored := make([]string, 0, len(doc.Entries))
	for _, entry := range doc.Entries {
		rel := filepath.ToSlash(filepath.Clean(entry.Path))
		if filepath.IsAbs(rel) || strings.HasPrefix(rel, "../") || rel == ".." {
			return nil, fmt.Errorf("baseline manifest escapes root: %s", entry.Path)
		}
		full := filepath.Join(root, filepath.FromSlash(rel))

		if !entry.Existed {
			if err := os.Remove(full); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("removing %s: %w", rel, err)
			}
			restored = append(restored, rel)
			continue
		}

		content, err := os.ReadFile(filepath.Join(dir, "files", filepath.FromSlash(rel))) // #nosec G304 - confined above
		if err != nil {
			return nil, fmt.Errorf("reading baseline of %s: %w", rel, err)
		}
		if got := checksum(content); got != entry.Sum {
			return nil, &IntegrityError{Path: rel, Want: entry.Sum, Got: got}
		}

		mode := os.FileMode(entry.Mode)
		if mode == 0 {
			mode = 0o644
		}
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return nil, fmt.Errorf("creating directory for %s: %w", rel, err)
		}
		if err := atomicfile.WriteFile(full, content, mode); err != nil {
			return nil, fmt.Errorf("restoring %s: %w", rel, err)
		}
		restored = append(restored, rel)
	}

	return restored, nil
}

// Discard removes a persisted baseline after the session reached a
// terminal state with the tree in a known-good condition.
func Discard(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("discarding baseline: %w", err)
	}
	return nil
}
