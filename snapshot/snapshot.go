// Package snapshot implements byte-exact capture and restore of working
// tree files around patch application. One Snapshot is taken per
// session, before the first mutation, and is the sole rollback baseline
// for the whole retry chain: a sequence of bad patches always reverts
// to the original bytes, never to an intermediate attempt.
package snapshot

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"golang.org/x/sync/errgroup"

	"github.com/handleui/mend/atomicfile"
	"github.com/handleui/mend/patch"
)

// maxSnapshotFileSize skips files too large to hold as a rollback
// baseline in memory. Source files the strategies touch are far below
// this.
const maxSnapshotFileSize = 8 * 1024 * 1024

// captureConcurrency bounds parallel reads during Begin.
const captureConcurrency = 8

// IntegrityError indicates a restored file's bytes do not match the
// snapshot checksum. It is fatal for the session: the working tree
// needs manual inspection.
type IntegrityError struct {
	Path string
	Want string
	Got  string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("rollback integrity failure for %s: checksum %s after restore, want %s", e.Path, e.Got, e.Want)
}

// fileBaseline is the captured original state of one file. Absent files
// (targets a patch may create) are recorded so Revert can delete them.
type fileBaseline struct {
	content []byte
	sum     string
	existed bool
	mode    os.FileMode
}

// Snapshot is the session's rollback baseline.
type Snapshot struct {
	SessionID string
	Root      string
	files     map[string]fileBaseline
}

// Files returns the sorted root-relative paths captured in the baseline.
func (s *Snapshot) Files() []string {
	paths := make([]string, 0, len(s.files))
	for p := range s.files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Checksum returns the captured checksum for a path and whether the
// file existed at capture time.
func (s *Snapshot) Checksum(path string) (sum string, existed, captured bool) {
	b, ok := s.files[path]
	if !ok {
		return "", false, false
	}
	return b.sum, b.existed, true
}

// Manager owns the mutate/revert lifecycle for one session.
type Manager struct {
	mu      sync.Mutex
	snap    *Snapshot
	touched map[string]struct{}
}

// NewManager creates a manager with no baseline yet.
func NewManager() *Manager {
	return &Manager{touched: make(map[string]struct{})}
}

// Begin captures the session baseline: every file matching the watch
// globs plus the explicitly named paths (files referenced by the
// current failures). Must be called exactly once, before the first
// mutation. Files are read and hashed concurrently.
func (m *Manager) Begin(sessionID, root string, watchGlobs, paths []string) (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.snap != nil {
		return nil, fmt.Errorf("snapshot already captured for session %s", m.snap.SessionID)
	}

	targets, err := expandWatchSet(root, watchGlobs, paths)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{
		SessionID: sessionID,
		Root:      root,
		files:     make(map[string]fileBaseline, len(targets)),
	}

	var g errgroup.Group
	g.SetLimit(captureConcurrency)
	var capMu sync.Mutex

	for _, rel := range targets {
		rel := rel
		g.Go(func() error {
			baseline, err := captureFile(filepath.Join(root, rel))
			if err != nil {
				return fmt.Errorf("capturing %s: %w", rel, err)
			}
			capMu.Lock()
			snap.files[rel] = baseline
			capMu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	m.snap = snap
	return snap, nil
}

// Began reports whether the baseline has been captured.
func (m *Manager) Began() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap != nil
}

// Apply resolves the patch against the working tree and writes every
// change with an atomic replace. Targets not in the baseline are
// captured before their first write, so they remain revertable. Returns
// the root-relative paths that changed.
func (m *Manager) Apply(p *patch.Patch) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.snap == nil {
		return nil, fmt.Errorf("apply before snapshot capture")
	}

	changes, err := p.Resolve(m.snap.Root)
	if err != nil {
		return nil, err
	}

	// Capture baselines for any target the watch set missed, before
	// any write happens. The baseline stays the pre-session state.
	for _, fc := range changes {
		if _, ok := m.snap.files[fc.Path]; ok {
			continue
		}
		if _, touched := m.touched[fc.Path]; touched {
			// Already mutated this session; baseline was captured then.
			continue
		}
		baseline, capErr := captureFile(filepath.Join(m.snap.Root, fc.Path))
		if capErr != nil {
			return nil, fmt.Errorf("capturing %s: %w", fc.Path, capErr)
		}
		m.snap.files[fc.Path] = baseline
	}

	written := make([]string, 0, len(changes))
	for _, fc := range changes {
		full := filepath.Join(m.snap.Root, fc.Path)
		if fc.Delete {
			if err := os.Remove(full); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("deleting %s: %w", fc.Path, err)
			}
			m.touched[fc.Path] = struct{}{}
			written = append(written, fc.Path)
			continue
		}
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return nil, fmt.Errorf("creating directory for %s: %w", fc.Path, err)
		}
		mode := m.snap.files[fc.Path].mode
		if mode == 0 {
			mode = 0o644
		}
		if err := atomicfile.WriteFile(full, []byte(fc.Content), mode); err != nil {
			return nil, fmt.Errorf("writing %s: %w", fc.Path, err)
		}
		m.touched[fc.Path] = struct{}{}
		written = append(written, fc.Path)
	}

	return written, nil
}

// Revert restores every touched file to its exact original bytes and
// verifies each restored file's checksum against the baseline. Files
// absent at capture time are removed. A checksum mismatch after restore
// returns *IntegrityError.
func (m *Manager) Revert() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.snap == nil || len(m.touched) == 0 {
		return nil // nothing mutated, nothing to restore
	}

	paths := make([]string, 0, len(m.touched))
	for p := range m.touched {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, rel := range paths {
		baseline, ok := m.snap.files[rel]
		if !ok {
			return fmt.Errorf("touched file %s has no baseline", rel)
		}
		full := filepath.Join(m.snap.Root, rel)

		if !baseline.existed {
			if err := os.Remove(full); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("removing %s: %w", rel, err)
			}
			delete(m.touched, rel)
			continue
		}

		if err := atomicfile.WriteFile(full, baseline.content, baseline.mode); err != nil {
			return fmt.Errorf("restoring %s: %w", rel, err)
		}

		restored, err := os.ReadFile(full) // #nosec G304 - path from snapshot baseline
		if err != nil {
			return fmt.Errorf("verifying %s: %w", rel, err)
		}
		got := checksum(restored)
		if got != baseline.sum {
			return &IntegrityError{Path: rel, Want: baseline.sum, Got: got}
		}
		delete(m.touched, rel)
	}

	return nil
}

// Touched returns the root-relative paths mutated since the last
// successful revert.
func (m *Manager) Touched() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	paths := make([]string, 0, len(m.touched))
	for p := range m.touched {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

func captureFile(full string) (fileBaseline, error) {
	info, err := os.Lstat(full)
	if errors.Is(err, fs.ErrNotExist) {
		return fileBaseline{existed: false}, nil
	}
	if err != nil {
		return fileBaseline{}, err
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return fileBaseline{}, fmt.Errorf("refusing to snapshot symlink")
	}
	if info.IsDir() {
		return fileBaseline{}, fmt.Errorf("refusing to snapshot directory")
	}
	if info.Size() > maxSnapshotFileSize {
		return fileBaseline{}, fmt.Errorf("file exceeds snapshot size limit (%d bytes)", info.Size())
	}

	content, err := os.ReadFile(full) // #nosec G304 - caller confines path to root
	if err != nil {
		return fileBaseline{}, err
	}

	return fileBaseline{
		content: content,
		sum:     checksum(content),
		existed: true,
		mode:    info.Mode().Perm(),
	}, nil
}

// expandWatchSet resolves the watch globs against the project root and
// merges in the explicit paths, deduplicated and sorted.
func expandWatchSet(root string, watchGlobs, paths []string) ([]string, error) {
	seen := make(map[string]struct{})

	fsys := os.DirFS(root)
	for _, pattern := range watchGlobs {
		matches, err := doublestar.Glob(fsys, pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid watch pattern %q: %w", pattern, err)
		}
		for _, rel := range matches {
			info, statErr := os.Lstat(filepath.Join(root, rel))
			if statErr != nil || info.IsDir() || info.Mode()&os.ModeSymlink != 0 {
				continue
			}
			seen[filepath.ToSlash(rel)] = struct{}{}
		}
	}

	for _, p := range paths {
		if p == "" {
			continue
		}
		clean := filepath.ToSlash(filepath.Clean(p))
		if filepath.IsAbs(clean) || strings.HasPrefix(clean, "../") || clean == ".." {
			continue
		}
		seen[clean] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
