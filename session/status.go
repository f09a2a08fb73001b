package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/handleui/mend/atomicfile"
	"github.com/handleui/mend/snapshot"
)

// Record is the persisted view of a session, written at every state
// transition so other processes can inspect progress.
type Record struct {
	ID        string     `json:"id"`
	Root      string     `json:"root"`
	State     State      `json:"state"`
	Cycle     int        `json:"cycle"`
	Signature string     `json:"signature,omitempty"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Detail    string     `json:"detail,omitempty"`
}

func (c *Controller) persistRecord() {
	data, err := json.MarshalIndent(c.rec, "", "  ")
	if err != nil {
		c.log.Warn("session record encode failed", "error", err)
		return
	}
	if err := atomicfile.WriteFile(filepath.Join(c.stateDir, sessionFileName), data, 0o644); err != nil {
		c.log.Warn("session record write failed", "error", err)
	}
}

// Status reads the last persisted session record for a state directory.
// Returns nil when no session has run yet.
func Status(stateDir string) (*Record, error) {
	data, err := os.ReadFile(filepath.Join(stateDir, sessionFileName)) // #nosec G304 - path from configuration
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading session record: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parsing session record: %w", err)
	}
	return &rec, nil
}

// ForceRollback restores the tree from the persisted baseline of an
// interrupted session and marks the session rolled back. Returns the
// restored paths; an empty slice means there was nothing to restore.
func ForceRollback(root, stateDir string) ([]string, error) {
	baselineDir := filepath.Join(stateDir, baselineDirName)
	restored, err := snapshot.Restore(root, baselineDir)
	if err != nil {
		return nil, err
	}
	if restored == nil {
		return nil, nil
	}
	if err := snapshot.Discard(baselineDir); err != nil {
		return restored, err
	}

	if rec, readErr := Status(stateDir); readErr == nil && rec != nil && !rec.State.Terminal() {
		now := time.Now().UTC()
		rec.State = StateRolledBack
		rec.EndedAt = &now
		rec.Detail = "manual rollback"
		if data, encErr := json.MarshalIndent(rec, "", "  "); encErr == nil {
			_ = atomicfile.WriteFile(filepath.Join(stateDir, sessionFileName), data, 0o644)
		}
	}

	return restored, nil
}
