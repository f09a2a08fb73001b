// Package store persists the append-only patch attempt log and the
// learning cache of verified fixes. The audit log is one JSON record
// per line and is never rewritten; the learning cache is a single
// versioned document replaced atomically on update, so concurrent
// readers (a status view, a second CLI invocation) never observe a torn
// write.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/handleui/mend/atomicfile"
	"github.com/handleui/mend/failure"
	"github.com/handleui/mend/patch"
)

const learnedDocVersion = 1

// Outcome classifies how a patch attempt ended.
type Outcome string

const (
	OutcomeCommitted Outcome = "committed"
	OutcomeRejected  Outcome = "rejected"
	OutcomeError     Outcome = "error"
)

// Attempt is one synthesize-apply-validate cycle, appended to the audit
// log exactly once and immutable thereafter.
type Attempt struct {
	Signature  failure.Signature `json:"signature"`
	Origin     patch.Origin      `json:"origin"`
	Outcome    Outcome           `json:"outcome"`
	Confidence float64           `json:"confidence"`
	Timestamp  time.Time         `json:"timestamp"`
}

// LearningEntry is a verified-good patch template keyed by signature.
// It is written only after a patch validated against the full suite and
// is overwritten by a newer verified fix for the same signature.
type LearningEntry struct {
	Signature  failure.Signature `json:"signature"`
	Patch      patch.Patch       `json:"patch"`
	VerifiedAt time.Time         `json:"verified_at"`
	Confidence float64           `json:"confidence"`
}

// StorageError reports a persistence failure. It degrades learning and
// observability but never aborts an in-progress session.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage failure during %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Store owns both persisted artifacts for one state directory.
type Store struct {
	mu          sync.Mutex
	auditPath   string
	learnedPath string
}

// Open creates a store rooted at stateDir, creating the directory when
// missing.
func Open(stateDir string) (*Store, error) {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, &StorageError{Op: "open", Err: err}
	}
	return &Store{
		auditPath:   filepath.Join(stateDir, "attempts.jsonl"),
		learnedPath: filepath.Join(stateDir, "learned.json"),
	}, nil
}

// Record appends one attempt to the audit log. The log is opened with
// O_APPEND so each line lands as a unit; records are never mutated or
// deleted.
func (s *Store) Record(a Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	line, err := json.Marshal(a)
	if err != nil {
		return &StorageError{Op: "record", Err: err}
	}
	line = append(line, '\n')

	f, err := os.OpenFile(s.auditPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644) // #nosec G304 - path from state dir
	if err != nil {
		return &StorageError{Op: "record", Err: err}
	}
	defer f.Close()

	if _, err := f.Write(line); err != nil {
		return &StorageError{Op: "record", Err: err}
	}
	return nil
}

// Attempts reads the full audit log in append order. Unparseable lines
// are skipped rather than failing the read: the log may be mid-append.
func (s *Store) Attempts() ([]Attempt, error) {
	data, err := os.ReadFile(s.auditPath) // #nosec G304 - path from state dir
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, &StorageError{Op: "attempts", Err: err}
	}

	var out []Attempt
	for _, line := range splitLines(data) {
		var a Attempt
		if json.Unmarshal(line, &a) == nil {
			out = append(out, a)
		}
	}
	return out, nil
}

// GetLearned returns the verified fix for a signature, or nil when none
// is cached.
func (s *Store) GetLearned(sig failure.Signature) (*LearningEntry, error) {
	data, err := os.ReadFile(s.learnedPath) // #nosec G304 - path from state dir
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, &StorageError{Op: "get_learned", Err: err}
	}

	node := gjson.GetBytes(data, "entries."+gjsonEscape(string(sig)))
	if !node.Exists() {
		return nil, nil
	}

	var entry LearningEntry
	if err := json.Unmarshal([]byte(node.Raw), &entry); err != nil {
		return nil, &StorageError{Op: "get_learned", Err: err}
	}
	return &entry, nil
}

// PutLearned stores a verified fix, replacing any prior entry for the
// same signature. The whole document is rewritten via a temp file and
// rename; readers see either the old or the new version, never a mix.
func (s *Store) PutLearned(entry LearningEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := os.ReadFile(s.learnedPath) // #nosec G304 - path from state dir
	if errors.Is(err, fs.ErrNotExist) || len(doc) == 0 {
		doc = []byte(fmt.Sprintf(`{"version":%d,"entries":{}}`, learnedDocVersion))
	} else if err != nil {
		return &StorageError{Op: "put_learned", Err: err}
	}

	if !gjson.ValidBytes(doc) {
		// A corrupt cache only costs learning; start fresh rather than
		// blocking the session.
		doc = []byte(fmt.Sprintf(`{"version":%d,"entries":{}}`, learnedDocVersion))
	}

	encoded, err := json.Marshal(entry)
	if err != nil {
		return &StorageError{Op: "put_learned", Err: err}
	}

	updated, err := sjson.SetRawBytes(doc, "entries."+gjsonEscape(string(entry.Signature)), encoded)
	if err != nil {
		return &StorageError{Op: "put_learned", Err: err}
	}

	if err := atomicfile.WriteFile(s.learnedPath, updated, 0o644); err != nil {
		return &StorageError{Op: "put_learned", Err: err}
	}
	return nil
}

// Learned lists all cached fixes, for the CLI listing surface.
func (s *Store) Learned() ([]LearningEntry, error) {
	data, err := os.ReadFile(s.learnedPath) // #nosec G304 - path from state dir
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, &StorageError{Op: "learned", Err: err}
	}

	var out []LearningEntry
	gjson.GetBytes(data, "entries").ForEach(func(_, value gjson.Result) bool {
		var entry LearningEntry
		if json.Unmarshal([]byte(value.Raw), &entry) == nil {
			out = append(out, entry)
		}
		return true
	})
	return out, nil
}

// gjsonEscape escapes path-special characters in a key so signatures
// are addressed literally.
func gjsonEscape(key string) string {
	out := make([]byte, 0, len(key))
	for i := 0; i < len(key); i++ {
		switch key[i] {
		case '.', '*', '?', '\\', '|', '#', '@':
			out = append(out, '\\')
		}
		out = append(out, key[i])
	}
	return string(out)
}

func splitLines(data []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i, b := range data {
		if b == '\n' {
			if i > start {
				lines = append(lines, data[start:i])
			}
			start = i + 1
		}
	}
	if start < len(data) {
		lines = append(lines, data[start:])
	}
	return lines
}
