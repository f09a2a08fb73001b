// Package confidence maintains bounded success estimates per
// (signature, strategy) pair. Scores order strategy attempts and gate
// strategies the engine has learned it cannot fix, so expensive backend
// calls are not wasted on hopeless signatures.
package confidence

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"sync"

	"github.com/handleui/mend/atomicfile"
	"github.com/handleui/mend/failure"
	"github.com/handleui/mend/patch"
)

const (
	// NeutralPrior is the score assumed for unseen pairs.
	NeutralPrior = 0.5

	// DefaultSuccessRate moves the score toward 1 on success.
	DefaultSuccessRate = 0.3

	// DefaultFailureRate moves the score toward 0 on failure.
	DefaultFailureRate = 0.2

	storeVersion = 1
)

// Manager tracks and persists confidence scores. Safe for concurrent
// readers (the status surface) against the single mutating session.
type Manager struct {
	mu          sync.RWMutex
	scores      map[string]float64
	successRate float64
	failureRate float64
	path        string // "" = in-memory only
}

type persistedScores struct {
	Version int                `json:"version"`
	Scores  map[string]float64 `json:"scores"`
}

// NewManager creates an in-memory manager with the given update rates.
// Rates outside (0,1] fall back to the defaults.
func NewManager(successRate, failureRate float64) *Manager {
	if successRate <= 0 || successRate > 1 {
		successRate = DefaultSuccessRate
	}
	if failureRate <= 0 || failureRate > 1 {
		failureRate = DefaultFailureRate
	}
	return &Manager{
		scores:      make(map[string]float64),
		successRate: successRate,
		failureRate: failureRate,
	}
}

// Load reads persisted scores from path, creating an empty manager when
// the file does not exist yet. Every Update is saved back atomically.
func Load(path string, successRate, failureRate float64) (*Manager, error) {
	m := NewManager(successRate, failureRate)
	m.path = path

	data, err := os.ReadFile(path) // #nosec G304 - path from configuration
	if errors.Is(err, fs.ErrNotExist) {
		return m, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading confidence store: %w", err)
	}

	var doc persistedScores
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing confidence store: %w", err)
	}
	for k, v := range doc.Scores {
		m.scores[k] = clamp(v)
	}
	return m, nil
}

func key(sig failure.Signature, origin patch.Origin) string {
	return string(sig) + "|" + string(origin)
}

// Score returns the current confidence for the pair, or the neutral
// prior when the pair has never been observed. Always in [0,1].
func (m *Manager) Score(sig failure.Signature, origin patch.Origin) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if v, ok := m.scores[key(sig, origin)]; ok {
		return v
	}
	return NeutralPrior
}

// Update applies the bounded exponential moving update: toward 1 by the
// success rate fraction of the remaining distance, toward 0 by the
// failure rate fraction of the current value. The result is clamped so
// scores never leave [0,1]. The updated state is persisted atomically
// when the manager is file-backed.
func (m *Manager) Update(sig failure.Signature, origin patch.Origin, success bool) error {
	m.mu.Lock()

	k := key(sig, origin)
	v, ok := m.scores[k]
	if !ok {
		v = NeutralPrior
	}

	if success {
		v += m.successRate * (1 - v)
	} else {
		v -= m.failureRate * v
	}
	m.scores[k] = clamp(v)

	snapshot := m.snapshotLocked()
	path := m.path
	m.mu.Unlock()

	if path == "" {
		return nil
	}
	return save(path, snapshot)
}

// Ranked orders the enabled strategies by confidence for the signature,
// highest first, dropping any strategy whose score fell below floor.
// Equal scores fall back to the natural origin preference, so untouched
// signatures try learned, then structured, then generated.
func (m *Manager) Ranked(sig failure.Signature, enabled []patch.Origin, floor float64) []patch.Origin {
	type scored struct {
		origin patch.Origin
		score  float64
	}

	ranked := make([]scored, 0, len(enabled))
	for _, origin := range enabled {
		s := m.Score(sig, origin)
		if s < floor {
			continue
		}
		ranked = append(ranked, scored{origin: origin, score: s})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].origin.Rank() < ranked[j].origin.Rank()
	})

	out := make([]patch.Origin, len(ranked))
	for i, s := range ranked {
		out[i] = s.origin
	}
	return out
}

// snapshotLocked copies the score map; callers must hold mu.
func (m *Manager) snapshotLocked() map[string]float64 {
	cp := make(map[string]float64, len(m.scores))
	for k, v := range m.scores {
		cp[k] = v
	}
	return cp
}

func save(path string, scores map[string]float64) error {
	doc := persistedScores{Version: storeVersion, Scores: scores}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding confidence store: %w", err)
	}
	if err := atomicfile.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("saving confidence store: %w", err)
	}
	return nil
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
