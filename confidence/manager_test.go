package confidence

import (
	"math"
	"path/filepath"
	"testing"

	"github.com/handleui/mend/failure"
	"github.com/handleui/mend/patch"
)

const sig = failure.Signature("sig-00000000deadbeef")

func TestScoreNeutralPrior(t *testing.T) {
	m := NewManager(DefaultSuccessRate, DefaultFailureRate)
	if got := m.Score(sig, patch.OriginLearned); got != NeutralPrior {
		t.Errorf("unseen pair score = %v, want %v", got, NeutralPrior)
	}
}

func TestUpdateMovesScore(t *testing.T) {
	m := NewManager(0.3, 0.2)

	if err := m.Update(sig, patch.OriginStructured, true); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	want := 0.5 + 0.3*(1-0.5)
	if got := m.Score(sig, patch.OriginStructured); math.Abs(got-want) > 1e-9 {
		t.Errorf("score after success = %v, want %v", got, want)
	}

	if err := m.Update(sig, patch.OriginStructured, false); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	want -= 0.2 * want
	if got := m.Score(sig, patch.OriginStructured); math.Abs(got-want) > 1e-9 {
		t.Errorf("score after failure = %v, want %v", got, want)
	}
}

func TestScoreStaysBounded(t *testing.T) {
	m := NewManager(0.9, 0.9)

	for i := 0; i < 100; i++ {
		if err := m.Update(sig, patch.OriginGenerated, true); err != nil {
			t.Fatal(err)
		}
	}
	if got := m.Score(sig, patch.OriginGenerated); got > 1 {
		t.Errorf("score exceeded 1: %v", got)
	}

	for i := 0; i < 100; i++ {
		if err := m.Update(sig, patch.OriginGenerated, false); err != nil {
			t.Fatal(err)
		}
	}
	if got := m.Score(sig, patch.OriginGenerated); got < 0 {
		t.Errorf("score fell below 0: %v", got)
	}
}

func TestRankedOrderAndFloor(t *testing.T) {
	m := NewManager(0.3, 0.2)

	// Sink the structured strategy below the floor, raise generated.
	for i := 0; i < 20; i++ {
		if err := m.Update(sig, patch.OriginStructured, false); err != nil {
			t.Fatal(err)
		}
	}
	if err := m.Update(sig, patch.OriginGenerated, true); err != nil {
		t.Fatal(err)
	}

	ranked := m.Ranked(sig, patch.Origins, 0.2)

	if len(ranked) != 2 {
		t.Fatalf("ranked = %v, want structured dropped", ranked)
	}
	if ranked[0] != patch.OriginGenerated {
		t.Errorf("highest scored strategy not first: %v", ranked)
	}
	if ranked[1] != patch.OriginLearned {
		t.Errorf("neutral-prior strategy missing: %v", ranked)
	}
}

func TestRankedTieBreakPrefersDefaultOrder(t *testing.T) {
	m := NewManager(0.3, 0.2)

	ranked := m.Ranked(sig, patch.Origins, 0)
	if len(ranked) != 3 {
		t.Fatalf("ranked = %v, want all three", ranked)
	}
	for i, want := range patch.Origins {
		if ranked[i] != want {
			t.Errorf("tie-break order[%d] = %v, want %v", i, ranked[i], want)
		}
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "confidence.json")

	m, err := Load(path, 0.3, 0.2)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if err := m.Update(sig, patch.OriginLearned, true); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	want := m.Score(sig, patch.OriginLearned)

	reloaded, err := Load(path, 0.3, 0.2)
	if err != nil {
		t.Fatalf("reload error = %v", err)
	}
	if got := reloaded.Score(sig, patch.OriginLearned); math.Abs(got-want) > 1e-9 {
		t.Errorf("reloaded score = %v, want %v", got, want)
	}
}
