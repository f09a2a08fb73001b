package failure

import (
	"strings"
	"testing"
)

func TestNormalizeMessage(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "memory address scrubbed",
			input:    "<Widget object at 0x7f3a2b4c9d10> has no attribute 'render'",
			expected: "<Widget object at 0xADDR> has no attribute 'render'",
		},
		{
			name:     "iso timestamp scrubbed",
			input:    "expired at 2026-08-23T14:02:11.123456",
			expected: "expired at <TS>",
		},
		{
			name:     "clock time scrubbed",
			input:    "deadline 14:02:11 passed",
			expected: "deadline <TS> passed",
		},
		{
			name:     "line reference scrubbed",
			input:    "invalid syntax at line 42",
			expected: "invalid syntax at line <N>",
		},
		{
			name:     "absolute path reduced to basename",
			input:    "cannot open /home/ci/build-7/project/src/app.py",
			expected: "cannot open app.py",
		},
		{
			name:     "long id scrubbed",
			input:    "request 1692800531 failed",
			expected: "request <N> failed",
		},
		{
			name:     "small numbers kept",
			input:    "expected 3 but got 4",
			expected: "expected 3 but got 4",
		},
		{
			name:     "stable message unchanged",
			input:    "'Widget' object has no attribute 'render'",
			expected: "'Widget' object has no attribute 'render'",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NormalizeMessage(tt.input)
			if got != tt.expected {
				t.Errorf("NormalizeMessage(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestEnclosingFunction(t *testing.T) {
	tests := []struct {
		name      string
		traceback string
		expected  string
	}{
		{
			name: "deepest frame wins",
			traceback: `Traceback (most recent call last):
  File "/app/tests/test_widget.py", line 10, in test_render
    w.render()
  File "/app/src/widget.py", line 44, in render
    return self.template.draw()`,
			expected: "render",
		},
		{
			name:      "single frame",
			traceback: `  File "app.py", line 3, in main`,
			expected:  "main",
		},
		{
			name:      "no frames",
			traceback: "AssertionError: 1 != 2",
			expected:  "",
		},
		{
			name:      "empty traceback",
			traceback: "",
			expected:  "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EnclosingFunction(tt.traceback); got != tt.expected {
				t.Errorf("EnclosingFunction() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestFingerprintStability(t *testing.T) {
	base := Record{
		TestID:  "tests/test_widget.py::test_render",
		File:    "src/widget.py",
		Line:    44,
		Kind:    "AttributeError",
		Message: "'Widget' object at 0x7f3a2b4c9d10 has no attribute 'render'",
		Traceback: `  File "/home/ci/project/src/widget.py", line 44, in render
    return self.template.draw()`,
	}

	rerun := base
	rerun.Line = 51
	rerun.Message = "'Widget' object at 0x55e19a3f has no attribute 'render'"
	rerun.Traceback = `  File "/tmp/checkout-2/src/widget.py", line 51, in render
    return self.template.draw()`

	if Fingerprint(base) != Fingerprint(rerun) {
		t.Errorf("same bug across runs produced different signatures: %s vs %s",
			Fingerprint(base), Fingerprint(rerun))
	}

	differentKind := base
	differentKind.Kind = "TypeError"
	if Fingerprint(base) == Fingerprint(differentKind) {
		t.Error("different exception kinds must not collide")
	}

	differentFile := base
	differentFile.File = "src/other.py"
	if Fingerprint(base) == Fingerprint(differentFile) {
		t.Error("different files must not collide")
	}

	differentMessage := base
	differentMessage.Message = "'Widget' object has no attribute 'draw'"
	if Fingerprint(base) == Fingerprint(differentMessage) {
		t.Error("different message templates must not collide")
	}
}

func TestFingerprintFormat(t *testing.T) {
	sig := Fingerprint(Record{Kind: "ValueError", Message: "boom"})
	if !strings.HasPrefix(string(sig), "sig-") || len(sig) != len("sig-")+16 {
		t.Errorf("unexpected signature format: %q", sig)
	}
}

func TestFingerprintDeterminism(t *testing.T) {
	rec := Record{Kind: "KeyError", Message: "'missing'", File: "src/db.py"}
	first := Fingerprint(rec)
	for i := 0; i < 10; i++ {
		if got := Fingerprint(rec); got != first {
			t.Fatalf("fingerprint not deterministic: %s vs %s", got, first)
		}
	}
}
