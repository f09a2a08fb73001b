package snapshot

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/handleui/mend/patch"
)

func writeFile(t *testing.T, root, name, content string) {
	t.Helper()
	full := filepath.Join(root, name)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func readFile(t *testing.T, root, name string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(root, name))
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func TestBeginCapturesWatchSet(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "src/app.py", "print('a')\n")
	writeFile(t, root, "src/db.py", "print('b')\n")
	writeFile(t, root, "README.md", "docs\n")

	m := NewManager()
	snap, err := m.Begin("s-1", root, []string{"**/*.py"}, []string{"conftest.py"})
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}

	files := snap.Files()
	want := []string{"conftest.py", "src/app.py", "src/db.py"}
	if len(files) != len(want) {
		t.Fatalf("captured %v, want %v", files, want)
	}
	for i := range want {
		if files[i] != want[i] {
			t.Errorf("captured[%d] = %q, want %q", i, files[i], want[i])
		}
	}

	// conftest.py does not exist; the baseline must record that.
	if _, existed, captured := snap.Checksum("conftest.py"); !captured || existed {
		t.Errorf("absent file baseline: existed=%v captured=%v", existed, captured)
	}
}

func TestBeginIsOnceOnly(t *testing.T) {
	root := t.TempDir()
	m := NewManager()
	if _, err := m.Begin("s-1", root, nil, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Begin("s-1", root, nil, nil); err == nil {
		t.Error("second Begin() succeeded, want error")
	}
}

func TestApplyAndRevertByteExact(t *testing.T) {
	root := t.TempDir()
	original := "def f():\n\treturn 1\n" // tab indentation, preserved exactly
	writeFile(t, root, "src/app.py", original)

	m := NewManager()
	if _, err := m.Begin("s-1", root, []string{"**/*.py"}, nil); err != nil {
		t.Fatal(err)
	}

	p := &patch.Patch{
		Origin: patch.OriginStructured,
		Files: []patch.FileChange{
			{Path: "src/app.py", Content: "def f():\n    return 2\n"},
			{Path: "src/new.py", Content: "created = True\n"},
		},
	}

	written, err := m.Apply(p)
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if len(written) != 2 {
		t.Fatalf("Apply() wrote %v, want 2 files", written)
	}
	if got := readFile(t, root, "src/app.py"); got != "def f():\n    return 2\n" {
		t.Errorf("apply did not write new content: %q", got)
	}

	if err := m.Revert(); err != nil {
		t.Fatalf("Revert() error = %v", err)
	}

	if got := readFile(t, root, "src/app.py"); got != original {
		t.Errorf("revert not byte-exact: %q, want %q", got, original)
	}
	if _, err := os.Stat(filepath.Join(root, "src/new.py")); !os.IsNotExist(err) {
		t.Error("file created by patch survived revert")
	}
	if touched := m.Touched(); len(touched) != 0 {
		t.Errorf("touched set not cleared after revert: %v", touched)
	}
}

func TestApplyDeletionAndRevert(t *testing.T) {
	root := t.TempDir()
	original := "obsolete = True\n"
	writeFile(t, root, "src/old.py", original)

	m := NewManager()
	if _, err := m.Begin("s-1", root, []string{"**/*.py"}, nil); err != nil {
		t.Fatal(err)
	}

	p := &patch.Patch{
		Origin: patch.OriginGenerated,
		Files:  []patch.FileChange{{Path: "src/old.py", Delete: true}},
	}
	written, err := m.Apply(p)
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if len(written) != 1 || written[0] != "src/old.py" {
		t.Fatalf("Apply() wrote %v, want the deleted path", written)
	}
	if _, err := os.Stat(filepath.Join(root, "src/old.py")); !os.IsNotExist(err) {
		t.Error("deleted file still present after apply")
	}

	if err := m.Revert(); err != nil {
		t.Fatalf("Revert() error = %v", err)
	}
	if got := readFile(t, root, "src/old.py"); got != original {
		t.Errorf("deleted file not restored: %q, want %q", got, original)
	}
}

func TestRevertWithoutMutationIsNoop(t *testing.T) {
	root := t.TempDir()
	m := NewManager()
	if _, err := m.Begin("s-1", root, nil, nil); err != nil {
		t.Fatal(err)
	}
	if err := m.Revert(); err != nil {
		t.Errorf("Revert() with nothing touched error = %v", err)
	}
}

func TestApplyCapturesUnwatchedTarget(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "config.ini", "[a]\nkey=1\n")

	m := NewManager()
	// Watch set covers only Python files; the patch touches an ini file.
	if _, err := m.Begin("s-1", root, []string{"**/*.py"}, nil); err != nil {
		t.Fatal(err)
	}

	p := &patch.Patch{
		Origin: patch.OriginStructured,
		Files:  []patch.FileChange{{Path: "config.ini", Content: "[a]\nkey=2\n"}},
	}
	if _, err := m.Apply(p); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if err := m.Revert(); err != nil {
		t.Fatalf("Revert() error = %v", err)
	}
	if got := readFile(t, root, "config.ini"); got != "[a]\nkey=1\n" {
		t.Errorf("late-captured file not restored: %q", got)
	}
}

func TestRepeatedApplyRevertsToSessionBaseline(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "app.py", "v0\n")

	m := NewManager()
	if _, err := m.Begin("s-1", root, []string{"*.py"}, nil); err != nil {
		t.Fatal(err)
	}

	for _, version := range []string{"v1\n", "v2\n", "v3\n"} {
		p := &patch.Patch{
			Origin: patch.OriginStructured,
			Files:  []patch.FileChange{{Path: "app.py", Content: version}},
		}
		if _, err := m.Apply(p); err != nil {
			t.Fatalf("Apply(%q) error = %v", version, err)
		}
	}

	if err := m.Revert(); err != nil {
		t.Fatalf("Revert() error = %v", err)
	}
	if got := readFile(t, root, "app.py"); got != "v0\n" {
		t.Errorf("revert landed on %q, want original v0", got)
	}
}
