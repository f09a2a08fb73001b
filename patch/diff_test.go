package patch

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestApplyFileDiffModify(t *testing.T) {
	diffText := `--- a/src/app.py
+++ b/src/app.py
@@ -1,2 +1,2 @@
 def greet():
-    return "helo"
+    return "hello"
`

	fds, err := ParseDiff(diffText)
	if err != nil {
		t.Fatalf("ParseDiff() error = %v", err)
	}
	if len(fds) != 1 {
		t.Fatalf("got %d file diffs, want 1", len(fds))
	}

	original := "def greet():\n    return \"helo\"\n"
	patched, err := ApplyFileDiff([]byte(original), fds[0])
	if err != nil {
		t.Fatalf("ApplyFileDiff() error = %v", err)
	}

	want := "def greet():\n    return \"hello\"\n"
	if string(patched) != want {
		t.Errorf("patched content = %q, want %q", patched, want)
	}
}

func TestApplyFileDiffContextMismatch(t *testing.T) {
	diffText := `--- a/src/app.py
+++ b/src/app.py
@@ -1,2 +1,2 @@
 unrelated content
-old
+new
`

	fds, err := ParseDiff(diffText)
	if err != nil {
		t.Fatalf("ParseDiff() error = %v", err)
	}

	_, err = ApplyFileDiff([]byte("something else\nentirely\n"), fds[0])
	var appErr *ApplicationError
	if !errors.As(err, &appErr) {
		t.Fatalf("ApplyFileDiff() error = %v, want *ApplicationError", err)
	}
	if appErr.Path != "src/app.py" {
		t.Errorf("error path = %q, want src/app.py", appErr.Path)
	}
}

func TestApplyFileDiffRemovedLineMismatch(t *testing.T) {
	diffText := `--- a/a.py
+++ b/a.py
@@ -1,1 +1,1 @@
-expected original
+replacement
`

	fds, err := ParseDiff(diffText)
	if err != nil {
		t.Fatalf("ParseDiff() error = %v", err)
	}

	_, err = ApplyFileDiff([]byte("actual original\n"), fds[0])
	var appErr *ApplicationError
	if !errors.As(err, &appErr) {
		t.Errorf("ApplyFileDiff() error = %v, want *ApplicationError", err)
	}
}

func TestApplyFileDiffNewFile(t *testing.T) {
	diffText := `--- /dev/null
+++ b/src/util.py
@@ -0,0 +1,2 @@
+def helper():
+    return 1
`

	fds, err := ParseDiff(diffText)
	if err != nil {
		t.Fatalf("ParseDiff() error = %v", err)
	}

	patched, err := ApplyFileDiff(nil, fds[0])
	if err != nil {
		t.Fatalf("ApplyFileDiff() error = %v", err)
	}
	want := "def helper():\n    return 1\n"
	if string(patched) != want {
		t.Errorf("new file content = %q, want %q", patched, want)
	}
}

func TestResolveDiffAgainstTree(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "src"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "src", "app.py"), []byte("a\nb\nc\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	p := Patch{
		Origin: OriginGenerated,
		DiffText: `--- a/src/app.py
+++ b/src/app.py
@@ -1,3 +1,3 @@
 a
-b
+B
 c
`,
	}

	changes, err := p.Resolve(root)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if len(changes) != 1 {
		t.Fatalf("got %d changes, want 1", len(changes))
	}
	if changes[0].Path != "src/app.py" {
		t.Errorf("change path = %q", changes[0].Path)
	}
	if changes[0].Content != "a\nB\nc\n" {
		t.Errorf("resolved content = %q, want %q", changes[0].Content, "a\nB\nc\n")
	}
}

func TestResolveDeletionDiff(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "src"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "src", "old.py"), []byte("a\nb\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	p := Patch{
		Origin: OriginGenerated,
		DiffText: `--- a/src/old.py
+++ /dev/null
@@ -1,2 +0,0 @@
-a
-b
`,
	}

	changes, err := p.Resolve(root)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if len(changes) != 1 {
		t.Fatalf("got %d changes, want 1", len(changes))
	}
	if changes[0].Path != "src/old.py" || !changes[0].Delete {
		t.Errorf("deletion change = %+v, want Delete for src/old.py", changes[0])
	}
	if changes[0].Content != "" {
		t.Errorf("deletion carries content %q", changes[0].Content)
	}
}

func TestResolveDeletionOfMissingFile(t *testing.T) {
	p := Patch{
		Origin: OriginGenerated,
		DiffText: `--- a/gone.py
+++ /dev/null
@@ -1,1 +0,0 @@
-x
`,
	}

	_, err := p.Resolve(t.TempDir())
	var appErr *ApplicationError
	if !errors.As(err, &appErr) {
		t.Fatalf("Resolve() error = %v, want *ApplicationError", err)
	}
	if appErr.Path != "gone.py" {
		t.Errorf("error path = %q, want gone.py", appErr.Path)
	}
}

func TestResolveContentPassthrough(t *testing.T) {
	p := Patch{
		Origin: OriginStructured,
		Files:  []FileChange{{Path: "x.py", Content: "pass\n"}},
	}
	changes, err := p.Resolve(t.TempDir())
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if len(changes) != 1 || changes[0].Content != "pass\n" {
		t.Errorf("content patch altered during resolve: %+v", changes)
	}
}
