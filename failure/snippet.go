package failure

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	// maxExcerptFileSize skips files too large to scan cheaply.
	maxExcerptFileSize = 1024 * 1024

	// maxExcerptLineLength truncates pathological single lines.
	maxExcerptLineLength = 500

	// excerptScannerBuffer handles long lines without scanner errors.
	excerptScannerBuffer = 256 * 1024
)

// sensitiveBasenames are files that must never be read into an excerpt.
// Excerpts end up in backend prompts and the audit log, so credential
// files stay out regardless of where a traceback points.
var sensitiveBasenames = []string{
	"credentials.json",
	"secrets.json",
	"secrets.yaml",
	"secrets.yml",
	".netrc",
	".npmrc",
	".pypirc",
	"id_rsa",
	"id_ed25519",
	"id_ecdsa",
	"htpasswd",
	"shadow",
	"passwd",
}

// Excerpt reads ±contextLines of source around line in the file at
// root/path, each line prefixed with its number and the failing line
// marked. Returns "" when the file is missing, unreadable, binary,
// oversized, a symlink, or matches a sensitive-file pattern.
func Excerpt(root, path string, line, contextLines int) string {
	if path == "" || line <= 0 || contextLines < 0 {
		return ""
	}

	full := filepath.Clean(filepath.Join(root, path))
	if root != "" {
		rel, err := filepath.Rel(root, full)
		if err != nil || strings.HasPrefix(rel, "..") {
			return ""
		}
	}

	if isSensitiveFile(full) {
		return ""
	}

	// Lstat first: excerpts never follow symlinks.
	info, err := os.Lstat(full)
	if err != nil || info.Mode()&os.ModeSymlink != 0 || info.IsDir() {
		return ""
	}
	if info.Size() > maxExcerptFileSize {
		return ""
	}

	f, err := os.Open(full) // #nosec G304 - path is confined to root above
	if err != nil {
		return ""
	}
	defer f.Close()

	startLine := max(1, line-contextLines)
	endLine := line + contextLines

	var b strings.Builder
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, excerptScannerBuffer), excerptScannerBuffer)

	current := 0
	for scanner.Scan() {
		current++
		if current < startLine {
			continue
		}
		if current > endLine {
			break
		}

		text := scanner.Text()
		if strings.ContainsRune(text, 0) {
			return "" // binary content
		}
		if len(text) > maxExcerptLineLength {
			text = text[:maxExcerptLineLength] + "..."
		}

		marker := "  "
		if current == line {
			marker = "> "
		}
		fmt.Fprintf(&b, "%s%4d | %s\n", marker, current, text)
	}
	if scanner.Err() != nil {
		return ""
	}

	return strings.TrimSuffix(b.String(), "\n")
}

func isSensitiveFile(path string) bool {
	base := filepath.Base(path)

	for _, name := range sensitiveBasenames {
		if base == name {
			return true
		}
	}

	if strings.HasPrefix(base, ".env") {
		return true
	}

	switch strings.ToLower(filepath.Ext(base)) {
	case ".pem", ".key", ".p12", ".pfx":
		return true
	}

	return false
}
