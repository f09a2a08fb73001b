// Package gitops records a committed session as a git commit. Git is
// optional: a non-repository root disables the package without error.
package gitops

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// IsRepository reports whether root is inside a git work tree.
func IsRepository(root string) bool {
	// #nosec G204 - root is the user's project directory
	cmd := exec.Command("git", "-c", "core.hooksPath=/dev/null", "-C", root, "rev-parse", "--is-inside-work-tree")
	cmd.Env = safeGitEnv()
	output, err := cmd.Output()
	return err == nil && strings.TrimSpace(string(output)) == "true"
}

// HeadSHA returns the current HEAD commit SHA.
func HeadSHA(root string) (string, error) {
	// #nosec G204 - root is the user's project directory
	cmd := exec.Command("git", "-c", "core.hooksPath=/dev/null", "-C", root, "rev-parse", "HEAD")
	cmd.Env = safeGitEnv()
	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("failed to get git commit SHA: %w", err)
	}
	return strings.TrimSpace(string(output)), nil
}

// CommitFiles stages the given paths and creates a commit. Only the
// files the session actually touched are staged, so unrelated local
// changes stay uncommitted.
func CommitFiles(ctx context.Context, root string, paths []string, message string) error {
	if len(paths) == 0 {
		return fmt.Errorf("no files to commit")
	}

	addArgs := append([]string{"-c", "core.hooksPath=/dev/null", "-C", root, "add", "--"}, paths...)
	addCmd := exec.CommandContext(ctx, "git", addArgs...) // #nosec G204 - paths confined by the snapshot
	addCmd.Env = safeGitEnv()
	if output, err := addCmd.CombinedOutput(); err != nil {
		return fmt.Errorf("failed to stage changes: %w (output: %s)", err, strings.TrimSpace(string(output)))
	}

	// #nosec G204 - root and message come from the session
	commitCmd := exec.CommandContext(ctx, "git", "-c", "core.hooksPath=/dev/null", "-C", root, "commit", "-m", message)
	commitCmd.Env = safeGitEnv()
	if output, err := commitCmd.CombinedOutput(); err != nil {
		return fmt.Errorf("failed to commit changes: %w (output: %s)", err, strings.TrimSpace(string(output)))
	}
	return nil
}

// safeGitEnv returns a minimal environment for git subprocesses. GIT_*
// variables from the parent are never inherited; only essential system
// variables pass through, plus overrides that keep git non-interactive
// and free of global configuration.
func safeGitEnv() []string {
	essentialVars := []string{
		"PATH",
		"HOME",
		"USER",
		"TMPDIR",
		"TEMP",
		"TMP",
		"LANG",
		"LC_ALL",
		"LC_CTYPE",
		"SHELL",
		"TERM",
	}

	env := make([]string, 0, len(essentialVars)+4)
	for _, key := range essentialVars {
		if value, exists := os.LookupEnv(key); exists {
			env = append(env, fmt.Sprintf("%s=%s", key, value))
		}
	}

	env = append(env,
		"GIT_CONFIG_NOSYSTEM=1",
		"GIT_CONFIG_NOGLOBAL=1",
		"GIT_TERMINAL_PROMPT=0",
	)
	return env
}
