// Package testutil provides git repository fixtures for tests that drive
// the real git binary inside t.TempDir().
package testutil

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// RequireGit skips the test when no git binary is available.
func RequireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git binary not available")
	}
}

// Git runs git with args inside dir and returns trimmed stdout.
func Git(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=Test", "GIT_AUTHOR_EMAIL=test@test.com",
		"GIT_COMMITTER_NAME=Test", "GIT_COMMITTER_EMAIL=test@test.com",
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %s: %v: %s", strings.Join(args, " "), err, out)
	}
	return strings.TrimSpace(string(out))
}

// InitRepo creates a working repository at dir with branch checked out.
func InitRepo(t *testing.T, dir, branch string) {
	t.Helper()
	RequireGit(t)
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	Git(t, dir, "init", "-b", branch)
	Git(t, dir, "config", "user.email", "test@test.com")
	Git(t, dir, "config", "user.name", "Test")
}

// CommitFile writes content to name (slash-separated, relative to dir) and
// commits it with msg.
func CommitFile(t *testing.T, dir, name, content, msg string) {
	t.Helper()
	WriteFile(t, dir, name, content)
	Git(t, dir, "add", "--", name)
	Git(t, dir, "commit", "-m", msg)
}

// WriteFile writes content to name relative to dir, creating parents.
func WriteFile(t *testing.T, dir, name, content string) {
	t.Helper()
	p := filepath.Join(dir, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

// InitRemote creates a bare repository that accepts pushes, seeded with one
// commit on branch, and returns its path.
func InitRemote(t *testing.T, branch string) string {
	t.Helper()
	RequireGit(t)
	remote := filepath.Join(t.TempDir(), "remote.git")
	if err := os.MkdirAll(remote, 0755); err != nil {
		t.Fatal(err)
	}
	Git(t, remote, "init", "--bare", "-b", branch)

	seed := filepath.Join(t.TempDir(), "seed")
	InitRepo(t, seed, branch)
	CommitFile(t, seed, "README", "seed\n", "Initial commit")
	Git(t, seed, "remote", "add", "origin", remote)
	Git(t, seed, "push", "origin", branch)

	return remote
}
