package git

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// Commit describes the most recent commit touching a path.
type Commit struct {
	Hash    string
	Author  string
	Message string
	Date    time.Time
}

// Client provides the narrow set of git operations the pipeline needs
type Client interface {
	// Sync clones url into dir, or repoints, checks out and pulls branch when dir already holds a clone
	Sync(ctx context.Context, url, branch, dir string) error
	// ListFiles returns all tracked paths, slash-separated and relative to dir
	ListFiles(ctx context.Context, dir string) ([]string, error)
	// LastCommit returns the newest commit touching path, or nil if it has no history
	LastCommit(ctx context.Context, dir, path string) (*Commit, error)
	// StageCommitPush stages every change, commits with message and pushes branch to origin
	StageCommitPush(ctx context.Context, dir, branch, message string) error
}

// ShellClient implements Client by shelling out to the git command
type ShellClient struct {
	sshKeyFile     string
	httpsTokenFile string
}

// NewShellClient creates a new git client that uses the git command
func NewShellClient(sshKeyFile, httpsTokenFile string) *ShellClient {
	return &ShellClient{
		sshKeyFile:     sshKeyFile,
		httpsTokenFile: httpsTokenFile,
	}
}

// Sync clones or updates a working copy of url at branch
func (c *ShellClient) Sync(ctx context.Context, url, branch, dir string) error {
	if _, err := os.Stat(filepath.Join(dir, ".git")); err != nil {
		if err := os.MkdirAll(filepath.Dir(dir), 0755); err != nil {
			return fmt.Errorf("failed to create parent directory: %w", err)
		}

		cmd := exec.CommandContext(ctx, "git", "clone", "--branch", branch, url, dir)
		if err := c.configureAuth(cmd, url); err != nil {
			return err
		}
		if err := c.runCommand(cmd); err != nil {
			return fmt.Errorf("git clone failed: %w", err)
		}
		return nil
	}

	// Repoint origin when the configured URL changed since the clone
	current, err := c.output(exec.CommandContext(ctx, "git", "-C", dir, "remote", "get-url", "origin"))
	switch {
	case err != nil:
		cmd := exec.CommandContext(ctx, "git", "-C", dir, "remote", "add", "origin", url)
		if err := c.runCommand(cmd); err != nil {
			return fmt.Errorf("git remote add failed: %w", err)
		}
	case strings.TrimSpace(current) != url:
		cmd := exec.CommandContext(ctx, "git", "-C", dir, "remote", "set-url", "origin", url)
		if err := c.runCommand(cmd); err != nil {
			return fmt.Errorf("git remote set-url failed: %w", err)
		}
	}

	cmd := exec.CommandContext(ctx, "git", "-C", dir, "checkout", branch)
	if err := c.runCommand(cmd); err != nil {
		return fmt.Errorf("git checkout failed for branch %q: %w", branch, err)
	}

	cmd = exec.CommandContext(ctx, "git", "-C", dir, "pull", "origin", branch)
	if err := c.configureAuth(cmd, url); err != nil {
		return err
	}
	if err := c.runCommand(cmd); err != nil {
		return fmt.Errorf("git pull failed: %w", err)
	}

	return nil
}

// ListFiles returns the tracked files of the working copy at dir
func (c *ShellClient) ListFiles(ctx context.Context, dir string) ([]string, error) {
	out, err := c.output(exec.CommandContext(ctx, "git", "-C", dir, "ls-files", "-z"))
	if err != nil {
		return nil, fmt.Errorf("git ls-files failed: %w", err)
	}

	var files []string
	for _, f := range strings.Split(out, "\x00") {
		if f != "" {
			files = append(files, f)
		}
	}
	return files, nil
}

// commitFormat separates hash, author, committer date and message with NUL bytes
const commitFormat = "--format=%H%x00%an%x00%cI%x00%B"

// LastCommit returns the newest commit that touched path. The path is
// matched literally, so glob characters in file names are not wildcards.
func (c *ShellClient) LastCommit(ctx context.Context, dir, path string) (*Commit, error) {
	out, err := c.output(exec.CommandContext(ctx, "git", "-C", dir, "--literal-pathspecs", "log", "-1", commitFormat, "--", path))
	if err != nil {
		return nil, fmt.Errorf("git log failed for %s: %w", path, err)
	}
	if strings.TrimSpace(out) == "" {
		return nil, nil
	}

	return parseCommit(out)
}

// StageCommitPush stages all changes, commits and pushes to origin
func (c *ShellClient) StageCommitPush(ctx context.Context, dir, branch, message string) error {
	cmd := exec.CommandContext(ctx, "git", "-C", dir, "add", "-A")
	if err := c.runCommand(cmd); err != nil {
		return fmt.Errorf("git add failed: %w", err)
	}

	cmd = exec.CommandContext(ctx, "git", "-C", dir, "commit", "-m", message)
	if err := c.runCommand(cmd); err != nil {
		return fmt.Errorf("git commit failed: %w", err)
	}

	url, err := c.output(exec.CommandContext(ctx, "git", "-C", dir, "remote", "get-url", "origin"))
	if err != nil {
		return fmt.Errorf("git remote get-url failed: %w", err)
	}

	cmd = exec.CommandContext(ctx, "git", "-C", dir, "push", "origin", branch)
	if err := c.configureAuth(cmd, strings.TrimSpace(url)); err != nil {
		return err
	}
	if err := c.runCommand(cmd); err != nil {
		return fmt.Errorf("git push failed: %w", err)
	}

	return nil
}

func parseCommit(out string) (*Commit, error) {
	parts := strings.SplitN(out, "\x00", 4)
	if len(parts) != 4 {
		return nil, fmt.Errorf("unexpected git log output: %q", out)
	}

	date, err := time.Parse(time.RFC3339, strings.TrimSpace(parts[2]))
	if err != nil {
		return nil, fmt.Errorf("failed to parse commit date: %w", err)
	}

	return &Commit{
		Hash:    strings.TrimSpace(parts[0]),
		Author:  parts[1],
		Date:    date,
		Message: strings.TrimSpace(parts[3]),
	}, nil
}

// configureAuth sets up authentication for git operations
func (c *ShellClient) configureAuth(cmd *exec.Cmd, url string) error {
	if cmd.Env == nil {
		cmd.Env = os.Environ()
	}

	// SSH authentication
	if c.sshKeyFile != "" && (strings.HasPrefix(url, "git@") || strings.HasPrefix(url, "ssh://")) {
		// The path is shell-quoted to prevent injection via crafted filenames.
		sshCmd := fmt.Sprintf("ssh -i %s -o StrictHostKeyChecking=accept-new -F /dev/null", shellQuote(c.sshKeyFile))
		cmd.Env = append(cmd.Env, "GIT_SSH_COMMAND="+sshCmd)
		return nil
	}

	// HTTPS authentication with token
	if c.httpsTokenFile != "" && strings.HasPrefix(url, "https://") {
		token, err := os.ReadFile(c.httpsTokenFile)
		if err != nil {
			return fmt.Errorf("failed to read HTTPS token file: %w", err)
		}

		// The token travels through the environment and a credential helper,
		// never through the command line.
		cmd.Env = append(cmd.Env, "GIT_TERMINAL_PROMPT=0")
		cmd.Env = append(cmd.Env, "UPCODED_GIT_TOKEN="+strings.TrimSpace(string(token)))
		cmd.Args = insertGitFlags(cmd.Args,
			"-c", `credential.helper=!f() { echo "username=x-access-token"; echo "password=$UPCODED_GIT_TOKEN"; }; f`,
		)

		return nil
	}

	return nil
}

// insertGitFlags inserts flags immediately after the "git" command name,
// before the subcommand (e.g. "clone", "pull").
func insertGitFlags(args []string, flags ...string) []string {
	if len(args) == 0 {
		return flags
	}
	result := make([]string, 0, len(args)+len(flags))
	result = append(result, args[0])
	result = append(result, flags...)
	result = append(result, args[1:]...)
	return result
}

// shellQuote wraps s in single quotes, escaping any embedded single quotes.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// runCommand executes a command and returns an error with its output on failure
func (c *ShellClient) runCommand(cmd *exec.Cmd) error {
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s", err, strings.TrimSpace(string(output)))
	}
	return nil
}

// output executes a command and returns stdout, folding stderr into the error
func (c *ShellClient) output(cmd *exec.Cmd) (string, error) {
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}
