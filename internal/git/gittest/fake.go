// Package gittest provides an in-memory git.Client for pipeline tests.
package gittest

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/schaermu/upcoded/internal/git"
)

// Repo is the fake state of one working copy.
type Repo struct {
	// Files maps tracked paths to content. Sync materializes them on disk.
	Files   map[string]string
	Commits map[string]*git.Commit
	// Pushed records commit messages passed to StageCommitPush.
	Pushed []string
}

// Client is a git.Client backed by Repos keyed by directory.
type Client struct {
	mu sync.Mutex

	Repos map[string]*Repo

	SyncErr    map[string]error
	ListErr    error
	PublishErr error

	// Calls records operation names in order, e.g. "sync:/dir".
	Calls []string
}

// NewClient returns an empty fake.
func NewClient() *Client {
	return &Client{
		Repos:   make(map[string]*Repo),
		SyncErr: make(map[string]error),
	}
}

// Repo returns (creating if needed) the fake repository at dir.
func (c *Client) Repo(dir string) *Repo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.repo(dir)
}

func (c *Client) repo(dir string) *Repo {
	r, ok := c.Repos[dir]
	if !ok {
		r = &Repo{Files: make(map[string]string), Commits: make(map[string]*git.Commit)}
		c.Repos[dir] = r
	}
	return r
}

// Add tracks path in dir with content, last committed by commit.
func (c *Client) Add(dir, path, content string, commit *git.Commit) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := c.repo(dir)
	r.Files[path] = content
	if commit != nil {
		r.Commits[path] = commit
	}
}

// Sync writes the tracked files of dir to disk.
func (c *Client) Sync(_ context.Context, _, _, dir string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Calls = append(c.Calls, "sync:"+dir)
	if err := c.SyncErr[dir]; err != nil {
		return err
	}

	r := c.repo(dir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	for p, content := range r.Files {
		full := filepath.Join(dir, filepath.FromSlash(p))
		if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
			return err
		}
		if err := os.WriteFile(full, []byte(content), 0644); err != nil {
			return err
		}
	}
	return nil
}

// ListFiles returns the tracked paths of dir, sorted like git ls-files.
func (c *Client) ListFiles(_ context.Context, dir string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Calls = append(c.Calls, "ls-files:"+dir)
	if c.ListErr != nil {
		return nil, c.ListErr
	}

	r := c.repo(dir)
	files := make([]string, 0, len(r.Files))
	for p := range r.Files {
		files = append(files, p)
	}
	sort.Strings(files)
	return files, nil
}

// LastCommit returns the commit registered for path.
func (c *Client) LastCommit(_ context.Context, dir, path string) (*git.Commit, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.repo(dir).Commits[path], nil
}

// StageCommitPush records message as pushed.
func (c *Client) StageCommitPush(_ context.Context, dir, _, message string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Calls = append(c.Calls, "push:"+dir)
	if c.PublishErr != nil {
		return c.PublishErr
	}
	r := c.repo(dir)
	r.Pushed = append(r.Pushed, message)
	return nil
}

// Called reports whether an operation with the given name was recorded.
func (c *Client) Called(call string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, got := range c.Calls {
		if got == call {
			return true
		}
	}
	return false
}
