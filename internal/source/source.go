// Package source is a read-only view over the source repository: it keeps
// the local mirror in sync and resolves the batch folder for the current day.
package source

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/schaermu/upcoded/internal/git"
)

// DateLayout is the Go layout of batch folder names (YYYYMMDD).
const DateLayout = "20060102"

var batchPattern = regexp.MustCompile(`^\d{8}$`)

// Tree is a source repository checked out at Dir.
type Tree struct {
	git    git.Client
	url    string
	branch string
	dir    string
	now    func() time.Time
}

// NewTree creates a Tree. now may be nil, in which case time.Now is used.
func NewTree(client git.Client, url, branch, dir string, now func() time.Time) *Tree {
	if now == nil {
		now = time.Now
	}
	return &Tree{git: client, url: url, branch: branch, dir: dir, now: now}
}

// Dir returns the local checkout directory.
func (t *Tree) Dir() string {
	return t.dir
}

// Sync clones or fast-forwards the local mirror.
func (t *Tree) Sync(ctx context.Context) error {
	return t.git.Sync(ctx, t.url, t.branch, t.dir)
}

// ResolveCurrentBatch returns today's batch folder when it is tracked.
func (t *Tree) ResolveCurrentBatch(ctx context.Context) (string, bool, error) {
	files, err := t.git.ListFiles(ctx, t.dir)
	if err != nil {
		return "", false, err
	}

	today := t.now().Format(DateLayout)
	for _, f := range files {
		top, _, _ := strings.Cut(f, "/")
		if top == today && batchPattern.MatchString(top) {
			return today, true, nil
		}
	}
	return "", false, nil
}

// Batches returns every tracked top-level folder that looks like a date,
// in first-seen order.
func (t *Tree) Batches(ctx context.Context) ([]string, error) {
	files, err := t.git.ListFiles(ctx, t.dir)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var batches []string
	for _, f := range files {
		top, _, _ := strings.Cut(f, "/")
		if batchPattern.MatchString(top) && !seen[top] {
			seen[top] = true
			batches = append(batches, top)
		}
	}
	return batches, nil
}

// ListFiles returns tracked paths inside the folder prefix. The prefix must
// match a whole path segment.
func (t *Tree) ListFiles(ctx context.Context, prefix string) ([]string, error) {
	files, err := t.git.ListFiles(ctx, t.dir)
	if err != nil {
		return nil, err
	}

	boundary := strings.TrimSuffix(prefix, "/") + "/"
	var matched []string
	for _, f := range files {
		if strings.HasPrefix(f, boundary) {
			matched = append(matched, f)
		}
	}
	return matched, nil
}

// LastCommit returns the newest commit touching path, nil if none.
func (t *Tree) LastCommit(ctx context.Context, path string) (*git.Commit, error) {
	return t.git.LastCommit(ctx, t.dir, path)
}
