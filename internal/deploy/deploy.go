// Package deploy replicates a staged batch into named targets of the
// destination repository and publishes the result.
package deploy

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/schaermu/upcoded/internal/git"
	"github.com/schaermu/upcoded/internal/staging"
)

// Publisher writes into a destination working copy.
type Publisher struct {
	git    git.Client
	url    string
	branch string
	dir    string
	logger *slog.Logger
}

// NewPublisher creates a Publisher for the repository at url, checked out
// on branch in dir.
func NewPublisher(client git.Client, url, branch, dir string, logger *slog.Logger) *Publisher {
	return &Publisher{
		git:    client,
		url:    url,
		branch: branch,
		dir:    dir,
		logger: logger,
	}
}

// Dir returns the destination working copy.
func (p *Publisher) Dir() string {
	return p.dir
}

// Sync clones or fast-forwards the destination working copy.
func (p *Publisher) Sync(ctx context.Context) error {
	p.logger.Info("syncing destination", "url", p.url, "branch", p.branch, "dir", p.dir)
	return p.git.Sync(ctx, p.url, p.branch, p.dir)
}

// TargetPath returns the directory a target of batch is written to.
func (p *Publisher) TargetPath(batch, target string) string {
	return filepath.Join(p.dir, batch, target)
}

// Publish merges stagedDir into every target directory of batch. It stops at
// the first target that fails; targets already written are left in place.
// The returned slice lists the target directories written so far.
func (p *Publisher) Publish(stagedDir, batch string, targets []string) ([]string, error) {
	written := make([]string, 0, len(targets))
	for _, target := range targets {
		dst := p.TargetPath(batch, target)
		if err := os.MkdirAll(dst, 0755); err != nil {
			return written, fmt.Errorf("failed to create target %s: %w", target, err)
		}
		if err := staging.MergeTree(stagedDir, dst); err != nil {
			return written, fmt.Errorf("failed to copy into target %s: %w", target, err)
		}
		p.logger.Info("replicated batch", "batch", batch, "target", target, "dest", dst)
		written = append(written, dst)
	}
	return written, nil
}

// CommitAndPush stages every change in the working copy, commits it with
// message and pushes the branch.
func (p *Publisher) CommitAndPush(ctx context.Context, message string) error {
	p.logger.Info("publishing destination", "branch", p.branch)
	return p.git.StageCommitPush(ctx, p.dir, p.branch, message)
}
