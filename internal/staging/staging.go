// Package staging materializes a filtered copy of a batch folder: the batch
// is copied out of the source tree, then rejected files and report layouts
// are removed so that only deployable files remain.
package staging

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/schaermu/upcoded/internal/git"
	"github.com/schaermu/upcoded/internal/validate"
)

// LayoutExtension marks report layout files, which are never deployed.
const LayoutExtension = ".jrxml"

// FileSource lists tracked files and their last commits.
type FileSource interface {
	ListFiles(ctx context.Context, prefix string) ([]string, error)
	LastCommit(ctx context.Context, path string) (*git.Commit, error)
}

// Checker produces a verdict for a file and its commit message.
type Checker interface {
	Validate(path, msg string) validate.Verdict
}

// Area is the staging root; each batch is staged in its own subdirectory.
type Area struct {
	root   string
	logger *slog.Logger
}

// NewArea creates an Area rooted at root.
func NewArea(root string, logger *slog.Logger) *Area {
	return &Area{root: root, logger: logger}
}

// Path returns the staged directory for batch.
func (a *Area) Path(batch string) string {
	return filepath.Join(a.root, batch)
}

// Build replaces the staged copy of batch with a fresh copy of srcDir.
func (a *Area) Build(srcDir, batch string) (string, error) {
	dst := a.Path(batch)
	a.logger.Info("staging batch", "src", srcDir, "dest", dst)
	if err := CopyTree(srcDir, dst); err != nil {
		return "", fmt.Errorf("failed to copy %s: %w", srcDir, err)
	}
	return dst, nil
}

// Prune deletes every staged file whose last commit fails validation, then
// every layout file. Files without history are kept. It returns the number
// of deleted files.
func (a *Area) Prune(ctx context.Context, files FileSource, checker Checker, batch string) (int, error) {
	stagedDir := a.Path(batch)

	tracked, err := files.ListFiles(ctx, batch)
	if err != nil {
		return 0, fmt.Errorf("failed to list batch files: %w", err)
	}

	removed := 0
	for _, p := range tracked {
		commit, err := files.LastCommit(ctx, p)
		if err != nil {
			return removed, fmt.Errorf("failed to read history of %s: %w", p, err)
		}
		if commit == nil {
			continue
		}

		verdict := checker.Validate(p, commit.Message)
		if verdict.Valid {
			continue
		}

		rel := strings.TrimPrefix(p, strings.TrimSuffix(batch, "/")+"/")
		target := filepath.Join(stagedDir, filepath.FromSlash(rel))
		ok, err := removeIfExists(target)
		if err != nil {
			return removed, fmt.Errorf("failed to remove %s: %w", target, err)
		}
		if ok {
			a.logger.Info("removed rejected file", "path", p, "reason", verdict.Reason)
			removed++
		}
	}

	layouts, err := DiscoverLayouts(stagedDir)
	if err != nil {
		return removed, fmt.Errorf("failed to discover layout files: %w", err)
	}
	for _, p := range layouts {
		ok, err := removeIfExists(p)
		if err != nil {
			return removed, fmt.Errorf("failed to remove %s: %w", p, err)
		}
		if ok {
			a.logger.Debug("removed layout file", "path", p)
			removed++
		}
	}

	return removed, nil
}

// DiscoverLayouts finds every layout file under dir.
func DiscoverLayouts(dir string) ([]string, error) {
	var files []string

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(strings.ToLower(d.Name()), LayoutExtension) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return files, nil
}

func removeIfExists(path string) (bool, error) {
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
