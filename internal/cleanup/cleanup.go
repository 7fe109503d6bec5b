package cleanup

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/italolelis/seedbox_relay/internal/logctx"
	"github.com/italolelis/seedbox_relay/internal/transfer"
)

// Remover deletes engine-side job state.
type Remover interface {
	Remove(ctx context.Context, jobID string) error
}

// Coordinator reclaims a finished session's files and engine job.
type Coordinator struct {
	engine Remover
	root   string
}

// New creates a Coordinator that never deletes anything outside root.
func New(engine Remover, root string) *Coordinator {
	return &Coordinator{engine: engine, root: filepath.Clean(root)}
}

// Cleanup deletes the artifacts, prunes directories they leave empty and removes the job.
// Files that are already gone are not an error.
func (c *Coordinator) Cleanup(ctx context.Context, jobID string, artifacts []transfer.Artifact) error {
	logger := logctx.LoggerFromContext(ctx)

	var errs []error

	for _, artifact := range artifacts {
		path := filepath.Clean(artifact.Path)
		if !c.contains(path) {
			logger.Warn("refusing to delete artifact outside the download dir", "file", path)

			continue
		}

		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			logger.Error("failed to delete artifact", "file", path, "err", err)
			errs = append(errs, err)

			continue
		}

		c.pruneParents(filepath.Dir(path))
	}

	if jobID != "" {
		if err := c.engine.Remove(ctx, jobID); err != nil {
			logger.Error("failed to remove job from engine", "job_id", jobID, "err", err)
			errs = append(errs, fmt.Errorf("failed to remove job %s: %w", jobID, err))
		}
	}

	if len(errs) == 0 {
		logger.Info("session resources released", "job_id", jobID, "artifacts", len(artifacts))
	}

	return errors.Join(errs...)
}

// pruneParents removes empty directories from dir up to, but not including, the root.
func (c *Coordinator) pruneParents(dir string) {
	for c.contains(dir) && dir != c.root {
		// os.Remove refuses non-empty directories, which ends the walk.
		if err := os.Remove(dir); err != nil {
			return
		}

		dir = filepath.Dir(dir)
	}
}

func (c *Coordinator) contains(path string) bool {
	rel, err := filepath.Rel(c.root, path)
	if err != nil {
		return false
	}

	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// SweepStale deletes files under dir not modified within olderThan, then prunes empty
// directories. It catches leftovers of sessions interrupted by a crash. Paths for which keep
// returns true are left alone, directories included with everything below them.
func SweepStale(ctx context.Context, dir string, olderThan time.Duration, keep func(path string) bool) error {
	logger := logctx.LoggerFromContext(ctx)
	cutoff := time.Now().Add(-olderThan)
	root := filepath.Clean(dir)

	var dirs []string

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}

			return err
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		if path != root && keep != nil && keep(path) {
			if d.IsDir() {
				return filepath.SkipDir
			}

			return nil
		}

		if d.IsDir() {
			if path != root {
				dirs = append(dirs, path)
			}

			return nil
		}

		info, err := d.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil // already deleted
			}

			return err
		}

		if info.ModTime().After(cutoff) {
			return nil
		}

		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			logger.Error("Failed to delete stale file", "file", path, "err", err)

			return err
		}

		logger.Info("Deleted stale file", "file", path, "modified", info.ModTime())

		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to sweep %s: %w", root, err)
	}

	// Deepest first so parents become empty before they are visited.
	for i := len(dirs) - 1; i >= 0; i-- {
		_ = os.Remove(dirs[i])
	}

	return nil
}
