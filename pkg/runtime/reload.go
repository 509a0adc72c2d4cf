package runtime

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 500 * time.Millisecond

// Watch reloads the workflow definition whenever its file changes, until the
// context is canceled. A reload only swaps the current definition pointer;
// executions already in flight keep the definition they captured at start.
// A broken edit is logged and ignored, leaving the last good definition
// active.
func (r *Runtime) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}

	defer watcher.Close()

	// Watch the parent directory: editors that write via rename replace the
	// inode, which drops a watch on the file itself.
	dir := filepath.Dir(r.config.WorkflowPath)

	err = watcher.Add(dir)
	if err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	r.logger.Info("Watching workflow definition for changes", "path", r.config.WorkflowPath)

	target, err := filepath.Abs(r.config.WorkflowPath)
	if err != nil {
		return fmt.Errorf("failed to resolve workflow path: %w", err)
	}

	var lastReload time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}

			name, err := filepath.Abs(event.Name)
			if err != nil || name != target {
				continue
			}

			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}

			if time.Since(lastReload) < reloadDebounce {
				continue
			}

			lastReload = time.Now()

			err = r.LoadWorkflow()
			if err != nil {
				r.logger.Error("Workflow reload failed, keeping previous definition",
					"path", r.config.WorkflowPath, "error", err)

				continue
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}

			r.logger.Error("Workflow watcher error", "error", err)
		}
	}
}
