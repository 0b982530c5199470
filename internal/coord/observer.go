package coord

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// WorkspaceObserver watches the shared workspace for out-of-band writes:
// modifications to a resource that is exclusively locked, arriving from
// outside the lock holder's pipeline. Such writes cannot be attributed, so
// each becomes a critical semantic conflict that is never auto-resolved.
type WorkspaceObserver struct {
	root   string
	locks  *LockManager
	logger *slog.Logger

	// onConflict receives the raised conflict for recording and
	// escalation; wired to the coordinator.
	onConflict func(Conflict)

	// debounce window: editors fire several events per save.
	recent map[string]time.Time
}

// observerDebounce suppresses duplicate events for the same path within
// this window.
const observerDebounce = 2 * time.Second

// NewWorkspaceObserver creates an observer over the workspace root.
// Resource keys are workspace-relative slash paths, matching the keys
// cycles declare in their resource sets.
func NewWorkspaceObserver(root string, locks *LockManager, onConflict func(Conflict), logger *slog.Logger) *WorkspaceObserver {
	if logger == nil {
		logger = slog.Default()
	}

	return &WorkspaceObserver{
		root:       root,
		locks:      locks,
		logger:     logger,
		onConflict: onConflict,
		recent:     make(map[string]time.Time),
	}
}

// Run watches until ctx ends. Directories are registered recursively at
// start and as they appear; fsnotify does not recurse on its own.
func (o *WorkspaceObserver) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("coord: creating workspace watcher: %w", err)
	}
	defer watcher.Close()

	if err := o.addRecursive(watcher, o.root); err != nil {
		return err
	}

	o.logger.Info("workspace observer started", slog.String("root", o.root))

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			o.handle(watcher, ev)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			o.logger.Warn("workspace watcher error", slog.String("error", err.Error()))
		}
	}
}

func (o *WorkspaceObserver) addRecursive(watcher *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") && path != dir {
			return filepath.SkipDir
		}
		if err := watcher.Add(path); err != nil {
			return fmt.Errorf("coord: watching %s: %w", path, err)
		}
		return nil
	})
}

func (o *WorkspaceObserver) handle(watcher *fsnotify.Watcher, ev fsnotify.Event) {
	if ev.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := o.addRecursive(watcher, ev.Name); err != nil {
				o.logger.Warn("watching new directory failed",
					slog.String("path", ev.Name),
					slog.String("error", err.Error()),
				)
			}
			return
		}
	}

	if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) {
		return
	}

	rel, err := filepath.Rel(o.root, ev.Name)
	if err != nil {
		return
	}
	resource := filepath.ToSlash(rel)

	if last, seen := o.recent[resource]; seen && time.Since(last) < observerDebounce {
		return
	}
	o.recent[resource] = time.Now()

	owner, held := o.locks.HolderOf(resource)
	if !held {
		return
	}

	// A write landed on an exclusively locked resource. The observer
	// cannot attribute it to the holder's pipeline, so it raises a
	// semantic conflict for a human to adjudicate; no content heuristic
	// is applied.
	o.logger.Warn("out-of-band write to locked resource",
		slog.String("resource", resource),
		slog.String("lock_owner", owner),
	)

	if o.onConflict != nil {
		o.onConflict(Conflict{
			ID:         newConflictID(),
			Type:       ConflictSemantic,
			Severity:   SeverityCritical,
			Cycles:     []string{owner},
			Resources:  []string{resource},
			DetectedAt: time.Now(),
		})
	}
}
