package config

import (
	"context"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"

	"eu-flight/monitor/internal/logging"
)

// RulesHolder hands out immutable Rules snapshots and atomically swaps in a
// new one when the rules file changes on disk. Consumers take a snapshot per
// observation, so a reload never mutates state mid-merge.
type RulesHolder struct {
	current atomic.Pointer[Rules]
}

// NewRulesHolder seeds the holder with an initial snapshot.
func NewRulesHolder(initial *Rules) *RulesHolder {
	h := &RulesHolder{}
	h.current.Store(initial)
	return h
}

// Snapshot returns the current rules. The returned value must not be mutated.
func (h *RulesHolder) Snapshot() *Rules {
	return h.current.Load()
}

// Swap installs a new snapshot.
func (h *RulesHolder) Swap(r *Rules) {
	h.current.Store(r)
}

// Watch reloads the rules file whenever it is rewritten. A parse failure
// keeps the previous snapshot. Blocks until ctx is cancelled.
func (h *RulesHolder) Watch(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Watch the directory: editors and config mounts replace the file,
	// which drops a watch placed on the file itself.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return err
	}

	target := filepath.Clean(path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			rules, err := LoadRules(path)
			if err != nil {
				logging.Warn("Rules reload failed, keeping previous snapshot",
					"path", path, "error", err.Error())
				continue
			}
			h.Swap(rules)
			logging.Info("Rules reloaded", "path", path, "sources", len(rules.Sources))
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logging.Warn("Rules watcher error", "error", err.Error())
		}
	}
}
