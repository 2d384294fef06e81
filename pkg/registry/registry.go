// Package registry loads and serves the attribute policies that drive
// resource validation: per-type attribute tables, enum value tables, complex
// type members and flexContainer specializations.
//
// Policies are written in CUE. The builtin set is embedded in the binary;
// a configured policy directory is overlaid on top and watched for changes.
// Consumers always work against an immutable Snapshot, reloads swap the
// snapshot atomically so in-flight requests keep the table set they started
// with.
package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/auriga-m2m/auriga/pkg/telemetry"
)

// reloadDelay debounces bursts of file system events into one reload.
const reloadDelay = 500 * time.Millisecond

// Registry owns the current policy snapshot.
type Registry struct {
	logger *telemetry.Logger
	dir    string

	version atomic.Int64
	current atomic.Pointer[Snapshot]

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// New builds a registry from the builtin policies plus the optional policy
// directory and performs the initial load.
func New(dir string, logger *telemetry.Logger) (*Registry, error) {
	r := &Registry{
		logger: logger.NewComponentLogger("registry"),
		dir:    dir,
	}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Snapshot returns the current policy snapshot.
func (r *Registry) Snapshot() *Snapshot {
	return r.current.Load()
}

// Reload recompiles all policy sources and swaps the snapshot. On failure
// the previous snapshot stays active.
func (r *Registry) Reload() error {
	version := r.version.Add(1)
	snap, err := Load(r.dir, version)
	if err != nil {
		return fmt.Errorf("failed to load attribute policies: %w", err)
	}
	r.current.Store(snap)
	r.logger.WithField("version", version).
		WithField("types", snap.TypeCount()).
		WithField("specializations", len(snap.specs)).
		WithField("files", len(snap.Files())).
		Info("Attribute policies loaded")
	return nil
}

// Watch starts watching the policy directory and reloads on changes. It is a
// no-op without a configured directory.
func (r *Registry) Watch() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.dir == "" || r.watcher != nil {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create policy watcher: %w", err)
	}
	if err := watchTree(watcher, r.dir); err != nil {
		_ = watcher.Close()
		return err
	}

	r.watcher = watcher
	r.done = make(chan struct{})
	go r.processEvents(watcher, r.done)

	r.logger.WithField("dir", r.dir).Info("Watching policy directory")
	return nil
}

// watchTree registers dir and all its subdirectories with the watcher.
func watchTree(watcher *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return watcher.Add(path)
		}
		return nil
	})
}

func (r *Registry) processEvents(watcher *fsnotify.Watcher, done chan struct{}) {
	var reloadTimer *time.Timer
	defer func() {
		if reloadTimer != nil {
			reloadTimer.Stop()
		}
	}()

	for {
		select {
		case <-done:
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if !strings.HasSuffix(event.Name, ".cue") {
				// New subdirectories need to join the watch set.
				if event.Op&fsnotify.Create != 0 {
					if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
						_ = watcher.Add(event.Name)
					}
				}
				continue
			}
			r.logger.WithField("file", event.Name).
				WithField("op", event.Op.String()).
				Debug("Policy file changed")
			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			reloadTimer = time.AfterFunc(reloadDelay, func() {
				if err := r.Reload(); err != nil {
					r.logger.WithError(err).Error("Policy reload failed, keeping previous snapshot")
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			r.logger.WithError(err).Error("Policy watcher error")
		}
	}
}

// Close stops the watcher. The current snapshot stays valid.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.watcher == nil {
		return nil
	}
	close(r.done)
	err := r.watcher.Close()
	r.watcher = nil
	r.done = nil
	return err
}
