package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Holder publishes the current Orchestrator settings. Readers take one value
// at the start of a tick and use it for the whole tick.
type Holder struct {
	v atomic.Pointer[Orchestrator]
}

func NewHolder(o Orchestrator) *Holder {
	h := &Holder{}
	h.v.Store(&o)
	return h
}

// Current returns a copy of the active settings.
func (h *Holder) Current() Orchestrator {
	return *h.v.Load()
}

// Replace validates o and makes it the active settings.
func (h *Holder) Replace(o Orchestrator) error {
	if err := o.Validate(); err != nil {
		return err
	}
	h.v.Store(&o)
	return nil
}

// ReloadFunc is called after a reload has been validated and published.
type ReloadFunc func(Orchestrator)

const defaultDebounce = 500 * time.Millisecond

// Watcher re-reads the policy file when it changes and publishes the result
// through a Holder. Invalid files are logged and ignored; the previous
// settings stay active.
type Watcher struct {
	path     string
	base     Orchestrator
	holder   *Holder
	debounce time.Duration

	mu        sync.Mutex
	callbacks []ReloadFunc
	timer     *time.Timer
}

// NewWatcher watches path. base is the env-derived value the file overlays.
func NewWatcher(path string, base Orchestrator, holder *Holder, debounce time.Duration) *Watcher {
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	return &Watcher{path: path, base: base, holder: holder, debounce: debounce}
}

// OnReload registers fn to run after each successful reload.
func (w *Watcher) OnReload(fn ReloadFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, fn)
}

// Run blocks until ctx is cancelled. The directory is watched rather than
// the file so editors that replace the file by rename are picked up.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch %s: %w", w.path, err)
	}
	target := filepath.Clean(w.path)

	for {
		select {
		case <-ctx.Done():
			w.mu.Lock()
			if w.timer != nil {
				w.timer.Stop()
			}
			w.mu.Unlock()
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.schedule()
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			slog.Warn("policy watcher error", "error", err)
		}
	}
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.reload)
}

func (w *Watcher) reload() {
	next, err := LoadPolicyFile(w.path, w.base)
	if err == nil {
		err = w.holder.Replace(next)
	}
	if err != nil {
		slog.Error("policy reload rejected", "path", w.path, "error", err)
		return
	}
	slog.Info("policy reloaded", "path", w.path)

	w.mu.Lock()
	callbacks := make([]ReloadFunc, len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.Unlock()

	for _, fn := range callbacks {
		fn(next)
	}
}
