// SPDX-License-Identifier: MIT

package device

import (
	"context"
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher keeps the registry in sync with hot-plug events: it rescans
// the dev tree on fsnotify activity, with a slow periodic rescan as a
// safety net for missed events.
//
// It runs as a supervised service.
type Watcher struct {
	registry *Registry
	devDir   string
	specs    []Spec
	logger   *slog.Logger

	// OnAdded fires after a new device lands in the registry; the app
	// uses it to satisfy queued auto-connects.
	OnAdded func(info Info)

	rescanInterval time.Duration
}

// NewWatcher creates a watcher over devDir (normally /dev).
func NewWatcher(registry *Registry, devDir string, specs []Spec, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Watcher{
		registry:       registry,
		devDir:         devDir,
		specs:          specs,
		logger:         logger,
		rescanInterval: 5 * time.Second,
	}
}

// String names the service in supervisor logs.
func (w *Watcher) String() string { return "device-watcher" }

// Serve watches until ctx is cancelled.
func (w *Watcher) Serve(ctx context.Context) error {
	w.Rescan()

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		// No inotify available; fall back to pure polling.
		w.logger.Warn("fsnotify unavailable, polling only", "error", err)
		return w.pollLoop(ctx)
	}
	defer func() { _ = fsw.Close() }()

	if err := fsw.Add(w.devDir); err != nil {
		w.logger.Warn("cannot watch dev dir, polling only", "dir", w.devDir, "error", err)
		return w.pollLoop(ctx)
	}

	ticker := time.NewTicker(w.rescanInterval)
	defer ticker.Stop()

	// Debounce bursts of events (a USB plug produces several).
	var pending <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-fsw.Events:
			if !ok {
				return w.pollLoop(ctx)
			}
			if ev.Op&(fsnotify.Create|fsnotify.Remove) != 0 {
				pending = time.After(250 * time.Millisecond)
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return w.pollLoop(ctx)
			}
			w.logger.Warn("device watch error", "error", err)
		case <-pending:
			pending = nil
			w.Rescan()
		case <-ticker.C:
			w.Rescan()
		}
	}
}

func (w *Watcher) pollLoop(ctx context.Context) error {
	ticker := time.NewTicker(w.rescanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.Rescan()
		}
	}
}

// Rescan diffs the current scan against the registry.
func (w *Watcher) Rescan() {
	found := ScanSerialPorts(w.devDir, w.specs)

	seen := make(map[string]bool, len(found))
	for _, info := range found {
		seen[info.DeviceID] = true
		_, existed := w.registry.Get(info.DeviceID)
		w.registry.AddDevice(info)
		if !existed && w.OnAdded != nil {
			w.OnAdded(info)
		}
	}

	for _, existing := range w.registry.Devices() {
		if existing.Type == TypeSerial && !seen[existing.DeviceID] {
			w.registry.RemoveDevice(existing.DeviceID)
		}
	}
}
