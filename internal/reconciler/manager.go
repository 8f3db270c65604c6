// SPDX-License-Identifier: MIT

package reconciler

import (
	"log/slog"
	"sync"
	"time"

	"github.com/rigstack/rigd/internal/metrics"
	"github.com/rigstack/rigd/internal/util"
)

// moduleRecord is the per-module state behind the manager's maps.
type moduleRecord struct {
	mu sync.Mutex // serializes SetDesiredState against itself per module

	desired           DesiredState
	actual            ActualState
	lastDesiredChange time.Time
	lastActualChange  time.Time
	errorMessage      string
	crashCount        int
}

// Manager is the module state reconciler: the single source of truth
// for desired vs actual module state.
type Manager struct {
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	modules map[string]*moduleRecord
	order   []string

	obsMu     sync.Mutex
	observers []observerEntry

	startupMu       sync.Mutex
	startupModules  map[string]bool // module -> still pending
	startupComplete bool
}

type observerEntry struct {
	fn     Observer
	filter map[Event]bool // nil = all events
}

// New creates an empty reconciler.
func New(logger *slog.Logger, m *metrics.Metrics) *Manager {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Manager{
		logger:         logger,
		metrics:        m,
		modules:        make(map[string]*moduleRecord),
		startupModules: make(map[string]bool),
	}
}

// Register adds a module with default states (disabled, stopped).
func (r *Manager) Register(module string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.modules[module]; !ok {
		r.modules[module] = &moduleRecord{}
		r.order = append(r.order, module)
	}
}

// Modules returns registered module names in registration order.
func (r *Manager) Modules() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// AddObserver registers an observer. A non-empty events set filters
// which notifications the observer receives.
func (r *Manager) AddObserver(obs Observer, events ...Event) {
	entry := observerEntry{fn: obs}
	if len(events) > 0 {
		entry.filter = make(map[Event]bool, len(events))
		for _, e := range events {
			entry.filter[e] = true
		}
	}
	r.obsMu.Lock()
	defer r.obsMu.Unlock()
	r.observers = append(r.observers, entry)
}

func (r *Manager) record(module string) *moduleRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.modules[module]
	if !ok {
		rec = &moduleRecord{}
		r.modules[module] = rec
		r.order = append(r.order, module)
	}
	return rec
}

// DesiredStateOf returns the user's desired state for a module.
func (r *Manager) DesiredStateOf(module string) DesiredState {
	rec := r.record(module)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.desired
}

// ActualStateOf returns the current actual state for a module.
func (r *Manager) ActualStateOf(module string) ActualState {
	rec := r.record(module)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.actual
}

// IsEnabled reports whether the user wants the module running.
func (r *Manager) IsEnabled(module string) bool {
	return r.DesiredStateOf(module) == Enabled
}

// SnapshotOf returns the complete state of one module.
func (r *Manager) SnapshotOf(module string) Snapshot {
	rec := r.record(module)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return Snapshot{
		Module:            module,
		Desired:           rec.desired,
		Actual:            rec.actual,
		LastDesiredChange: rec.lastDesiredChange,
		LastActualChange:  rec.lastActualChange,
		ErrorMessage:      rec.errorMessage,
		CrashCount:        rec.crashCount,
	}
}

// IsStateConsistent reports whether desired and actual agree.
func (r *Manager) IsStateConsistent(module string) bool {
	return r.SnapshotOf(module).Consistent()
}

// SetDesiredState records user intent for a module.
//
// When reconcile is true and desired disagrees with actual, a
// START_REQUESTED or STOP_REQUESTED event goes out — even if desired
// did not change, so a re-click can recover a stopped-but-enabled
// module.
func (r *Manager) SetDesiredState(module string, enabled bool, reconcile bool) {
	rec := r.record(module)
	newState := Disabled
	if enabled {
		newState = Enabled
	}

	rec.mu.Lock()
	oldState := rec.desired
	changed := oldState != newState
	if changed {
		rec.desired = newState
		rec.lastDesiredChange = time.Now()
	}
	rec.mu.Unlock()

	if changed {
		r.logger.Info("module desired state",
			"module", module, "from", oldState.String(), "to", newState.String())
		r.notify(StateChange{
			Event:     DesiredStateChanged,
			Module:    module,
			OldValue:  oldState,
			NewValue:  newState,
			Timestamp: time.Now(),
		})
	}

	if reconcile {
		r.reconcile(module)
	}
}

// SetActualState records what the process layer observed.
func (r *Manager) SetActualState(module string, state ActualState, errorMessage string) {
	rec := r.record(module)

	rec.mu.Lock()
	oldState := rec.actual
	if oldState == state {
		rec.mu.Unlock()
		return
	}
	rec.actual = state
	rec.lastActualChange = time.Now()
	if errorMessage != "" {
		rec.errorMessage = errorMessage
	} else if state != Error && state != Crashed {
		rec.errorMessage = ""
	}
	crashCount := rec.crashCount
	if state == Crashed {
		rec.crashCount++
		crashCount = rec.crashCount
	}
	rec.mu.Unlock()

	r.logger.Info("module actual state",
		"module", module, "from", oldState.String(), "to", state.String())

	r.notify(StateChange{
		Event:     ActualStateChanged,
		Module:    module,
		OldValue:  oldState,
		NewValue:  state,
		Timestamp: time.Now(),
	})

	if state == Crashed {
		r.metrics.Crash(module)
		r.notify(StateChange{
			Event:     CrashDetected,
			Module:    module,
			NewValue:  crashCount,
			Timestamp: time.Now(),
		})
	}

	if state.IsStopped() {
		r.checkAllStopped()
	}
	r.noteStartupProgress(module, state)
}

// ResetCrashCount clears a module's crash counter.
func (r *Manager) ResetCrashCount(module string) {
	rec := r.record(module)
	rec.mu.Lock()
	rec.crashCount = 0
	rec.mu.Unlock()
}

// reconcile compares desired and actual and requests movement.
func (r *Manager) reconcile(module string) {
	snap := r.SnapshotOf(module)

	switch {
	case snap.Desired == Enabled && snap.Actual.IsStopped():
		r.logger.Info("reconcile: start requested", "module", module)
		r.notify(StateChange{
			Event:     StartRequested,
			Module:    module,
			NewValue:  snap.Desired,
			Timestamp: time.Now(),
		})
	case snap.Desired == Disabled && snap.Actual.IsRunning():
		r.logger.Info("reconcile: stop requested", "module", module)
		r.notify(StateChange{
			Event:     StopRequested,
			Module:    module,
			NewValue:  snap.Desired,
			Timestamp: time.Now(),
		})
	}
}

// checkAllStopped emits ALL_MODULES_STOPPED when every registered
// module is in a stopped-set state. Shutdown waits on this.
func (r *Manager) checkAllStopped() {
	r.mu.Lock()
	if len(r.modules) == 0 {
		r.mu.Unlock()
		return
	}
	all := true
	for _, rec := range r.modules {
		rec.mu.Lock()
		stopped := rec.actual.IsStopped()
		rec.mu.Unlock()
		if !stopped {
			all = false
			break
		}
	}
	r.mu.Unlock()

	if all {
		r.notify(StateChange{Event: AllModulesStopped, Timestamp: time.Now()})
	}
}

// MarkStartupModules seeds startup tracking with the modules that will
// be started from persisted state.
func (r *Manager) MarkStartupModules(modules []string) {
	r.startupMu.Lock()
	defer r.startupMu.Unlock()
	r.startupComplete = len(modules) == 0
	for _, m := range modules {
		r.startupModules[m] = true
	}
}

// noteStartupProgress updates startup tracking as modules leave
// STARTING, and emits STARTUP_COMPLETE once the last one settles.
func (r *Manager) noteStartupProgress(module string, state ActualState) {
	if state == Starting {
		return
	}

	r.startupMu.Lock()
	if r.startupComplete || !r.startupModules[module] {
		r.startupMu.Unlock()
		return
	}
	delete(r.startupModules, module)
	done := len(r.startupModules) == 0
	if done {
		r.startupComplete = true
	}
	r.startupMu.Unlock()

	if done {
		success := true
		for _, m := range r.Modules() {
			snap := r.SnapshotOf(m)
			if snap.Desired == Enabled && snap.Actual.IsStopped() {
				success = false
				break
			}
		}
		r.logger.Info("startup complete", "success", success)
		r.notify(StateChange{
			Event:     StartupComplete,
			NewValue:  success,
			Timestamp: time.Now(),
		})
	}
}

// StartupComplete reports whether all startup modules have settled.
func (r *Manager) StartupComplete() bool {
	r.startupMu.Lock()
	defer r.startupMu.Unlock()
	return r.startupComplete
}

// notify fans a change out to observers in registration order with
// panic isolation.
func (r *Manager) notify(change StateChange) {
	r.obsMu.Lock()
	observers := make([]observerEntry, len(r.observers))
	copy(observers, r.observers)
	r.obsMu.Unlock()

	for _, entry := range observers {
		if entry.filter != nil && !entry.filter[change.Event] {
			continue
		}
		entry := entry
		if err := util.Call(func() { entry.fn(change) }); err != nil {
			r.logger.Error("reconciler observer failed",
				"event", change.Event.String(), "module", change.Module, "error", err)
		}
	}
}
