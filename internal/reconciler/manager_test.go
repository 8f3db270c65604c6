// SPDX-License-Identifier: MIT

package reconciler

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder collects observed changes.
type recorder struct {
	mu      sync.Mutex
	changes []StateChange
}

func (r *recorder) observe(c StateChange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, c)
}

func (r *recorder) events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.changes))
	for i, c := range r.changes {
		out[i] = c.Event
	}
	return out
}

func (r *recorder) count(e Event) int {
	n := 0
	for _, ev := range r.events() {
		if ev == e {
			n++
		}
	}
	return n
}

func TestSetDesiredState_EmitsAndReconciles(t *testing.T) {
	r := New(nil, nil)
	r.Register("gps")
	rec := &recorder{}
	r.AddObserver(rec.observe)

	r.SetDesiredState("gps", true, true)

	events := rec.events()
	require.Len(t, events, 2)
	assert.Equal(t, DesiredStateChanged, events[0])
	assert.Equal(t, StartRequested, events[1])
}

func TestSetDesiredState_UnchangedStillReconciles(t *testing.T) {
	r := New(nil, nil)
	r.Register("gps")
	r.SetDesiredState("gps", true, false)

	rec := &recorder{}
	r.AddObserver(rec.observe)

	// Same desired state again: no DESIRED_STATE_CHANGED, but the
	// reconcile pass still requests a start for the stopped module.
	r.SetDesiredState("gps", true, true)

	assert.Equal(t, 0, rec.count(DesiredStateChanged))
	assert.Equal(t, 1, rec.count(StartRequested))
}

func TestReconcile_StopRequested(t *testing.T) {
	r := New(nil, nil)
	r.Register("gps")
	r.SetDesiredState("gps", true, false)
	r.SetActualState("gps", Idle, "")

	rec := &recorder{}
	r.AddObserver(rec.observe)

	r.SetDesiredState("gps", false, true)

	assert.Equal(t, 1, rec.count(StopRequested))
}

// Invariant 4: consistency definition.
func TestIsStateConsistent(t *testing.T) {
	tests := []struct {
		name    string
		desired bool
		actual  ActualState
		want    bool
	}{
		{"enabled running", true, Idle, true},
		{"enabled recording", true, Recording, true},
		{"enabled starting", true, Starting, true},
		{"enabled stopped", true, Stopped, false},
		{"enabled crashed", true, Crashed, false},
		{"disabled stopped", false, Stopped, true},
		{"disabled error", false, Error, true},
		{"disabled running", false, Idle, false},
		{"disabled stopping", false, Stopping, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New(nil, nil)
			r.Register("m")
			r.SetDesiredState("m", tt.desired, false)
			r.SetActualState("m", tt.actual, "")
			assert.Equal(t, tt.want, r.IsStateConsistent("m"))
		})
	}
}

// S4 (reconciler half): a crash increments the counter and emits
// CRASH_DETECTED.
func TestCrashDetection(t *testing.T) {
	r := New(nil, nil)
	r.Register("drt")
	rec := &recorder{}
	r.AddObserver(rec.observe)

	r.SetActualState("drt", Idle, "")
	r.SetActualState("drt", Crashed, "exit code 1")

	assert.Equal(t, 1, rec.count(CrashDetected))
	snap := r.SnapshotOf("drt")
	assert.Equal(t, 1, snap.CrashCount)
	assert.Equal(t, "exit code 1", snap.ErrorMessage)

	// Second crash bumps the counter.
	r.SetActualState("drt", Idle, "")
	r.SetActualState("drt", Crashed, "exit code 1")
	assert.Equal(t, 2, r.SnapshotOf("drt").CrashCount)

	r.ResetCrashCount("drt")
	assert.Equal(t, 0, r.SnapshotOf("drt").CrashCount)
}

func TestSetActualState_NoOpOnSameState(t *testing.T) {
	r := New(nil, nil)
	r.Register("gps")
	rec := &recorder{}
	r.AddObserver(rec.observe)

	r.SetActualState("gps", Idle, "")
	r.SetActualState("gps", Idle, "")

	assert.Equal(t, 1, rec.count(ActualStateChanged))
}

func TestAllModulesStopped(t *testing.T) {
	r := New(nil, nil)
	r.Register("a")
	r.Register("b")
	rec := &recorder{}
	r.AddObserver(rec.observe, AllModulesStopped)

	r.SetActualState("a", Idle, "")
	r.SetActualState("b", Idle, "")
	r.SetActualState("a", Stopped, "")
	require.Equal(t, 0, rec.count(AllModulesStopped), "b still running")

	r.SetActualState("b", Stopped, "")
	assert.Equal(t, 1, rec.count(AllModulesStopped))
}

func TestObserverFilter(t *testing.T) {
	r := New(nil, nil)
	r.Register("gps")
	rec := &recorder{}
	r.AddObserver(rec.observe, CrashDetected)

	r.SetDesiredState("gps", true, true)
	r.SetActualState("gps", Crashed, "boom")

	events := rec.events()
	require.Len(t, events, 1)
	assert.Equal(t, CrashDetected, events[0])
}

func TestObserverPanicIsolated(t *testing.T) {
	r := New(nil, nil)
	r.Register("gps")

	var called bool
	r.AddObserver(func(StateChange) { panic("bad observer") })
	r.AddObserver(func(StateChange) { called = true })

	r.SetActualState("gps", Idle, "")

	assert.True(t, called, "second observer must run after first panics")
	assert.Equal(t, Idle, r.ActualStateOf("gps"))
}

func TestStartupTracking(t *testing.T) {
	r := New(nil, nil)
	r.Register("a")
	r.Register("b")
	rec := &recorder{}
	r.AddObserver(rec.observe, StartupComplete)

	r.SetDesiredState("a", true, false)
	r.SetDesiredState("b", true, false)
	r.MarkStartupModules([]string{"a", "b"})
	require.False(t, r.StartupComplete())

	r.SetActualState("a", Starting, "")
	r.SetActualState("a", Idle, "")
	require.Equal(t, 0, rec.count(StartupComplete), "b still starting")

	r.SetActualState("b", Starting, "")
	r.SetActualState("b", Idle, "")

	require.Equal(t, 1, rec.count(StartupComplete))
	assert.True(t, r.StartupComplete())

	// Both modules reached the running set: success=true.
	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, true, rec.changes[0].NewValue)
}

func TestStartupComplete_FailureWhenModuleStops(t *testing.T) {
	r := New(nil, nil)
	r.Register("a")
	rec := &recorder{}
	r.AddObserver(rec.observe, StartupComplete)

	r.SetDesiredState("a", true, false)
	r.MarkStartupModules([]string{"a"})

	r.SetActualState("a", Starting, "")
	r.SetActualState("a", Crashed, "died on startup")

	require.Equal(t, 1, rec.count(StartupComplete))
	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, false, rec.changes[0].NewValue)
}

type fakeView struct {
	mu    sync.Mutex
	boxes map[string]bool
}

func (f *fakeView) SetChecked(module string, checked bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.boxes[module] = checked
}

func (f *fakeView) checked(module string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.boxes[module]
}

func TestUISync(t *testing.T) {
	r := New(nil, nil)
	r.Register("drt")
	view := &fakeView{boxes: make(map[string]bool)}
	sync := NewUISync(view, nil, nil)
	r.AddObserver(sync.Observe)

	r.SetDesiredState("drt", true, false)
	assert.True(t, view.checked("drt"), "checkbox follows desired state")

	r.SetActualState("drt", Idle, "")
	assert.True(t, view.checked("drt"))

	// S4: crash unchecks the box.
	r.SetActualState("drt", Crashed, "boom")
	assert.False(t, view.checked("drt"), "crash must clear the checkbox")
}
