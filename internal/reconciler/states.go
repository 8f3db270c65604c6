// SPDX-License-Identifier: MIT

// Package reconciler keeps user intent and module reality in sync.
//
// It operates at module granularity (not per device), maintaining two
// parallel maps: the desired state the user asked for and the actual
// state the process layer reports. Observers subscribe to the change
// stream; reconciliation emits START_REQUESTED / STOP_REQUESTED events
// whenever desired and actual disagree.
package reconciler

import "time"

// DesiredState is what the user wants for a module.
type DesiredState int

const (
	Disabled DesiredState = iota
	Enabled
)

func (d DesiredState) String() string {
	if d == Enabled {
		return "enabled"
	}
	return "disabled"
}

// ActualState is what the module process is actually doing.
type ActualState int

const (
	Stopped ActualState = iota
	Starting
	Initializing
	Idle
	Recording
	Stopping
	Error
	Crashed
)

func (a ActualState) String() string {
	switch a {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Initializing:
		return "initializing"
	case Idle:
		return "idle"
	case Recording:
		return "recording"
	case Stopping:
		return "stopping"
	case Error:
		return "error"
	case Crashed:
		return "crashed"
	default:
		return "unknown"
	}
}

// IsRunning reports whether the state counts as "running in some form".
func (a ActualState) IsRunning() bool {
	switch a {
	case Starting, Initializing, Idle, Recording:
		return true
	}
	return false
}

// IsStopped reports whether the state counts as "stopped in some form".
func (a ActualState) IsStopped() bool {
	switch a {
	case Stopped, Crashed, Error:
		return true
	}
	return false
}

// Event identifies a state-change notification.
type Event int

const (
	DesiredStateChanged Event = iota
	ActualStateChanged
	StartRequested
	StopRequested
	CrashDetected
	StartupComplete
	AllModulesStopped
)

func (e Event) String() string {
	switch e {
	case DesiredStateChanged:
		return "desired_state_changed"
	case ActualStateChanged:
		return "actual_state_changed"
	case StartRequested:
		return "start_requested"
	case StopRequested:
		return "stop_requested"
	case CrashDetected:
		return "crash_detected"
	case StartupComplete:
		return "startup_complete"
	case AllModulesStopped:
		return "all_modules_stopped"
	default:
		return "unknown"
	}
}

// StateChange is one notification delivered to observers.
type StateChange struct {
	Event     Event
	Module    string
	OldValue  any
	NewValue  any
	Timestamp time.Time
}

// Observer receives state changes. Observers run synchronously on the
// mutating path; panics are isolated.
type Observer func(StateChange)

// Snapshot is a module's complete reconciler-visible state.
type Snapshot struct {
	Module            string
	Desired           DesiredState
	Actual            ActualState
	LastDesiredChange time.Time
	LastActualChange  time.Time
	ErrorMessage      string
	CrashCount        int
}

// Consistent reports whether desired and actual agree (invariant 4).
func (s Snapshot) Consistent() bool {
	return (s.Desired == Enabled && s.Actual.IsRunning()) ||
		(s.Desired == Disabled && s.Actual.IsStopped())
}
