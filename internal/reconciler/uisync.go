// SPDX-License-Identifier: MIT

package reconciler

import "log/slog"

// CheckboxView is the slice of the UI the reconciler keeps honest: one
// enable checkbox per module.
type CheckboxView interface {
	SetChecked(module string, checked bool)
}

// UISync reconciles module checkboxes with desired and actual state:
// the box follows user intent, is set when a module starts
// successfully, and is cleared when a module crashes.
//
// All view mutations go through the executor, which marshals them onto
// the UI thread. Pass nil to call the view directly (headless modes).
type UISync struct {
	view     CheckboxView
	executor func(func())
	logger   *slog.Logger
}

// NewUISync builds the observer.
func NewUISync(view CheckboxView, executor func(func()), logger *slog.Logger) *UISync {
	if executor == nil {
		executor = func(fn func()) { fn() }
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &UISync{view: view, executor: executor, logger: logger}
}

// Observe implements the reconciler Observer contract.
func (u *UISync) Observe(change StateChange) {
	if u.view == nil {
		return
	}

	switch change.Event {
	case DesiredStateChanged:
		desired, ok := change.NewValue.(DesiredState)
		if !ok {
			return
		}
		u.set(change.Module, desired == Enabled)

	case ActualStateChanged:
		actual, ok := change.NewValue.(ActualState)
		if !ok {
			return
		}
		switch {
		case actual == Idle || actual == Recording:
			u.set(change.Module, true)
		case actual == Crashed:
			u.set(change.Module, false)
		}

	case CrashDetected:
		u.set(change.Module, false)
	}
}

func (u *UISync) set(module string, checked bool) {
	u.executor(func() {
		u.view.SetChecked(module, checked)
		u.logger.Debug("checkbox synced", "module", module, "checked", checked)
	})
}
