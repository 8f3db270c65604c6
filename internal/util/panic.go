// SPDX-License-Identifier: MIT

// Package util carries small shared helpers for goroutine and callback
// panic isolation.
package util

import (
	"fmt"
	"log/slog"
	"runtime/debug"
)

// Go runs fn on a new goroutine with panic recovery.
//
// A panic in an unattended goroutine would take down the whole master;
// here it is logged with a stack trace and contained.
func Go(name string, logger *slog.Logger, fn func()) {
	go func() {
		defer Recover(name, logger)
		fn()
	}()
}

// Recover is the deferred half of Go, usable directly in goroutines
// that are started elsewhere.
func Recover(name string, logger *slog.Logger) {
	if r := recover(); r != nil {
		if logger != nil {
			logger.Error("panic recovered", "in", name, "panic", r, "stack", string(debug.Stack()))
		}
	}
}

// Call invokes fn and converts a panic into an error. Observer and
// cleanup callbacks run through this so one misbehaving callback cannot
// abort a state transition or a shutdown sequence.
func Call(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	fn()
	return nil
}
