// SPDX-License-Identifier: MIT

package reconciler

import (
	"sync"
	"time"
)

// Backoff meters crash restarts so a crash-looping module cannot spin
// the reconciler.
//
// Each crash doubles the delay up to the cap; a module that stays up
// past the success threshold resets its delay.
type Backoff struct {
	mu               sync.Mutex
	initialDelay     time.Duration
	maxDelay         time.Duration
	successThreshold time.Duration
	delays           map[string]time.Duration
	lastStart        map[string]time.Time
}

// NewBackoff creates a per-module restart backoff.
func NewBackoff(initialDelay, maxDelay, successThreshold time.Duration) *Backoff {
	return &Backoff{
		initialDelay:     initialDelay,
		maxDelay:         maxDelay,
		successThreshold: successThreshold,
		delays:           make(map[string]time.Duration),
		lastStart:        make(map[string]time.Time),
	}
}

// NoteStart records that a module (re)started now.
func (b *Backoff) NoteStart(module string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastStart[module] = time.Now()
}

// NextDelay returns how long to wait before restarting a crashed
// module, and advances the schedule. A run longer than the success
// threshold resets the module's delay first.
func (b *Backoff) NextDelay(module string) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	if started, ok := b.lastStart[module]; ok && time.Since(started) > b.successThreshold {
		delete(b.delays, module)
	}

	delay, ok := b.delays[module]
	if !ok {
		delay = b.initialDelay
	}

	next := delay * 2
	if next > b.maxDelay {
		next = b.maxDelay
	}
	if next <= 0 {
		next = b.initialDelay
	}
	b.delays[module] = next

	return delay
}

// Reset clears a module's schedule (manual restart, user toggle).
func (b *Backoff) Reset(module string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.delays, module)
	delete(b.lastStart, module)
}
