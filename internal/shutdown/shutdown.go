// SPDX-License-Identifier: MIT

// Package shutdown converges every exit path — signal, fatal error,
// window close, user action — onto one at-most-once ordered cleanup
// sequence.
package shutdown

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rigstack/rigd/internal/util"
)

// Cleanup is one registered shutdown step.
type Cleanup func(ctx context.Context)

// Coordinator runs registered cleanups exactly once, in registration
// order, each isolated from the others' failures.
//
// Construct it in main and inject it; it is process-wide state but not
// ambient state.
type Coordinator struct {
	logger      *slog.Logger
	stepTimeout time.Duration

	mu       sync.Mutex
	cleanups []namedCleanup
	started  bool
	done     chan struct{}
}

type namedCleanup struct {
	name string
	fn   Cleanup
}

// New creates a Coordinator.
func New(logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Coordinator{
		logger:      logger,
		stepTimeout: 15 * time.Second,
		done:        make(chan struct{}),
	}
}

// Register appends a cleanup step. Registration after shutdown started
// is ignored (the sequence is already running).
func (c *Coordinator) Register(name string, fn Cleanup) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		c.logger.Warn("cleanup registered after shutdown started, ignored", "name", name)
		return
	}
	c.cleanups = append(c.cleanups, namedCleanup{name: name, fn: fn})
}

// InitiateShutdown runs the cleanup sequence. The first caller wins;
// every later call is a no-op that waits for the sequence to finish.
// source identifies who triggered it ("signal", "exception", "ui").
func (c *Coordinator) InitiateShutdown(source string) {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		<-c.done
		return
	}
	c.started = true
	steps := make([]namedCleanup, len(c.cleanups))
	copy(steps, c.cleanups)
	c.mu.Unlock()

	c.logger.Info("shutdown initiated", "source", source)

	for _, step := range steps {
		ctx, cancel := context.WithTimeout(context.Background(), c.stepTimeout)
		step := step
		if err := util.Call(func() { step.fn(ctx) }); err != nil {
			c.logger.Error("cleanup step failed", "name", step.name, "error", err)
		}
		cancel()
	}

	c.logger.Info("shutdown complete", "source", source)
	close(c.done)
}

// Complete reports whether the cleanup sequence has finished.
func (c *Coordinator) Complete() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Done is closed when the cleanup sequence has finished.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}
