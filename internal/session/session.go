// SPDX-License-Identifier: MIT

// Package session drives recording sessions and trials across the
// running module instances.
//
// Every operation fans its command out to the healthy instances
// concurrently, isolates per-instance failures, and reports a
// per-instance success map.
package session

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/benbjohnson/clock"

	"github.com/rigstack/rigd/internal/protocol"
	"github.com/rigstack/rigd/internal/util"
)

// Targets is the view of the instance fleet the controller fans out
// over.
type Targets interface {
	// RunningInstances lists instances with live processes.
	RunningInstances() []string
	// Initialized reports whether an instance is ready for session
	// commands (its module finished bring-up).
	Initialized(instanceID string) bool
	// Send writes one protocol line to an instance.
	Send(instanceID, line string) bool
}

// Controller orchestrates session and trial commands.
type Controller struct {
	targets Targets
	logger  *slog.Logger
	clock   clock.Clock

	dataDir string
	prefix  string

	mu         sync.Mutex
	sessionDir string
	recording  bool
}

// NewController creates a Controller writing sessions under dataDir
// with the given session prefix.
func NewController(targets Targets, dataDir, prefix string, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if prefix == "" {
		prefix = "session"
	}
	return &Controller{
		targets: targets,
		logger:  logger,
		clock:   clock.New(),
		dataDir: dataDir,
		prefix:  prefix,
	}
}

// SessionDir returns the current session directory, or "" before the
// first session/recording starts.
func (c *Controller) SessionDir() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionDir
}

// Recording reports whether a trial recording is in progress.
func (c *Controller) Recording() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recording
}

// EnsureSessionDir lazily creates the session directory
// <prefix>_<YYYYMMDD_HHMMSS> on first use.
func (c *Controller) EnsureSessionDir() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ensureSessionDirLocked()
}

func (c *Controller) ensureSessionDirLocked() (string, error) {
	if c.sessionDir != "" {
		return c.sessionDir, nil
	}
	dir := filepath.Join(c.dataDir, fmt.Sprintf("%s_%s", c.prefix, c.clock.Now().Format("20060102_150405")))
	// #nosec G301 - session data is group-readable by design
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("create session dir: %w", err)
	}
	c.sessionDir = dir
	c.logger.Info("session directory created", "dir", dir)
	return dir, nil
}

// StartSession starts a session on every healthy instance.
func (c *Controller) StartSession() (map[string]bool, error) {
	dir, err := c.EnsureSessionDir()
	if err != nil {
		return nil, err
	}
	c.logger.Info("starting session", "dir", dir)
	return c.fanOut(protocol.StartSession(dir)), nil
}

// StopSession stops the session on every healthy instance and closes
// the current session directory (the next session gets a fresh one).
func (c *Controller) StopSession() map[string]bool {
	c.logger.Info("stopping session")
	results := c.fanOut(protocol.StopSession())

	c.mu.Lock()
	c.sessionDir = ""
	c.recording = false
	c.mu.Unlock()

	return results
}

// Record starts a trial recording on every healthy instance.
//
// Rejected while a recording is already running. The session directory
// is created (and embedded in the command) before dispatch.
func (c *Controller) Record(trialNumber int, trialLabel string) (map[string]bool, error) {
	c.mu.Lock()
	if c.recording {
		c.mu.Unlock()
		return nil, fmt.Errorf("recording already in progress")
	}
	dir, err := c.ensureSessionDirLocked()
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	c.recording = true
	c.mu.Unlock()

	c.logger.Info("starting recording", "trial", trialNumber, "label", trialLabel)
	return c.fanOut(protocol.Record(dir, trialNumber, trialLabel)), nil
}

// Pause stops the trial recording. The recording flag clears only when
// every dispatched instance succeeded; otherwise a retry is possible.
func (c *Controller) Pause() map[string]bool {
	c.logger.Info("stopping recording")
	results := c.fanOut(protocol.Pause())

	all := true
	for _, ok := range results {
		if !ok {
			all = false
			break
		}
	}
	if all {
		c.mu.Lock()
		c.recording = false
		c.mu.Unlock()
	} else {
		c.logger.Warn("pause incomplete, recording flag kept", "results", results)
	}
	return results
}

// GetStatus requests a status report from every healthy instance.
func (c *Controller) GetStatus() map[string]bool {
	return c.fanOut(protocol.GetStatus())
}

// fanOut dispatches one command line to all healthy instances
// concurrently and collects per-instance success.
func (c *Controller) fanOut(line string) map[string]bool {
	instances := c.targets.RunningInstances()
	results := make(map[string]bool, len(instances))

	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, id := range instances {
		if !c.targets.Initialized(id) {
			c.logger.Warn("instance not initialized, skipping", "instance", id)
			mu.Lock()
			results[id] = false
			mu.Unlock()
			continue
		}

		wg.Add(1)
		id := id
		go func() {
			defer wg.Done()
			defer util.Recover("session-dispatch-"+id, c.logger)

			ok := c.targets.Send(id, line)
			mu.Lock()
			results[id] = ok
			mu.Unlock()

			if !ok {
				c.logger.Warn("command not delivered", "instance", id)
			}
		}()
	}

	wg.Wait()
	return results
}

// setClock pins the time source in tests.
func (c *Controller) setClock(clk clock.Clock) { c.clock = clk }
