// SPDX-License-Identifier: MIT

// Package procman is the process supervisor: the registry of module
// child processes keyed by instance id.
//
// It is a pure I/O and lifecycle layer. It spawns children with the
// module CLI contract, routes their status messages and exit events
// upward, and owns no state transitions itself — the instance manager
// subscribes to its events and decides.
package procman

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/rigstack/rigd/internal/childproc"
	"github.com/rigstack/rigd/internal/instance"
	"github.com/rigstack/rigd/internal/metrics"
	"github.com/rigstack/rigd/internal/modreg"
	"github.com/rigstack/rigd/internal/protocol"
)

// Events receives supervisor notifications. Both callbacks are invoked
// from the child's reader goroutines, in stream order per instance.
type Events interface {
	StatusReceived(instanceID string, st protocol.Status)
	ProcessExited(instanceID string, exitCode int, crashed bool)
}

// Config configures a Supervisor.
type Config struct {
	DataDir       string
	SessionPrefix string
	Mode          string // default --mode passed to modules ("gui", "headless", ...)
	LogLevel      string

	// OutputDir returns the directory modules should write into; it is
	// consulted at spawn time so late session-dir creation is picked up.
	OutputDir func() string

	// FrozenSelf, when non-empty, is the path of the bundled master
	// binary; modules spawn as "<self> run-module <module_id> ...".
	FrozenSelf string
	ModulesDir string // passed through to the frozen dispatcher

	StopTimeout time.Duration // Graceful quit wait before escalation (default 5s)
	Logger      *slog.Logger
	Metrics     *metrics.Metrics

	// OnXBeeSend, when set, receives xbee_send statuses so the master
	// can relay the frame out its radio transport.
	OnXBeeSend func(instanceID, nodeID, data string)
}

// Supervisor owns all module child processes.
type Supervisor struct {
	cfg      Config
	registry *modreg.Registry
	events   Events
	logger   *slog.Logger

	mu       sync.Mutex
	children map[string]*childproc.Child
}

// SetOutputDir installs the output-dir resolver after construction;
// the app wires it once the session controller exists.
func (s *Supervisor) SetOutputDir(fn func() string) {
	s.cfg.OutputDir = fn
}

// New creates a Supervisor over the given module registry.
func New(registry *modreg.Registry, events Events, cfg Config) *Supervisor {
	if cfg.Mode == "" {
		cfg.Mode = "gui"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}

	return &Supervisor{
		cfg:      cfg,
		registry: registry,
		events:   events,
		logger:   cfg.Logger,
		children: make(map[string]*childproc.Child),
	}
}

// Spawn launches the child process for an instance.
// Implements instance.Processes.
func (s *Supervisor) Spawn(instanceID, moduleID string, req instance.SpawnRequest) error {
	mod, ok := s.registry.Get(moduleID)
	if !ok {
		return fmt.Errorf("unknown module %q", moduleID)
	}

	s.mu.Lock()
	if existing, ok := s.children[instanceID]; ok && existing.Running() {
		s.mu.Unlock()
		return fmt.Errorf("instance %s already has a running process", instanceID)
	}
	s.mu.Unlock()

	argv := s.buildArgv(mod, req)
	s.logger.Debug("spawning module", "instance", instanceID, "argv", argv)

	child, err := childproc.Start(childproc.Config{
		InstanceID: instanceID,
		Argv:       argv,
		Logger:     s.logger,
		OnStatus: func(st protocol.Status) {
			s.routeStatus(instanceID, mod, st)
		},
		OnExit: func(code int, crashed bool) {
			s.onExit(instanceID, code, crashed)
		},
	})
	if err != nil {
		return fmt.Errorf("spawn %s: %w", instanceID, err)
	}

	s.mu.Lock()
	s.children[instanceID] = child
	s.mu.Unlock()

	s.logger.Info("module process spawned",
		"instance", instanceID, "module", moduleID, "pid", child.Pid())
	return nil
}

// buildArgv assembles the module CLI contract.
func (s *Supervisor) buildArgv(mod modreg.ModuleInfo, req instance.SpawnRequest) []string {
	var argv []string
	if s.cfg.FrozenSelf != "" {
		argv = []string{s.cfg.FrozenSelf, "run-module"}
		if s.cfg.ModulesDir != "" {
			argv = append(argv, "--modules-dir", s.cfg.ModulesDir)
		}
		argv = append(argv, mod.ID)
	} else {
		argv = []string{mod.EntryPoint}
	}

	mode := s.cfg.Mode
	var geometry *modreg.WindowGeometry
	if mod.HasConfig() {
		if cfg, err := modreg.ReadConfig(mod.ConfigPath); err == nil {
			if v := cfg["default_mode"]; v != "" {
				mode = v
			}
			geometry = modreg.LoadGeometry(cfg)
		}
	}
	if req.Geometry != nil {
		geometry = req.Geometry
	}

	outputDir := s.cfg.DataDir
	if s.cfg.OutputDir != nil {
		if d := s.cfg.OutputDir(); d != "" {
			outputDir = d
		}
	}

	argv = append(argv,
		"--mode", mode,
		"--output-dir", outputDir,
		"--session-prefix", s.cfg.SessionPrefix,
		"--log-level", s.cfg.LogLevel,
		"--no-console",
		"--enable-commands",
	)

	if geometry != nil && mode == "gui" {
		argv = append(argv, "--window-geometry", geometry.String())
	}
	if req.CameraIndex >= 0 {
		argv = append(argv, "--camera-index", strconv.Itoa(req.CameraIndex))
	}
	return argv
}

// routeStatus intercepts statuses the supervisor itself consumes and
// forwards everything to the event sink.
func (s *Supervisor) routeStatus(instanceID string, mod modreg.ModuleInfo, st protocol.Status) {
	switch st.Type {
	case protocol.StatusGeometryChanged:
		s.saveGeometry(mod, st)

	case protocol.StatusLogMessage:
		s.logger.Info("module log",
			"instance", instanceID,
			"level", st.PayloadString("level"),
			"message", st.PayloadString("message"))

	case protocol.StatusXBeeSend:
		if s.cfg.OnXBeeSend != nil {
			s.cfg.OnXBeeSend(instanceID, st.PayloadString("node_id"), st.PayloadString("data"))
		}
	}

	if s.events != nil {
		s.events.StatusReceived(instanceID, st)
	}
}

// saveGeometry persists a geometry_changed payload into the module
// config. Best effort; failures are logged only.
func (s *Supervisor) saveGeometry(mod modreg.ModuleInfo, st protocol.Status) {
	if !mod.HasConfig() {
		return
	}
	g := modreg.WindowGeometry{
		X:      st.PayloadInt("x", 0),
		Y:      st.PayloadInt("y", 0),
		Width:  st.PayloadInt("width", 800),
		Height: st.PayloadInt("height", 600),
	}
	if err := modreg.WriteConfig(mod.ConfigPath, modreg.GeometryUpdates(g)); err != nil {
		s.logger.Warn("failed to persist geometry", "module", mod.ID, "error", err)
	}
}

func (s *Supervisor) onExit(instanceID string, code int, crashed bool) {
	s.mu.Lock()
	delete(s.children, instanceID)
	s.mu.Unlock()

	if crashed {
		s.logger.Error("module process crashed", "instance", instanceID, "exit_code", code)
	}
	if s.events != nil {
		s.events.ProcessExited(instanceID, code, crashed)
	}
}

// Send writes one raw protocol line to a running child.
// Implements instance.Processes. Idempotent with respect to a running
// child: returns false when none exists or the queue is full.
func (s *Supervisor) Send(instanceID, line string) bool {
	s.mu.Lock()
	child := s.children[instanceID]
	s.mu.Unlock()

	if child == nil {
		return false
	}
	if err := child.Send(line); err != nil {
		s.logger.Warn("send failed", "instance", instanceID, "error", err)
		return false
	}
	s.cfg.Metrics.CommandSent()
	return true
}

// SendQuit asks a child to exit cleanly. Implements instance.Processes.
func (s *Supervisor) SendQuit(instanceID string) bool {
	return s.Send(instanceID, protocol.Quit())
}

// Stop gracefully stops a child with escalation.
func (s *Supervisor) Stop(ctx context.Context, instanceID string) error {
	s.mu.Lock()
	child := s.children[instanceID]
	s.mu.Unlock()

	if child == nil {
		return nil
	}
	return child.Stop(ctx, s.cfg.StopTimeout)
}

// Kill terminates a child immediately. Implements instance.Processes.
func (s *Supervisor) Kill(instanceID string) {
	s.mu.Lock()
	child := s.children[instanceID]
	s.mu.Unlock()

	if child != nil {
		child.Kill()
	}
}

// Running reports whether an instance has a live child process.
func (s *Supervisor) Running(instanceID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	child := s.children[instanceID]
	return child != nil && child.Running()
}

// RunningInstances lists instance ids with live processes.
func (s *Supervisor) RunningInstances() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.children))
	for id, child := range s.children {
		if child.Running() {
			out = append(out, id)
		}
	}
	return out
}

// StopAll stops every child in parallel and waits for them.
func (s *Supervisor) StopAll(ctx context.Context) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.children))
	for id := range s.children {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := s.Stop(ctx, id); err != nil {
				s.logger.Warn("stop failed", "instance", id, "error", err)
			}
		}(id)
	}
	wg.Wait()
}

// SelfPath returns the running binary's path for frozen dispatch, or
// "" when it cannot be determined.
func SelfPath() string {
	p, err := os.Executable()
	if err != nil {
		return ""
	}
	return p
}
