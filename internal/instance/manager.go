// SPDX-License-Identifier: MIT

package instance

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/rigstack/rigd/internal/metrics"
	"github.com/rigstack/rigd/internal/modreg"
	"github.com/rigstack/rigd/internal/protocol"
	"github.com/rigstack/rigd/internal/util"
)

// SpawnRequest carries the per-instance launch options the process
// layer needs.
type SpawnRequest struct {
	Geometry    *modreg.WindowGeometry
	CameraIndex int // -1 when not set
}

// Processes is the slice of the process supervisor the manager drives.
type Processes interface {
	// Spawn starts the child process for an instance.
	Spawn(instanceID, moduleID string, req SpawnRequest) error
	// Send writes one raw protocol line to a running child.
	// Returns false when no child is running or the queue is full.
	Send(instanceID, line string) bool
	// SendQuit asks a child to exit cleanly.
	SendQuit(instanceID string) bool
	// Kill terminates a child immediately.
	Kill(instanceID string)
}

// Modules answers module-level questions the manager needs during
// transitions.
type Modules interface {
	IsInternal(moduleID string) bool
}

// Observer is notified after every committed state transition with a
// snapshot of the instance. Observers run under the manager's
// serialization and must not call back into it.
type Observer func(info Info, oldState, newState State)

// UICallback receives derived (connected, connecting) flags for a
// device. Implementations marshal onto the UI thread themselves.
type UICallback func(deviceID string, connected, connecting bool)

// CommandBuilder produces the assign_device line for a connection
// attempt. It is called once per attempt so embedded session paths are
// refreshed on retries.
type CommandBuilder func(commandID string) string

// pendingConnection tracks one in-flight assign_device handshake.
type pendingConnection struct {
	instanceID    string
	deviceID      string
	builder       CommandBuilder
	attempts      int
	maxAttempts   int
	lastAttemptAt time.Time
	retryDelay    time.Duration
	perAttempt    time.Duration
}

// Config configures a Manager.
type Config struct {
	ConnectTimeout     time.Duration // Per assign attempt (default 3s)
	ConnectMaxAttempts int           // Assign attempts before giving up (default 3)
	ConnectRetryDelay  time.Duration // Gap between attempts (default 1s)
	StopTimeout        time.Duration // Wait for STOPPED before force kill (default 5s)
	Clock              clock.Clock   // Injectable time source (default real)
	Logger             *slog.Logger
	Metrics            *metrics.Metrics
	UICallback         UICallback
}

// Manager is the state machine hub: the single owner of all instance
// info and pending connections.
//
// All state mutation happens under one mutex through setState, which
// validates the edge, timestamps the entry, and fans out to observers
// in registration order. Observer panics are logged and cannot abort a
// transition.
type Manager struct {
	cfg     Config
	procs   Processes
	modules Modules
	clock   clock.Clock
	logger  *slog.Logger

	mu        sync.Mutex
	instances map[string]*Info
	pending   map[string]*pendingConnection
	observers []Observer
}

// NewManager creates a Manager wired to the given process and module
// layers.
func NewManager(procs Processes, modules Modules, cfg Config) *Manager {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 3 * time.Second
	}
	if cfg.ConnectMaxAttempts <= 0 {
		cfg.ConnectMaxAttempts = 3
	}
	if cfg.ConnectRetryDelay <= 0 {
		cfg.ConnectRetryDelay = time.Second
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 5 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}

	return &Manager{
		cfg:       cfg,
		procs:     procs,
		modules:   modules,
		clock:     cfg.Clock,
		logger:    cfg.Logger,
		instances: make(map[string]*Info),
		pending:   make(map[string]*pendingConnection),
	}
}

// AddObserver registers a state-change observer. Observers fire in
// registration order.
func (m *Manager) AddObserver(obs Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, obs)
}

// StartInstance creates (or resets) an instance and spawns its process.
//
// An existing instance in STOPPING is waited on (up to the stop
// timeout); an existing instance in any other non-STOPPED state is a
// duplicate and rejected.
func (m *Manager) StartInstance(instanceID, moduleID, deviceID string, req SpawnRequest) bool {
	m.logger.Info("starting instance", "instance", instanceID, "device", deviceID)

	m.mu.Lock()
	existing := m.instances[instanceID]
	if existing != nil {
		switch existing.State {
		case Stopping:
			m.mu.Unlock()
			if !m.waitForState(instanceID, Stopped, m.cfg.StopTimeout) {
				m.logger.Error("instance failed to stop in time", "instance", instanceID)
				return false
			}
			m.mu.Lock()
		case Stopped:
			// Reset below.
		default:
			m.mu.Unlock()
			m.logger.Info("duplicate start ignored",
				"instance", instanceID, "state", existing.State.String())
			return false
		}
	}

	m.instances[instanceID] = &Info{
		InstanceID:     instanceID,
		ModuleID:       moduleID,
		DeviceID:       deviceID,
		State:          Stopped,
		StateEnteredAt: m.clock.Now(),
	}
	m.setStateLocked(instanceID, Starting, "")
	m.mu.Unlock()

	if err := m.procs.Spawn(instanceID, moduleID, req); err != nil {
		m.logger.Error("failed to start process", "instance", instanceID, "error", err)
		m.setState(instanceID, Stopped, "failed to start process: "+err.Error())
		return false
	}

	m.logger.Info("process launched, waiting for ready", "instance", instanceID)
	return true
}

// WaitForReady polls until the instance reaches a ready state or the
// timeout elapses. Internal modules are ready only at CONNECTED;
// everything else at RUNNING or CONNECTED. Entry to STOPPED fails the
// wait immediately.
func (m *Manager) WaitForReady(instanceID string, timeout time.Duration) bool {
	internal := false
	if info, ok := m.Get(instanceID); ok {
		internal = m.modules.IsInternal(info.ModuleID)
	} else {
		m.logger.Error("instance not found for ready wait", "instance", instanceID)
		return false
	}

	deadline := m.clock.Now().Add(timeout)
	for m.clock.Now().Before(deadline) {
		info, ok := m.Get(instanceID)
		if !ok {
			return false
		}
		switch info.State {
		case Connected:
			return true
		case Running:
			if !internal {
				return true
			}
		case Stopped:
			m.logger.Error("instance stopped while waiting for ready", "instance", instanceID)
			return false
		}
		m.clock.Sleep(100 * time.Millisecond)
	}

	m.logger.Error("timeout waiting for instance ready", "instance", instanceID)
	return false
}

// ConnectDevice initiates the assign_device handshake and returns
// immediately; the outcome arrives through OnStatusMessage and the
// monitor loop.
func (m *Manager) ConnectDevice(instanceID string, builder CommandBuilder) bool {
	m.mu.Lock()
	info := m.instances[instanceID]
	if info == nil {
		m.mu.Unlock()
		m.logger.Error("instance not found for connect", "instance", instanceID)
		return false
	}
	if info.State != Running && info.State != Connecting {
		m.mu.Unlock()
		m.logger.Info("connect rejected: unexpected state",
			"instance", instanceID, "state", info.State.String())
		return false
	}

	pending := &pendingConnection{
		instanceID:  instanceID,
		deviceID:    info.DeviceID,
		builder:     builder,
		maxAttempts: m.cfg.ConnectMaxAttempts,
		retryDelay:  m.cfg.ConnectRetryDelay,
		perAttempt:  m.cfg.ConnectTimeout,
	}
	m.pending[instanceID] = pending
	m.setStateLocked(instanceID, Connecting, "")
	m.sendAttemptLocked(pending)
	m.mu.Unlock()

	return true
}

// sendAttemptLocked sends the next assign_device attempt. Caller holds mu.
func (m *Manager) sendAttemptLocked(p *pendingConnection) {
	p.attempts++
	p.lastAttemptAt = m.clock.Now()

	commandID := fmt.Sprintf("%s:%d", p.instanceID, p.attempts)
	line := p.builder(commandID)

	m.logger.Info("connection attempt",
		"instance", p.instanceID, "attempt", p.attempts, "max", p.maxAttempts)

	if !m.procs.Send(p.instanceID, line) {
		// The monitor retries on the normal schedule.
		m.logger.Error("failed to send assign_device", "instance", p.instanceID)
	}
	m.cfg.Metrics.CommandSent()
}

// DisconnectDevice asks a connected instance to release its device
// without stopping the process. The module answers with
// device_unassigned (DISCONNECTING -> RUNNING); the monitor assumes
// completion after the disconnect deadline if it never does.
func (m *Manager) DisconnectDevice(instanceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	info := m.instances[instanceID]
	if info == nil || info.State != Connected {
		return false
	}

	m.setStateLocked(instanceID, Disconnecting, "")
	if !m.procs.Send(instanceID, protocol.UnassignDevice(info.DeviceID)) {
		m.logger.Warn("unassign_device not delivered", "instance", instanceID)
	}
	m.cfg.Metrics.CommandSent()
	return true
}

// StopInstance stops an instance: cancel its pending connection, send
// quit, wait for exit, and force-kill on timeout. Idempotent; stopping
// an unknown or already stopped instance returns true.
func (m *Manager) StopInstance(instanceID string) bool {
	m.mu.Lock()
	info := m.instances[instanceID]
	if info == nil {
		m.mu.Unlock()
		return true
	}
	switch info.State {
	case Stopped:
		m.mu.Unlock()
		return true
	case Stopping:
		m.mu.Unlock()
		return m.waitForState(instanceID, Stopped, m.cfg.StopTimeout)
	}

	m.logger.Info("stopping instance", "instance", instanceID, "state", info.State.String())
	delete(m.pending, instanceID)
	m.setStateLocked(instanceID, Stopping, "")
	m.mu.Unlock()

	if !m.procs.SendQuit(instanceID) {
		m.logger.Warn("quit not delivered, forcing stop", "instance", instanceID)
		m.setState(instanceID, Stopped, "")
		return true
	}

	if !m.waitForState(instanceID, Stopped, m.cfg.StopTimeout) {
		m.logger.Warn("instance did not stop gracefully, killing", "instance", instanceID)
		m.procs.Kill(instanceID)
		m.setState(instanceID, Stopped, "")
	}
	return true
}

// StopAllInstancesForModule stops every instance of a module in
// parallel.
func (m *Manager) StopAllInstancesForModule(moduleID string) bool {
	ids := m.InstancesForModule(moduleID)
	if len(ids) == 0 {
		return true
	}

	m.logger.Info("stopping module instances", "module", moduleID, "count", len(ids))

	results := make(chan bool, len(ids))
	for _, id := range ids {
		id := id
		util.Go("stop-"+id, m.logger, func() {
			results <- m.StopInstance(id)
		})
	}

	ok := true
	for range ids {
		if !<-results {
			ok = false
		}
	}
	if !ok {
		m.logger.Warn("some instances failed to stop", "module", moduleID)
	}
	return ok
}

// OnStatusMessage is the event-driven ingress for child status
// messages. Called from the supervisor's reader path in stream order.
func (m *Manager) OnStatusMessage(instanceID string, st protocol.Status) {
	m.mu.Lock()
	defer m.mu.Unlock()

	info := m.instances[instanceID]
	if info == nil {
		m.logger.Debug("status from unknown instance", "instance", instanceID, "status", st.Type)
		return
	}

	switch st.Type {
	case protocol.StatusReady:
		if info.State == Starting {
			if m.modules.IsInternal(info.ModuleID) {
				m.setStateLocked(instanceID, Connected, "")
			} else {
				m.setStateLocked(instanceID, Running, "")
			}
		}

	case protocol.StatusDeviceAck:
		// Ack received: the module owns the handshake now, no more
		// retries. INITIALIZING is unbounded by design.
		if p := m.pending[instanceID]; p != nil {
			m.logger.Info("ack received, waiting for device_ready",
				"instance", instanceID, "attempts", p.attempts)
			delete(m.pending, instanceID)
		}
		if info.State == Connecting {
			m.setStateLocked(instanceID, Initializing, "")
		}

	case protocol.StatusDeviceReady:
		if p := m.pending[instanceID]; p != nil {
			m.logger.Info("connection succeeded",
				"instance", instanceID, "attempts", p.attempts)
			delete(m.pending, instanceID)
		}
		switch info.State {
		case Connecting, Initializing, Running:
			m.setStateLocked(instanceID, Connected, "")
		default:
			m.logger.Warn("device_ready in unexpected state",
				"instance", instanceID, "state", info.State.String())
		}

	case protocol.StatusDeviceError:
		errMsg := st.Error()
		m.logger.Error("device error", "instance", instanceID, "error", errMsg)

		p := m.pending[instanceID]
		if p != nil && p.attempts < p.maxAttempts {
			// Leave the pending in place; the monitor retries on the
			// normal backoff schedule.
			m.logger.Info("will retry connection",
				"instance", instanceID, "attempt", p.attempts+1, "max", p.maxAttempts)
		} else {
			if p != nil {
				errMsg = fmt.Sprintf("connection failed after %d attempts: %s", p.attempts, errMsg)
			}
			delete(m.pending, instanceID)
			if info.State == Connecting || info.State == Initializing {
				m.setStateLocked(instanceID, Running, errMsg)
			}
		}

	case protocol.StatusDeviceUnassigned:
		if info.State == Disconnecting {
			m.setStateLocked(instanceID, Running, "")
		}

	case protocol.StatusQuitting:
		if info.State != Stopped {
			delete(m.pending, instanceID)
			m.setStateLocked(instanceID, Stopping, "")
		}

	default:
		m.logger.Debug("unhandled status", "instance", instanceID, "status", st.Type)
	}
}

// OnProcessExit forces an instance to STOPPED when its child exits.
// Exits from states other than STOPPING/STOPPED are unexpected and feed
// the crash path in the reconciler.
func (m *Manager) OnProcessExit(instanceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	info := m.instances[instanceID]
	if info == nil {
		return
	}

	delete(m.pending, instanceID)
	previous := info.State
	m.setStateLocked(instanceID, Stopped, "")

	if previous != Stopping && previous != Stopped {
		m.logger.Warn("instance exited unexpectedly",
			"instance", instanceID, "state", previous.String())
	}
}

// RemoveInstance drops a stopped instance from the maps entirely.
// No-op while the instance is not STOPPED.
func (m *Manager) RemoveInstance(instanceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	info := m.instances[instanceID]
	if info == nil {
		return true
	}
	if info.State != Stopped {
		return false
	}
	delete(m.instances, instanceID)
	delete(m.pending, instanceID)
	return true
}

// Get returns a copy of the instance info.
func (m *Manager) Get(instanceID string) (Info, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info := m.instances[instanceID]
	if info == nil {
		return Info{}, false
	}
	return *info, true
}

// StateOf returns the current state; unknown instances are STOPPED.
func (m *Manager) StateOf(instanceID string) State {
	info, ok := m.Get(instanceID)
	if !ok {
		return Stopped
	}
	return info.State
}

// IsRunning reports whether the instance is neither stopped nor
// stopping.
func (m *Manager) IsRunning(instanceID string) bool {
	info, ok := m.Get(instanceID)
	return ok && info.State != Stopped && info.State != Stopping
}

// IsConnected reports whether the instance has a live device.
func (m *Manager) IsConnected(instanceID string) bool {
	info, ok := m.Get(instanceID)
	return ok && info.IsConnected()
}

// InstanceForDevice finds the instance currently bound to a device.
func (m *Manager) InstanceForDevice(deviceID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, info := range m.instances {
		if info.DeviceID == deviceID {
			return id, true
		}
	}
	return "", false
}

// InstancesForModule lists all instance ids of a module.
func (m *Manager) InstancesForModule(moduleID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, info := range m.instances {
		if info.ModuleID == moduleID {
			ids = append(ids, id)
		}
	}
	return ids
}

// HasRunningInstances reports whether any instance of the module is
// neither stopped nor stopping.
func (m *Manager) HasRunningInstances(moduleID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, info := range m.instances {
		if info.ModuleID == moduleID && info.State != Stopped && info.State != Stopping {
			return true
		}
	}
	return false
}

// UIState derives the (connected, connecting) pair for a device.
// connecting implies not connected.
func (m *Manager) UIState(deviceID string) (connected, connecting bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, info := range m.instances {
		if info.DeviceID == deviceID {
			return info.IsConnected(), info.Transitional()
		}
	}
	return false, false
}

// PendingAttempts returns the attempt counter of an in-flight
// connection, or 0 when none is pending.
func (m *Manager) PendingAttempts(instanceID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p := m.pending[instanceID]; p != nil {
		return p.attempts
	}
	return 0
}

// setState is the unlocked entry to the single write point.
func (m *Manager) setState(instanceID string, newState State, errMsg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setStateLocked(instanceID, newState, errMsg)
}

// setStateLocked is the single write point for instance state.
// Caller holds mu.
//
// Invalid edges are forced with a warning; force-transitions are part
// of the recovery machinery. Observers fire synchronously in
// registration order; a panicking observer is logged and the next one
// still runs.
func (m *Manager) setStateLocked(instanceID string, newState State, errMsg string) {
	info := m.instances[instanceID]
	if info == nil {
		return
	}

	oldState := info.State
	if oldState == newState {
		return
	}

	if !ValidTransition(oldState, newState) {
		m.logger.Warn("invalid transition forced",
			"instance", instanceID, "from", oldState.String(), "to", newState.String())
		m.cfg.Metrics.ForcedTransition()
	}

	info.State = newState
	info.StateEnteredAt = m.clock.Now()
	if errMsg != "" {
		info.ErrorMessage = errMsg
	} else if newState == Connected {
		info.ErrorMessage = ""
	}

	m.cfg.Metrics.Transition(newState.String())
	m.logger.Info("instance transition",
		"instance", instanceID, "from", oldState.String(), "to", newState.String(),
		"error", errMsg)

	snapshot := *info
	for _, obs := range m.observers {
		obs := obs
		if err := util.Call(func() { obs(snapshot, oldState, newState) }); err != nil {
			m.logger.Error("state observer failed", "instance", instanceID, "error", err)
		}
	}

	if m.cfg.UICallback != nil && info.DeviceID != "" {
		connected := info.IsConnected()
		connecting := info.Transitional()
		cb := m.cfg.UICallback
		deviceID := info.DeviceID
		if err := util.Call(func() { cb(deviceID, connected, connecting) }); err != nil {
			m.logger.Error("ui callback failed", "instance", instanceID, "error", err)
		}
	}
}

// waitForState polls until the instance reaches target (or disappears)
// or the timeout elapses.
func (m *Manager) waitForState(instanceID string, target State, timeout time.Duration) bool {
	deadline := m.clock.Now().Add(timeout)
	for m.clock.Now().Before(deadline) {
		info, ok := m.Get(instanceID)
		if !ok || info.State == target {
			return true
		}
		m.clock.Sleep(100 * time.Millisecond)
	}
	return false
}

// Monitor returns the periodic retry/timeout service for this manager.
func (m *Manager) Monitor() *Monitor {
	return &Monitor{mgr: m}
}

// Monitor is the manager's periodic retry/timeout loop, run as a
// supervised service.
type Monitor struct {
	mgr *Manager
}

// String names the service in supervisor logs.
func (mo *Monitor) String() string { return "instance-monitor" }

// Serve ticks every 500ms until ctx is cancelled.
func (mo *Monitor) Serve(ctx context.Context) error {
	ticker := mo.mgr.clock.Ticker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			mo.mgr.Tick()
		}
	}
}

// Tick runs one monitor pass: pending-connection retries/expiry first,
// then soft state deadlines.
func (m *Manager) Tick() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkPendingLocked()
	m.checkTimeoutsLocked()
}

func (m *Manager) checkPendingLocked() {
	now := m.clock.Now()

	for id, p := range m.pending {
		elapsed := now.Sub(p.lastAttemptAt)
		if elapsed < p.perAttempt {
			continue
		}

		if p.attempts < p.maxAttempts {
			if elapsed >= p.perAttempt+p.retryDelay {
				m.logger.Info("retrying connection",
					"instance", id, "attempt", p.attempts+1, "max", p.maxAttempts)
				m.sendAttemptLocked(p)
			}
			continue
		}

		// All attempts exhausted.
		m.logger.Error("connection failed", "instance", id, "attempts", p.attempts)
		delete(m.pending, id)
		if info := m.instances[id]; info != nil && info.State == Connecting {
			m.setStateLocked(id, Running,
				fmt.Sprintf("connection timed out after %d attempts", p.attempts))
		}
	}
}

func (m *Manager) checkTimeoutsLocked() {
	now := m.clock.Now()

	for id, info := range m.instances {
		if _, hasPending := m.pending[id]; hasPending {
			continue
		}
		if !info.TimedOut(now) {
			continue
		}

		m.logger.Warn("instance state timeout",
			"instance", id, "state", info.State.String(),
			"elapsed", info.TimeInState(now).String())

		switch info.State {
		case Starting:
			m.procs.Kill(id)
			m.setStateLocked(id, Stopped, "startup timeout")
		case Disconnecting:
			m.setStateLocked(id, Running, "")
		case Stopping:
			m.procs.Kill(id)
			m.setStateLocked(id, Stopped, "")
		}
	}
}
