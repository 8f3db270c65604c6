// SPDX-License-Identifier: MIT

package device

import (
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/rigstack/rigd/internal/instance"
	"github.com/rigstack/rigd/internal/modreg"
	"github.com/rigstack/rigd/internal/protocol"
)

// Instances is the slice of the instance manager the coordinator
// drives.
type Instances interface {
	StartInstance(instanceID, moduleID, deviceID string, req instance.SpawnRequest) bool
	WaitForReady(instanceID string, timeout time.Duration) bool
	ConnectDevice(instanceID string, builder instance.CommandBuilder) bool
	StopInstance(instanceID string) bool
	IsConnected(instanceID string) bool
	IsRunning(instanceID string) bool
	StateOf(instanceID string) instance.State
}

// PersistedState is the per-module runtime state the persistence
// collaborator keeps between runs.
type PersistedState struct {
	Enabled         bool
	DeviceConnected bool
}

// StateStore is the persistence collaborator the coordinator keeps
// consistent with runtime events.
type StateStore interface {
	LoadModuleState(module string) PersistedState
	OnUserDisconnect(module string)
	OnInternalModuleClosed(module string)
	OnDeviceConnected(module string)
	OnModuleCrash(module string)
}

// Coordinator translates device-level user actions into instance
// lifecycle operations.
type Coordinator struct {
	registry  *Registry
	instances Instances
	identity  *Identity
	state     StateStore
	logger    *slog.Logger

	// sessionDir returns the current session directory for embedding in
	// assign_device commands ("" when no session is active).
	sessionDir func() string

	// loadGeometry resolves persisted window geometry for an instance.
	// The app's resolver reads module-level geometry only; there is no
	// instance-specific lookup. May return nil.
	loadGeometry func(moduleID, instanceID string) *modreg.WindowGeometry

	// setupXBee installs the wireless relay for an instance. Nil when
	// the master runs without a radio.
	setupXBee func(instanceID string)

	readyTimeout   time.Duration
	cliInitTimeout time.Duration
}

// CoordinatorConfig wires a Coordinator.
type CoordinatorConfig struct {
	Registry     *Registry
	Instances    Instances
	Identity     *Identity
	State        StateStore
	SessionDir   func() string
	LoadGeometry func(moduleID, instanceID string) *modreg.WindowGeometry
	SetupXBee    func(instanceID string)
	Logger       *slog.Logger

	ReadyTimeout   time.Duration // wait for module ready (default 10s)
	CLIInitTimeout time.Duration // wait for CLI-initialized device (default 30s)
}

// NewCoordinator builds a Coordinator.
func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = 10 * time.Second
	}
	if cfg.CLIInitTimeout <= 0 {
		cfg.CLIInitTimeout = 30 * time.Second
	}
	return &Coordinator{
		registry:       cfg.Registry,
		instances:      cfg.Instances,
		identity:       cfg.Identity,
		state:          cfg.State,
		sessionDir:     cfg.SessionDir,
		loadGeometry:   cfg.LoadGeometry,
		setupXBee:      cfg.SetupXBee,
		logger:         cfg.Logger,
		readyTimeout:   cfg.ReadyTimeout,
		cliInitTimeout: cfg.CLIInitTimeout,
	}
}

// ConnectAndStart connects a device: start its module instance, wait
// for ready, then run the assign handshake appropriate to the device
// type. Idempotent: a device whose instance is already connected or in
// flight returns true without side effects.
func (c *Coordinator) ConnectAndStart(deviceID string) bool {
	c.logger.Info("connect device", "device", deviceID)

	dev, ok := c.registry.Get(deviceID)
	if !ok {
		c.logger.Info("device not found", "device", deviceID)
		return false
	}
	if dev.ModuleID == "" {
		c.logger.Info("device has no module", "device", deviceID)
		return false
	}

	// CLI-initialized devices (e.g., CSI cameras) bind hardware through
	// spawn flags; extract the index that rides in the device id.
	cameraIndex := -1
	cliInit := false
	if spec, ok := c.registry.SpecForDeviceID(deviceID); ok && spec.CLIInitialized() {
		cliInit = true
		if idx, err := cameraIndexFromDeviceID(deviceID); err == nil {
			cameraIndex = idx
		} else {
			c.logger.Error("invalid device id for CLI-initialized device",
				"device", deviceID, "error", err)
			return false
		}
	}

	instanceID := c.identity.MakeInstanceID(dev.ModuleID, deviceID)

	// Idempotence: connected or in any running/transitional state means
	// the work is already done or in flight.
	if c.instances.IsConnected(instanceID) || c.instances.IsRunning(instanceID) {
		c.logger.Info("instance already active", "instance", instanceID)
		return true
	}

	var geometry *modreg.WindowGeometry
	if c.loadGeometry != nil {
		geometry = c.loadGeometry(dev.ModuleID, instanceID)
	}

	if !c.instances.StartInstance(instanceID, dev.ModuleID, deviceID, instance.SpawnRequest{
		Geometry:    geometry,
		CameraIndex: cameraIndex,
	}) {
		c.logger.Error("failed to start instance", "instance", instanceID)
		return false
	}

	c.identity.Register(deviceID, instanceID)
	if dev.Wireless && c.setupXBee != nil {
		c.setupXBee(instanceID)
	}

	if !c.instances.WaitForReady(instanceID, c.readyTimeout) {
		c.logger.Error("instance failed to become ready", "instance", instanceID)
		return false
	}

	switch {
	case cliInit:
		return c.waitForCLIInit(instanceID)
	case dev.Internal:
		// No hardware handshake; persist the connection directly.
		c.state.OnDeviceConnected(dev.ModuleID)
		return true
	default:
		return c.instances.ConnectDevice(instanceID, c.assignBuilder(dev))
	}
}

// waitForCLIInit polls a CLI-initialized instance to CONNECTED.
func (c *Coordinator) waitForCLIInit(instanceID string) bool {
	deadline := time.Now().Add(c.cliInitTimeout)
	for time.Now().Before(deadline) {
		switch c.instances.StateOf(instanceID) {
		case instance.Connected:
			return true
		case instance.Stopped:
			return false
		}
		time.Sleep(200 * time.Millisecond)
	}
	c.logger.Warn("timeout waiting for CLI-initialized device", "instance", instanceID)
	return false
}

// assignBuilder closes over the device metadata and the session dir
// accessor; it is re-invoked per attempt so retries embed fresh paths.
func (c *Coordinator) assignBuilder(dev Info) instance.CommandBuilder {
	return func(commandID string) string {
		sessionDir := ""
		if c.sessionDir != nil {
			sessionDir = c.sessionDir()
		}
		return protocol.AssignDevice(protocol.DeviceParams{
			DeviceID:       dev.DeviceID,
			DeviceType:     string(dev.Type),
			Port:           dev.Port,
			Baudrate:       dev.Baudrate,
			SessionDir:     sessionDir,
			IsWireless:     dev.Wireless,
			IsNetwork:      dev.Network,
			NetworkAddress: dev.Meta["network_address"],
			NetworkPort:    atoiMeta(dev.Meta, "network_port"),
			AudioIndex:     atoiMeta(dev.Meta, "sounddevice_index"),
			AudioChannels:  atoiMeta(dev.Meta, "audio_channels"),
			AudioRate:      atoiMeta(dev.Meta, "audio_sample_rate"),
			IsCamera:       dev.Type == TypeCamera,
			CameraType:     dev.Meta["camera_type"],
			CameraStableID: dev.Meta["camera_stable_id"],
			CameraDevPath:  dev.Meta["camera_dev_path"],
			CameraIndex:    atoiMeta(dev.Meta, "camera_index"),
			DisplayName:    dev.DisplayName,
		}, commandID)
	}
}

// StopAndDisconnect stops the instance bound to a device and cleans up.
func (c *Coordinator) StopAndDisconnect(deviceID string) bool {
	c.logger.Info("disconnect device", "device", deviceID)

	dev, ok := c.registry.Get(deviceID)
	if !ok || dev.ModuleID == "" {
		// The device is gone; drop any stale identity mapping.
		c.identity.Unregister(deviceID)
		c.registry.SetConnected(deviceID, false)
		return true
	}

	instanceID, ok := c.identity.InstanceForDevice(deviceID)
	if !ok {
		instanceID = c.identity.MakeInstanceID(dev.ModuleID, deviceID)
	}

	c.instances.StopInstance(instanceID)
	c.CleanupDeviceDisconnect(deviceID, dev.ModuleID, false)
	return true
}

// CleanupDeviceDisconnect is the single convergence point for every
// disconnect path: user action, window close, or crash.
//
// Crash cleanup skips normal persistence; OnModuleCrash runs instead so
// the device reconnects on the next startup.
func (c *Coordinator) CleanupDeviceDisconnect(deviceID, moduleID string, isCrash bool) {
	dev, _ := c.registry.Get(deviceID)

	c.identity.Unregister(deviceID)
	c.registry.SetConnected(deviceID, false)

	if isCrash {
		c.state.OnModuleCrash(moduleID)
		return
	}

	if !c.identity.HasOtherInstances(moduleID) {
		if dev.Internal {
			c.state.OnInternalModuleClosed(moduleID)
		} else {
			c.state.OnUserDisconnect(moduleID)
		}
	}
}

// LoadPendingAutoConnects queues auto-connects for every enabled module
// whose persisted state says a device was connected. Disabled modules
// are skipped, so toggling a module off survives a restart.
func (c *Coordinator) LoadPendingAutoConnects(modules []string, isEnabled func(string) bool) {
	for _, module := range modules {
		if !isEnabled(module) {
			continue
		}
		if c.state.LoadModuleState(module).DeviceConnected {
			c.logger.Info("module marked for auto-connect", "module", module)
			c.registry.RequestAutoConnect(module)
		}
	}
}

// cameraIndexFromDeviceID extracts N from "<prefix>:N" device ids.
func cameraIndexFromDeviceID(deviceID string) (int, error) {
	_, tail, ok := strings.Cut(deviceID, ":")
	if !ok {
		return 0, strconv.ErrSyntax
	}
	return strconv.Atoi(tail)
}

func atoiMeta(meta map[string]string, key string) int {
	if meta == nil {
		return 0
	}
	n, _ := strconv.Atoi(meta[key])
	return n
}
