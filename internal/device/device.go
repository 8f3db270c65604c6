// SPDX-License-Identifier: MIT

// Package device tracks discovered hardware and drives the connect /
// disconnect lifecycle that binds a device to a module instance.
package device

import (
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// Type classifies a device's transport.
type Type string

const (
	TypeSerial   Type = "serial"
	TypeCamera   Type = "camera"
	TypeAudio    Type = "audio"
	TypeWireless Type = "wireless"
	TypeInternal Type = "internal"
)

// Info describes one discovered device.
type Info struct {
	DeviceID    string // Stable id (e.g., "ACM0", "picam:0", "wDRT_01")
	ModuleID    string // Module that drives this device
	Type        Type
	DisplayName string
	Port        string // Serial device path, when applicable
	Baudrate    int
	Wireless    bool
	Network     bool
	Internal    bool
	Meta        map[string]string // Transport extras (camera index, audio channels, ...)
}

// Spec maps a device-id shape to the module that owns it. Device
// discovery consults specs to classify what it finds.
type Spec struct {
	ModuleID       string
	Type           Type
	DeviceIDPrefix string   // e.g., "picam:" for CSI cameras
	ExtraCLIArgs   []string // non-empty marks CLI-initialized devices (e.g., "camera_index")
	Baudrate       int
}

// CLIInitialized reports whether devices of this spec bind their
// hardware through CLI flags at spawn instead of assign_device.
func (s Spec) CLIInitialized() bool {
	return s.DeviceIDPrefix != "" && len(s.ExtraCLIArgs) > 0
}

// ConnectionListener observes device connection flag changes (drives
// the UI dot next to each device).
type ConnectionListener func(deviceID string, connected bool)

// Registry is the device discovery registry: known specs plus the
// currently discovered devices and their connection flags.
type Registry struct {
	logger *slog.Logger

	mu          sync.Mutex
	specs       []Spec
	devices     map[string]Info
	connected   map[string]bool
	autoConnect map[string]bool // module -> queued for auto-connect
	listeners   []ConnectionListener
}

// NewRegistry creates an empty registry with the given specs.
func NewRegistry(specs []Spec, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Registry{
		logger:      logger,
		specs:       specs,
		devices:     make(map[string]Info),
		connected:   make(map[string]bool),
		autoConnect: make(map[string]bool),
	}
}

// SpecForDeviceID resolves the spec whose prefix matches a device id.
func (r *Registry) SpecForDeviceID(deviceID string) (Spec, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.specs {
		if s.DeviceIDPrefix != "" && strings.HasPrefix(deviceID, s.DeviceIDPrefix) {
			return s, true
		}
	}
	return Spec{}, false
}

// AddDevice registers (or refreshes) a discovered device.
func (r *Registry) AddDevice(info Info) {
	r.mu.Lock()
	_, existed := r.devices[info.DeviceID]
	r.devices[info.DeviceID] = info
	r.mu.Unlock()

	if !existed {
		r.logger.Info("device discovered",
			"device", info.DeviceID, "module", info.ModuleID, "type", string(info.Type))
	}
}

// RemoveDevice drops a device that went away.
func (r *Registry) RemoveDevice(deviceID string) {
	r.mu.Lock()
	_, existed := r.devices[deviceID]
	delete(r.devices, deviceID)
	delete(r.connected, deviceID)
	r.mu.Unlock()

	if existed {
		r.logger.Info("device removed", "device", deviceID)
	}
}

// Get returns a discovered device.
func (r *Registry) Get(deviceID string) (Info, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.devices[deviceID]
	return info, ok
}

// Devices lists discovered devices sorted by id.
func (r *Registry) Devices() []Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Info, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// DevicesForModule lists discovered devices owned by a module.
func (r *Registry) DevicesForModule(moduleID string) []Info {
	var out []Info
	for _, d := range r.Devices() {
		if d.ModuleID == moduleID {
			out = append(out, d)
		}
	}
	return out
}

// SetConnected flips a device's connection flag and notifies listeners.
func (r *Registry) SetConnected(deviceID string, connected bool) {
	r.mu.Lock()
	r.connected[deviceID] = connected
	listeners := make([]ConnectionListener, len(r.listeners))
	copy(listeners, r.listeners)
	r.mu.Unlock()

	for _, l := range listeners {
		l(deviceID, connected)
	}
}

// IsConnected returns a device's connection flag.
func (r *Registry) IsConnected(deviceID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connected[deviceID]
}

// AddConnectionListener subscribes to connection flag changes.
func (r *Registry) AddConnectionListener(l ConnectionListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, l)
}

// RequestAutoConnect queues a module for auto-connect once a matching
// device shows up.
func (r *Registry) RequestAutoConnect(moduleID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.autoConnect[moduleID] = true
	r.logger.Info("module queued for auto-connect", "module", moduleID)
}

// TakeAutoConnect consumes the auto-connect request for a module, if
// any.
func (r *Registry) TakeAutoConnect(moduleID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.autoConnect[moduleID] {
		delete(r.autoConnect, moduleID)
		return true
	}
	return false
}

// PendingAutoConnects lists modules queued for auto-connect.
func (r *Registry) PendingAutoConnects() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.autoConnect))
	for m := range r.autoConnect {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}
