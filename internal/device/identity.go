// SPDX-License-Identifier: MIT

package device

import (
	"strings"
	"sync"
)

// Identity is the device-id <-> instance-id lookup relation.
//
// It holds lookups only, never ownership: removing an instance must
// also unregister here so no dangling references survive.
type Identity struct {
	mu               sync.Mutex
	deviceToInstance map[string]string
	multiInstance    map[string]bool // module -> one instance per device
}

// NewIdentity creates an empty identity map. multiInstance lists the
// modules that get one instance per connected device.
func NewIdentity(multiInstance []string) *Identity {
	mi := make(map[string]bool, len(multiInstance))
	for _, m := range multiInstance {
		mi[m] = true
	}
	return &Identity{
		deviceToInstance: make(map[string]string),
		multiInstance:    mi,
	}
}

// MakeInstanceID derives the stable instance id for a (module, device)
// pair: "MODULE:SUFFIX" for multi-instance modules, the bare module id
// for singletons.
func (id *Identity) MakeInstanceID(moduleID, deviceID string) string {
	id.mu.Lock()
	multi := id.multiInstance[moduleID]
	id.mu.Unlock()

	if !multi {
		return moduleID
	}
	return moduleID + ":" + DeviceSuffix(deviceID)
}

// DeviceSuffix reduces a device id to the short stable suffix used in
// instance ids: the final path or colon segment, with the usual tty
// prefixes stripped ("/dev/ttyACM0" -> "ACM0", "picam:0" -> "0").
func DeviceSuffix(deviceID string) string {
	s := deviceID
	if i := strings.LastIndexByte(s, '/'); i >= 0 {
		s = s[i+1:]
	}
	if i := strings.LastIndexByte(s, ':'); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimPrefix(s, "tty")
	if s == "" {
		return deviceID
	}
	return s
}

// Register binds a device to its instance.
func (id *Identity) Register(deviceID, instanceID string) {
	id.mu.Lock()
	defer id.mu.Unlock()
	id.deviceToInstance[deviceID] = instanceID
}

// Unregister drops the binding for a device.
func (id *Identity) Unregister(deviceID string) {
	id.mu.Lock()
	defer id.mu.Unlock()
	delete(id.deviceToInstance, deviceID)
}

// InstanceForDevice resolves the instance currently bound to a device.
func (id *Identity) InstanceForDevice(deviceID string) (string, bool) {
	id.mu.Lock()
	defer id.mu.Unlock()
	iid, ok := id.deviceToInstance[deviceID]
	return iid, ok
}

// HasOtherInstances reports whether any registered instance still
// belongs to the module.
func (id *Identity) HasOtherInstances(moduleID string) bool {
	id.mu.Lock()
	defer id.mu.Unlock()
	for _, iid := range id.deviceToInstance {
		if iid == moduleID || strings.HasPrefix(iid, moduleID+":") {
			return true
		}
	}
	return false
}
