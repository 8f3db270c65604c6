// SPDX-License-Identifier: MIT

package reconciler

import (
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/google/renameio/v2"
	"gopkg.in/yaml.v3"

	"github.com/rigstack/rigd/internal/modreg"
)

// ConfigPersistence writes desired-state changes back to module config
// files so a toggle survives a restart.
//
// Subscribe it for DesiredStateChanged events. Writes are serialized by
// a single writer lock; failures are logged and the in-memory desired
// state stays authoritative.
type ConfigPersistence struct {
	logger *slog.Logger

	mu      sync.Mutex
	configs map[string]string // module -> writable config path ("" = none)
}

// NewConfigPersistence builds the observer from discovered modules.
func NewConfigPersistence(modules []modreg.ModuleInfo, logger *slog.Logger) *ConfigPersistence {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	configs := make(map[string]string, len(modules))
	for _, m := range modules {
		configs[m.ID] = m.ConfigPath
	}
	return &ConfigPersistence{logger: logger, configs: configs}
}

// Observe implements the reconciler Observer contract.
func (p *ConfigPersistence) Observe(change StateChange) {
	if change.Event != DesiredStateChanged {
		return
	}
	desired, ok := change.NewValue.(DesiredState)
	if !ok {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	path := p.configs[change.Module]
	if path == "" {
		p.logger.Debug("no config path, skipping persistence", "module", change.Module)
		return
	}

	enabled := "false"
	if desired == Enabled {
		enabled = "true"
	}
	if err := modreg.WriteConfig(path, map[string]string{"enabled": enabled}); err != nil {
		p.logger.Error("failed to persist enabled state",
			"module", change.Module, "error", err)
		return
	}
	p.logger.Info("persisted enabled state", "module", change.Module, "enabled", enabled)
}

// ModuleState is the runtime state persisted per module between runs.
type ModuleState struct {
	Enabled         bool `yaml:"enabled"`
	DeviceConnected bool `yaml:"device_connected"`
}

// StateStore persists per-module runtime state (enablement and device
// connection) to a YAML file in the data dir. It backs auto-connect on
// the next startup.
type StateStore struct {
	path   string
	logger *slog.Logger

	mu     sync.Mutex
	states map[string]ModuleState
}

// OpenStateStore loads (or initializes) the store at path.
func OpenStateStore(path string, logger *slog.Logger) (*StateStore, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &StateStore{path: path, logger: logger, states: make(map[string]ModuleState)}

	data, err := os.ReadFile(path) // #nosec G304 - path from validated config
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read state store: %w", err)
	}
	if err := yaml.Unmarshal(data, &s.states); err != nil {
		// A corrupt store is not fatal; start clean and overwrite.
		logger.Warn("state store corrupt, starting fresh", "path", path, "error", err)
		s.states = make(map[string]ModuleState)
	}
	return s, nil
}

// LoadModuleState returns the persisted state for a module.
func (s *StateStore) LoadModuleState(module string) ModuleState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.states[module]
}

// OnDeviceConnected marks a module's device as connected.
func (s *StateStore) OnDeviceConnected(module string) {
	s.update(module, func(st *ModuleState) {
		st.Enabled = true
		st.DeviceConnected = true
	})
}

// OnUserDisconnect marks a hardware module disabled so it does not
// auto-reconnect on the next startup.
func (s *StateStore) OnUserDisconnect(module string) {
	s.update(module, func(st *ModuleState) {
		st.Enabled = false
		st.DeviceConnected = false
	})
}

// OnInternalModuleClosed marks an internal module as not running while
// keeping it enabled.
func (s *StateStore) OnInternalModuleClosed(module string) {
	s.update(module, func(st *ModuleState) {
		st.DeviceConnected = false
	})
}

// OnModuleCrash records that a module went down without user intent;
// the connection flag is kept so the device reconnects next run.
func (s *StateStore) OnModuleCrash(module string) {
	s.update(module, func(st *ModuleState) {})
}

// SetEnabled persists a module's enablement.
func (s *StateStore) SetEnabled(module string, enabled bool) {
	s.update(module, func(st *ModuleState) {
		st.Enabled = enabled
	})
}

func (s *StateStore) update(module string, mutate func(*ModuleState)) {
	s.mu.Lock()
	st := s.states[module]
	mutate(&st)
	s.states[module] = st
	data, err := yaml.Marshal(s.states)
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("failed to marshal state store", "error", err)
		return
	}
	if err := renameio.WriteFile(s.path, data, 0o644); err != nil {
		s.logger.Error("failed to write state store", "path", s.path, "error", err)
	}
}
