// SPDX-License-Identifier: MIT

package app

import (
	"fmt"
	"time"

	"github.com/rigstack/rigd/internal/device"
	"github.com/rigstack/rigd/internal/instance"
	"github.com/rigstack/rigd/internal/menu"
	"github.com/rigstack/rigd/internal/protocol"
	"github.com/rigstack/rigd/internal/reconciler"
	"github.com/rigstack/rigd/internal/util"
)

// supervisorEvents adapts the System to the process supervisor's event
// sink.
type supervisorEvents System

func (e *supervisorEvents) StatusReceived(instanceID string, st protocol.Status) {
	s := (*System)(e)

	s.instances.OnStatusMessage(instanceID, st)

	// Recording statuses ride through to the module-level view.
	switch st.Type {
	case protocol.StatusRecordingStarted:
		s.recon.SetActualState(moduleOf(instanceID), reconciler.Recording, "")
	case protocol.StatusRecordingStopped:
		s.recon.SetActualState(moduleOf(instanceID), reconciler.Idle, "")
	}
}

func (e *supervisorEvents) ProcessExited(instanceID string, exitCode int, crashed bool) {
	s := (*System)(e)
	module := moduleOf(instanceID)

	info, known := s.instances.Get(instanceID)

	s.instances.OnProcessExit(instanceID)

	if s.relay != nil {
		s.relay.UnbindInstance(instanceID)
	}

	if !crashed {
		return
	}

	s.recon.SetActualState(module, reconciler.Crashed,
		fmt.Sprintf("process exited with code %d", exitCode))

	if known && info.DeviceID != "" {
		s.coord.CleanupDeviceDisconnect(info.DeviceID, module, true)
	}

	// Crash restart with backoff, only while the user still wants the
	// module running.
	if s.recon.IsEnabled(module) {
		delay := s.backoff.NextDelay(module)
		s.logger.Info("scheduling crash restart", "module", module, "delay", delay.String())
		time.AfterFunc(delay, func() {
			defer util.Recover("crash-restart-"+module, s.logger)
			if s.recon.IsEnabled(module) && !s.shutdowner.Complete() {
				s.recon.SetDesiredState(module, true, true)
			}
		})
	}
}

// stateStoreAdapter exposes the reconciler state store through the
// device coordinator's interface.
type stateStoreAdapter reconciler.StateStore

func (a *stateStoreAdapter) store() *reconciler.StateStore {
	return (*reconciler.StateStore)(a)
}

func (a *stateStoreAdapter) LoadModuleState(module string) device.PersistedState {
	st := a.store().LoadModuleState(module)
	return device.PersistedState{Enabled: st.Enabled, DeviceConnected: st.DeviceConnected}
}

func (a *stateStoreAdapter) OnUserDisconnect(module string)      { a.store().OnUserDisconnect(module) }
func (a *stateStoreAdapter) OnInternalModuleClosed(module string) {
	a.store().OnInternalModuleClosed(module)
}
func (a *stateStoreAdapter) OnDeviceConnected(module string) { a.store().OnDeviceConnected(module) }
func (a *stateStoreAdapter) OnModuleCrash(module string)     { a.store().OnModuleCrash(module) }

// sessionTargets adapts the System to the session controller's view of
// the instance fleet.
type sessionTargets System

func (t *sessionTargets) RunningInstances() []string {
	return (*System)(t).procs.RunningInstances()
}

func (t *sessionTargets) Initialized(instanceID string) bool {
	switch (*System)(t).instances.StateOf(instanceID) {
	case instance.Running, instance.Connected:
		return true
	}
	return false
}

func (t *sessionTargets) Send(instanceID, line string) bool {
	return (*System)(t).procs.Send(instanceID, line)
}

// menuController adapts the System to the interactive shell.
type menuController System

func (m *menuController) Devices() []menu.DeviceRow {
	s := (*System)(m)
	var rows []menu.DeviceRow
	for _, d := range s.devices.Devices() {
		connected, connecting := s.instances.UIState(d.DeviceID)
		rows = append(rows, menu.DeviceRow{
			DeviceID:    d.DeviceID,
			DisplayName: d.DisplayName,
			ModuleID:    d.ModuleID,
			Connected:   connected,
			Connecting:  connecting,
		})
	}
	return rows
}

func (m *menuController) Connect(deviceID string) bool {
	return (*System)(m).coord.ConnectAndStart(deviceID)
}

func (m *menuController) Disconnect(deviceID string) bool {
	return (*System)(m).coord.StopAndDisconnect(deviceID)
}

func (m *menuController) StartSession() (map[string]bool, error) {
	return (*System)(m).sessions.StartSession()
}

func (m *menuController) StopSession() map[string]bool {
	return (*System)(m).sessions.StopSession()
}

func (m *menuController) Record(trialNumber int, trialLabel string) (map[string]bool, error) {
	return (*System)(m).sessions.Record(trialNumber, trialLabel)
}

func (m *menuController) Pause() map[string]bool {
	return (*System)(m).sessions.Pause()
}

func (m *menuController) StatusText() string {
	s := (*System)(m)
	running := s.procs.RunningInstances()
	text := fmt.Sprintf("%d instance(s) running", len(running))
	for _, id := range running {
		info, ok := s.instances.Get(id)
		if !ok {
			continue
		}
		text += fmt.Sprintf("\n  %-24s %s", id, info.State.String())
		if info.ErrorMessage != "" {
			text += " (" + info.ErrorMessage + ")"
		}
	}
	if dir := s.sessions.SessionDir(); dir != "" {
		text += "\nsession: " + dir
	}
	return text
}

func (m *menuController) Quit() {
	s := (*System)(m)
	util.Go("menu-quit", s.logger, func() {
		s.shutdowner.InitiateShutdown("ui")
	})
}
