// SPDX-License-Identifier: MIT

package reconciler

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rigstack/rigd/internal/modreg"
)

func TestConfigPersistence(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.txt")
	require.NoError(t, os.WriteFile(cfgPath, []byte("enabled = true\ndisplay_name = GPS\n"), 0o644))

	p := NewConfigPersistence([]modreg.ModuleInfo{
		{ID: "gps", ConfigPath: cfgPath},
		{ID: "noconfig"},
	}, nil)

	r := New(nil, nil)
	r.Register("gps")
	r.AddObserver(p.Observe, DesiredStateChanged)

	// Mirror the file's enabled = true; a registered module starts
	// disabled, so only a real change to disabled emits an event.
	r.SetDesiredState("gps", true, false)
	r.SetDesiredState("gps", false, false)

	cfg, err := modreg.ReadConfig(cfgPath)
	require.NoError(t, err)
	assert.Equal(t, "false", cfg["enabled"])
	assert.Equal(t, "GPS", cfg["display_name"], "unrelated keys preserved")

	// Module without a config file: no write, no panic.
	r.Register("noconfig")
	r.SetDesiredState("noconfig", true, false)
}

func TestConfigPersistence_IgnoresOtherEvents(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.txt")
	require.NoError(t, os.WriteFile(cfgPath, []byte("enabled = true\n"), 0o644))

	p := NewConfigPersistence([]modreg.ModuleInfo{{ID: "gps", ConfigPath: cfgPath}}, nil)
	p.Observe(StateChange{Event: ActualStateChanged, Module: "gps", NewValue: Crashed})

	cfg, err := modreg.ReadConfig(cfgPath)
	require.NoError(t, err)
	assert.Equal(t, "true", cfg["enabled"], "actual-state events must not touch config")
}

func TestStateStore_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "module_states.yaml")

	s, err := OpenStateStore(path, nil)
	require.NoError(t, err)

	s.OnDeviceConnected("drt")
	s.OnInternalModuleClosed("notes")
	s.SetEnabled("gps", true)

	// Reopen from disk.
	s2, err := OpenStateStore(path, nil)
	require.NoError(t, err)

	drt := s2.LoadModuleState("drt")
	assert.True(t, drt.Enabled)
	assert.True(t, drt.DeviceConnected)

	gps := s2.LoadModuleState("gps")
	assert.True(t, gps.Enabled)
	assert.False(t, gps.DeviceConnected)

	unknown := s2.LoadModuleState("never-seen")
	assert.False(t, unknown.Enabled)
}

func TestStateStore_UserDisconnectDisables(t *testing.T) {
	path := filepath.Join(t.TempDir(), "module_states.yaml")
	s, err := OpenStateStore(path, nil)
	require.NoError(t, err)

	s.OnDeviceConnected("drt")
	s.OnUserDisconnect("drt")

	st := s.LoadModuleState("drt")
	assert.False(t, st.Enabled, "user disconnect must disable auto-reconnect")
	assert.False(t, st.DeviceConnected)
}

func TestStateStore_CorruptFileStartsFresh(t *testing.T) {
	path := filepath.Join(t.TempDir(), "module_states.yaml")
	require.NoError(t, os.WriteFile(path, []byte(":\nnot yaml at all ["), 0o644))

	s, err := OpenStateStore(path, nil)
	require.NoError(t, err)
	assert.False(t, s.LoadModuleState("x").Enabled)
}

func TestBackoff(t *testing.T) {
	b := NewBackoff(time.Second, 8*time.Second, time.Hour)

	assert.Equal(t, time.Second, b.NextDelay("m"))
	assert.Equal(t, 2*time.Second, b.NextDelay("m"))
	assert.Equal(t, 4*time.Second, b.NextDelay("m"))
	assert.Equal(t, 8*time.Second, b.NextDelay("m"))
	assert.Equal(t, 8*time.Second, b.NextDelay("m"), "capped at max")

	// Independent per module.
	assert.Equal(t, time.Second, b.NextDelay("other"))

	b.Reset("m")
	assert.Equal(t, time.Second, b.NextDelay("m"))
}

func TestBackoff_LongRunResets(t *testing.T) {
	b := NewBackoff(time.Second, 8*time.Second, 10*time.Millisecond)

	b.NextDelay("m")
	b.NextDelay("m")

	b.NoteStart("m")
	time.Sleep(20 * time.Millisecond) // outlive the success threshold

	assert.Equal(t, time.Second, b.NextDelay("m"), "long run resets the schedule")
}
