// SPDX-License-Identifier: MIT

package session

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

// fakeTargets scripts the instance fleet.
type fakeTargets struct {
	mu          sync.Mutex
	running     []string
	initialized map[string]bool
	sendFails   map[string]bool
	sent        map[string][]string
}

func newFakeTargets(running ...string) *fakeTargets {
	init := make(map[string]bool, len(running))
	for _, id := range running {
		init[id] = true
	}
	return &fakeTargets{
		running:     running,
		initialized: init,
		sendFails:   make(map[string]bool),
		sent:        make(map[string][]string),
	}
}

func (f *fakeTargets) RunningInstances() []string { return f.running }

func (f *fakeTargets) Initialized(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.initialized[id]
}

func (f *fakeTargets) Send(id, line string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendFails[id] {
		return false
	}
	f.sent[id] = append(f.sent[id], line)
	return true
}

func (f *fakeTargets) sentCommands(id string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.sent[id]))
	for _, line := range f.sent[id] {
		var msg map[string]any
		if json.Unmarshal([]byte(line), &msg) == nil {
			out = append(out, msg["command"].(string))
		}
	}
	return out
}

func TestStartSession(t *testing.T) {
	targets := newFakeTargets("drt:ACM0", "gps")
	dataDir := t.TempDir()
	c := NewController(targets, dataDir, "trial", nil)

	mock := clock.NewMock()
	mock.Set(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	c.setClock(mock)

	results, err := c.StartSession()
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if len(results) != 2 || !results["drt:ACM0"] || !results["gps"] {
		t.Errorf("results = %v", results)
	}

	wantDir := filepath.Join(dataDir, "trial_20260801_120000")
	if c.SessionDir() != wantDir {
		t.Errorf("SessionDir = %q, want %q", c.SessionDir(), wantDir)
	}
	if _, err := os.Stat(wantDir); err != nil {
		t.Errorf("session dir not created: %v", err)
	}

	// The session dir rides inside the command.
	line := targets.sent["gps"][0]
	if !strings.Contains(line, "trial_20260801_120000") {
		t.Errorf("command lacks session dir: %s", line)
	}
}

func TestStartSession_SkipsUninitialized(t *testing.T) {
	targets := newFakeTargets("drt:ACM0", "warming-up")
	targets.initialized["warming-up"] = false
	c := NewController(targets, t.TempDir(), "s", nil)

	results, err := c.StartSession()
	if err != nil {
		t.Fatal(err)
	}
	if results["warming-up"] {
		t.Error("uninitialized instance reported success")
	}
	if len(targets.sent["warming-up"]) != 0 {
		t.Error("command sent to uninitialized instance")
	}
	if !results["drt:ACM0"] {
		t.Error("healthy instance failed")
	}
}

func TestRecord_GuardsDoubleRecording(t *testing.T) {
	targets := newFakeTargets("drt:ACM0")
	c := NewController(targets, t.TempDir(), "s", nil)

	if _, err := c.Record(1, "baseline"); err != nil {
		t.Fatalf("first Record: %v", err)
	}
	if !c.Recording() {
		t.Error("recording flag not set")
	}
	if _, err := c.Record(2, "dual-task"); err == nil {
		t.Error("second Record while recording should fail")
	}

	cmds := targets.sentCommands("drt:ACM0")
	if len(cmds) != 1 || cmds[0] != "record" {
		t.Errorf("commands = %v", cmds)
	}
}

func TestPause_ClearsFlagOnlyOnFullSuccess(t *testing.T) {
	targets := newFakeTargets("a", "b")
	c := NewController(targets, t.TempDir(), "s", nil)

	if _, err := c.Record(1, ""); err != nil {
		t.Fatal(err)
	}

	targets.mu.Lock()
	targets.sendFails["b"] = true
	targets.mu.Unlock()

	results := c.Pause()
	if results["b"] {
		t.Error("failed send reported success")
	}
	if !c.Recording() {
		t.Error("recording flag cleared despite partial failure")
	}

	targets.mu.Lock()
	targets.sendFails["b"] = false
	targets.mu.Unlock()

	c.Pause()
	if c.Recording() {
		t.Error("recording flag not cleared after full success")
	}
}

func TestStopSession_ResetsSessionDir(t *testing.T) {
	targets := newFakeTargets("a")
	c := NewController(targets, t.TempDir(), "s", nil)

	first, err := c.EnsureSessionDir()
	if err != nil {
		t.Fatal(err)
	}

	c.StopSession()
	if c.SessionDir() != "" {
		t.Error("session dir kept after StopSession")
	}

	mock := clock.NewMock()
	mock.Set(time.Date(2026, 8, 1, 13, 0, 0, 0, time.UTC))
	c.setClock(mock)

	second, err := c.EnsureSessionDir()
	if err != nil {
		t.Fatal(err)
	}
	if first == second {
		t.Error("second session reused the first session dir")
	}
}

func TestEnsureSessionDir_Stable(t *testing.T) {
	c := NewController(newFakeTargets(), t.TempDir(), "s", nil)
	a, err := c.EnsureSessionDir()
	if err != nil {
		t.Fatal(err)
	}
	b, err := c.EnsureSessionDir()
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Errorf("session dir changed between calls: %q vs %q", a, b)
	}
}

func TestGetStatus(t *testing.T) {
	targets := newFakeTargets("a", "b")
	c := NewController(targets, t.TempDir(), "s", nil)

	results := c.GetStatus()
	if len(results) != 2 || !results["a"] || !results["b"] {
		t.Errorf("results = %v", results)
	}
	if cmds := targets.sentCommands("a"); len(cmds) != 1 || cmds[0] != "get_status" {
		t.Errorf("commands = %v", cmds)
	}
}
