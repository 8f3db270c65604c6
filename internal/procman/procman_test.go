// SPDX-License-Identifier: MIT

//go:build linux

package procman

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rigstack/rigd/internal/instance"
	"github.com/rigstack/rigd/internal/modreg"
	"github.com/rigstack/rigd/internal/protocol"
)

// eventSink records supervisor events.
type eventSink struct {
	mu       sync.Mutex
	statuses []protocol.Status
	exits    []bool // crashed flags
	exitCh   chan struct{}
}

func newEventSink() *eventSink {
	return &eventSink{exitCh: make(chan struct{}, 16)}
}

func (e *eventSink) StatusReceived(iid string, st protocol.Status) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.statuses = append(e.statuses, st)
}

func (e *eventSink) ProcessExited(iid string, code int, crashed bool) {
	e.mu.Lock()
	e.exits = append(e.exits, crashed)
	e.mu.Unlock()
	e.exitCh <- struct{}{}
}

func (e *eventSink) statusTypes() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.statuses))
	for i, st := range e.statuses {
		out[i] = st.Type
	}
	return out
}

// writeTestModule creates a module whose entry is a shell script that
// prints its args and then runs the given body.
func writeTestModule(t *testing.T, root, name, body string) {
	t.Helper()
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	script := "#!/bin/sh\n" + body + "\n"
	if err := os.WriteFile(filepath.Join(dir, "main_"+strings.ToLower(name)+".sh"), []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
}

func discover(t *testing.T, root string) *modreg.Registry {
	t.Helper()
	r, err := modreg.Discover(root, nil)
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func TestSpawn_UnknownModule(t *testing.T) {
	r := discover(t, t.TempDir())
	s := New(r, newEventSink(), Config{DataDir: t.TempDir()})

	if err := s.Spawn("X", "nope", instance.SpawnRequest{CameraIndex: -1}); err == nil {
		t.Fatal("expected error for unknown module")
	}
}

func TestSpawn_RoutesStatusAndExit(t *testing.T) {
	root := t.TempDir()
	writeTestModule(t, root, "GPS", `echo '{"status": "ready"}'`)
	r := discover(t, root)
	sink := newEventSink()
	s := New(r, sink, Config{DataDir: t.TempDir(), SessionPrefix: "session"})

	if err := s.Spawn("gps", "gps", instance.SpawnRequest{CameraIndex: -1}); err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	select {
	case <-sink.exitCh:
	case <-time.After(5 * time.Second):
		t.Fatal("no exit event")
	}

	// Reader drains shortly after exit.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(sink.statusTypes()) == 0 {
		time.Sleep(10 * time.Millisecond)
	}

	types := sink.statusTypes()
	if len(types) != 1 || types[0] != protocol.StatusReady {
		t.Errorf("statuses = %v, want [ready]", types)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.exits) != 1 || sink.exits[0] {
		t.Errorf("exits = %v, want one clean exit", sink.exits)
	}
	if s.Running("gps") {
		t.Error("instance still listed as running after exit")
	}
}

func TestSpawn_CrashReported(t *testing.T) {
	root := t.TempDir()
	writeTestModule(t, root, "GPS", "exit 2")
	r := discover(t, root)
	sink := newEventSink()
	s := New(r, sink, Config{DataDir: t.TempDir()})

	if err := s.Spawn("gps", "gps", instance.SpawnRequest{CameraIndex: -1}); err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	select {
	case <-sink.exitCh:
	case <-time.After(5 * time.Second):
		t.Fatal("no exit event")
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.exits) != 1 || !sink.exits[0] {
		t.Errorf("exits = %v, want one crash", sink.exits)
	}
}

func TestSpawn_ModuleCLIContract(t *testing.T) {
	root := t.TempDir()
	// Module echoes its argv as a log_message payload for inspection.
	writeTestModule(t, root, "DRT", `printf '{"status": "log_message", "payload": {"message": "%s"}}\n' "$*"`)
	r := discover(t, root)
	sink := newEventSink()
	s := New(r, sink, Config{
		DataDir:       "/data",
		SessionPrefix: "trial",
		Mode:          "gui",
		LogLevel:      "debug",
	})

	req := instance.SpawnRequest{
		Geometry:    &modreg.WindowGeometry{Width: 800, Height: 600, X: 1, Y: 2},
		CameraIndex: -1,
	}
	if err := s.Spawn("drt:ACM0", "drt", req); err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	select {
	case <-sink.exitCh:
	case <-time.After(5 * time.Second):
		t.Fatal("no exit event")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(sink.statusTypes()) == 0 {
		time.Sleep(10 * time.Millisecond)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.statuses) != 1 {
		t.Fatalf("statuses = %d, want 1", len(sink.statuses))
	}
	args := sink.statuses[0].PayloadString("message")

	for _, want := range []string{
		"--mode gui",
		"--output-dir /data",
		"--session-prefix trial",
		"--log-level debug",
		"--no-console",
		"--enable-commands",
		"--window-geometry 800x600+1+2",
	} {
		if !strings.Contains(args, want) {
			t.Errorf("argv %q missing %q", args, want)
		}
	}
	if strings.Contains(args, "--camera-index") {
		t.Errorf("argv %q has --camera-index without a camera device", args)
	}
}

func TestSpawn_CameraIndexFlag(t *testing.T) {
	root := t.TempDir()
	writeTestModule(t, root, "Cam", `printf '{"status": "log_message", "payload": {"message": "%s"}}\n' "$*"`)
	r := discover(t, root)
	sink := newEventSink()
	s := New(r, sink, Config{DataDir: "/data"})

	if err := s.Spawn("cam:0", "cam", instance.SpawnRequest{CameraIndex: 2}); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	select {
	case <-sink.exitCh:
	case <-time.After(5 * time.Second):
		t.Fatal("no exit event")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(sink.statusTypes()) == 0 {
		time.Sleep(10 * time.Millisecond)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.statuses) == 0 || !strings.Contains(sink.statuses[0].PayloadString("message"), "--camera-index 2") {
		t.Error("argv missing --camera-index 2")
	}
}

func TestSend_NoChild(t *testing.T) {
	r := discover(t, t.TempDir())
	s := New(r, newEventSink(), Config{DataDir: t.TempDir()})

	if s.Send("ghost", protocol.GetStatus()) {
		t.Error("Send succeeded with no child")
	}
	if s.SendQuit("ghost") {
		t.Error("SendQuit succeeded with no child")
	}
	// Stop/Kill on missing children are no-ops.
	if err := s.Stop(context.Background(), "ghost"); err != nil {
		t.Errorf("Stop on missing child: %v", err)
	}
	s.Kill("ghost")
}

func TestGeometryPersistedFromStatus(t *testing.T) {
	root := t.TempDir()
	writeTestModule(t, root, "VOG",
		`echo '{"status": "geometry_changed", "payload": {"x": 10, "y": 20, "width": 640, "height": 480}}'`)
	// Give the module a config file so geometry has somewhere to go.
	if err := os.WriteFile(filepath.Join(root, "VOG", "config.txt"), []byte("enabled = true\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	r := discover(t, root)
	sink := newEventSink()
	s := New(r, sink, Config{DataDir: t.TempDir()})

	if err := s.Spawn("vog", "vog", instance.SpawnRequest{CameraIndex: -1}); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	select {
	case <-sink.exitCh:
	case <-time.After(5 * time.Second):
		t.Fatal("no exit event")
	}

	mod, _ := r.Get("vog")
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		cfg, err := modreg.ReadConfig(mod.ConfigPath)
		if err == nil && cfg["window_geometry"] == "640x480+10+20" {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("geometry not persisted to module config")
}

func TestStopAll(t *testing.T) {
	root := t.TempDir()
	writeTestModule(t, root, "GPS", "read line; exit 0")
	r := discover(t, root)
	sink := newEventSink()
	s := New(r, sink, Config{DataDir: t.TempDir(), StopTimeout: 3 * time.Second})

	if err := s.Spawn("gps", "gps", instance.SpawnRequest{CameraIndex: -1}); err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	s.StopAll(context.Background())

	if got := s.RunningInstances(); len(got) != 0 {
		t.Errorf("RunningInstances = %v after StopAll", got)
	}
}
