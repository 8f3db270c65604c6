// SPDX-License-Identifier: MIT

//go:build linux

package device

import (
	"os"
	"path/filepath"
	"testing"
)

// fakeDevTree lays out a /dev lookalike with tty nodes and by-id links.
func fakeDevTree(t *testing.T, ttys map[string]string) string {
	t.Helper()
	dev := t.TempDir()
	byID := filepath.Join(dev, "serial", "by-id")
	if err := os.MkdirAll(byID, 0o755); err != nil {
		t.Fatal(err)
	}

	for tty, label := range ttys {
		path := filepath.Join(dev, tty)
		if err := os.WriteFile(path, nil, 0o644); err != nil {
			t.Fatal(err)
		}
		if label != "" {
			if err := os.Symlink("../../"+tty, filepath.Join(byID, label)); err != nil {
				t.Fatal(err)
			}
		}
	}
	return dev
}

func TestScanSerialPorts(t *testing.T) {
	dev := fakeDevTree(t, map[string]string{
		"ttyACM0": "usb-Arduino_DRT_12345-if00",
		"ttyUSB0": "usb-ublox_GPS_receiver-if00",
		"ttyACM1": "",
	})
	// Non-serial noise in /dev.
	if err := os.WriteFile(filepath.Join(dev, "null"), nil, 0o644); err != nil {
		t.Fatal(err)
	}

	specs := []Spec{
		{ModuleID: "drt", Type: TypeSerial, Baudrate: 115200},
		{ModuleID: "gps", Type: TypeSerial, Baudrate: 9600},
	}

	found := ScanSerialPorts(dev, specs)
	if len(found) != 3 {
		t.Fatalf("found %d devices, want 3: %v", len(found), found)
	}

	byDevice := make(map[string]Info, len(found))
	for _, d := range found {
		byDevice[d.DeviceID] = d
	}

	drt := byDevice["ACM0"]
	if drt.ModuleID != "drt" || drt.Baudrate != 115200 {
		t.Errorf("ACM0 = %+v, want drt module at 115200", drt)
	}
	if drt.DisplayName != "Arduino DRT 12345" {
		t.Errorf("ACM0 display name = %q", drt.DisplayName)
	}
	if drt.Port != filepath.Join(dev, "ttyACM0") {
		t.Errorf("ACM0 port = %q", drt.Port)
	}

	gps := byDevice["USB0"]
	if gps.ModuleID != "gps" {
		t.Errorf("USB0 = %+v, want gps module", gps)
	}

	// No by-id label: discovered but unowned.
	anon := byDevice["ACM1"]
	if anon.ModuleID != "" {
		t.Errorf("ACM1 = %+v, want unowned", anon)
	}
}

func TestScanSerialPorts_MissingDir(t *testing.T) {
	if got := ScanSerialPorts(filepath.Join(t.TempDir(), "nope"), nil); got != nil {
		t.Errorf("scan of missing dir = %v", got)
	}
}

func TestWatcherRescan(t *testing.T) {
	dev := fakeDevTree(t, map[string]string{
		"ttyACM0": "usb-Arduino_DRT_1-if00",
	})
	specs := []Spec{{ModuleID: "drt", Type: TypeSerial}}
	registry := NewRegistry(specs, nil)

	var added []string
	w := NewWatcher(registry, dev, specs, nil)
	w.OnAdded = func(info Info) { added = append(added, info.DeviceID) }

	w.Rescan()
	if len(added) != 1 || added[0] != "ACM0" {
		t.Fatalf("added = %v", added)
	}

	// Second rescan with no change: no duplicate events.
	w.Rescan()
	if len(added) != 1 {
		t.Errorf("added after idle rescan = %v", added)
	}

	// Unplug: the device leaves the registry.
	if err := os.Remove(filepath.Join(dev, "ttyACM0")); err != nil {
		t.Fatal(err)
	}
	w.Rescan()
	if _, ok := registry.Get("ACM0"); ok {
		t.Error("unplugged device still in registry")
	}
}
