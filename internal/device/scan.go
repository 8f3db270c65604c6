// SPDX-License-Identifier: MIT

package device

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// serialDeviceRegex matches the tty device names modules bind to.
// Examples: "ttyACM0", "ttyUSB1".
var serialDeviceRegex = regexp.MustCompile(`^tty(ACM|USB)[0-9]+$`)

// ScanSerialPorts walks devDir (normally /dev) and returns the serial
// devices present, classified against the given specs by their
// by-id symlink names when available.
//
// A device whose by-id name contains a spec's module id (case
// insensitive) is assigned to that module; everything else is reported
// unowned so the UI can show it without a connect action.
func ScanSerialPorts(devDir string, specs []Spec) []Info {
	entries, err := os.ReadDir(devDir)
	if err != nil {
		return nil
	}

	byID := readByIDLinks(filepath.Join(devDir, "serial", "by-id"))

	var out []Info
	for _, e := range entries {
		name := e.Name()
		if !serialDeviceRegex.MatchString(name) {
			continue
		}

		port := filepath.Join(devDir, name)
		deviceID := strings.TrimPrefix(name, "tty")
		label := byID[name]

		info := Info{
			DeviceID:    deviceID,
			Type:        TypeSerial,
			DisplayName: displayNameFor(label, deviceID),
			Port:        port,
		}

		for _, s := range specs {
			if s.Type != TypeSerial || s.ModuleID == "" {
				continue
			}
			if label != "" && strings.Contains(strings.ToLower(label), strings.ToLower(s.ModuleID)) {
				info.ModuleID = s.ModuleID
				info.Baudrate = s.Baudrate
				break
			}
		}

		out = append(out, info)
	}
	return out
}

// readByIDLinks maps tty device names to their stable by-id names.
func readByIDLinks(byIDDir string) map[string]string {
	entries, err := os.ReadDir(byIDDir)
	if err != nil {
		return nil
	}

	out := make(map[string]string)
	for _, e := range entries {
		target, err := os.Readlink(filepath.Join(byIDDir, e.Name()))
		if err != nil {
			continue
		}
		out[filepath.Base(target)] = e.Name()
	}
	return out
}

func displayNameFor(label, deviceID string) string {
	if label == "" {
		return deviceID
	}
	// by-id names look like "usb-Arduino_DRT_12345-if00"; trim the
	// bus prefix and interface suffix for display.
	label = strings.TrimPrefix(label, "usb-")
	if i := strings.LastIndex(label, "-if"); i > 0 {
		label = label[:i]
	}
	return strings.ReplaceAll(label, "_", " ")
}
