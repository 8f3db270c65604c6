// SPDX-License-Identifier: MIT

// Package protocol defines the line-delimited JSON wire format spoken
// between the master process and module child processes.
//
// Commands flow parent -> child on stdin, one JSON object per line.
// Statuses flow child -> parent on stdout, one JSON object per line.
// Stderr is free-form log text and is not part of this package.
//
// Command envelope:
//
//	{"command": "assign_device", "command_id": "DRT:ACM0:1", "port": "/dev/ttyACM0", ...}
//
// Status envelope:
//
//	{"status": "device_ready", "command_id": "DRT:ACM0:1", "payload": {"device_id": "ACM0"}}
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Command names recognized by modules.
const (
	CmdAssignDevice       = "assign_device"
	CmdUnassignDevice     = "unassign_device"
	CmdUnassignAllDevices = "unassign_all_devices"
	CmdStartSession       = "start_session"
	CmdStopSession        = "stop_session"
	CmdRecord             = "record"
	CmdPause              = "pause"
	CmdGetStatus          = "get_status"
	CmdTakeSnapshot       = "take_snapshot"
	CmdQuit               = "quit"
	CmdSetLogLevel        = "set_log_level"
	CmdShowWindow         = "show_window"
	CmdHideWindow         = "hide_window"
	CmdXBeeData           = "xbee_data"
)

// Status types emitted by modules. Unknown types are not an error; the
// reader logs them at debug and moves on.
const (
	StatusReady            = "ready"
	StatusDeviceAck        = "device_ack"
	StatusDeviceReady      = "device_ready"
	StatusDeviceError      = "device_error"
	StatusDeviceUnassigned = "device_unassigned"
	StatusQuitting         = "quitting"
	StatusRecordingStarted = "recording_started"
	StatusRecordingStopped = "recording_stopped"
	StatusGeometryChanged  = "geometry_changed"
	StatusLogMessage       = "log_message"
	StatusXBeeSend         = "xbee_send"
)

// Status is a parsed status message from a module's stdout.
type Status struct {
	Type      string         `json:"status"`
	CommandID string         `json:"command_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// ParseStatus parses one stdout line into a Status.
//
// Returns ok=false for anything that is not a status envelope: empty
// lines, non-JSON diagnostic output, or JSON without a "status" key.
// Such lines are module log output, not protocol violations.
func ParseStatus(line string) (Status, bool) {
	line = strings.TrimSpace(line)
	if line == "" || !strings.HasPrefix(line, "{") {
		return Status{}, false
	}

	var st Status
	if err := json.Unmarshal([]byte(line), &st); err != nil {
		return Status{}, false
	}
	if st.Type == "" {
		return Status{}, false
	}
	return st, true
}

// PayloadString returns a string payload field, or "" if absent.
func (s Status) PayloadString(key string) string {
	v, ok := s.Payload[key]
	if !ok {
		return ""
	}
	str, _ := v.(string)
	return str
}

// PayloadInt returns an integer payload field, or def if absent or
// not numeric. JSON numbers decode as float64.
func (s Status) PayloadInt(key string, def int) int {
	v, ok := s.Payload[key]
	if !ok {
		return def
	}
	f, ok := v.(float64)
	if !ok {
		return def
	}
	return int(f)
}

// Error returns the error field carried by device_error statuses.
// Checks the payload first, then the envelope top level is not used.
func (s Status) Error() string {
	if msg := s.PayloadString("error"); msg != "" {
		return msg
	}
	return "unknown error"
}

// DeviceParams carries the device transport details embedded in an
// assign_device command. Zero-valued fields are omitted from the wire.
type DeviceParams struct {
	DeviceID       string `json:"device_id"`
	DeviceType     string `json:"device_type,omitempty"`
	Port           string `json:"port,omitempty"`
	Baudrate       int    `json:"baudrate,omitempty"`
	SessionDir     string `json:"session_dir,omitempty"`
	IsWireless     bool   `json:"is_wireless,omitempty"`
	IsNetwork      bool   `json:"is_network,omitempty"`
	NetworkAddress string `json:"network_address,omitempty"`
	NetworkPort    int    `json:"network_port,omitempty"`
	AudioIndex     int    `json:"sounddevice_index,omitempty"`
	AudioChannels  int    `json:"audio_channels,omitempty"`
	AudioRate      int    `json:"audio_sample_rate,omitempty"`
	IsCamera       bool   `json:"is_camera,omitempty"`
	CameraType     string `json:"camera_type,omitempty"`
	CameraStableID string `json:"camera_stable_id,omitempty"`
	CameraDevPath  string `json:"camera_dev_path,omitempty"`
	CameraIndex    int    `json:"camera_index,omitempty"`
	DisplayName    string `json:"display_name,omitempty"`
}

// marshalCommand renders a command envelope as a single JSON line with
// trailing newline. extra fields are merged at the top level.
func marshalCommand(command, commandID string, extra map[string]any) string {
	msg := make(map[string]any, len(extra)+2)
	for k, v := range extra {
		msg[k] = v
	}
	msg["command"] = command
	if commandID != "" {
		msg["command_id"] = commandID
	}

	b, err := json.Marshal(msg)
	if err != nil {
		// Everything passed in here is JSON-representable; a failure is
		// a programming error worth surfacing loudly in the stream.
		return fmt.Sprintf(`{"command":%q}`, command) + "\n"
	}
	return string(b) + "\n"
}

// AssignDevice builds an assign_device command line. The commandID is
// the correlation ID of the form "<instance_id>:<attempt>".
func AssignDevice(p DeviceParams, commandID string) string {
	b, _ := json.Marshal(p)
	var extra map[string]any
	_ = json.Unmarshal(b, &extra)
	return marshalCommand(CmdAssignDevice, commandID, extra)
}

// UnassignDevice builds an unassign_device command line.
func UnassignDevice(deviceID string) string {
	return marshalCommand(CmdUnassignDevice, "", map[string]any{"device_id": deviceID})
}

// UnassignAllDevices builds an unassign_all_devices command line.
func UnassignAllDevices() string {
	return marshalCommand(CmdUnassignAllDevices, "", nil)
}

// StartSession builds a start_session command line.
func StartSession(sessionDir string) string {
	return marshalCommand(CmdStartSession, "", map[string]any{"session_dir": sessionDir})
}

// StopSession builds a stop_session command line.
func StopSession() string {
	return marshalCommand(CmdStopSession, "", nil)
}

// Record builds a record command line for the given trial.
// trialNumber <= 0 omits the trial fields.
func Record(sessionDir string, trialNumber int, trialLabel string) string {
	extra := map[string]any{"session_dir": sessionDir}
	if trialNumber > 0 {
		extra["trial_number"] = trialNumber
	}
	if trialLabel != "" {
		extra["trial_label"] = trialLabel
	}
	return marshalCommand(CmdRecord, "", extra)
}

// Pause builds a pause command line.
func Pause() string {
	return marshalCommand(CmdPause, "", nil)
}

// GetStatus builds a get_status command line.
func GetStatus() string {
	return marshalCommand(CmdGetStatus, "", nil)
}

// TakeSnapshot builds a take_snapshot command line.
func TakeSnapshot() string {
	return marshalCommand(CmdTakeSnapshot, "", nil)
}

// Quit builds a quit command line.
func Quit() string {
	return marshalCommand(CmdQuit, "", nil)
}

// SetLogLevel builds a set_log_level command line.
func SetLogLevel(level string) string {
	return marshalCommand(CmdSetLogLevel, "", map[string]any{"level": level})
}

// ShowWindow builds a show_window command line.
func ShowWindow() string {
	return marshalCommand(CmdShowWindow, "", nil)
}

// HideWindow builds a hide_window command line.
func HideWindow() string {
	return marshalCommand(CmdHideWindow, "", nil)
}

// XBeeData builds an xbee_data command relaying an inbound radio frame
// to the module that owns the wireless node.
func XBeeData(nodeID, data string) string {
	return marshalCommand(CmdXBeeData, "", map[string]any{"node_id": nodeID, "data": data})
}
