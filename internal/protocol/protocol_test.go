// SPDX-License-Identifier: MIT

package protocol

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStatus(t *testing.T) {
	tests := []struct {
		name     string
		line     string
		wantOK   bool
		wantType string
	}{
		{
			name:     "ready status",
			line:     `{"status": "ready"}`,
			wantOK:   true,
			wantType: StatusReady,
		},
		{
			name:     "device_ready with payload",
			line:     `{"status": "device_ready", "command_id": "DRT:ACM0:1", "payload": {"device_id": "ACM0"}}`,
			wantOK:   true,
			wantType: StatusDeviceReady,
		},
		{
			name:   "plain log line",
			line:   "starting capture loop",
			wantOK: false,
		},
		{
			name:   "empty line",
			line:   "   ",
			wantOK: false,
		},
		{
			name:   "json without status key",
			line:   `{"level": "info", "msg": "hi"}`,
			wantOK: false,
		},
		{
			name:   "malformed json",
			line:   `{"status": "ready`,
			wantOK: false,
		},
		{
			name:     "unknown status type still parses",
			line:     `{"status": "battery_level", "payload": {"pct": 82}}`,
			wantOK:   true,
			wantType: "battery_level",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st, ok := ParseStatus(tt.line)
			require.Equal(t, tt.wantOK, ok)
			if ok {
				assert.Equal(t, tt.wantType, st.Type)
			}
		})
	}
}

func TestStatusPayloadAccessors(t *testing.T) {
	st, ok := ParseStatus(`{"status": "device_error", "payload": {"error": "serial timeout", "attempt": 2}}`)
	require.True(t, ok)

	assert.Equal(t, "serial timeout", st.Error())
	assert.Equal(t, 2, st.PayloadInt("attempt", 0))
	assert.Equal(t, 7, st.PayloadInt("missing", 7))
	assert.Equal(t, "", st.PayloadString("missing"))
}

func TestStatusErrorDefault(t *testing.T) {
	st, ok := ParseStatus(`{"status": "device_error"}`)
	require.True(t, ok)
	assert.Equal(t, "unknown error", st.Error())
}

func TestAssignDevice(t *testing.T) {
	line := AssignDevice(DeviceParams{
		DeviceID:    "ACM0",
		DeviceType:  "serial",
		Port:        "/dev/ttyACM0",
		Baudrate:    115200,
		DisplayName: "DRT box",
	}, "DRT:ACM0:1")

	require.True(t, strings.HasSuffix(line, "\n"), "command lines must be newline-terminated")

	var msg map[string]any
	require.NoError(t, json.Unmarshal([]byte(line), &msg))

	assert.Equal(t, CmdAssignDevice, msg["command"])
	assert.Equal(t, "DRT:ACM0:1", msg["command_id"])
	assert.Equal(t, "/dev/ttyACM0", msg["port"])
	assert.Equal(t, float64(115200), msg["baudrate"])

	// Zero-valued optional fields stay off the wire.
	_, hasCamera := msg["is_camera"]
	assert.False(t, hasCamera)
}

func TestRecordTrialFields(t *testing.T) {
	var msg map[string]any
	require.NoError(t, json.Unmarshal([]byte(Record("/data/s1", 3, "baseline")), &msg))
	assert.Equal(t, float64(3), msg["trial_number"])
	assert.Equal(t, "baseline", msg["trial_label"])

	msg = map[string]any{}
	require.NoError(t, json.Unmarshal([]byte(Record("/data/s1", 0, "")), &msg))
	_, hasTrial := msg["trial_number"]
	assert.False(t, hasTrial)
}

func TestSimpleCommands(t *testing.T) {
	tests := []struct {
		name string
		line string
		cmd  string
	}{
		{"quit", Quit(), CmdQuit},
		{"pause", Pause(), CmdPause},
		{"get_status", GetStatus(), CmdGetStatus},
		{"stop_session", StopSession(), CmdStopSession},
		{"take_snapshot", TakeSnapshot(), CmdTakeSnapshot},
		{"unassign_all", UnassignAllDevices(), CmdUnassignAllDevices},
		{"show_window", ShowWindow(), CmdShowWindow},
		{"hide_window", HideWindow(), CmdHideWindow},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var msg map[string]any
			require.NoError(t, json.Unmarshal([]byte(tt.line), &msg))
			assert.Equal(t, tt.cmd, msg["command"])
		})
	}
}

func TestXBeeData(t *testing.T) {
	var msg map[string]any
	require.NoError(t, json.Unmarshal([]byte(XBeeData("wDRT_01", "stm>")), &msg))
	assert.Equal(t, CmdXBeeData, msg["command"])
	assert.Equal(t, "wDRT_01", msg["node_id"])
	assert.Equal(t, "stm>", msg["data"])
}

// Round trip: a command built here parses back as non-status (commands
// are not statuses even though both are JSON lines).
func TestCommandIsNotStatus(t *testing.T) {
	_, ok := ParseStatus(Quit())
	assert.False(t, ok)
}
