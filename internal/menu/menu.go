// SPDX-License-Identifier: MIT

// Package menu is the interactive terminal front end, built on
// charmbracelet/huh.
//
// It drives the same coordinator and session surfaces the GUI would;
// nothing here owns state.
package menu

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/charmbracelet/huh"
)

// DeviceRow is one line of the device listing.
type DeviceRow struct {
	DeviceID    string
	DisplayName string
	ModuleID    string
	Connected   bool
	Connecting  bool
}

// Controller is the application surface the menu drives.
type Controller interface {
	Devices() []DeviceRow
	Connect(deviceID string) bool
	Disconnect(deviceID string) bool

	StartSession() (map[string]bool, error)
	StopSession() map[string]bool
	Record(trialNumber int, trialLabel string) (map[string]bool, error)
	Pause() map[string]bool
	StatusText() string

	Quit()
}

// Menu is the interactive shell.
type Menu struct {
	ctrl       Controller
	input      io.Reader
	output     io.Writer
	accessible bool

	// One scanner for all scripted reads; a second scanner over the
	// same reader would swallow buffered input.
	scanner *bufio.Scanner

	trialCounter int
}

// Option configures a Menu.
type Option func(*Menu)

// WithInput sets the input reader (for testing).
func WithInput(r io.Reader) Option {
	return func(m *Menu) { m.input = r }
}

// WithOutput sets the output writer (for testing).
func WithOutput(w io.Writer) Option {
	return func(m *Menu) { m.output = w }
}

// WithAccessible enables accessible mode for screen readers.
func WithAccessible(accessible bool) Option {
	return func(m *Menu) { m.accessible = accessible }
}

// New creates the interactive shell over the given controller.
func New(ctrl Controller, opts ...Option) *Menu {
	m := &Menu{
		ctrl:   ctrl,
		input:  os.Stdin,
		output: os.Stdout,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// menu item keys, stable for scripted (non-TTY) input
const (
	keyDevices      = "d"
	keyStartSession = "s"
	keyStopSession  = "x"
	keyRecord       = "r"
	keyPause        = "p"
	keyStatus       = "i"
	keyQuit         = "q"
)

type item struct {
	key   string
	label string
}

func (m *Menu) items() []item {
	return []item{
		{keyDevices, "Devices (connect / disconnect)"},
		{keyStartSession, "Start session"},
		{keyStopSession, "Stop session"},
		{keyRecord, "Record trial"},
		{keyPause, "Pause recording"},
		{keyStatus, "Status"},
		{keyQuit, "Quit"},
	}
}

// Run displays the main menu until the user quits.
func (m *Menu) Run() error {
	if m.input != os.Stdin {
		return m.runScripted()
	}

	for {
		var options []huh.Option[string]
		for _, it := range m.items() {
			options = append(options, huh.NewOption(fmt.Sprintf("%s. %s", it.key, it.label), it.key))
		}

		var choice string
		form := huh.NewForm(huh.NewGroup(
			huh.NewSelect[string]().
				Title("rigd — data acquisition").
				Options(options...).
				Value(&choice),
		)).WithAccessible(m.accessible)

		if err := form.Run(); err != nil {
			if err == huh.ErrUserAborted {
				m.ctrl.Quit()
				return nil
			}
			return err
		}

		if done := m.dispatch(choice); done {
			return nil
		}
	}
}

// runScripted reads choices line by line (tests, piped input).
func (m *Menu) runScripted() error {
	for {
		m.render()
		_, _ = fmt.Fprint(m.output, "\nSelect option: ")
		choice, ok := m.readLine()
		if !ok {
			return nil
		}
		if choice == "" {
			continue
		}
		if done := m.dispatch(choice); done {
			return nil
		}
	}
}

// readLine reads one trimmed input line through the shared scanner.
func (m *Menu) readLine() (string, bool) {
	if m.scanner == nil {
		m.scanner = bufio.NewScanner(m.input)
	}
	if !m.scanner.Scan() {
		return "", false
	}
	return strings.TrimSpace(m.scanner.Text()), true
}

func (m *Menu) render() {
	_, _ = fmt.Fprintln(m.output, "\nrigd — data acquisition")
	for _, it := range m.items() {
		_, _ = fmt.Fprintf(m.output, "  %s. %s\n", it.key, it.label)
	}
}

// dispatch runs one menu action; returns true when the shell is done.
func (m *Menu) dispatch(choice string) bool {
	switch choice {
	case keyDevices:
		m.deviceMenu()
	case keyStartSession:
		results, err := m.ctrl.StartSession()
		if err != nil {
			_, _ = fmt.Fprintf(m.output, "Error: %v\n", err)
			return false
		}
		m.printResults("start_session", results)
	case keyStopSession:
		m.printResults("stop_session", m.ctrl.StopSession())
	case keyRecord:
		m.trialCounter++
		results, err := m.ctrl.Record(m.trialCounter, "")
		if err != nil {
			m.trialCounter--
			_, _ = fmt.Fprintf(m.output, "Error: %v\n", err)
			return false
		}
		m.printResults(fmt.Sprintf("record trial %d", m.trialCounter), results)
	case keyPause:
		m.printResults("pause", m.ctrl.Pause())
	case keyStatus:
		_, _ = fmt.Fprintln(m.output, m.ctrl.StatusText())
	case keyQuit, "0":
		m.ctrl.Quit()
		return true
	}
	return false
}

// deviceMenu toggles a device's connection.
func (m *Menu) deviceMenu() {
	rows := m.ctrl.Devices()
	if len(rows) == 0 {
		_, _ = fmt.Fprintln(m.output, "No devices discovered.")
		return
	}

	if m.input != os.Stdin {
		m.deviceMenuScripted(rows)
		return
	}

	var options []huh.Option[string]
	for _, row := range rows {
		options = append(options, huh.NewOption(deviceLabel(row), row.DeviceID))
	}
	options = append(options, huh.NewOption("back", ""))

	var choice string
	form := huh.NewForm(huh.NewGroup(
		huh.NewSelect[string]().
			Title("Devices").
			Options(options...).
			Value(&choice),
	)).WithAccessible(m.accessible)

	if err := form.Run(); err != nil || choice == "" {
		return
	}
	m.toggleDevice(choice, rows)
}

func (m *Menu) deviceMenuScripted(rows []DeviceRow) {
	for _, row := range rows {
		_, _ = fmt.Fprintf(m.output, "  %s\n", deviceLabel(row))
	}
	_, _ = fmt.Fprint(m.output, "Device id (empty to go back): ")
	choice, ok := m.readLine()
	if !ok || choice == "" {
		return
	}
	m.toggleDevice(choice, rows)
}

func (m *Menu) toggleDevice(deviceID string, rows []DeviceRow) {
	for _, row := range rows {
		if row.DeviceID != deviceID {
			continue
		}
		if row.Connected || row.Connecting {
			if m.ctrl.Disconnect(deviceID) {
				_, _ = fmt.Fprintf(m.output, "Disconnected %s\n", deviceID)
			}
		} else {
			if m.ctrl.Connect(deviceID) {
				_, _ = fmt.Fprintf(m.output, "Connecting %s...\n", deviceID)
			} else {
				_, _ = fmt.Fprintf(m.output, "Failed to connect %s\n", deviceID)
			}
		}
		return
	}
	_, _ = fmt.Fprintf(m.output, "Unknown device %q\n", deviceID)
}

func deviceLabel(row DeviceRow) string {
	state := "disconnected"
	switch {
	case row.Connected:
		state = "connected"
	case row.Connecting:
		state = "connecting"
	}
	name := row.DisplayName
	if name == "" {
		name = row.DeviceID
	}
	return fmt.Sprintf("%s [%s] (%s, %s)", row.DeviceID, name, row.ModuleID, state)
}

func (m *Menu) printResults(action string, results map[string]bool) {
	if len(results) == 0 {
		_, _ = fmt.Fprintf(m.output, "%s: no running instances\n", action)
		return
	}

	ids := make([]string, 0, len(results))
	for id := range results {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	_, _ = fmt.Fprintf(m.output, "%s:\n", action)
	for _, id := range ids {
		mark := "ok"
		if !results[id] {
			mark = "FAILED"
		}
		_, _ = fmt.Fprintf(m.output, "  %-24s %s\n", id, mark)
	}
}
