// SPDX-License-Identifier: MIT

package modreg

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/google/renameio/v2"
)

// ReadConfig parses a flat "key = value" module config file.
// Blank lines and lines starting with '#' are ignored.
func ReadConfig(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := make(map[string]string)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		cfg[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return cfg, nil
}

// WriteConfig applies updates to a module config file, preserving
// comments, blank lines, and the order of existing keys. Keys not
// already present are appended. The write is atomic.
func WriteConfig(path string, updates map[string]string) error {
	var lines []string
	if data, err := os.ReadFile(path); err == nil {
		lines = strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("read config: %w", err)
	}

	remaining := make(map[string]string, len(updates))
	for k, v := range updates {
		remaining[k] = v
	}

	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		key, _, ok := strings.Cut(trimmed, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if v, ok := remaining[key]; ok {
			lines[i] = key + " = " + v
			delete(remaining, key)
		}
	}

	// Append new keys in sorted order for stable output.
	appended := make([]string, 0, len(remaining))
	for k := range remaining {
		appended = append(appended, k)
	}
	sortStrings(appended)
	for _, k := range appended {
		lines = append(lines, k+" = "+remaining[k])
	}

	content := strings.Join(lines, "\n") + "\n"
	if err := renameio.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j] < s[j-1]; j-- {
			s[j], s[j-1] = s[j-1], s[j]
		}
	}
}

// WindowGeometry is a module window position in "WxH+X+Y" terms.
type WindowGeometry struct {
	Width  int
	Height int
	X      int
	Y      int
}

// String renders the geometry in the WxH+X+Y form modules accept.
func (g WindowGeometry) String() string {
	return fmt.Sprintf("%dx%d+%d+%d", g.Width, g.Height, g.X, g.Y)
}

// ParseGeometry parses "WxH+X+Y". X and Y may be negative
// (multi-monitor layouts place windows at negative offsets).
func ParseGeometry(s string) (WindowGeometry, error) {
	var g WindowGeometry

	size, rest, ok := cutAny(s, "+-")
	if !ok {
		return g, fmt.Errorf("invalid geometry %q", s)
	}
	w, h, ok := strings.Cut(size, "x")
	if !ok {
		return g, fmt.Errorf("invalid geometry %q", s)
	}

	var err error
	if g.Width, err = strconv.Atoi(w); err != nil {
		return g, fmt.Errorf("invalid geometry width %q", s)
	}
	if g.Height, err = strconv.Atoi(h); err != nil {
		return g, fmt.Errorf("invalid geometry height %q", s)
	}

	// rest is "+X+Y" with signs retained by cutAny.
	coords := splitSigned(rest)
	if len(coords) != 2 {
		return g, fmt.Errorf("invalid geometry offsets %q", s)
	}
	if g.X, err = strconv.Atoi(coords[0]); err != nil {
		return g, fmt.Errorf("invalid geometry x %q", s)
	}
	if g.Y, err = strconv.Atoi(coords[1]); err != nil {
		return g, fmt.Errorf("invalid geometry y %q", s)
	}
	return g, nil
}

// LoadGeometry reads persisted window geometry from a module config.
// Instance-specific keys (window_x.<iid> style) are not used; geometry
// is stored per config file. Returns nil when nothing was persisted.
func LoadGeometry(cfg map[string]string) *WindowGeometry {
	if s, ok := cfg["window_geometry"]; ok && s != "" {
		if g, err := ParseGeometry(s); err == nil {
			return &g
		}
	}

	x := atoiDefault(cfg["window_x"], 0)
	y := atoiDefault(cfg["window_y"], 0)
	if x == 0 && y == 0 {
		return nil
	}
	return &WindowGeometry{
		Width:  atoiDefault(cfg["window_width"], 800),
		Height: atoiDefault(cfg["window_height"], 600),
		X:      x,
		Y:      y,
	}
}

// GeometryUpdates renders a geometry as the config keys persisted on
// geometry_changed statuses.
func GeometryUpdates(g WindowGeometry) map[string]string {
	return map[string]string{
		"window_x":        strconv.Itoa(g.X),
		"window_y":        strconv.Itoa(g.Y),
		"window_width":    strconv.Itoa(g.Width),
		"window_height":   strconv.Itoa(g.Height),
		"window_geometry": g.String(),
	}
}

func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return def
	}
	return n
}

// cutAny splits s at the first occurrence of any rune in chars, keeping
// the separator at the start of the tail (signs matter for offsets).
func cutAny(s, chars string) (head, tail string, ok bool) {
	if i := strings.IndexAny(s, chars); i >= 0 {
		return s[:i], s[i:], true
	}
	return s, "", false
}

// splitSigned splits "+X+Y" / "+X-Y" style offset strings into signed
// number tokens.
func splitSigned(s string) []string {
	var out []string
	start := 0
	for i, r := range s {
		if i > 0 && (r == '+' || r == '-') {
			out = append(out, trimPlus(s[start:i]))
			start = i
		}
	}
	if start < len(s) {
		out = append(out, trimPlus(s[start:]))
	}
	return out
}

func trimPlus(s string) string {
	return strings.TrimPrefix(s, "+")
}
