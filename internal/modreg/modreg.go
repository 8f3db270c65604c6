// SPDX-License-Identifier: MIT

// Package modreg discovers the modules available to the master process.
//
// A module is a directory under the modules root containing exactly one
// entry point named main_<id> (any file extension), plus an optional
// colocated config.txt of flat "key = value" lines. A module is emitted
// only when it is visible and its platforms list matches the current
// platform.
package modreg

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
)

// ModuleInfo describes one discovered module.
type ModuleInfo struct {
	ID          string // Lowercase identifier from the entry name (e.g., "drt")
	Name        string // Directory name (e.g., "DRT")
	DisplayName string // From config display_name, falls back to Name
	Dir         string // Module directory
	EntryPoint  string // Path to the main_<id> entry file

	// ConfigPath is the writable config location; ConfigTemplatePath is
	// the in-tree template it was resolved from. They are equal when the
	// tree itself is writable.
	ConfigPath         string
	ConfigTemplatePath string

	Internal      bool     // Software-only module; no hardware to assign
	MultiInstance bool     // One instance per connected device
	Platforms     []string // Platform tags; "*" matches everything
}

// HasConfig reports whether the module carries a config file.
func (m ModuleInfo) HasConfig() bool {
	return m.ConfigPath != ""
}

// Registry holds the discovered module set, keyed by module id.
type Registry struct {
	modules map[string]ModuleInfo
	ordered []ModuleInfo
	logger  *slog.Logger
}

// Discover walks modulesDir and builds a Registry.
//
// Modules are sorted deterministically by directory name. Hidden
// directories and directories without an entry point are skipped.
func Discover(modulesDir string, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	entries, err := os.ReadDir(modulesDir)
	if err != nil {
		return nil, fmt.Errorf("read modules dir: %w", err)
	}

	r := &Registry{modules: make(map[string]ModuleInfo), logger: logger}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") && e.Name() != "base" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		dir := filepath.Join(modulesDir, name)
		info, ok := inspectModule(dir, name, logger)
		if !ok {
			continue
		}
		if !platformMatches(info.Platforms) {
			logger.Debug("module skipped: platform mismatch", "module", info.ID, "platforms", info.Platforms)
			continue
		}
		r.modules[info.ID] = info
		r.ordered = append(r.ordered, info)
	}

	logger.Info("module discovery complete", "count", len(r.ordered), "dir", modulesDir)
	return r, nil
}

// Get returns the module with the given id.
func (r *Registry) Get(moduleID string) (ModuleInfo, bool) {
	m, ok := r.modules[moduleID]
	return m, ok
}

// Modules returns all discovered modules in directory order.
func (r *Registry) Modules() []ModuleInfo {
	out := make([]ModuleInfo, len(r.ordered))
	copy(out, r.ordered)
	return out
}

// IsInternal reports whether moduleID names an internal module.
// Unknown modules are not internal.
func (r *Registry) IsInternal(moduleID string) bool {
	m, ok := r.modules[moduleID]
	return ok && m.Internal
}

// inspectModule examines one candidate directory.
func inspectModule(dir, name string, logger *slog.Logger) (ModuleInfo, bool) {
	matches, err := filepath.Glob(filepath.Join(dir, "main_*"))
	if err != nil || len(matches) == 0 {
		return ModuleInfo{}, false
	}
	sort.Strings(matches)
	entry := matches[0]
	if len(matches) > 1 {
		logger.Warn("multiple entry points, using first", "module", name, "entry", filepath.Base(entry))
	}

	id := moduleIDFromEntry(entry, name)

	info := ModuleInfo{
		ID:          id,
		Name:        name,
		DisplayName: name,
		Dir:         dir,
		EntryPoint:  entry,
		Platforms:   []string{"*"},
	}

	templatePath := filepath.Join(dir, "config.txt")
	if _, err := os.Stat(templatePath); err == nil {
		info.ConfigTemplatePath = templatePath
		info.ConfigPath = resolveWritableConfigPath(templatePath, id, logger)

		cfg, err := ReadConfig(info.ConfigPath)
		if err != nil {
			logger.Warn("module config unreadable", "module", id, "error", err)
			cfg = map[string]string{}
		}

		if v, ok := cfg["display_name"]; ok && v != "" {
			info.DisplayName = v
		}
		if !ParseBool(cfg["visible"], true) {
			logger.Debug("module skipped: not visible", "module", id)
			return ModuleInfo{}, false
		}
		info.Internal = ParseBool(cfg["internal"], false)
		info.MultiInstance = ParseBool(cfg["multi_instance"], false)
		if v, ok := cfg["platforms"]; ok && strings.TrimSpace(v) != "" {
			info.Platforms = splitList(v)
		}
	}

	return info, true
}

// moduleIDFromEntry derives the lowercase module id from main_<id>.<ext>.
func moduleIDFromEntry(entry, fallback string) string {
	base := filepath.Base(entry)
	if ext := filepath.Ext(base); ext != "" {
		base = strings.TrimSuffix(base, ext)
	}
	base = strings.ToLower(base)
	if id := strings.TrimPrefix(base, "main_"); id != "" && id != base {
		return id
	}
	return strings.ToLower(fallback)
}

// resolveWritableConfigPath returns where module config writes should go.
//
// The in-tree template is preferred; when its directory is not writable
// (bundled install), the config falls back to a user-scoped copy that is
// seeded from the template on first use.
func resolveWritableConfigPath(templatePath, moduleID string, logger *slog.Logger) string {
	dir := filepath.Dir(templatePath)
	if dirWritable(dir) {
		return templatePath
	}

	userDir, err := os.UserConfigDir()
	if err != nil {
		logger.Warn("no user config dir, module config is read-only", "module", moduleID)
		return templatePath
	}

	userPath := filepath.Join(userDir, "rigd", "modules", moduleID, "config.txt")
	if _, err := os.Stat(userPath); os.IsNotExist(err) {
		if err := copyFile(templatePath, userPath); err != nil {
			logger.Warn("failed to seed user config", "module", moduleID, "error", err)
			return templatePath
		}
	}
	return userPath
}

func dirWritable(dir string) bool {
	f, err := os.CreateTemp(dir, ".rigd-probe-*")
	if err != nil {
		return false
	}
	name := f.Name()
	_ = f.Close()
	_ = os.Remove(name)
	return true
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}

// platformMatches reports whether any tag matches the current platform.
func platformMatches(platforms []string) bool {
	for _, p := range platforms {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "*" || p == runtime.GOOS {
			return true
		}
		// "raspberry-pi" style tags count as linux
		if runtime.GOOS == "linux" && (p == "rpi" || p == "raspberry-pi") {
			return true
		}
	}
	return false
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ParseBool parses common textual booleans; empty or unrecognized input
// returns def.
func ParseBool(v string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}
