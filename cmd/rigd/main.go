// SPDX-License-Identifier: MIT

// rigd is the multi-module data acquisition master: it discovers
// sensor modules, launches each as an isolated child process, binds
// discovered devices to module instances, and drives synchronized
// recording sessions.
package main

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/rigstack/rigd/internal/app"
	"github.com/rigstack/rigd/internal/config"
	"github.com/rigstack/rigd/internal/logging"
	"github.com/rigstack/rigd/internal/modreg"
)

// Version information (set via ldflags during build).
var (
	Version   = "dev"
	GitCommit = "none"
	BuildDate = "unknown"
)

const (
	exitSuccess   = 0
	exitError     = 1
	exitInterrupt = 130
)

func main() {
	os.Exit(run())
}

func run() int {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		if errors.Is(err, app.ErrInterrupted) {
			return exitInterrupt
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitError
	}
	return exitSuccess
}

func newRootCmd() *cobra.Command {
	var (
		configPath    string
		dataDir       string
		modulesDir    string
		sessionPrefix string
		mode          string
		logLevel      string
		console       bool
	)

	root := &cobra.Command{
		Use:           "rigd",
		Short:         "Multi-module data acquisition orchestrator",
		Version:       fmt.Sprintf("%s (commit %s, built %s)", Version, GitCommit, BuildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			// Flags the user set override file and environment.
			flags := cmd.Flags()
			if flags.Changed("data-dir") {
				cfg.DataDir = dataDir
			}
			if flags.Changed("modules-dir") {
				cfg.ModulesDir = modulesDir
			}
			if flags.Changed("session-prefix") {
				cfg.SessionPrefix = sessionPrefix
			}
			if flags.Changed("mode") {
				cfg.Mode = mode
			}
			if flags.Changed("log-level") {
				cfg.LogLevel = logLevel
			}
			if flags.Changed("console") || flags.Changed("no-console") {
				cfg.Console = console
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			logger, closeLog, err := logging.Setup(cfg.DataDir, cfg.LogLevel, cfg.Console)
			if err != nil {
				return err
			}
			defer func() { _ = closeLog() }()

			system, err := app.New(app.Options{Config: cfg, Logger: logger})
			if err != nil {
				return err
			}

			err = system.Run(cmd.Context())
			if err != nil && !errors.Is(err, app.ErrInterrupted) {
				// Fatal errors still converge on the shutdown
				// coordinator before the process exits.
				system.Shutdowner().InitiateShutdown("exception")
			}
			return err
		},
	}

	flags := root.Flags()
	flags.StringVar(&configPath, "config", "", "path to config.yaml")
	flags.StringVar(&dataDir, "data-dir", "", "data directory for logs, state, and sessions")
	flags.StringVar(&modulesDir, "modules-dir", "", "directory containing module packages")
	flags.StringVar(&sessionPrefix, "session-prefix", "", "prefix for session directory names")
	flags.StringVar(&mode, "mode", "", "run mode: gui, interactive, or cli")
	flags.StringVar(&logLevel, "log-level", "", "debug, info, warning, error, or critical")
	flags.BoolVar(&console, "console", true, "mirror logs to the console")
	flags.Bool("no-console", false, "disable console log mirroring")
	root.PreRun = func(cmd *cobra.Command, args []string) {
		if noConsole, _ := cmd.Flags().GetBool("no-console"); noConsole {
			console = false
		}
	}

	root.AddCommand(newRunModuleCmd())
	return root
}

// newRunModuleCmd is the frozen-binary dispatch: a bundled master
// re-execs itself as "rigd run-module <id> ..." to launch a module.
func newRunModuleCmd() *cobra.Command {
	var modulesDir string

	cmd := &cobra.Command{
		Use:    "run-module <module-id> [module args...]",
		Hidden: true,
		Args:   cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			moduleID := args[0]

			registry, err := modreg.Discover(modulesDir, nil)
			if err != nil {
				return err
			}
			mod, ok := registry.Get(moduleID)
			if !ok {
				return fmt.Errorf("unknown module %q", moduleID)
			}

			entry, err := filepath.Abs(mod.EntryPoint)
			if err != nil {
				return err
			}

			// #nosec G204 - entry point comes from module discovery
			child := exec.Command(entry, args[1:]...)
			child.Stdin = os.Stdin
			child.Stdout = os.Stdout
			child.Stderr = os.Stderr
			return child.Run()
		},
	}

	cmd.Flags().StringVar(&modulesDir, "modules-dir", "modules", "directory containing module packages")
	// Everything after the module id belongs to the module, not to us.
	cmd.Flags().SetInterspersed(false)
	return cmd
}
