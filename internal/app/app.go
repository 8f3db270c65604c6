// SPDX-License-Identifier: MIT

// Package app assembles the master process: module discovery, the
// process supervisor, the instance state machine, the reconciler, the
// device coordinator, and the session controller, all running under a
// suture supervision tree.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/rigstack/rigd/internal/config"
	"github.com/rigstack/rigd/internal/device"
	"github.com/rigstack/rigd/internal/instance"
	"github.com/rigstack/rigd/internal/lock"
	"github.com/rigstack/rigd/internal/menu"
	"github.com/rigstack/rigd/internal/metrics"
	"github.com/rigstack/rigd/internal/modreg"
	"github.com/rigstack/rigd/internal/procman"
	"github.com/rigstack/rigd/internal/protocol"
	"github.com/rigstack/rigd/internal/reconciler"
	"github.com/rigstack/rigd/internal/session"
	"github.com/rigstack/rigd/internal/shutdown"
	"github.com/rigstack/rigd/internal/util"
	"github.com/rigstack/rigd/internal/xbee"
)

// ErrInterrupted reports a user-interrupt exit (mapped to exit code
// 130 by the CLI).
var ErrInterrupted = fmt.Errorf("interrupted")

// Options are the externally injected collaborators.
type Options struct {
	Config *config.Config
	Logger *slog.Logger

	// Radio, when non-nil, enables the XBee relay for wireless modules.
	Radio xbee.Transport

	// Frozen marks a bundled build; modules spawn via "<self>
	// run-module <id>".
	Frozen bool
}

// System is the assembled master.
type System struct {
	cfg    *config.Config
	logger *slog.Logger
	stats  *metrics.Metrics

	masterLock *lock.MasterLock
	registry   *modreg.Registry
	store      *reconciler.StateStore
	recon      *reconciler.Manager
	backoff    *reconciler.Backoff
	procs      *procman.Supervisor
	instances  *instance.Manager
	devices    *device.Registry
	identity   *device.Identity
	coord      *device.Coordinator
	sessions   *session.Controller
	relay      *xbee.Relay
	shutdowner *shutdown.Coordinator

	liveMu sync.Mutex
	live   map[string]map[string]bool // module -> live instance ids
}

// New builds the system. Nothing runs until Run.
func New(opts Options) (*System, error) {
	cfg := opts.Config
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	masterLock, err := lock.Acquire(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	registry, err := modreg.Discover(cfg.ModulesDir, logger)
	if err != nil {
		_ = masterLock.Release()
		return nil, err
	}

	store, err := reconciler.OpenStateStore(filepath.Join(cfg.DataDir, "module_states.yaml"), logger)
	if err != nil {
		_ = masterLock.Release()
		return nil, err
	}

	s := &System{
		cfg:        cfg,
		logger:     logger,
		stats:      metrics.New(),
		masterLock: masterLock,
		registry:   registry,
		store:      store,
		shutdowner: shutdown.New(logger),
		live:       make(map[string]map[string]bool),
	}

	s.recon = reconciler.New(logger, s.stats)
	s.backoff = reconciler.NewBackoff(2*time.Second, time.Minute, 5*time.Minute)

	var multiInstance []string
	for _, m := range registry.Modules() {
		if m.MultiInstance {
			multiInstance = append(multiInstance, m.ID)
		}
	}
	s.identity = device.NewIdentity(multiInstance)

	frozenSelf := ""
	if opts.Frozen {
		frozenSelf = procman.SelfPath()
	}

	s.procs = procman.New(registry, (*supervisorEvents)(s), procman.Config{
		DataDir:       cfg.DataDir,
		SessionPrefix: cfg.SessionPrefix,
		Mode:          cfg.Mode,
		LogLevel:      cfg.LogLevel,
		FrozenSelf:    frozenSelf,
		ModulesDir:    cfg.ModulesDir,
		Logger:        logger,
		Metrics:       s.stats,
		OnXBeeSend: func(instanceID, nodeID, data string) {
			if s.relay != nil {
				s.relay.OnModuleSend(instanceID, nodeID, data)
			}
		},
	})
	s.procs.SetOutputDir(func() string {
		if dir := s.sessions.SessionDir(); dir != "" {
			return dir
		}
		return cfg.DataDir
	})

	s.instances = instance.NewManager(s.procs, registry, instance.Config{
		ConnectTimeout:     cfg.Connect.Timeout,
		ConnectMaxAttempts: cfg.Connect.MaxAttempts,
		ConnectRetryDelay:  cfg.Connect.RetryDelay,
		Logger:             logger,
		Metrics:            s.stats,
	})
	s.instances.AddObserver(s.onInstanceTransition)

	s.devices = device.NewRegistry(deviceSpecs(registry), logger)

	if opts.Radio != nil {
		s.relay = xbee.NewRelay(opts.Radio, func(instanceID, nodeID, data string) bool {
			return s.procs.Send(instanceID, protocol.XBeeData(nodeID, data))
		}, logger, s.stats)
	}

	s.coord = device.NewCoordinator(device.CoordinatorConfig{
		Registry:  s.devices,
		Instances: s.instances,
		Identity:  s.identity,
		State:     (*stateStoreAdapter)(s.store),
		Logger:    logger,
		SessionDir: func() string {
			return s.sessions.SessionDir()
		},
		LoadGeometry: s.loadGeometry,
		SetupXBee: func(instanceID string) {
			// Nodes bind lazily as frames identify themselves; the
			// relay only needs to know the owner.
			if s.relay != nil {
				s.relay.Bind(nodeIDForInstance(instanceID), instanceID)
			}
		},
	})

	s.sessions = session.NewController((*sessionTargets)(s), cfg.DataDir, cfg.SessionPrefix, logger)

	s.wireReconciler()
	s.registerCleanups()

	return s, nil
}

// deviceSpecs derives discovery specs from the module set. Modules whose
// id contains "cam" are camera modules with CLI init on the picam:
// prefix; every other non-internal module is a serial module claiming
// matching by-id devices, whether or not it is multi-instance.
func deviceSpecs(registry *modreg.Registry) []device.Spec {
	var specs []device.Spec
	for _, m := range registry.Modules() {
		if m.Internal {
			continue
		}
		switch {
		case strings.Contains(m.ID, "cam"):
			specs = append(specs, device.Spec{
				ModuleID:       m.ID,
				Type:           device.TypeCamera,
				DeviceIDPrefix: "picam:",
				ExtraCLIArgs:   []string{"camera_index"},
			})
		default:
			specs = append(specs, device.Spec{
				ModuleID: m.ID,
				Type:     device.TypeSerial,
				Baudrate: 115200,
			})
		}
	}
	return specs
}

// loadGeometry resolves persisted window geometry for an instance from
// the module config. Only the module-level keys are read: every instance
// of a module gets the same geometry, and no per-instance geometry exists.
func (s *System) loadGeometry(moduleID, instanceID string) *modreg.WindowGeometry {
	mod, ok := s.registry.Get(moduleID)
	if !ok || !mod.HasConfig() {
		return nil
	}
	cfg, err := modreg.ReadConfig(mod.ConfigPath)
	if err != nil {
		return nil
	}
	return modreg.LoadGeometry(cfg)
}

// wireReconciler connects reconciler events to the rest of the system.
func (s *System) wireReconciler() {
	for _, m := range s.registry.Modules() {
		s.recon.Register(m.ID)
	}

	persist := reconciler.NewConfigPersistence(s.registry.Modules(), s.logger)
	s.recon.AddObserver(persist.Observe, reconciler.DesiredStateChanged)

	s.recon.AddObserver(func(change reconciler.StateChange) {
		desired, ok := change.NewValue.(reconciler.DesiredState)
		if ok {
			s.store.SetEnabled(change.Module, desired == reconciler.Enabled)
		}
	}, reconciler.DesiredStateChanged)

	// Start/stop requests run off the notifying goroutine: handlers
	// call back into the instance manager and must not nest under the
	// reconciler's mutation path.
	s.recon.AddObserver(func(change reconciler.StateChange) {
		module := change.Module
		switch change.Event {
		case reconciler.StartRequested:
			util.Go("start-"+module, s.logger, func() { s.startModule(module) })
		case reconciler.StopRequested:
			util.Go("stop-"+module, s.logger, func() { s.stopModule(module) })
		}
	}, reconciler.StartRequested, reconciler.StopRequested)

	s.recon.AddObserver(func(change reconciler.StateChange) {
		s.store.OnModuleCrash(change.Module)
	}, reconciler.CrashDetected)
}

// startModule satisfies a START_REQUESTED event by connecting the
// module's first available device.
func (s *System) startModule(module string) {
	devs := s.devices.DevicesForModule(module)
	if len(devs) == 0 {
		s.logger.Info("start requested but no device present", "module", module)
		s.devices.RequestAutoConnect(module)
		return
	}
	s.coord.ConnectAndStart(devs[0].DeviceID)
}

// stopModule satisfies a STOP_REQUESTED event.
func (s *System) stopModule(module string) {
	s.instances.StopAllInstancesForModule(module)
	for _, d := range s.devices.DevicesForModule(module) {
		s.devices.SetConnected(d.DeviceID, false)
		s.identity.Unregister(d.DeviceID)
	}
	s.recon.SetActualState(module, reconciler.Stopped, "")
}

// registerCleanups installs the ordered shutdown sequence.
func (s *System) registerCleanups() {
	s.shutdowner.Register("stop-recording", func(ctx context.Context) {
		if s.sessions.Recording() {
			s.sessions.Pause()
		}
	})
	s.shutdowner.Register("stop-session", func(ctx context.Context) {
		if s.sessions.SessionDir() != "" {
			s.sessions.StopSession()
		}
	})
	s.shutdowner.Register("stop-instances", func(ctx context.Context) {
		for _, m := range s.registry.Modules() {
			s.instances.StopAllInstancesForModule(m.ID)
		}
	})
	s.shutdowner.Register("stop-processes", func(ctx context.Context) {
		s.procs.StopAll(ctx)
	})
	s.shutdowner.Register("release-lock", func(ctx context.Context) {
		_ = s.masterLock.Release()
	})
}

// loadPersistedState seeds reconciler desired state from module
// configs and queues auto-connects from the state store.
func (s *System) loadPersistedState() {
	var startup []string
	for _, m := range s.registry.Modules() {
		enabled := s.store.LoadModuleState(m.ID).Enabled
		if m.HasConfig() {
			if cfg, err := modreg.ReadConfig(m.ConfigPath); err == nil {
				if v, ok := cfg["enabled"]; ok {
					enabled = modreg.ParseBool(v, enabled)
				}
			}
		}
		s.recon.SetDesiredState(m.ID, enabled, false)
		if enabled {
			startup = append(startup, m.ID)
		}
	}
	s.recon.MarkStartupModules(startup)

	modules := make([]string, 0, len(s.registry.Modules()))
	for _, m := range s.registry.Modules() {
		modules = append(modules, m.ID)
	}
	s.coord.LoadPendingAutoConnects(modules, s.recon.IsEnabled)
}

// Run starts the supervision tree and blocks until shutdown.
func (s *System) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	root := suture.New("rigd", suture.Spec{
		EventHook: func(ev suture.Event) {
			s.logger.Warn("supervision event", "event", ev.String())
		},
	})
	root.Add(s.instances.Monitor())

	watcher := device.NewWatcher(s.devices, "/dev", deviceSpecs(s.registry), s.logger)
	watcher.OnAdded = s.onDeviceAdded
	root.Add(watcher)

	var metricsServer *http.Server
	if s.cfg.Metrics.Addr != "" {
		metricsServer = s.stats.Server(s.cfg.Metrics.Addr)
		root.Add(&httpService{server: metricsServer, logger: s.logger})
	}

	supDone := root.ServeBackground(ctx)

	s.loadPersistedState()

	// Signals converge on the shutdown coordinator.
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var interrupted atomic.Bool
	go func() {
		sig, ok := <-sigCh
		if !ok {
			return
		}
		interrupted.Store(true)
		s.logger.Info("signal received", "signal", sig.String())
		s.shutdowner.InitiateShutdown("signal")
	}()

	switch s.cfg.Mode {
	case config.ModeInteractive:
		sh := menu.New((*menuController)(s))
		util.Go("interactive-shell", s.logger, func() {
			if err := sh.Run(); err != nil {
				s.logger.Error("interactive shell failed", "error", err)
				s.shutdowner.InitiateShutdown("exception")
			}
		})
	case config.ModeCLI, config.ModeGUI:
		// Headless: devices auto-connect, sessions run over the
		// protocol; nothing to do in the foreground.
	}

	select {
	case <-s.shutdowner.Done():
	case <-ctx.Done():
		s.shutdowner.InitiateShutdown("context cancelled")
	}

	cancel()
	<-supDone

	if interrupted.Load() {
		return ErrInterrupted
	}
	return nil
}

// Shutdowner exposes the coordinator for the CLI's exception paths.
func (s *System) Shutdowner() *shutdown.Coordinator {
	return s.shutdowner
}

// onDeviceAdded satisfies queued auto-connects when a matching device
// appears.
func (s *System) onDeviceAdded(info device.Info) {
	if info.ModuleID == "" {
		return
	}
	if s.devices.TakeAutoConnect(info.ModuleID) {
		util.Go("auto-connect-"+info.DeviceID, s.logger, func() {
			s.coord.ConnectAndStart(info.DeviceID)
		})
	}
}

// onInstanceTransition feeds instance-level transitions into the
// module-level reconciler. It runs under the instance manager's
// serialization, so it works only off the delivered snapshot and the
// System's own liveness accounting.
func (s *System) onInstanceTransition(info instance.Info, oldState, newState instance.State) {
	module := info.ModuleID
	lastDown := s.trackLiveness(module, info.InstanceID, newState)

	var actual reconciler.ActualState
	switch newState {
	case instance.Starting:
		actual = reconciler.Starting
	case instance.Connecting, instance.Initializing:
		actual = reconciler.Initializing
	case instance.Running, instance.Connected:
		actual = reconciler.Idle
	case instance.Stopping, instance.Disconnecting:
		actual = reconciler.Stopping
	case instance.Stopped:
		// The crash path reports CRASHED from the exit handler; a
		// clean stop lands here only when no sibling instance remains.
		if !lastDown {
			return
		}
		actual = reconciler.Stopped
	default:
		return
	}

	s.recon.SetActualState(module, actual, "")

	if newState == instance.Connected && info.DeviceID != "" {
		s.devices.SetConnected(info.DeviceID, true)
		s.store.OnDeviceConnected(module)
	}
}

// trackLiveness maintains the per-module set of non-stopped instances.
// Returns true when a transition to STOPPED removed the module's last
// live instance.
func (s *System) trackLiveness(module, instanceID string, newState instance.State) bool {
	s.liveMu.Lock()
	defer s.liveMu.Unlock()

	set := s.live[module]
	if newState == instance.Stopped {
		if set == nil {
			return true
		}
		delete(set, instanceID)
		return len(set) == 0
	}

	if set == nil {
		set = make(map[string]bool)
		s.live[module] = set
	}
	set[instanceID] = true
	return false
}

func moduleOf(instanceID string) string {
	if module, _, ok := strings.Cut(instanceID, ":"); ok {
		return module
	}
	return instanceID
}

func nodeIDForInstance(instanceID string) string {
	if _, suffix, ok := strings.Cut(instanceID, ":"); ok {
		return suffix
	}
	return instanceID
}

// httpService adapts an http.Server to suture.
type httpService struct {
	server *http.Server
	logger *slog.Logger
}

func (h *httpService) String() string { return "metrics-server" }

func (h *httpService) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- h.server.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}
