package plugins

import (
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"go.uber.org/atomic"

	"github.com/nextpkg/storeplug/ce"
	"github.com/nextpkg/storeplug/slogs"
	"github.com/nextpkg/storeplug/store"
)

// Environment selects which presets and plugins apply.
type Environment string

const (
	Development Environment = "development"
	Production  Environment = "production"
	Test        Environment = "test"
)

// ParseEnvironment maps a string to a known Environment.
func ParseEnvironment(s string) (Environment, error) {
	switch env := Environment(s); env {
	case Development, Production, Test:
		return env, nil
	case "":
		return Development, nil
	default:
		return "", fmt.Errorf("unknown environment %q", s)
	}
}

// Hook names fired by the manager.
const (
	HookManagerInitialized     = "manager:initialized"
	HookManagerDisposed        = "manager:disposed"
	HookPluginRegistered       = "plugin:registered"
	HookPluginBeforeUnregister = "plugin:before-unregister"
	HookPluginUnregistered     = "plugin:unregistered"
	HookPluginError            = "plugin:error"
)

type (
	// HookEvent is the payload passed to hook callbacks. Fields that do not
	// apply to a hook are left zero.
	HookEvent struct {
		Manager    *PluginManager
		Plugin     Plugin
		PluginName string
		Err        error
		Data       any
	}

	// HookFunc is a hook callback.
	HookFunc func(ev HookEvent)

	// HookID identifies a registered hook callback for RemoveHook.
	HookID uint64

	hookEntry struct {
		id HookID
		fn HookFunc
	}
)

type managerState int32

const (
	stateUninitialized managerState = iota
	stateInitialized
	stateDisposed
)

func (s managerState) String() string {
	switch s {
	case stateUninitialized:
		return "uninitialized"
	case stateInitialized:
		return "initialized"
	case stateDisposed:
		return "disposed"
	default:
		return "unknown"
	}
}

// Stats summarises a manager.
type Stats struct {
	TotalPlugins int         `json:"totalPlugins"`
	Environment  Environment `json:"environment"`
	Initialized  bool        `json:"initialized"`
	State        string      `json:"state"`
	Plugins      []Info      `json:"plugins"`
	Hooks        []string    `json:"hooks"`
}

// PluginManager installs plugins against one store and keeps them in
// registration order. It does not own the store.
type PluginManager struct {
	st    store.Store
	env   Environment
	state atomic.Int32

	mu      sync.RWMutex
	plugins map[string]Plugin
	order   []string
	// installing reserves names whose Install is running
	installing map[string]struct{}

	hookMu   sync.RWMutex
	hooks    map[string][]hookEntry
	nextHook atomic.Uint64

	logger *slog.Logger
}

// NewPluginManager creates a manager for st. An empty env means development.
func NewPluginManager(st store.Store, env Environment) *PluginManager {
	if env == "" {
		env = Development
	}
	return &PluginManager{
		st:      st,
		env:     env,
		plugins:    make(map[string]Plugin),
		installing: make(map[string]struct{}),
		hooks:      make(map[string][]hookEntry),
		logger:     slogs.With("component", "PluginManager"),
	}
}

func (pm *PluginManager) Environment() Environment { return pm.env }

func (pm *PluginManager) Store() store.Store { return pm.st }

func (pm *PluginManager) getState() managerState {
	return managerState(pm.state.Load())
}

// Initialize moves the manager to the initialized state and fires
// manager:initialized. Calling it again only logs a warning.
func (pm *PluginManager) Initialize() error {
	if pm.getState() == stateDisposed {
		return ce.ErrManagerDisposed
	}
	if !pm.state.CompareAndSwap(int32(stateUninitialized), int32(stateInitialized)) {
		pm.logger.Warn("PluginManager is already initialized")
		return nil
	}

	pm.logger.Info("PluginManager initialized", "environment", pm.env)
	pm.TriggerHook(HookManagerInitialized, HookEvent{})
	return nil
}

// IsInitialized reports whether Initialize has run and Dispose has not.
func (pm *PluginManager) IsInitialized() bool {
	return pm.getState() == stateInitialized
}

// Register installs plugin on the managed store with opts and records it.
//
// A duplicate name fails before anything is installed. When opts carries an
// "environments" list that does not include the manager's environment the
// plugin is skipped and nil is returned. The list is not passed on to the
// plugin. Install failures are returned as-is and also reported through the
// plugin:error hook. Install runs without the manager lock held, so a plugin
// may query the manager while it installs.
func (pm *PluginManager) Register(plugin Plugin, opts Options) error {
	if plugin == nil {
		return ce.NewRegistrationError("", "cannot register plugin", ce.ErrInvalidPlugin)
	}
	if pm.getState() == stateDisposed {
		return ce.NewRegistrationError(plugin.Name(), "cannot register plugin", ce.ErrManagerDisposed)
	}

	name := plugin.Name()
	if name == "" {
		return ce.NewRegistrationError("", "plugin has no name", ce.ErrInvalidPlugin)
	}

	pm.mu.Lock()
	_, exists := pm.plugins[name]
	_, reserved := pm.installing[name]
	if exists || reserved {
		pm.mu.Unlock()
		return ce.NewRegistrationError(name, "cannot register plugin", ce.ErrAlreadyRegistered)
	}

	if envs, ok := stringsOf(opts, "environments"); ok && !slices.Contains(envs, string(pm.env)) {
		pm.mu.Unlock()
		pm.logger.Info("Plugin skipped in environment", "plugin", name, "environment", pm.env, "environments", envs)
		return nil
	}
	pm.installing[name] = struct{}{}
	pm.mu.Unlock()

	installOpts := maps.Clone(opts)
	delete(installOpts, "environments")

	err := plugin.Install(pm.st, installOpts)

	pm.mu.Lock()
	delete(pm.installing, name)
	if err != nil {
		pm.mu.Unlock()
		pm.logger.Error("Failed to register plugin", "plugin", name, "error", err)
		pm.TriggerHook(HookPluginError, HookEvent{Plugin: plugin, PluginName: name, Err: err})
		return err
	}

	pm.plugins[name] = plugin
	pm.order = append(pm.order, name)
	pm.mu.Unlock()

	pm.logger.Info("Plugin registered", "plugin", name, "version", plugin.Version())
	pm.TriggerHook(HookPluginRegistered, HookEvent{Plugin: plugin, PluginName: name})
	return nil
}

// RegisterMultiple registers each entry in order and stops at the first
// failure, leaving earlier registrations in place. This is deliberately not
// best-effort, unlike Unregister and Dispose.
func (pm *PluginManager) RegisterMultiple(regs []Registration) error {
	for i, reg := range regs {
		if reg.Plugin == nil {
			return ce.NewRegistrationError("", fmt.Sprintf("registration %d has no plugin", i), ce.ErrInvalidPlugin)
		}
		if err := pm.Register(reg.Plugin, reg.Options); err != nil {
			return err
		}
	}
	return nil
}

// Unregister uninstalls and removes the named plugin. It reports whether the
// plugin was registered. Uninstall failures are logged and never stop the
// removal.
func (pm *PluginManager) Unregister(name string) bool {
	pm.mu.RLock()
	plugin, ok := pm.plugins[name]
	pm.mu.RUnlock()
	if !ok {
		pm.logger.Warn("Plugin is not registered", "plugin", name)
		return false
	}

	pm.TriggerHook(HookPluginBeforeUnregister, HookEvent{Plugin: plugin, PluginName: name})

	pm.safeUninstall(plugin)

	pm.mu.Lock()
	delete(pm.plugins, name)
	pm.order = slices.DeleteFunc(pm.order, func(n string) bool { return n == name })
	pm.mu.Unlock()

	pm.logger.Info("Plugin unregistered", "plugin", name)
	pm.TriggerHook(HookPluginUnregistered, HookEvent{PluginName: name})
	return true
}

func (pm *PluginManager) safeUninstall(plugin Plugin) {
	defer func() {
		if r := recover(); r != nil {
			pm.logger.Error("Failed to uninstall plugin", "plugin", plugin.Name(), "panic", r)
		}
	}()
	plugin.Uninstall()
}

// Reload replaces the named plugin with plugin installed with opts.
func (pm *PluginManager) Reload(name string, plugin Plugin, opts Options) error {
	if pm.HasPlugin(name) {
		pm.Unregister(name)
	}
	return pm.Register(plugin, opts)
}

// Dispose unregisters every plugin, fires manager:disposed and clears all
// hooks. The manager cannot be used afterwards.
func (pm *PluginManager) Dispose() {
	if pm.getState() == stateDisposed {
		return
	}

	for _, name := range pm.ListPlugins() {
		pm.Unregister(name)
	}

	pm.state.Store(int32(stateDisposed))
	pm.logger.Info("PluginManager disposed")
	pm.TriggerHook(HookManagerDisposed, HookEvent{})

	pm.hookMu.Lock()
	pm.hooks = make(map[string][]hookEntry)
	pm.hookMu.Unlock()
}

// GetPlugin returns the named plugin.
func (pm *PluginManager) GetPlugin(name string) (Plugin, bool) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	p, ok := pm.plugins[name]
	return p, ok
}

func (pm *PluginManager) HasPlugin(name string) bool {
	_, ok := pm.GetPlugin(name)
	return ok
}

// ListPlugins returns the registered plugin names in registration order.
func (pm *PluginManager) ListPlugins() []string {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return slices.Clone(pm.order)
}

func (pm *PluginManager) GetPluginInfo(name string) (Info, bool) {
	p, ok := pm.GetPlugin(name)
	if !ok {
		return Info{}, false
	}
	return p.Info(), true
}

// GetAllPluginInfo returns Info for every plugin in registration order.
func (pm *PluginManager) GetAllPluginInfo() []Info {
	pm.mu.RLock()
	list := make([]Plugin, 0, len(pm.order))
	for _, name := range pm.order {
		list = append(list, pm.plugins[name])
	}
	pm.mu.RUnlock()

	infos := make([]Info, 0, len(list))
	for _, p := range list {
		infos = append(infos, p.Info())
	}
	return infos
}

// Enable sets the named plugin's enabled option. Plugins check the flag
// themselves; the manager does not gate anything on it.
func (pm *PluginManager) Enable(name string) bool {
	return pm.setEnabled(name, true)
}

func (pm *PluginManager) Disable(name string) bool {
	return pm.setEnabled(name, false)
}

func (pm *PluginManager) setEnabled(name string, enabled bool) bool {
	p, ok := pm.GetPlugin(name)
	if !ok {
		return false
	}
	p.SetEnabled(enabled)
	pm.logger.Info("Plugin enabled state changed", "plugin", name, "enabled", enabled)
	return true
}

// AddHook appends fn to the callbacks of the named hook.
func (pm *PluginManager) AddHook(name string, fn HookFunc) (HookID, error) {
	if fn == nil {
		return 0, ce.ErrInvalidHook
	}
	id := HookID(pm.nextHook.Inc())

	pm.hookMu.Lock()
	defer pm.hookMu.Unlock()
	pm.hooks[name] = append(pm.hooks[name], hookEntry{id: id, fn: fn})
	return id, nil
}

// RemoveHook removes the callback registered under id.
func (pm *PluginManager) RemoveHook(name string, id HookID) bool {
	pm.hookMu.Lock()
	defer pm.hookMu.Unlock()

	entries := pm.hooks[name]
	idx := slices.IndexFunc(entries, func(e hookEntry) bool { return e.id == id })
	if idx < 0 {
		return false
	}
	entries = slices.Delete(slices.Clone(entries), idx, idx+1)
	if len(entries) == 0 {
		delete(pm.hooks, name)
	} else {
		pm.hooks[name] = entries
	}
	return true
}

// TriggerHook calls every callback of the named hook in order. A panicking
// callback is logged and does not stop its siblings.
func (pm *PluginManager) TriggerHook(name string, ev HookEvent) {
	pm.hookMu.RLock()
	entries := slices.Clone(pm.hooks[name])
	pm.hookMu.RUnlock()

	if ev.Manager == nil {
		ev.Manager = pm
	}
	for _, e := range entries {
		pm.callHook(name, e.fn, ev)
	}
}

func (pm *PluginManager) callHook(name string, fn HookFunc, ev HookEvent) {
	defer func() {
		if r := recover(); r != nil {
			pm.logger.Error("Hook callback error", "hook", name, "panic", r)
		}
	}()
	fn(ev)
}

// Stats returns a summary of the manager.
func (pm *PluginManager) Stats() Stats {
	pm.hookMu.RLock()
	hooks := slices.Sorted(maps.Keys(pm.hooks))
	pm.hookMu.RUnlock()

	infos := pm.GetAllPluginInfo()
	return Stats{
		TotalPlugins: len(infos),
		Environment:  pm.env,
		Initialized:  pm.IsInitialized(),
		State:        pm.getState().String(),
		Plugins:      infos,
		Hooks:        hooks,
	}
}
