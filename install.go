// Package storeplug wires the built-in plugins onto a store. InstallPlugins
// applies per-environment presets, the Create*Plugins helpers tune them for a
// given environment and Builder loads the configuration from files,
// environment variables and CLI flags.
package storeplug

import (
	"fmt"
	"io"
	"maps"
	"path/filepath"
	"slices"

	"github.com/nextpkg/storeplug/ce"
	"github.com/nextpkg/storeplug/plugins"
	"github.com/nextpkg/storeplug/plugins/builtins"
	"github.com/nextpkg/storeplug/slogs"
	"github.com/nextpkg/storeplug/storage"
	"github.com/nextpkg/storeplug/store"
)

// Persistence backends selectable with the persistence "backend" option.
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// DefaultPersistenceKey is the storage key the presets persist under.
const DefaultPersistenceKey = "storeplug"

// pluginOrder is the registration order, and so the middleware order.
var pluginOrder = []string{
	builtins.TypePersistence,
	builtins.TypePerformance,
	builtins.TypeLogger,
	builtins.TypeValidation,
}

// environments lists where each built-in plugin runs unless the
// configuration names its own list.
var environments = map[string][]string{
	builtins.TypePersistence: {string(plugins.Development), string(plugins.Production)},
	builtins.TypePerformance: {string(plugins.Development), string(plugins.Production)},
	builtins.TypeLogger:      {string(plugins.Development), string(plugins.Test)},
	builtins.TypeValidation:  {string(plugins.Development), string(plugins.Production), string(plugins.Test)},
}

type (
	// InstallOption customises InstallPlugins with things that do not fit in
	// an option map.
	InstallOption func(*installConfig)

	installConfig struct {
		storage       storage.Storage
		reportHandler func(builtins.PerformanceReport)
		onValidation  builtins.ValidationChangeFunc

		logger      []builtins.LoggerOption
		performance []builtins.PerformanceOption
		persistence []builtins.PersistenceOption
		validation  []builtins.ValidationOption
	}

	// sectionConfig is the part of a plugin section the bootstrap itself
	// reads. The rest is passed to the plugin untouched.
	sectionConfig struct {
		Enabled      bool     `koanf:"enabled" default:"true"`
		Environments []string `koanf:"environments"`
		Backend      string   `koanf:"backend" default:"memory" validate:"oneof=memory file sqlite"`
		Path         string   `koanf:"path"`
	}
)

// WithStorage persists through s instead of the configured backend.
func WithStorage(s storage.Storage) InstallOption {
	return func(c *installConfig) { c.storage = s }
}

// WithReportHandler receives the periodic performance reports.
func WithReportHandler(fn func(builtins.PerformanceReport)) InstallOption {
	return func(c *installConfig) { c.reportHandler = fn }
}

// WithValidationChange is called whenever a field's validation errors change.
func WithValidationChange(fn builtins.ValidationChangeFunc) InstallOption {
	return func(c *installConfig) { c.onValidation = fn }
}

func WithLoggerOptions(opts ...builtins.LoggerOption) InstallOption {
	return func(c *installConfig) { c.logger = append(c.logger, opts...) }
}

func WithPerformanceOptions(opts ...builtins.PerformanceOption) InstallOption {
	return func(c *installConfig) { c.performance = append(c.performance, opts...) }
}

func WithPersistenceOptions(opts ...builtins.PersistenceOption) InstallOption {
	return func(c *installConfig) { c.persistence = append(c.persistence, opts...) }
}

func WithValidationOptions(opts ...builtins.ValidationOption) InstallOption {
	return func(c *installConfig) { c.validation = append(c.validation, opts...) }
}

// Presets returns the default configuration of every built-in plugin for env,
// keyed by plugin type.
func Presets(env plugins.Environment) plugins.Options {
	dev := env == plugins.Development

	sampleRate, reportInterval, maxLogs := 0.1, "5m", 100
	if dev {
		sampleRate, reportInterval, maxLogs = 1.0, "30s", 1000
	}

	return plugins.Options{
		builtins.TypePersistence: plugins.Options{
			"enabled":     true,
			"key":         DefaultPersistenceKey,
			"throttle":    "2s",
			"blacklist":   []string{"isLoading", "error", "selectedTaskId"},
			"autoRestore": true,
			"backend":     BackendMemory,
		},
		builtins.TypePerformance: plugins.Options{
			"enabled":        env != plugins.Test,
			"trackActions":   true,
			"trackPatches":   dev,
			"trackMemory":    dev,
			"sampleRate":     sampleRate,
			"reportInterval": reportInterval,
		},
		builtins.TypeLogger: plugins.Options{
			"enabled":         env != plugins.Production,
			"logActions":      true,
			"logPatches":      dev,
			"logSnapshots":    false,
			"maxLogs":         maxLogs,
			"outputToConsole": dev,
			"filters": plugins.Options{
				"actions": []string{},
				"paths":   []string{"/volatile/"},
			},
		},
		builtins.TypeValidation: plugins.Options{
			"enabled":          true,
			"validateOn":       []string{builtins.ValidateOnChange},
			"stopOnFirstError": false,
		},
	}
}

// InstallPlugins creates an initialized PluginManager for st and registers
// the built-in plugins enabled for env. cfg is keyed by plugin type and is
// merged deeply over Presets(env).
//
// Registration stops at the first plugin that fails to install; the plugins
// installed before it are disposed again and the error is returned.
func InstallPlugins(st store.Store, env plugins.Environment, cfg plugins.Options, opts ...InstallOption) (*plugins.PluginManager, error) {
	if st == nil {
		return nil, fmt.Errorf("failed to install plugins: %w", ce.ErrNilStore)
	}
	if env == "" {
		env = plugins.Development
	}

	var ic installConfig
	for _, opt := range opts {
		opt(&ic)
	}

	pm := plugins.NewPluginManager(st, env)
	if err := pm.Initialize(); err != nil {
		return nil, err
	}

	regs, closers, err := ic.registrations(env, plugins.MergeOptions(Presets(env), cfg))
	if err != nil {
		pm.Dispose()
		closeAll(closers)
		return nil, err
	}

	// pending persistence writes are flushed before the plugin goes away and
	// storage opened here is closed once everything is uninstalled
	_, _ = pm.AddHook(plugins.HookPluginBeforeUnregister, flushPending)
	if len(closers) > 0 {
		_, _ = pm.AddHook(plugins.HookManagerDisposed, func(plugins.HookEvent) { closeAll(closers) })
	}

	if err = pm.RegisterMultiple(regs); err != nil {
		slogs.Error("Failed to initialize plugin system", "environment", env, "error", err)
		pm.Dispose()
		return nil, err
	}

	installDefaultHooks(pm)
	slogs.Info("Plugin system initialized", "plugins", len(pm.ListPlugins()), "environment", env)
	return pm, nil
}

// CreateDevelopmentPlugins installs the plugins with full action, patch and
// memory tracking and console logging.
func CreateDevelopmentPlugins(st store.Store, custom plugins.Options, opts ...InstallOption) (*plugins.PluginManager, error) {
	preset := plugins.Options{
		builtins.TypeLogger: plugins.Options{
			"logActions":      true,
			"logPatches":      true,
			"outputToConsole": true,
			"debug":           true,
		},
		builtins.TypePerformance: plugins.Options{
			"trackActions":   true,
			"trackPatches":   true,
			"trackMemory":    true,
			"sampleRate":     1.0,
			"reportInterval": "30s",
		},
	}
	return InstallPlugins(st, plugins.Development, plugins.MergeOptions(preset, custom), opts...)
}

// CreateProductionPlugins installs the plugins with logging off and sampled
// action tracking.
func CreateProductionPlugins(st store.Store, custom plugins.Options, opts ...InstallOption) (*plugins.PluginManager, error) {
	preset := plugins.Options{
		builtins.TypeLogger: plugins.Options{
			"enabled": false,
		},
		builtins.TypePerformance: plugins.Options{
			"sampleRate":     0.1,
			"reportInterval": "5m",
			"trackPatches":   false,
			"trackMemory":    false,
		},
	}
	return InstallPlugins(st, plugins.Production, plugins.MergeOptions(preset, custom), opts...)
}

// CreateTestPlugins installs only the logger, quiet and small, and validation.
func CreateTestPlugins(st store.Store, custom plugins.Options, opts ...InstallOption) (*plugins.PluginManager, error) {
	preset := plugins.Options{
		builtins.TypePersistence: plugins.Options{"enabled": false},
		builtins.TypePerformance: plugins.Options{"enabled": false},
		builtins.TypeLogger: plugins.Options{
			"outputToConsole": false,
			"maxLogs":         50,
		},
	}
	return InstallPlugins(st, plugins.Test, plugins.MergeOptions(preset, custom), opts...)
}

func (ic *installConfig) registrations(env plugins.Environment, final plugins.Options) ([]plugins.Registration, []io.Closer, error) {
	var (
		regs    []plugins.Registration
		closers []io.Closer
	)

	for _, typ := range pluginOrder {
		section := sectionOf(final, typ)

		var sc sectionConfig
		if err := plugins.DecodeOptions(section, &sc); err != nil {
			return nil, closers, fmt.Errorf("invalid %s configuration: %w", typ, err)
		}
		if !sc.Enabled {
			slogs.Debug("Plugin disabled by configuration", "type", typ)
			continue
		}
		if len(sc.Environments) == 0 {
			sc.Environments = environments[typ]
		}
		active := slices.Contains(sc.Environments, string(env))

		opts := maps.Clone(section)
		delete(opts, "backend")
		delete(opts, "path")
		opts["environments"] = sc.Environments

		var p plugins.Plugin
		switch typ {
		case builtins.TypeLogger:
			p = builtins.NewLoggerPlugin(ic.logger...)
		case builtins.TypePerformance:
			p = builtins.NewPerformancePlugin(ic.performanceOptions(env)...)
		case builtins.TypePersistence:
			var popts []builtins.PersistenceOption
			// storage is only opened where the plugin actually runs
			if active {
				s, closer, err := ic.openStorage(sc)
				if err != nil {
					return nil, closers, err
				}
				if closer != nil {
					closers = append(closers, closer)
				}
				popts = append(popts, builtins.WithStorage(s))
			}
			p = builtins.NewPersistencePlugin(append(popts, ic.persistence...)...)
		case builtins.TypeValidation:
			if rules, ok := opts["rules"]; ok {
				opts["rules"] = flattenRules(rules)
			}
			p = builtins.NewValidationPlugin(ic.validationOptions(env)...)
		}

		regs = append(regs, plugins.Registration{Plugin: p, Options: opts})
	}
	return regs, closers, nil
}

func (ic *installConfig) performanceOptions(env plugins.Environment) []builtins.PerformanceOption {
	handler := ic.reportHandler
	if handler == nil && env == plugins.Development {
		handler = func(r builtins.PerformanceReport) {
			slogs.Info("📊 Performance report", "summary", r.Summary)
		}
	}

	var opts []builtins.PerformanceOption
	if handler != nil {
		opts = append(opts, builtins.WithReportHandler(handler))
	}
	return append(opts, ic.performance...)
}

func (ic *installConfig) validationOptions(env plugins.Environment) []builtins.ValidationOption {
	onChange := ic.onValidation
	if onChange == nil && env == plugins.Development {
		onChange = func(field string, errs []string, _ map[string][]string) {
			if len(errs) > 0 {
				slogs.Warn("🚨 Validation errors", "field", field, "errors", errs)
			}
		}
	}

	var opts []builtins.ValidationOption
	if onChange != nil {
		opts = append(opts, builtins.WithValidationChange(onChange))
	}
	return append(opts, ic.validation...)
}

// openStorage returns the injected storage or opens the configured backend.
// The closer is nil when there is nothing to release.
func (ic *installConfig) openStorage(sc sectionConfig) (storage.Storage, io.Closer, error) {
	if ic.storage != nil {
		return ic.storage, nil, nil
	}

	switch sc.Backend {
	case BackendFile:
		dir := sc.Path
		if dir == "" {
			dir = DefaultPersistenceKey + "-data"
		}
		s, err := storage.NewFile(dir)
		if err != nil {
			return nil, nil, ce.NewPluginError(ce.ErrorTypePersistence, builtins.PersistencePluginName, "failed to open file storage", err)
		}
		return s, nil, nil
	case BackendSQLite:
		path := sc.Path
		if path == "" {
			path = DefaultPersistenceKey + ".db"
		} else if filepath.Ext(path) == "" {
			path += ".db"
		}
		s, err := storage.NewSQLite(path)
		if err != nil {
			return nil, nil, ce.NewPluginError(ce.ErrorTypePersistence, builtins.PersistencePluginName, "failed to open sqlite storage", err)
		}
		return s, s, nil
	default:
		return storage.NewMemory(), nil, nil
	}
}

// sectionOf returns the options of one plugin type. Callers clone before
// modifying.
func sectionOf(final plugins.Options, typ string) plugins.Options {
	if section, ok := final[typ].(map[string]any); ok {
		return section
	}
	return plugins.Options{}
}

// flattenRules turns rules nested by a "."-delimited config loader back into
// dotted field paths. A map whose values are all maps or lists groups
// fields; any other map is a rule object.
func flattenRules(v any) any {
	rules, ok := v.(map[string]any)
	if !ok {
		return v
	}
	out := make(map[string]any, len(rules))
	flattenInto(out, "", rules)
	return out
}

func flattenInto(out map[string]any, prefix string, m map[string]any) {
	for key, value := range m {
		field := key
		if prefix != "" {
			field = prefix + "." + key
		}
		if group, ok := value.(map[string]any); ok && isFieldGroup(group) {
			flattenInto(out, field, group)
			continue
		}
		out[field] = value
	}
}

func isFieldGroup(m map[string]any) bool {
	if len(m) == 0 {
		return false
	}
	for _, v := range m {
		switch v.(type) {
		case map[string]any, []any, []map[string]any:
		default:
			return false
		}
	}
	return true
}

// flushPending writes any debounced persistence write before the plugin is
// unregistered.
func flushPending(ev plugins.HookEvent) {
	if f, ok := ev.Plugin.(interface{ Flush() }); ok && ev.Plugin.IsInstalled() {
		f.Flush()
	}
}

func installDefaultHooks(pm *plugins.PluginManager) {
	_, _ = pm.AddHook(plugins.HookPluginRegistered, func(ev plugins.HookEvent) {
		slogs.Info("✅ Plugin registered successfully", "plugin", ev.PluginName, "version", ev.Plugin.Version())
	})
	_, _ = pm.AddHook(plugins.HookPluginUnregistered, func(ev plugins.HookEvent) {
		slogs.Info("🗑️ Plugin unregistered", "plugin", ev.PluginName)
	})
	_, _ = pm.AddHook(plugins.HookPluginError, func(ev plugins.HookEvent) {
		slogs.Error("❌ Plugin error", "plugin", ev.PluginName, "error", ev.Err)
	})
}

func closeAll(closers []io.Closer) {
	for _, c := range closers {
		if err := c.Close(); err != nil {
			slogs.Error("Failed to close storage", "error", err)
		}
	}
}
