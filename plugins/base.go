package plugins

import (
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"go.uber.org/atomic"

	"github.com/nextpkg/storeplug/ce"
	"github.com/nextpkg/storeplug/slogs"
	"github.com/nextpkg/storeplug/store"
)

// Base implements the bookkeeping shared by all plugins: the installed flag,
// the bound store, merged options and the ordered disposer list. Concrete
// plugins embed *Base and supply their behaviour through Hooks.
type Base struct {
	name    string
	version string
	hooks   Hooks

	installed atomic.Bool

	mu        sync.RWMutex
	st        store.Store
	options   Options
	disposers []store.Disposer
}

var _ Plugin = (*Base)(nil)

// NewBase creates the shared part of a plugin.
func NewBase(name, version string, hooks Hooks) *Base {
	if version == "" {
		version = "1.0.0"
	}
	return &Base{
		name:    name,
		version: version,
		hooks:   hooks,
		options: Options{},
	}
}

func (b *Base) Name() string { return b.name }

func (b *Base) Version() string { return b.version }

// IsInstalled reports whether the plugin is currently installed. Deferred
// callbacks (timers, async completions) check it before touching state.
func (b *Base) IsInstalled() bool { return b.installed.Load() }

// DefaultOptions returns the base defaults {debug: false, enabled: true}
// overlaid with the variant's defaults.
func (b *Base) DefaultOptions() Options {
	base := OptionsOf(&BaseConfig{})
	if b.hooks.DefaultOptions == nil {
		return base
	}
	return MergeOptions(base, b.hooks.DefaultOptions())
}

// Install binds the plugin to st with opts merged over the defaults and runs
// the variant's OnInstall. A failing or panicking OnInstall leaves the plugin
// exactly as it was before the call.
func (b *Base) Install(st store.Store, opts Options) error {
	if st == nil {
		return ce.NewInstallError(b.name, "cannot install plugin", ce.ErrNilStore)
	}
	if !b.installed.CompareAndSwap(false, true) {
		return ce.NewInstallError(b.name, "cannot install plugin", ce.ErrAlreadyInstalled)
	}

	b.mu.Lock()
	b.st = st
	b.options = MergeOptions(b.DefaultOptions(), opts)
	b.mu.Unlock()

	if err := b.onInstall(); err != nil {
		b.rollback()
		return ce.NewInstallError(b.name, fmt.Sprintf("failed to install plugin %s", b.name), err)
	}

	b.Log("Plugin installed", "version", b.version)
	return nil
}

func (b *Base) onInstall() (err error) {
	if b.hooks.OnInstall == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during install: %v", r)
			slogs.Debug("install panic", "plugin", b.name, "stack", string(debug.Stack()))
		}
	}()
	return b.hooks.OnInstall()
}

// rollback undoes a partial install: subscriptions made by OnInstall are
// disposed and every field is reset.
func (b *Base) rollback() {
	b.mu.Lock()
	disposers := b.disposers
	b.disposers = nil
	b.mu.Unlock()

	b.installed.Store(false)
	b.runDisposers(disposers)
	b.reset()
}

// Uninstall disposes every subscription and runs OnUninstall. It is a no-op
// when the plugin is not installed and never fails: errors and panics from
// disposers or OnUninstall are logged and cleanup continues.
func (b *Base) Uninstall() {
	if !b.installed.CompareAndSwap(true, false) {
		return
	}

	b.mu.Lock()
	disposers := b.disposers
	b.disposers = nil
	b.mu.Unlock()

	b.runDisposers(disposers)

	if b.hooks.OnUninstall != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.Error("OnUninstall panicked", "panic", r)
				}
			}()
			if err := b.hooks.OnUninstall(); err != nil {
				b.Error("Error uninstalling plugin", "error", err)
			}
		}()
	}

	b.Log("Plugin uninstalled")
	b.reset()
}

func (b *Base) runDisposers(disposers []store.Disposer) {
	for i, dispose := range disposers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.Error("Disposer panicked", "index", i, "panic", r)
				}
			}()
			dispose()
		}()
	}
}

func (b *Base) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.st = nil
	b.options = Options{}
}

// AddDisposer registers fn to run on uninstall. Nil is ignored; each
// disposer runs at most once.
func (b *Base) AddDisposer(fn store.Disposer) {
	if fn == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.disposers = append(b.disposers, store.Once(fn))
}

// Store returns the store the plugin is installed on, or nil.
func (b *Base) Store() store.Store {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.st
}

// Options returns a copy of the merged options.
func (b *Base) Options() Options {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return store.Clone(b.options).(map[string]any)
}

// Decode unmarshals the merged options into cfg and validates it.
func (b *Base) Decode(cfg any) error {
	return DecodeOptions(b.Options(), cfg)
}

// Enabled reports the live value of the "enabled" option. Plugins check it
// before doing work; the manager toggles it through SetEnabled.
func (b *Base) Enabled() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, ok := b.options["enabled"].(bool)
	return !ok || v
}

func (b *Base) SetEnabled(enabled bool) {
	b.mu.Lock()
	if b.options == nil {
		b.options = Options{}
	}
	b.options["enabled"] = enabled
	b.mu.Unlock()

	b.Log("Plugin enabled state changed", "enabled", enabled)
}

func (b *Base) debug() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, _ := b.options["debug"].(bool)
	return v
}

func (b *Base) Info() Info {
	return Info{
		Name:      b.name,
		Version:   b.version,
		Installed: b.IsInstalled(),
		Options:   b.Options(),
	}
}

// Logger returns the package logger tagged with the plugin name.
func (b *Base) Logger() *slog.Logger {
	return slogs.With("plugin", b.name)
}

// Log writes an info record when the debug option is on.
func (b *Base) Log(msg string, args ...any) {
	if !b.debug() {
		return
	}
	b.Logger().Info(msg, args...)
}

func (b *Base) Warn(msg string, args ...any) {
	b.Logger().Warn(msg, args...)
}

func (b *Base) Error(msg string, args ...any) {
	b.Logger().Error(msg, args...)
}
