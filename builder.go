package storeplug

import (
	"errors"
	"fmt"
	"sync"

	"github.com/knadh/koanf/providers/cliflagv3"
	"github.com/knadh/koanf/v2"
	"github.com/urfave/cli/v3"
	"go.uber.org/atomic"

	"github.com/nextpkg/storeplug/plugins"
	"github.com/nextpkg/storeplug/plugins/builtins"
	"github.com/nextpkg/storeplug/providers"
	"github.com/nextpkg/storeplug/slogs"
	"github.com/nextpkg/storeplug/store"
	"github.com/nextpkg/storeplug/store/memstore"
)

type (
	// Watcher is implemented by sources that can report changes.
	Watcher interface {
		Watch(cb func(event any, err error)) error
	}

	// Unwatcher is implemented by sources whose watch can be stopped.
	Unwatcher interface {
		Unwatch() error
	}
)

// pluginNames maps plugin types to the names they register under.
var pluginNames = map[string]string{
	builtins.TypeLogger:      builtins.LoggerPluginName,
	builtins.TypePerformance: builtins.PerformancePluginName,
	builtins.TypePersistence: builtins.PersistencePluginName,
	builtins.TypeValidation:  builtins.ValidationPluginName,
}

// Builder 插件系统构建器
//
// Sources are applied in the order they are added, later ones win.
// WithPluginConfig and WithEnvironment override every source.
type Builder struct {
	sources     []any
	overrides   plugins.Options
	env         plugins.Environment
	st          store.Store
	opts        []InstallOption
	enableWatch bool
}

// NewBuilder 创建新的构建器
func NewBuilder() *Builder {
	return &Builder{}
}

// AddFile 添加文件配置源
// Files ending in .yaml, .yml or .json are accepted.
func (b *Builder) AddFile(path string) *Builder {
	b.sources = append(b.sources, path)
	return b
}

// AddEnv 添加环境变量配置源
// See providers.NewEnvProvider for the key format.
func (b *Builder) AddEnv(prefix string) *Builder {
	b.sources = append(b.sources, providers.NewEnvProvider(prefix))
	return b
}

// AddProvider 添加自定义配置源
func (b *Builder) AddProvider(provider koanf.Provider) *Builder {
	b.sources = append(b.sources, provider)
	return b
}

// AddCliFlags 添加 CLI flags 配置源
// Flags are usually added last so they override the other sources.
func (b *Builder) AddCliFlags(cmd *cli.Command, delim string) *Builder {
	b.sources = append(b.sources, providers.NewCliProviderWrapper(cliflagv3.Provider(cmd, delim), cmd.Name, delim))
	slogs.Debug("AddCliFlags: created wrapper", "cmd", cmd.Name, "delim", delim)
	return b
}

// WithPluginConfig merges cfg, keyed by plugin type, over the loaded plugin
// configuration.
func (b *Builder) WithPluginConfig(cfg plugins.Options) *Builder {
	b.overrides = plugins.MergeOptions(b.overrides, cfg)
	return b
}

// WithEnvironment overrides the configured environment.
func (b *Builder) WithEnvironment(env plugins.Environment) *Builder {
	b.env = env
	return b
}

// WithStore installs onto st. Without it a fresh memstore is used.
func (b *Builder) WithStore(st store.Store) *Builder {
	b.st = st
	return b
}

// WithInstallOptions passes opts on to InstallPlugins.
func (b *Builder) WithInstallOptions(opts ...InstallOption) *Builder {
	b.opts = append(b.opts, opts...)
	return b
}

// WithWatch 启用配置监听
// File changes toggle the plugins' enabled flags.
func (b *Builder) WithWatch() *Builder {
	b.enableWatch = true
	return b
}

// Build loads the configuration and installs the plugins.
func (b *Builder) Build() (*Installation, error) {
	pcs, err := providers.NewProviderFactory().CreateProviders(b.sources...)
	if err != nil {
		return nil, err
	}

	in := &Installation{
		providers: pcs,
		overrides: b.overrides,
		env:       b.env,
	}

	cfg, err := in.load()
	if err != nil {
		return nil, fmt.Errorf("failed to load initial configuration: %w", err)
	}

	env, err := plugins.ParseEnvironment(cfg.Environment)
	if err != nil {
		return nil, err
	}

	st := b.st
	if st == nil {
		st = memstore.New(nil)
	}

	pm, err := InstallPlugins(st, env, cfg.Plugins, b.opts...)
	if err != nil {
		return nil, err
	}

	in.Manager = pm
	in.Store = st
	in.cfg.Store(cfg)

	if b.enableWatch {
		in.EnableWatch()
	}
	return in, nil
}

// MustBuild 构建插件系统，失败时panic
func (b *Builder) MustBuild() *Installation {
	in, err := b.Build()
	if err != nil {
		panic(err)
	}
	return in
}

// Installation is a store with its plugin manager and the configuration the
// plugins were installed from.
type Installation struct {
	Manager *plugins.PluginManager
	Store   store.Store

	providers []providers.ProviderConfig
	overrides plugins.Options
	env       plugins.Environment
	cfg       atomic.Pointer[Config]

	mu       sync.Mutex
	once     sync.Once
	watchers []func() error
	closed   atomic.Bool
}

// Config returns the configuration last loaded.
func (in *Installation) Config() *Config {
	return in.cfg.Load()
}

func (in *Installation) load() (*Config, error) {
	k, err := loadSources(in.providers)
	if err != nil {
		return nil, err
	}
	return decodeConfig(k, in.env, in.overrides)
}

// Reload re-reads every source and enables or disables the installed plugins
// to match. Other option changes, and a different environment, only take
// effect on the next Build.
func (in *Installation) Reload() error {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.closed.Load() {
		return nil
	}

	cfg, err := in.load()
	if err != nil {
		return err
	}

	env := in.Manager.Environment()
	if configured, _ := plugins.ParseEnvironment(cfg.Environment); configured != env {
		slogs.Warn("Environment change needs a rebuild", "current", env, "configured", cfg.Environment)
	}

	final := plugins.MergeOptions(Presets(env), cfg.Plugins)
	for _, typ := range pluginOrder {
		p, ok := in.Manager.GetPlugin(pluginNames[typ])
		if !ok {
			continue
		}

		var sc sectionConfig
		if err = plugins.DecodeOptions(sectionOf(final, typ), &sc); err != nil {
			slogs.Error("Invalid plugin configuration on reload", "type", typ, "error", err)
			continue
		}
		if p.Enabled() == sc.Enabled {
			continue
		}
		if sc.Enabled {
			in.Manager.Enable(p.Name())
		} else {
			in.Manager.Disable(p.Name())
		}
		slogs.Info("Plugin toggled by configuration", "plugin", p.Name(), "enabled", sc.Enabled)
	}

	in.cfg.Store(cfg)
	return nil
}

// EnableWatch reloads on every change reported by a watchable source.
// Calling it again is a no-op.
func (in *Installation) EnableWatch() {
	in.once.Do(func() {
		for _, pc := range in.providers {
			w, ok := pc.Provider.(Watcher)
			if !ok {
				continue
			}

			err := w.Watch(func(_ any, err error) {
				if err != nil {
					slogs.Error("Watch error", "error", err)
					return
				}
				if err := in.Reload(); err != nil {
					slogs.Error("Failed to reload configuration", "error", err)
					return
				}
				slogs.Debug("Configuration reloaded successfully")
			})
			if err != nil {
				slogs.Error("Failed to enable watch", "provider", fmt.Sprintf("%T", pc.Provider), "error", err)
				continue
			}

			if u, ok := pc.Provider.(Unwatcher); ok {
				in.watchers = append(in.watchers, u.Unwatch)
			}
		}
	})
}

// Close stops watching and disposes the manager, which flushes pending
// persistence writes and closes storage the installation opened.
func (in *Installation) Close() error {
	if in == nil || !in.closed.CompareAndSwap(false, true) {
		return nil
	}

	in.mu.Lock()
	defer in.mu.Unlock()

	var errs []error
	for _, unwatch := range in.watchers {
		errs = append(errs, unwatch())
	}
	in.watchers = nil

	in.Manager.Dispose()
	return errors.Join(errs...)
}

// Lookup returns the plugin registered under name as a T.
func Lookup[T plugins.Plugin](pm *plugins.PluginManager, name string) (T, bool) {
	var zero T
	p, ok := pm.GetPlugin(name)
	if !ok {
		return zero, false
	}
	t, ok := p.(T)
	return t, ok
}
