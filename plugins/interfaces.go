package plugins

import (
	"github.com/nextpkg/storeplug/store"
)

// 插件定义
type (
	// Options is the loosely typed option map a plugin is installed with.
	// Keys follow the plugin's koanf tags; nested maps are merged deeply.
	Options = map[string]any

	// Plugin is the lifecycle contract every plugin implements. Most plugins
	// embed *Base and only provide their install/uninstall logic.
	Plugin interface {
		Name() string
		Version() string
		Install(st store.Store, opts Options) error
		Uninstall()
		IsInstalled() bool
		Info() Info
		Enabled() bool
		SetEnabled(enabled bool)
	}

	// Info is a point-in-time description of a plugin.
	Info struct {
		Name      string  `json:"name"`
		Version   string  `json:"version"`
		Installed bool    `json:"installed"`
		Options   Options `json:"options"`
	}

	// Registration pairs a plugin with the options it is registered with.
	Registration struct {
		Plugin  Plugin
		Options Options
	}
)

type (
	// BaseConfig holds the options shared by every plugin. Plugin config
	// structs embed it with `koanf:",squash"`.
	BaseConfig struct {
		Debug   bool `koanf:"debug" default:"false"`
		Enabled bool `koanf:"enabled" default:"true"`
	}

	// Hooks are the variant-specific parts of a plugin's lifecycle.
	Hooks struct {
		// DefaultOptions returns the variant's defaults. They are merged over
		// the base defaults, then the caller's options are merged over both.
		DefaultOptions func() Options
		// OnInstall runs after the options are merged and the store is bound.
		OnInstall func() error
		// OnUninstall runs after every disposer has been called.
		OnUninstall func() error
	}
)
