package storeplug

import (
	"fmt"
	"strings"
	"sync"

	"github.com/knadh/koanf/v2"

	"github.com/nextpkg/storeplug/ce"
	"github.com/nextpkg/storeplug/defaults"
	"github.com/nextpkg/storeplug/plugins"
	"github.com/nextpkg/storeplug/providers"
	"github.com/nextpkg/storeplug/validator"
)

// Config is the bootstrap configuration a Builder loads:
//
//	environment: production
//	plugins:
//	  persistence:
//	    backend: sqlite
//	    path: ./state.db
//	  logger:
//	    enabled: true
type Config struct {
	Environment string `koanf:"environment" default:"development" validate:"omitempty,oneof=development production test"`
	// Plugins is keyed by plugin type, then option name.
	Plugins plugins.Options `koanf:"plugins"`
}

// extraKeys are read by the bootstrap rather than by a plugin.
var extraKeys = []string{"enabled", "environments", "backend", "path"}

// knownKeys maps each built-in plugin type to its option keys, lowercased to
// their canonical spelling. Sources such as environment variables lose case.
var knownKeys = sync.OnceValue(func() map[string]map[string]string {
	out := make(map[string]map[string]string, len(pluginOrder))
	for _, typ := range pluginOrder {
		keys := make(map[string]string)
		for _, key := range extraKeys {
			keys[key] = key
		}

		layers := []plugins.Options{sectionOf(Presets(plugins.Development), typ)}
		if p, err := plugins.NewPlugin(typ); err == nil {
			if d, ok := p.(interface{ DefaultOptions() plugins.Options }); ok {
				layers = append(layers, d.DefaultOptions())
			}
		}
		for _, layer := range layers {
			for _, key := range koanfOf(layer).Keys() {
				keys[strings.ToLower(key)] = key
			}
		}
		out[typ] = keys
	}
	return out
})

func koanfOf(opts plugins.Options) *koanf.Koanf {
	k := koanf.New(".")
	for key, value := range opts {
		_ = k.Set(key, value)
	}
	return k
}

// canonicalKey restores the spelling of a flattened plugin option key.
// Validation rules are keyed by field name and are left alone.
func canonicalKey(key string) string {
	parts := strings.SplitN(key, ".", 3)
	if len(parts) < 3 || parts[0] != "plugins" {
		return key
	}

	typ := strings.ToLower(parts[1])
	rest := parts[2]
	if strings.HasPrefix(rest, "rules.") {
		return "plugins." + typ + "." + rest
	}
	if c, ok := knownKeys()[typ][strings.ToLower(rest)]; ok {
		rest = c
	}
	return "plugins." + typ + "." + rest
}

// loadSources reads every source in order into one koanf instance. Keys are
// canonicalised per source, so a later source overrides an earlier one even
// when they spell a key differently.
func loadSources(pcs []providers.ProviderConfig) (*koanf.Koanf, error) {
	k := koanf.New(".")
	for _, pc := range pcs {
		src := koanf.New(".")
		if err := src.Load(pc.Provider, pc.Parser); err != nil {
			return nil, fmt.Errorf("%w: %T: %w", ce.ErrLoadProviderFailed, pc.Provider, err)
		}

		canon := koanf.New(".")
		for key, value := range src.All() {
			if err := canon.Set(canonicalKey(key), value); err != nil {
				return nil, fmt.Errorf("%w: %s: %w", ce.ErrLoadProviderFailed, key, err)
			}
		}
		if err := k.Merge(canon); err != nil {
			return nil, fmt.Errorf("%w: %w", ce.ErrLoadProviderFailed, err)
		}
	}
	return k, nil
}

// decodeConfig unmarshals k into a Config and layers overrides on top.
func decodeConfig(k *koanf.Koanf, env plugins.Environment, overrides plugins.Options) (*Config, error) {
	var cfg Config
	if err := defaults.SetDefaults(&cfg); err != nil {
		return nil, fmt.Errorf("failed to set default values: %w", err)
	}
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	cfg.Plugins = plugins.MergeOptions(cfg.Plugins, overrides)
	if env != "" {
		cfg.Environment = string(env)
	}

	if err := validator.Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}
