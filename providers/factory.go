// Package providers builds the koanf providers the bootstrap configuration is
// loaded from: configuration files (watched with fsnotify), prefixed
// environment variables and urfave/cli flags.
package providers

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/cliflagv3"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"

	"github.com/nextpkg/storeplug/ce"
)

// ProviderConfig holds a koanf provider with its parser. A nil parser means
// the provider already returns a map.
type ProviderConfig struct {
	Provider koanf.Provider
	Parser   koanf.Parser
}

// ProviderFactory turns configuration sources into ProviderConfigs.
type ProviderFactory struct{}

// NewProviderFactory creates a new provider factory
func NewProviderFactory() *ProviderFactory {
	return &ProviderFactory{}
}

// CreateProvider accepts a file path, a koanf.Provider or a ready
// ProviderConfig. File paths are wrapped in a FileWatcher so they can be
// watched later.
func (f *ProviderFactory) CreateProvider(src any) (ProviderConfig, error) {
	switch s := src.(type) {
	case string:
		parser, err := f.ParserForFile(s)
		if err != nil {
			return ProviderConfig{}, err
		}
		fw, err := NewFileWatcher(s)
		if err != nil {
			return ProviderConfig{}, fmt.Errorf("failed to resolve %s: %w", s, err)
		}
		return ProviderConfig{Provider: fw, Parser: parser}, nil
	case ProviderConfig:
		if s.Provider == nil {
			return ProviderConfig{}, fmt.Errorf("provider config without provider")
		}
		return s, nil
	case koanf.Provider:
		return ProviderConfig{Provider: s, Parser: f.parserForProvider(s)}, nil
	default:
		return ProviderConfig{}, fmt.Errorf("unsupported source type: %T, expected string (file path) or koanf.Provider", src)
	}
}

// CreateProviders creates one ProviderConfig per source, in order.
func (f *ProviderFactory) CreateProviders(sources ...any) ([]ProviderConfig, error) {
	out := make([]ProviderConfig, 0, len(sources))
	for _, src := range sources {
		pc, err := f.CreateProvider(src)
		if err != nil {
			return nil, err
		}
		out = append(out, pc)
	}
	return out, nil
}

// ParserForFile picks the parser from the file extension. Files without an
// extension are read as YAML.
func (f *ProviderFactory) ParserForFile(path string) (koanf.Parser, error) {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml", "":
		return yaml.Parser(), nil
	case ".json":
		return json.Parser(), nil
	default:
		return nil, fmt.Errorf("%w: config file extension %q", ce.ErrUnsupportedFormat, ext)
	}
}

func (f *ProviderFactory) parserForProvider(p koanf.Provider) koanf.Parser {
	switch p.(type) {
	case *env.Env, *cliflagv3.CliFlag, *confmap.Confmap, *CliProviderWrapper:
		return nil
	default:
		// rawbytes and other byte providers; JSON is valid YAML
		return yaml.Parser()
	}
}
