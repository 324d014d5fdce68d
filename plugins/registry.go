package plugins

import (
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/nextpkg/storeplug/ce"
	"github.com/nextpkg/storeplug/slogs"
)

// Factory creates a fresh, uninstalled plugin instance.
type Factory func() Plugin

type (
	// globalPluginTypeRegistry 全局插件类型注册表
	globalPluginTypeRegistry struct {
		mu          sync.RWMutex
		pluginTypes map[string]Factory // key: pluginType
	}
)

var (
	// globalRegistry holds the singleton instance of the plugin type registry
	globalRegistry *globalPluginTypeRegistry
	// globalRegistryOnce ensures the registry is initialized only once
	globalRegistryOnce sync.Once
)

// getGlobalPluginRegistry returns the lazily initialised singleton registry.
func getGlobalPluginRegistry() *globalPluginTypeRegistry {
	globalRegistryOnce.Do(func() {
		globalRegistry = &globalPluginTypeRegistry{
			pluginTypes: make(map[string]Factory),
		}
	})
	return globalRegistry
}

// RegisterPluginType makes a plugin type constructible by name, so plugins can
// be listed in configuration files. It panics when the type is already
// registered or the factory is nil.
func RegisterPluginType(pluginType string, factory Factory) {
	if pluginType == "" || factory == nil {
		panic("plugin type and factory are required")
	}

	registry := getGlobalPluginRegistry()
	registry.mu.Lock()
	defer registry.mu.Unlock()

	if _, exists := registry.pluginTypes[pluginType]; exists {
		panic(fmt.Sprintf("plugin type is registered, type=%s", pluginType))
	}
	registry.pluginTypes[pluginType] = factory

	slogs.Debug("Plugin type registered", "type", pluginType)
}

// UnregisterPluginType removes a plugin type from the registry.
func UnregisterPluginType(pluginType string) {
	registry := getGlobalPluginRegistry()
	registry.mu.Lock()
	defer registry.mu.Unlock()

	delete(registry.pluginTypes, pluginType)
	slogs.Debug("Plugin type unregistered", "type", pluginType)
}

// NewPlugin creates a plugin of a registered type.
func NewPlugin(pluginType string) (Plugin, error) {
	registry := getGlobalPluginRegistry()
	registry.mu.RLock()
	factory, ok := registry.pluginTypes[pluginType]
	registry.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ce.ErrUnknownPluginType, pluginType)
	}
	return factory(), nil
}

// ListPluginTypes returns the registered type names, sorted.
func ListPluginTypes() []string {
	registry := getGlobalPluginRegistry()
	registry.mu.RLock()
	defer registry.mu.RUnlock()

	return slices.Sorted(maps.Keys(registry.pluginTypes))
}
