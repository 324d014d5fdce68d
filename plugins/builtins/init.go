package builtins

import (
	"github.com/nextpkg/storeplug/plugins"
	"github.com/nextpkg/storeplug/storage"
)

// Plugin type names in the global registry.
const (
	TypeLogger      = "logger"
	TypePerformance = "performance"
	TypePersistence = "persistence"
	TypeValidation  = "validation"
)

// init registers the built-in plugins so configuration files can name them.
// Persistence built this way keeps its record in process memory.
func init() {
	plugins.RegisterPluginType(TypeLogger, func() plugins.Plugin { return NewLoggerPlugin() })
	plugins.RegisterPluginType(TypePerformance, func() plugins.Plugin { return NewPerformancePlugin() })
	plugins.RegisterPluginType(TypePersistence, func() plugins.Plugin {
		return NewPersistencePlugin(WithStorage(storage.NewMemory()))
	})
	plugins.RegisterPluginType(TypeValidation, func() plugins.Plugin { return NewValidationPlugin() })
}
