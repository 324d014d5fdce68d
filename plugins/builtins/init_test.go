package builtins

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextpkg/storeplug/plugins"
	"github.com/nextpkg/storeplug/store/memstore"
)

func TestBuiltinTypesRegistered(t *testing.T) {
	want := map[string]string{
		TypeLogger:      LoggerPluginName,
		TypePerformance: PerformancePluginName,
		TypePersistence: PersistencePluginName,
		TypeValidation:  ValidationPluginName,
	}

	for typ, name := range want {
		t.Run(typ, func(t *testing.T) {
			assert.Contains(t, plugins.ListPluginTypes(), typ)

			p, err := plugins.NewPlugin(typ)
			require.NoError(t, err)
			assert.Equal(t, name, p.Name())

			require.NoError(t, p.Install(memstore.New(nil), plugins.Options{
				"outputToConsole": false,
				"trackMemory":     false,
				"reportInterval":  0,
			}))
			assert.True(t, p.IsInstalled())
			p.Uninstall()
			assert.False(t, p.IsInstalled())
		})
	}
}

func TestBuiltins_ThroughManager(t *testing.T) {
	pm := plugins.NewPluginManager(memstore.New(nil), plugins.Test)
	require.NoError(t, pm.Initialize())

	logger := NewLoggerPlugin()
	perf := NewPerformancePlugin()
	require.NoError(t, pm.RegisterMultiple([]plugins.Registration{
		{Plugin: logger, Options: plugins.Options{"outputToConsole": false}},
		{Plugin: perf, Options: plugins.Options{"trackMemory": false, "reportInterval": 0, "environments": []string{"production"}}},
	}))

	assert.Equal(t, []string{LoggerPluginName}, pm.ListPlugins())
	assert.False(t, perf.IsInstalled())

	pm.Dispose()
	assert.False(t, logger.IsInstalled())
	assert.Empty(t, pm.ListPlugins())
}
