package storeplug

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v3"

	"github.com/nextpkg/storeplug/ce"
	"github.com/nextpkg/storeplug/internal/tasks"
	"github.com/nextpkg/storeplug/plugins"
	"github.com/nextpkg/storeplug/plugins/builtins"
)

const testConfig = `
environment: test
plugins:
  logger:
    maxLogs: 10
    outputToConsole: false
  validation:
    rules:
      title:
        - required: true
`

// loggerOff is testConfig with the logger disabled.
var loggerOff = strings.Replace(testConfig, "    maxLogs: 10\n", "    maxLogs: 10\n    enabled: false\n", 1)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "storeplug.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func loggerOption(t *testing.T, in *Installation, key string) any {
	t.Helper()
	return sectionOf(in.Config().Plugins, builtins.TypeLogger)[key]
}

func TestBuilder_FileOnly(t *testing.T) {
	in, err := NewBuilder().AddFile(writeConfig(t, testConfig)).Build()
	require.NoError(t, err)
	defer in.Close()

	assert.Equal(t, "test", in.Config().Environment)
	assert.Equal(t, plugins.Test, in.Manager.Environment())
	assert.Equal(t, []string{builtins.LoggerPluginName, builtins.ValidationPluginName}, in.Manager.ListPlugins())
	assert.EqualValues(t, 10, loggerOption(t, in, "maxLogs"))

	v, ok := Lookup[*builtins.ValidationPlugin](in.Manager, builtins.ValidationPluginName)
	require.True(t, ok)
	assert.True(t, v.HasRules("title"))
}

func TestBuilder_OverridePrecedence(t *testing.T) {
	path := writeConfig(t, testConfig)
	t.Setenv("STOREPLUG_TEST_PLUGINS__LOGGER__MAXLOGS", "20")

	t.Run("EnvOverFile", func(t *testing.T) {
		in, err := NewBuilder().AddFile(path).AddEnv("STOREPLUG_TEST_").Build()
		require.NoError(t, err)
		defer in.Close()
		assert.Equal(t, "20", loggerOption(t, in, "maxLogs"))
	})

	t.Run("FileOverEnv", func(t *testing.T) {
		in, err := NewBuilder().AddEnv("STOREPLUG_TEST_").AddFile(path).Build()
		require.NoError(t, err)
		defer in.Close()
		assert.EqualValues(t, 10, loggerOption(t, in, "maxLogs"))
	})

	t.Run("PluginConfigOverAll", func(t *testing.T) {
		in, err := NewBuilder().
			AddFile(path).
			AddEnv("STOREPLUG_TEST_").
			WithPluginConfig(plugins.Options{builtins.TypeLogger: plugins.Options{"maxLogs": 30}}).
			Build()
		require.NoError(t, err)
		defer in.Close()
		assert.EqualValues(t, 30, loggerOption(t, in, "maxLogs"))
		assert.Equal(t, false, loggerOption(t, in, "outputToConsole"))
	})

	t.Run("EnvironmentOverride", func(t *testing.T) {
		in, err := NewBuilder().
			AddFile(path).
			WithEnvironment(plugins.Production).
			WithPluginConfig(quiet).
			Build()
		require.NoError(t, err)
		defer in.Close()
		assert.Equal(t, plugins.Production, in.Manager.Environment())
		assert.False(t, in.Manager.HasPlugin(builtins.LoggerPluginName))
	})
}

func TestBuilder_DecodedOptionsReachPlugins(t *testing.T) {
	t.Setenv("STOREPLUG_DEC_PLUGINS__LOGGER__MAXLOGS", "3")

	l := tasks.New()
	in, err := NewBuilder().
		AddFile(writeConfig(t, testConfig)).
		AddEnv("STOREPLUG_DEC_").
		WithStore(l.Store()).
		Build()
	require.NoError(t, err)
	defer in.Close()

	logger, ok := Lookup[*builtins.LoggerPlugin](in.Manager, builtins.LoggerPluginName)
	require.True(t, ok)

	ctx := context.Background()
	for _, title := range []string{"a", "b", "c", "d", "e"} {
		_, err = l.AddTask(ctx, title)
		require.NoError(t, err)
	}
	assert.Equal(t, 3, logger.Status().LogCount)
	assert.Len(t, logger.SearchLogs(`"addTask"`, builtins.SearchOptions{Type: builtins.LogTypeAction}), 3)
}

func TestBuilder_CliFlags(t *testing.T) {
	path := writeConfig(t, testConfig)

	var maxLogs any
	cmd := &cli.Command{
		Name: "storeplug",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "plugins.logger.maxLogs"},
		},
		Action: func(_ context.Context, cmd *cli.Command) error {
			in, err := NewBuilder().AddFile(path).AddCliFlags(cmd, ".").Build()
			if err != nil {
				return err
			}
			defer in.Close()
			maxLogs = loggerOption(t, in, "maxLogs")
			return nil
		},
	}

	require.NoError(t, cmd.Run(context.Background(), []string{"storeplug", "--plugins.logger.maxLogs", "40"}))
	assert.EqualValues(t, 40, maxLogs)
}

func TestBuilder_AddProvider(t *testing.T) {
	in, err := NewBuilder().
		AddProvider(rawbytes.Provider([]byte(`{"environment":"test","plugins":{"logger":{"prefix":"[TASKS]","outputToConsole":false}}}`))).
		Build()
	require.NoError(t, err)
	defer in.Close()

	info, ok := in.Manager.GetPluginInfo(builtins.LoggerPluginName)
	require.True(t, ok)
	assert.Equal(t, "[TASKS]", info.Options["prefix"])
}

func TestBuilder_Errors(t *testing.T) {
	_, err := NewBuilder().AddFile(filepath.Join(t.TempDir(), "missing.yaml")).Build()
	assert.ErrorIs(t, err, ce.ErrLoadProviderFailed)

	_, err = NewBuilder().AddFile("storeplug.toml").Build()
	assert.ErrorIs(t, err, ce.ErrUnsupportedFormat)

	_, err = NewBuilder().AddFile(writeConfig(t, "environment: staging\n")).Build()
	assert.Error(t, err)

	assert.Panics(t, func() {
		NewBuilder().AddFile(writeConfig(t, "environment: staging\n")).MustBuild()
	})
}

func TestInstallation_Reload(t *testing.T) {
	path := writeConfig(t, testConfig)
	in, err := NewBuilder().AddFile(path).Build()
	require.NoError(t, err)
	defer in.Close()

	logger, ok := in.Manager.GetPlugin(builtins.LoggerPluginName)
	require.True(t, ok)
	assert.True(t, logger.Enabled())

	require.NoError(t, os.WriteFile(path, []byte(loggerOff), 0o644))
	require.NoError(t, in.Reload())
	assert.False(t, logger.Enabled())
	assert.Equal(t, false, loggerOption(t, in, "enabled"))

	require.NoError(t, os.WriteFile(path, []byte(testConfig), 0o644))
	require.NoError(t, in.Reload())
	assert.True(t, logger.Enabled())

	require.NoError(t, os.WriteFile(path, []byte("plugins: [broken"), 0o644))
	assert.Error(t, in.Reload())
	assert.True(t, logger.Enabled())
}

func TestInstallation_WatchTogglesPlugins(t *testing.T) {
	path := writeConfig(t, testConfig)
	in, err := NewBuilder().AddFile(path).WithWatch().Build()
	require.NoError(t, err)
	defer in.Close()

	logger, ok := in.Manager.GetPlugin(builtins.LoggerPluginName)
	require.True(t, ok)

	// let the watcher goroutine start
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte(loggerOff), 0o644))

	assert.Eventually(t, func() bool { return !logger.Enabled() }, 2*time.Second, 20*time.Millisecond)

	require.NoError(t, in.Close())
	assert.False(t, logger.IsInstalled())
	assert.NoError(t, in.Close())
}
