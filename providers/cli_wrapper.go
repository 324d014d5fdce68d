package providers

import (
	"maps"
	"strings"

	"github.com/knadh/koanf/v2"

	"github.com/nextpkg/storeplug/slogs"
)

// CliProviderWrapper strips the command name from the keys produced by the
// cliflagv3 provider, so a flag named plugins.logger.maxLogs on command
// "storeplug" lands on plugins.logger.maxLogs instead of
// storeplug.plugins.logger.maxLogs.
type CliProviderWrapper struct {
	original koanf.Provider
	cmdName  string
	delim    string
}

// NewCliProviderWrapper wraps original, which reads flags of command cmdName
// joined with delim.
func NewCliProviderWrapper(original koanf.Provider, cmdName, delim string) *CliProviderWrapper {
	return &CliProviderWrapper{
		original: original,
		cmdName:  cmdName,
		delim:    delim,
	}
}

// Read implements koanf.Provider.
func (w *CliProviderWrapper) Read() (map[string]any, error) {
	data, err := w.original.Read()
	if err != nil {
		return nil, err
	}

	result := make(map[string]any, len(data))

	// cliflagv3 nests every flag under the command name when delim is set
	if nested, ok := data[w.cmdName].(map[string]any); ok {
		maps.Copy(result, nested)
	}

	prefix := w.cmdName + w.delim
	for key, value := range data {
		switch {
		case key == w.cmdName:
			continue
		case w.cmdName != "" && strings.HasPrefix(key, prefix):
			result[strings.TrimPrefix(key, prefix)] = value
		default:
			if _, exists := result[key]; !exists {
				result[key] = value
			}
		}
	}

	slogs.Debug("cliProviderWrapper: mapped flags", "cmd", w.cmdName, "result", result)
	return result, nil
}

// ReadBytes implements koanf.Provider.
func (w *CliProviderWrapper) ReadBytes() ([]byte, error) {
	return w.original.ReadBytes()
}
