package providers

import (
	"strings"

	"github.com/knadh/koanf/providers/env"
)

// EnvDelim separates nesting levels inside an environment variable name.
const EnvDelim = "__"

// NewEnvProvider reads variables starting with prefix. The prefix is dropped,
// the rest is lowercased and every "__" starts a nested key, so
// STOREPLUG_PLUGINS__LOGGER__MAXLOGS becomes plugins.logger.maxlogs.
// Keys are lowercase; callers match them against known option names.
func NewEnvProvider(prefix string) *env.Env {
	return env.ProviderWithValue(prefix, ".", func(key, value string) (string, any) {
		key = strings.TrimPrefix(key, prefix)
		key = strings.Trim(strings.ToLower(key), "_")
		if key == "" {
			return "", nil
		}
		return strings.ReplaceAll(key, EnvDelim, "."), value
	})
}
