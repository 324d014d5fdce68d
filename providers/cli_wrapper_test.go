package providers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockProvider implements koanf.Provider for testing
type mockProvider struct {
	data map[string]any
	err  error
}

func (m *mockProvider) Read() (map[string]any, error) {
	return m.data, m.err
}

func (m *mockProvider) ReadBytes() ([]byte, error) {
	return nil, nil
}

func TestCliProviderWrapper_Read(t *testing.T) {
	tests := []struct {
		name     string
		origData map[string]any
		cmdName  string
		expected map[string]any
	}{
		{
			name: "NestedUnderCommand",
			origData: map[string]any{
				"storeplug": map[string]any{
					"environment": "test",
					"plugins":     map[string]any{"logger": map[string]any{"maxLogs": 40}},
				},
			},
			cmdName: "storeplug",
			expected: map[string]any{
				"environment": "test",
				"plugins":     map[string]any{"logger": map[string]any{"maxLogs": 40}},
			},
		},
		{
			name: "FlatPrefixedKeys",
			origData: map[string]any{
				"storeplug.environment": "production",
				"other.key":             "kept",
			},
			cmdName: "storeplug",
			expected: map[string]any{
				"environment": "production",
				"other.key":   "kept",
			},
		},
		{
			name:     "EmptyCommandName",
			origData: map[string]any{"environment": "test"},
			cmdName:  "",
			expected: map[string]any{"environment": "test"},
		},
		{
			name:     "EmptyData",
			origData: map[string]any{},
			cmdName:  "storeplug",
			expected: map[string]any{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapper := NewCliProviderWrapper(&mockProvider{data: tt.origData}, tt.cmdName, ".")

			result, err := wrapper.Read()
			require.NoError(t, err)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestCliProviderWrapper_ReadError(t *testing.T) {
	wrapper := NewCliProviderWrapper(&mockProvider{err: assert.AnError}, "storeplug", ".")

	_, err := wrapper.Read()
	assert.ErrorIs(t, err, assert.AnError)
}
