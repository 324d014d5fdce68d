package ce

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestErrorType_String tests the String method of ErrorType
func TestErrorType_String(t *testing.T) {
	tests := []struct {
		name      string
		errorType ErrorType
		expected  string
	}{
		{"Registration", ErrorTypeRegistration, "Registration"},
		{"Install", ErrorTypeInstall, "Install"},
		{"Uninstall", ErrorTypeUninstall, "Uninstall"},
		{"Observation", ErrorTypeObservation, "Observation"},
		{"Persistence", ErrorTypePersistence, "Persistence"},
		{"Validation", ErrorTypeValidation, "Validation"},
		{"Export", ErrorTypeExport, "Export"},
		{"Unknown", ErrorTypeUnknown, "Unknown"},
		{"InvalidType", ErrorType(999), "Unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.errorType.String())
		})
	}
}

// TestPluginError_Error tests the Error method of PluginError
func TestPluginError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *PluginError
		expected string
	}{
		{
			name: "complete error",
			err: &PluginError{
				Type:    ErrorTypeInstall,
				Plugin:  "PersistencePlugin",
				Message: "failed to install plugin",
				Cause:   ErrStorageRequired,
			},
			expected: "[Install] plugin=PersistencePlugin failed to install plugin: persistence requires a storage medium",
		},
		{
			name: "error without cause",
			err: &PluginError{
				Type:    ErrorTypeRegistration,
				Plugin:  "LoggerPlugin",
				Message: "already registered",
			},
			expected: "[Registration] plugin=LoggerPlugin already registered",
		},
		{
			name: "minimal error",
			err: &PluginError{
				Type:    ErrorTypeUnknown,
				Message: "something went wrong",
			},
			expected: "something went wrong",
		},
		{
			name:     "empty error",
			err:      &PluginError{},
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.err.Error())
		})
	}
}

// TestPluginError_Unwrap tests that sentinels are reachable through errors.Is
func TestPluginError_Unwrap(t *testing.T) {
	err := NewInstallError("LoggerPlugin", "install failed", ErrAlreadyInstalled)

	assert.Equal(t, ErrAlreadyInstalled, err.Unwrap())
	assert.True(t, errors.Is(err, ErrAlreadyInstalled))

	wrapped := fmt.Errorf("register: %w", err)
	var pe *PluginError
	assert.True(t, errors.As(wrapped, &pe))
	assert.Equal(t, "LoggerPlugin", pe.Plugin)

	assert.Nil(t, (&PluginError{Type: ErrorTypeExport}).Unwrap())
}

// TestPluginError_Is tests the Is method of PluginError
func TestPluginError_Is(t *testing.T) {
	err1 := &PluginError{Type: ErrorTypeInstall}
	err2 := &PluginError{Type: ErrorTypeInstall, Plugin: "other"}
	err3 := &PluginError{Type: ErrorTypeValidation}

	assert.True(t, err1.Is(err2))
	assert.False(t, err1.Is(err3))
	assert.False(t, err1.Is(fmt.Errorf("regular error")))
	assert.True(t, errors.Is(NewValidationError("ValidationPlugin", "rejected", ErrValidationFailed), &PluginError{Type: ErrorTypeValidation}))
}

// TestConstructors tests the convenience constructors
func TestConstructors(t *testing.T) {
	cause := fmt.Errorf("underlying error")

	reg := NewRegistrationError("p", "dup", cause)
	assert.Equal(t, ErrorTypeRegistration, reg.Type)
	assert.Equal(t, "p", reg.Plugin)
	assert.Equal(t, "dup", reg.Message)
	assert.Equal(t, cause, reg.Cause)

	inst := NewInstallError("p", "boom", nil)
	assert.Equal(t, ErrorTypeInstall, inst.Type)
	assert.Nil(t, inst.Cause)

	val := NewValidationError("p", "bad", ErrValidationFailed)
	assert.Equal(t, ErrorTypeValidation, val.Type)
	assert.ErrorIs(t, val, ErrValidationFailed)
}
