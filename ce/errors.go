// Package ce holds the error vocabulary shared by the plugin core: sentinel
// errors and a structured PluginError that records which plugin failed and
// at which stage of its lifecycle.
package ce

import (
	"fmt"
	"strings"
)

// ErrorType represents the lifecycle stage a plugin failure belongs to.
type ErrorType int

const (
	// ErrorTypeUnknown represents an unclassified error
	ErrorTypeUnknown ErrorType = iota
	// ErrorTypeRegistration covers duplicate names and invalid plugin values
	ErrorTypeRegistration
	// ErrorTypeInstall indicates a plugin's install hook failed and was rolled back
	ErrorTypeInstall
	// ErrorTypeUninstall indicates a failure during teardown (always recovered)
	ErrorTypeUninstall
	// ErrorTypeObservation indicates a hook, validator or observer failed at runtime
	ErrorTypeObservation
	// ErrorTypePersistence indicates the storage medium could not be read or written
	ErrorTypePersistence
	// ErrorTypeValidation indicates a store operation was rejected by validation
	ErrorTypeValidation
	// ErrorTypeExport indicates log export failed
	ErrorTypeExport
)

// String returns the string representation of the error type.
func (et ErrorType) String() string {
	switch et {
	case ErrorTypeRegistration:
		return "Registration"
	case ErrorTypeInstall:
		return "Install"
	case ErrorTypeUninstall:
		return "Uninstall"
	case ErrorTypeObservation:
		return "Observation"
	case ErrorTypePersistence:
		return "Persistence"
	case ErrorTypeValidation:
		return "Validation"
	case ErrorTypeExport:
		return "Export"
	default:
		return "Unknown"
	}
}

// PluginError is a structured plugin failure with the name of the plugin
// it is attributed to.
type PluginError struct {
	// Type categorizes the kind of error that occurred
	Type ErrorType
	// Plugin is the name of the plugin the error is attributed to
	Plugin string
	// Message provides a human-readable description of the error
	Message string
	// Cause holds the underlying error
	Cause error
}

// Error implements the error interface.
func (e *PluginError) Error() string {
	var parts []string

	if e.Type != ErrorTypeUnknown {
		parts = append(parts, fmt.Sprintf("[%s]", e.Type.String()))
	}

	if e.Plugin != "" {
		parts = append(parts, fmt.Sprintf("plugin=%s", e.Plugin))
	}

	if e.Message != "" {
		parts = append(parts, e.Message)
	}

	result := strings.Join(parts, " ")

	if e.Cause != nil {
		result += fmt.Sprintf(": %v", e.Cause)
	}

	return result
}

// Unwrap 返回底层错误
func (e *PluginError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a PluginError of the same type.
func (e *PluginError) Is(target error) bool {
	if pe, ok := target.(*PluginError); ok {
		return e.Type == pe.Type
	}
	return false
}

// NewPluginError creates a new plugin error.
func NewPluginError(errType ErrorType, plugin, message string, cause error) *PluginError {
	return &PluginError{
		Type:    errType,
		Plugin:  plugin,
		Message: message,
		Cause:   cause,
	}
}

// Convenience functions for creating errors

// NewRegistrationError creates a registration error.
func NewRegistrationError(plugin, message string, cause error) *PluginError {
	return NewPluginError(ErrorTypeRegistration, plugin, message, cause)
}

// NewInstallError creates an install error.
func NewInstallError(plugin, message string, cause error) *PluginError {
	return NewPluginError(ErrorTypeInstall, plugin, message, cause)
}

// NewValidationError creates a validation error.
func NewValidationError(plugin, message string, cause error) *PluginError {
	return NewPluginError(ErrorTypeValidation, plugin, message, cause)
}
