package ce

import (
	"errors"
)

var (
	ErrInvalidPlugin      = errors.New("invalid plugin: must implement Install")
	ErrAlreadyInstalled   = errors.New("plugin is already installed")
	ErrAlreadyRegistered  = errors.New("plugin is already registered")
	ErrManagerDisposed    = errors.New("plugin manager is disposed")
	ErrInvalidHook        = errors.New("hook callback must be a function")
	ErrUnknownPluginType  = errors.New("unknown plugin type")
	ErrStorageRequired    = errors.New("persistence requires a storage medium")
	ErrNilStore           = errors.New("store is nil")
	ErrUnsupportedFormat  = errors.New("unsupported export format")
	ErrValidationFailed   = errors.New("validation failed")
	ErrLoadProviderFailed = errors.New("load provider failed")
	ErrWatchNotSupported  = errors.New("the configuration provider does not support watching")
)
