// Package validator wraps go-playground/validator for the plugin core. It
// checks decoded plugin option structs and backs the tag-driven built-in
// field validators (email, url) of the validation plugin.
package validator

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

var vld = validator.New(validator.WithRequiredStructEnabled())

// ErrNilTarget is returned when Validate is called with nil.
var ErrNilTarget = errors.New("validation target cannot be nil")

// Validator defines a method to validate a value beyond its struct tags.
type Validator interface {
	Validate() error
}

// Validate checks v's `validate` struct tags and then, if v implements
// Validator, its own Validate method.
func Validate(v any) error {
	if v == nil {
		return ErrNilTarget
	}

	if err := vld.Struct(v); err != nil {
		var invalid *validator.InvalidValidationError
		if !errors.As(err, &invalid) {
			return fmt.Errorf("struct validation failed: %w", err)
		}
	}

	if val, ok := v.(Validator); ok {
		return val.Validate()
	}

	return nil
}

// Var validates a single value against a validator tag such as "email".
func Var(value any, tag string) error {
	return vld.Var(value, tag)
}
