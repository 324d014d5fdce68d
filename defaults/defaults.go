// Package defaults fills option structs from `default:"..."` struct tags.
// Plugin option structs declare their defaults inline and this package turns
// them into concrete values before they are merged with caller overrides.
package defaults

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"
)

var durationType = reflect.TypeOf(time.Duration(0))

// SetDefaults sets default values on the struct ptr points to.
// Only zero-valued fields are touched. Nested and embedded structs are
// walked whether or not they carry a tag themselves.
func SetDefaults(ptr any) error {
	if ptr == nil {
		return nil
	}

	v := reflect.ValueOf(ptr)
	if v.Kind() != reflect.Ptr || v.IsNil() || v.Elem().Kind() != reflect.Struct {
		return nil
	}

	return walk(v.Elem())
}

func walk(v reflect.Value) error {
	t := v.Type()

	for i := range v.NumField() {
		field := v.Field(i)
		sf := t.Field(i)

		if !field.CanSet() {
			continue
		}

		if field.Kind() == reflect.Struct {
			if err := walk(field); err != nil {
				return err
			}
			continue
		}

		tag, ok := sf.Tag.Lookup("default")
		if !ok || !field.IsZero() {
			continue
		}

		if err := assign(field, tag); err != nil {
			return fmt.Errorf("default for field %s: %w", sf.Name, err)
		}
	}

	return nil
}

// assign parses value into field according to its kind.
func assign(field reflect.Value, value string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == durationType {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
			return nil
		}
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(n)

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(n)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// comma-separated string slices only
		if field.Type().Elem().Kind() != reflect.String || value == "" {
			return nil
		}
		items := splitAndTrim(value, ",")
		s := reflect.MakeSlice(field.Type(), 0, len(items))
		for _, item := range items {
			s = reflect.Append(s, reflect.ValueOf(item).Convert(field.Type().Elem()))
		}
		field.Set(s)

	case reflect.Ptr:
		if field.IsNil() {
			field.Set(reflect.New(field.Type().Elem()))
		}
		if field.Elem().Kind() == reflect.Struct {
			return walk(field.Elem())
		}
		return assign(field.Elem(), value)
	}

	return nil
}

// splitAndTrim splits a string by delimiter and trims whitespace
func splitAndTrim(s, delimiter string) []string {
	if s == "" {
		return nil
	}
	parts := make([]string, 0)
	for part := range strings.SplitSeq(s, delimiter) {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}
