// Package plugins provides the plugin lifecycle contract, the shared Base
// implementation, the PluginManager that hosts plugins against one store, and
// a process-wide registry of plugin types. This file contains the option
// helpers: merging layers with koanf, turning config structs into option maps
// and decoding option maps back into validated config structs.
package plugins

import (
	"fmt"
	"reflect"
	"strconv"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/v2"

	"github.com/nextpkg/storeplug/defaults"
	"github.com/nextpkg/storeplug/slogs"
	"github.com/nextpkg/storeplug/validator"
)

// loadOptions merges layers left to right into a fresh koanf instance.
// Nested maps are merged key by key; any other value in a later layer
// replaces the earlier one. Keys are taken verbatim (no dot unflattening) so
// field paths such as "user.email" survive as map keys.
func loadOptions(layers ...Options) (*koanf.Koanf, error) {
	k := koanf.New(".")
	for _, layer := range layers {
		if len(layer) == 0 {
			continue
		}
		if err := k.Load(confmap.Provider(layer, ""), nil); err != nil {
			return nil, fmt.Errorf("failed to merge options: %w", err)
		}
	}
	return k, nil
}

// MergeOptions returns the deep merge of layers; later layers win.
func MergeOptions(layers ...Options) Options {
	k, err := loadOptions(layers...)
	if err != nil {
		slogs.Error("MergeOptions failed", "error", err)
		return Options{}
	}
	return k.Raw()
}

// OptionsOf fills the default tags of cfg (a pointer to a config struct) and
// returns it flattened into an Options map keyed by its koanf tags. Nested
// structs become nested maps.
func OptionsOf(cfg any) Options {
	if err := defaults.SetDefaults(cfg); err != nil {
		slogs.Error("OptionsOf: failed to set defaults", "type", fmt.Sprintf("%T", cfg), "error", err)
	}

	out := Options{}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName: "koanf",
		Result:  &out,
	})
	if err != nil {
		slogs.Error("OptionsOf: failed to create decoder", "error", err)
		return out
	}
	if err = dec.Decode(cfg); err != nil {
		slogs.Error("OptionsOf: failed to decode", "type", fmt.Sprintf("%T", cfg), "error", err)
	}
	return out
}

// DecodeOptions unmarshals opts into cfg, a pointer to a config struct whose
// default tags fill whatever opts leaves out, and validates the result.
func DecodeOptions(opts Options, cfg any) error {
	if err := defaults.SetDefaults(cfg); err != nil {
		return fmt.Errorf("failed to set default options: %w", err)
	}

	k, err := loadOptions(opts)
	if err != nil {
		return err
	}
	err = k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{
		Tag:           "koanf",
		DecoderConfig: &mapstructure.DecoderConfig{
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				millisecondsHookFunc(),
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.TextUnmarshallerHookFunc(),
				mapstructure.StringToSliceHookFunc(","),
			),
			Result:           cfg,
			WeaklyTypedInput: true,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to unmarshal options: %w", err)
	}

	if err = validator.Validate(cfg); err != nil {
		return fmt.Errorf("invalid options: %w", err)
	}
	return nil
}

var durationType = reflect.TypeOf(time.Duration(0))

// millisecondsHookFunc reads plain numbers, and strings holding only a
// number, as milliseconds when the target is a time.Duration. Strings with a
// unit ("2s") are left to StringToTimeDurationHookFunc.
func millisecondsHookFunc() mapstructure.DecodeHookFuncType {
	return func(f reflect.Type, t reflect.Type, data any) (any, error) {
		if t != durationType || f == durationType {
			return data, nil
		}

		v := reflect.ValueOf(data)
		switch f.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			return time.Duration(v.Int()) * time.Millisecond, nil
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			return time.Duration(v.Uint()) * time.Millisecond, nil
		case reflect.Float32, reflect.Float64:
			return time.Duration(v.Float() * float64(time.Millisecond)), nil
		case reflect.String:
			ms, err := strconv.ParseFloat(v.String(), 64)
			if err != nil {
				return data, nil
			}
			return time.Duration(ms * float64(time.Millisecond)), nil
		default:
			return data, nil
		}
	}
}

// stringsOf reads a string list option. It accepts []string, []any and a
// single string, and reports whether the key was present at all.
func stringsOf(opts Options, key string) ([]string, bool) {
	v, ok := opts[key]
	if !ok || v == nil {
		return nil, false
	}

	switch t := v.(type) {
	case []string:
		return t, true
	case string:
		return []string{t}, true
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			out = append(out, fmt.Sprint(item))
		}
		return out, true
	default:
		return nil, true
	}
}
