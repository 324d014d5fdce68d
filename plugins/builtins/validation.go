package builtins

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"math"
	"reflect"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/tidwall/gjson"
	"github.com/zeromicro/go-zero/core/threading"
	"golang.org/x/sync/errgroup"

	"github.com/nextpkg/storeplug/ce"
	"github.com/nextpkg/storeplug/plugins"
	"github.com/nextpkg/storeplug/store"
	"github.com/nextpkg/storeplug/validator"
)

const ValidationPluginName = "ValidationPlugin"

// ValidateOnChange revalidates a field whenever a patch touches it.
const ValidateOnChange = "change"

const validatorErrorMessage = "Validation error occurred"

type (
	// Rule is one rule object: each key other than "message" names a
	// registered validator and holds its parameter. The validators of one
	// rule run in alphabetical key order and the first failure is reported,
	// so use one key per rule object when the order of checks matters.
	Rule map[string]any

	// ValidatorFunc reports whether value satisfies param. snap is the store
	// state the value was read from. A returned error counts as a failure.
	ValidatorFunc func(ctx context.Context, value, param any, snap store.Snapshot) (bool, error)

	// CustomFunc is the parameter of the "custom" validator.
	CustomFunc func(value any, snap store.Snapshot) bool

	// AsyncFunc is the parameter of the "async" validator.
	AsyncFunc func(ctx context.Context, value any, snap store.Snapshot) (bool, error)

	// ValidationChangeFunc receives a field's errors after each (re)validation
	// together with every current error. field is empty after ClearAllErrors.
	ValidationChangeFunc func(field string, errs []string, all map[string][]string)

	// ValidationConfig represents the options of the validation plugin. Rules
	// are read separately from the "rules" option so dotted field paths
	// survive as keys.
	ValidationConfig struct {
		plugins.BaseConfig `koanf:",squash"`
		ValidateOn         []string          `koanf:"validateOn" default:"change"`
		Messages           map[string]string `koanf:"messages"`
		StopOnFirstError   bool              `koanf:"stopOnFirstError" default:"false"`
		// RejectInvalid rolls back actions that leave the state invalid
		RejectInvalid bool `koanf:"rejectInvalid" default:"false"`
	}

	ValidationStats struct {
		TotalFields      int  `json:"totalFields"`
		FieldsWithErrors int  `json:"fieldsWithErrors"`
		ValidFields      int  `json:"validFields"`
		TotalErrors      int  `json:"totalErrors"`
		IsValid          bool `json:"isValid"`
	}

	ValidationStatus struct {
		plugins.Info
		Stats                ValidationStats `json:"validationStats"`
		RegisteredValidators []string        `json:"registeredValidators"`
		ConfiguredFields     []string        `json:"configuredFields"`
	}

	ValidationOption func(*ValidationPlugin)
)

// ValidationPlugin applies declarative rules to store fields.
type ValidationPlugin struct {
	*plugins.Base

	custom   map[string]ValidatorFunc
	preset   map[string][]Rule
	onChange ValidationChangeFunc

	mu         sync.RWMutex
	cfg        ValidationConfig
	validators map[string]ValidatorFunc
	rules      map[string][]Rule
	errors     map[string][]string
	// gens counts the validation runs begun per field
	gens map[string]uint64

	seqMu sync.Mutex
	cbMu  sync.Mutex
}

// WithValidator registers a custom validator at install.
func WithValidator(name string, fn ValidatorFunc) ValidationOption {
	return func(p *ValidationPlugin) {
		if name != "" && fn != nil {
			p.custom[name] = fn
		}
	}
}

// WithFieldRules seeds rules that cannot travel through options, such as
// rules carrying CustomFunc or AsyncFunc parameters.
func WithFieldRules(field string, rules ...Rule) ValidationOption {
	return func(p *ValidationPlugin) { p.preset[field] = rules }
}

func WithValidationChange(fn ValidationChangeFunc) ValidationOption {
	return func(p *ValidationPlugin) { p.onChange = fn }
}

func NewValidationPlugin(opts ...ValidationOption) *ValidationPlugin {
	p := &ValidationPlugin{
		custom:     make(map[string]ValidatorFunc),
		preset:     make(map[string][]Rule),
		validators: make(map[string]ValidatorFunc),
		rules:      make(map[string][]Rule),
		errors:     make(map[string][]string),
		gens:       make(map[string]uint64),
	}
	p.Base = plugins.NewBase(ValidationPluginName, "1.0.0", plugins.Hooks{
		DefaultOptions: func() plugins.Options {
			return plugins.MergeOptions(plugins.OptionsOf(&ValidationConfig{}), plugins.Options{"rules": map[string]any{}})
		},
		OnInstall:   p.onInstall,
		OnUninstall: p.onUninstall,
	})
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *ValidationPlugin) onInstall() error {
	var cfg ValidationConfig
	if err := p.Decode(&cfg); err != nil {
		return err
	}

	rules, err := parseRules(p.Options()["rules"])
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.cfg = cfg
	p.registerBuiltins()
	maps.Copy(p.validators, p.custom)
	maps.Copy(p.rules, rules)
	maps.Copy(p.rules, p.preset)
	p.mu.Unlock()

	st := p.Store()
	if slices.Contains(cfg.ValidateOn, ValidateOnChange) {
		p.AddDisposer(st.OnPatch(p.onPatch))
	}
	if cfg.RejectInvalid {
		p.AddDisposer(st.Use(p.rejectMiddleware))
	}
	return nil
}

func (p *ValidationPlugin) onUninstall() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	clear(p.validators)
	clear(p.rules)
	clear(p.errors)
	clear(p.gens)
	return nil
}

// parseRules normalises the "rules" option: each field maps to a rule object
// or a list of them.
func parseRules(raw any) (map[string][]Rule, error) {
	out := make(map[string][]Rule)
	if raw == nil {
		return out, nil
	}
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("rules must be a map of field to rules, got %T", raw)
	}

	for field, v := range m {
		switch t := v.(type) {
		case map[string]any:
			out[field] = []Rule{t}
		case Rule:
			out[field] = []Rule{t}
		case []Rule:
			out[field] = t
		case []map[string]any:
			for _, r := range t {
				out[field] = append(out[field], r)
			}
		case []any:
			for i, item := range t {
				r, ok := item.(map[string]any)
				if !ok {
					if rr, isRule := item.(Rule); isRule {
						r = rr
					} else {
						return nil, fmt.Errorf("rule %d of field %s must be an object, got %T", i, field, item)
					}
				}
				out[field] = append(out[field], r)
			}
		default:
			return nil, fmt.Errorf("rules of field %s must be an object or a list, got %T", field, v)
		}
	}
	return out, nil
}

// RegisterValidator adds or replaces a named validator.
func (p *ValidationPlugin) RegisterValidator(name string, fn ValidatorFunc) {
	if name == "" || fn == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.validators[name] = fn
}

// SetFieldRules replaces the rule list of field.
func (p *ValidationPlugin) SetFieldRules(field string, rules ...Rule) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(rules) == 0 {
		delete(p.rules, field)
		return
	}
	p.rules[field] = slices.Clone(rules)
}

func (p *ValidationPlugin) HasRules(field string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.rules[field]) > 0
}

func (p *ValidationPlugin) onPatch(patch, _ store.Patch) {
	if !p.Enabled() || (patch.Op != store.OpAdd && patch.Op != store.OpReplace) {
		return
	}
	field, ok := p.fieldForPath(patch.Path)
	if !ok {
		return
	}

	// revalidate off the patch path
	threading.GoSafe(func() {
		if !p.IsInstalled() {
			return
		}
		p.ValidateField(context.Background(), field)
	})
}

// fieldForPath maps a patch path to a configured field: the dotted form of
// the whole path ("/user/email" → "user.email") or, failing that, its last
// segment.
func (p *ValidationPlugin) fieldForPath(path string) (string, bool) {
	segs := store.SplitPath(path)
	if len(segs) == 0 {
		return "", false
	}
	if dotted := strings.Join(segs, "."); p.HasRules(dotted) {
		return dotted, true
	}
	if last := segs[len(segs)-1]; p.HasRules(last) {
		return last, true
	}
	return "", false
}

// rejectMiddleware validates every field after an action and restores the
// pre-action state when the action made a field invalid. Fields that were
// already invalid before the action do not cause a rollback.
func (p *ValidationPlugin) rejectMiddleware(call *store.Call, next store.Next) (any, error) {
	if !p.Enabled() {
		return next(call)
	}

	ctx := call.Context
	if ctx == nil {
		ctx = context.Background()
	}

	st := p.Store()
	before := st.GetSnapshot()
	invalid := p.invalidFields(ctx, before)

	res, err := next(call)
	if err != nil {
		return res, err
	}

	if p.ValidateAll(ctx) {
		return res, nil
	}

	all := p.GetAllErrors()
	added := make(map[string][]string)
	for field, errs := range all {
		if !invalid[field] {
			added[field] = errs
		}
	}
	if len(added) == 0 {
		return res, nil
	}

	if rbErr := st.ApplySnapshot(before); rbErr != nil {
		p.Error("Failed to roll back invalid action", "action", call.Name, "error", rbErr)
	}
	return nil, ce.NewValidationError(p.Name(),
		fmt.Sprintf("action %s left the store invalid: %v", call.Name, added), ce.ErrValidationFailed)
}

// invalidFields evaluates every field against snap without recording errors.
func (p *ValidationPlugin) invalidFields(ctx context.Context, snap store.Snapshot) map[string]bool {
	raw, err := json.Marshal(snap)
	if err != nil {
		p.Error("Failed to encode snapshot for validation", "error", err)
		raw = []byte("{}")
	}

	out := make(map[string]bool)
	for _, field := range p.Fields() {
		if errs := p.fieldErrors(ctx, field, snap, raw); len(errs) > 0 {
			out[field] = true
		}
	}
	return out
}

// begin starts a validation run of fields: it bumps their generations and
// reads the snapshot they are checked against in one step, so a higher
// generation always means a newer snapshot.
func (p *ValidationPlugin) begin(fields ...string) (map[string]uint64, store.Snapshot, []byte) {
	p.seqMu.Lock()
	defer p.seqMu.Unlock()

	gens := make(map[string]uint64, len(fields))
	p.mu.Lock()
	for _, field := range fields {
		p.gens[field]++
		gens[field] = p.gens[field]
	}
	p.mu.Unlock()

	snap, raw := p.snapshot()
	return gens, snap, raw
}

func (p *ValidationPlugin) snapshot() (store.Snapshot, []byte) {
	st := p.Store()
	if st == nil {
		return store.Snapshot{}, []byte("{}")
	}
	snap := st.GetSnapshot()
	raw, err := json.Marshal(snap)
	if err != nil {
		p.Error("Failed to encode snapshot for validation", "error", err)
		return snap, []byte("{}")
	}
	return snap, raw
}

// FieldValue reads a dotted field path ("user.email", "tasks.0.title") from
// the current state.
func (p *ValidationPlugin) FieldValue(field string) any {
	_, raw := p.snapshot()
	return fieldValue(raw, field)
}

func fieldValue(raw []byte, field string) any {
	res := gjson.GetBytes(raw, field)
	if !res.Exists() {
		return nil
	}
	return res.Value()
}

// ValidateField runs field's rules against the current state, records the
// resulting errors and reports whether the field is valid.
func (p *ValidationPlugin) ValidateField(ctx context.Context, field string) bool {
	gens, snap, raw := p.begin(field)
	return p.validateField(ctx, field, gens[field], snap, raw)
}

// validateField records the errors of field unless a run begun later has
// superseded this one.
func (p *ValidationPlugin) validateField(ctx context.Context, field string, gen uint64, snap store.Snapshot, raw []byte) bool {
	if !p.HasRules(field) {
		return true
	}
	errs := p.fieldErrors(ctx, field, snap, raw)

	p.mu.Lock()
	if gen != p.gens[field] {
		p.mu.Unlock()
		return len(errs) == 0
	}
	if len(errs) > 0 {
		p.errors[field] = errs
	} else {
		delete(p.errors, field)
	}
	p.mu.Unlock()

	p.notify(field, errs)
	return len(errs) == 0
}

func (p *ValidationPlugin) fieldErrors(ctx context.Context, field string, snap store.Snapshot, raw []byte) []string {
	p.mu.RLock()
	rules := p.rules[field]
	stopOnFirst := p.cfg.StopOnFirstError
	p.mu.RUnlock()

	value := fieldValue(raw, field)
	var errs []string
	for _, rule := range rules {
		if ok, msg := p.validateRule(ctx, value, rule, snap); !ok {
			errs = append(errs, msg)
			if stopOnFirst {
				break
			}
		}
	}
	return errs
}

// validateRule runs the validators named by rule in key order and stops at
// the first failure, returning its message.
func (p *ValidationPlugin) validateRule(ctx context.Context, value any, rule Rule, snap store.Snapshot) (bool, string) {
	names := slices.Sorted(maps.Keys(rule))

	for _, name := range names {
		if name == "message" {
			continue
		}
		param := rule[name]

		p.mu.RLock()
		fn, ok := p.validators[name]
		p.mu.RUnlock()
		if !ok {
			p.Warn("Unknown validator", "validator", name)
			continue
		}

		valid, err := callValidator(ctx, fn, value, param, snap)
		if err != nil {
			p.Error("Validator failed", "validator", name, "error", err)
			return false, validatorErrorMessage
		}
		if !valid {
			return false, p.message(rule, name, param)
		}
	}
	return true, ""
}

func callValidator(ctx context.Context, fn ValidatorFunc, value, param any, snap store.Snapshot) (valid bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			valid, err = false, fmt.Errorf("validator panic: %v", r)
		}
	}()
	return fn(ctx, value, param, snap)
}

func (p *ValidationPlugin) message(rule Rule, name string, param any) string {
	if msg, ok := rule["message"].(string); ok && msg != "" {
		return msg
	}
	p.mu.RLock()
	msg := p.cfg.Messages[name]
	p.mu.RUnlock()
	if msg != "" {
		return msg
	}
	return defaultMessage(name, param)
}

func defaultMessage(name string, param any) string {
	switch name {
	case "required":
		return "This field is required"
	case "minLength":
		return fmt.Sprintf("Minimum length is %v", param)
	case "maxLength":
		return fmt.Sprintf("Maximum length is %v", param)
	case "min":
		return fmt.Sprintf("Minimum value is %v", param)
	case "max":
		return fmt.Sprintf("Maximum value is %v", param)
	case "pattern":
		return "Invalid format"
	case "email":
		return "Invalid email address"
	case "url":
		return "Invalid URL"
	case "number":
		return "Must be a number"
	case "integer":
		return "Must be an integer"
	case "async":
		return "Async validation failed"
	default:
		return "Validation failed"
	}
}

func (p *ValidationPlugin) notify(field string, errs []string) {
	if p.onChange == nil {
		return
	}
	all := p.GetAllErrors()

	p.cbMu.Lock()
	defer p.cbMu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			p.Error("Validation change callback panicked", "panic", r)
		}
	}()
	p.onChange(field, slices.Clone(errs), all)
}

// ValidateAll validates every configured field concurrently against one
// snapshot and reports whether all are valid.
func (p *ValidationPlugin) ValidateAll(ctx context.Context) bool {
	fields := p.Fields()
	gens, snap, raw := p.begin(fields...)

	results := make([]bool, len(fields))
	g, gctx := errgroup.WithContext(ctx)
	for i, field := range fields {
		g.Go(func() error {
			results[i] = p.validateField(gctx, field, gens[field], snap, raw)
			return nil
		})
	}
	_ = g.Wait()

	return !slices.Contains(results, false)
}

// ValidateModel is an alias of ValidateAll.
func (p *ValidationPlugin) ValidateModel(ctx context.Context) bool {
	return p.ValidateAll(ctx)
}

// Fields lists the fields with rules, sorted.
func (p *ValidationPlugin) Fields() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return slices.Sorted(maps.Keys(p.rules))
}

func (p *ValidationPlugin) GetFieldErrors(field string) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return slices.Clone(p.errors[field])
}

func (p *ValidationPlugin) GetAllErrors() map[string][]string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string][]string, len(p.errors))
	for k, v := range p.errors {
		out[k] = slices.Clone(v)
	}
	return out
}

// GetValidationErrors is an alias of GetAllErrors.
func (p *ValidationPlugin) GetValidationErrors() map[string][]string {
	return p.GetAllErrors()
}

// HasErrors reports errors for field, or for any field when field is empty.
func (p *ValidationPlugin) HasErrors(field string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if field != "" {
		return len(p.errors[field]) > 0
	}
	return len(p.errors) > 0
}

func (p *ValidationPlugin) IsValid(field string) bool {
	return !p.HasErrors(field)
}

func (p *ValidationPlugin) ClearFieldErrors(field string) {
	p.mu.Lock()
	delete(p.errors, field)
	p.mu.Unlock()
	p.notify(field, nil)
}

func (p *ValidationPlugin) ClearAllErrors() {
	p.mu.Lock()
	clear(p.errors)
	p.mu.Unlock()
	p.notify("", nil)
}

func (p *ValidationPlugin) ValidationStats() ValidationStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	stats := ValidationStats{
		TotalFields:      len(p.rules),
		FieldsWithErrors: len(p.errors),
	}
	for _, errs := range p.errors {
		stats.TotalErrors += len(errs)
	}
	stats.ValidFields = stats.TotalFields - stats.FieldsWithErrors
	stats.IsValid = stats.FieldsWithErrors == 0
	return stats
}

func (p *ValidationPlugin) Status() ValidationStatus {
	p.mu.RLock()
	validators := slices.Sorted(maps.Keys(p.validators))
	p.mu.RUnlock()

	return ValidationStatus{
		Info:                 p.Info(),
		Stats:                p.ValidationStats(),
		RegisteredValidators: validators,
		ConfiguredFields:     p.Fields(),
	}
}

// registerBuiltins fills the validator table. Callers hold p.mu.
func (p *ValidationPlugin) registerBuiltins() {
	p.validators["required"] = func(_ context.Context, value, param any, _ store.Snapshot) (bool, error) {
		if b, ok := param.(bool); ok && !b {
			return true, nil
		}
		switch v := value.(type) {
		case nil:
			return false, nil
		case string:
			return strings.TrimSpace(v) != "", nil
		case []any:
			return len(v) > 0, nil
		}
		return true, nil
	}

	p.validators["minLength"] = func(_ context.Context, value, param any, _ store.Snapshot) (bool, error) {
		n, ok := toNumber(param)
		if !ok || n == 0 || falsy(value) {
			return true, nil
		}
		return float64(length(value)) >= n, nil
	}

	p.validators["maxLength"] = func(_ context.Context, value, param any, _ store.Snapshot) (bool, error) {
		n, ok := toNumber(param)
		if !ok || n == 0 || falsy(value) {
			return true, nil
		}
		return float64(length(value)) <= n, nil
	}

	p.validators["min"] = func(_ context.Context, value, param any, _ store.Snapshot) (bool, error) {
		bound, ok := toNumber(param)
		if param == nil || !ok || value == nil {
			return true, nil
		}
		v, ok := toNumber(value)
		return ok && v >= bound, nil
	}

	p.validators["max"] = func(_ context.Context, value, param any, _ store.Snapshot) (bool, error) {
		bound, ok := toNumber(param)
		if param == nil || !ok || value == nil {
			return true, nil
		}
		v, ok := toNumber(value)
		return ok && v <= bound, nil
	}

	p.validators["pattern"] = func(_ context.Context, value, param any, _ store.Snapshot) (bool, error) {
		if falsy(param) || falsy(value) {
			return true, nil
		}
		var re *regexp.Regexp
		switch pt := param.(type) {
		case *regexp.Regexp:
			re = pt
		case string:
			compiled, err := regexp.Compile(pt)
			if err != nil {
				return false, fmt.Errorf("invalid pattern %q: %w", pt, err)
			}
			re = compiled
		default:
			return false, fmt.Errorf("unsupported pattern type %T", param)
		}
		return re.MatchString(fmt.Sprint(value)), nil
	}

	p.validators["email"] = tagValidator("email")
	p.validators["url"] = tagValidator("url")

	p.validators["number"] = func(_ context.Context, value, param any, _ store.Snapshot) (bool, error) {
		if falsy(param) || value == nil {
			return true, nil
		}
		v, ok := toNumber(value)
		return ok && !math.IsInf(v, 0), nil
	}

	p.validators["integer"] = func(_ context.Context, value, param any, _ store.Snapshot) (bool, error) {
		if falsy(param) || value == nil {
			return true, nil
		}
		v, ok := toNumber(value)
		return ok && !math.IsInf(v, 0) && v == math.Trunc(v), nil
	}

	p.validators["custom"] = func(_ context.Context, value, param any, snap store.Snapshot) (bool, error) {
		var fn CustomFunc
		switch f := param.(type) {
		case CustomFunc:
			fn = f
		case func(any, store.Snapshot) bool:
			fn = f
		default:
			return true, nil
		}

		valid := false
		func() {
			defer func() {
				if r := recover(); r != nil {
					p.Error("Custom validator error", "panic", r)
				}
			}()
			valid = fn(value, snap)
		}()
		return valid, nil
	}

	p.validators["async"] = func(ctx context.Context, value, param any, snap store.Snapshot) (bool, error) {
		var fn AsyncFunc
		switch f := param.(type) {
		case AsyncFunc:
			fn = f
		case func(context.Context, any, store.Snapshot) (bool, error):
			fn = f
		default:
			return true, nil
		}

		valid, err := fn(ctx, value, snap)
		if err != nil {
			p.Error("Async validator error", "error", err)
			return false, nil
		}
		return valid, nil
	}
}

// tagValidator checks string values against a go-playground validator tag.
func tagValidator(tag string) ValidatorFunc {
	return func(_ context.Context, value, param any, _ store.Snapshot) (bool, error) {
		if falsy(param) || falsy(value) {
			return true, nil
		}
		return validator.Var(fmt.Sprint(value), tag) == nil, nil
	}
}

// falsy mirrors loose truthiness: nil, false, zero numbers, NaN and the
// empty string are falsy.
func falsy(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case bool:
		return !t
	case string:
		return t == ""
	}
	if n, ok := toNumber(v); ok {
		return n == 0
	}
	if _, isNum := numeric(v); isNum {
		return true
	}
	return false
}

// numeric converts Go numeric kinds.
func numeric(v any) (float64, bool) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint()), true
	case reflect.Float32, reflect.Float64:
		return rv.Float(), true
	}
	return 0, false
}

// toNumber converts numbers, numeric strings and booleans; ok is false when
// the result is not a number (NaN).
func toNumber(v any) (float64, bool) {
	var n float64
	switch t := v.(type) {
	case nil:
		return 0, true
	case bool:
		if t {
			return 1, true
		}
		return 0, true
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return 0, true
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false
		}
		n = f
	default:
		f, ok := numeric(v)
		if !ok {
			return 0, false
		}
		n = f
	}
	if math.IsNaN(n) {
		return 0, false
	}
	return n, true
}

func length(v any) int {
	switch t := v.(type) {
	case string:
		return utf8.RuneCountInString(t)
	case []any:
		return len(t)
	case []string:
		return len(t)
	}
	return 0
}
