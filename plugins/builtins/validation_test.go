package builtins

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextpkg/storeplug/ce"
	"github.com/nextpkg/storeplug/plugins"
	"github.com/nextpkg/storeplug/store"
	"github.com/nextpkg/storeplug/store/memstore"
)

func installValidation(t *testing.T, st store.Store, opts plugins.Options, vopts ...ValidationOption) *ValidationPlugin {
	t.Helper()
	p := NewValidationPlugin(vopts...)
	require.NoError(t, p.Install(st, opts))
	t.Cleanup(p.Uninstall)
	return p
}

func TestValidationPlugin_Required(t *testing.T) {
	st := memstore.New(store.Snapshot{"title": ""})
	p := installValidation(t, st, plugins.Options{
		"validateOn": []string{"submit"},
		"rules":      map[string]any{"title": map[string]any{"required": true}},
	})

	assert.False(t, p.ValidateField(context.Background(), "title"))
	assert.Equal(t, []string{"This field is required"}, p.GetFieldErrors("title"))

	require.NoError(t, st.ApplySnapshot(store.Snapshot{"title": "x"}))
	assert.True(t, p.ValidateField(context.Background(), "title"))
	assert.Empty(t, p.GetFieldErrors("title"))
	assert.True(t, p.IsValid(""))
}

func TestBuiltinValidators(t *testing.T) {
	tests := []struct {
		name  string
		rule  Rule
		value any
		valid bool
		msg   string
	}{
		{"required nil", Rule{"required": true}, nil, false, "This field is required"},
		{"required blank", Rule{"required": true}, "   ", false, "This field is required"},
		{"required empty list", Rule{"required": true}, []any{}, false, "This field is required"},
		{"required disabled", Rule{"required": false}, nil, true, ""},
		{"required zero", Rule{"required": true}, 0, true, ""},
		{"minLength short", Rule{"minLength": 3}, "ab", false, "Minimum length is 3"},
		{"minLength unicode", Rule{"minLength": 3}, "héé", true, ""},
		{"minLength empty skipped", Rule{"minLength": 3}, "", true, ""},
		{"minLength list", Rule{"minLength": 2}, []any{1}, false, "Minimum length is 2"},
		{"maxLength", Rule{"maxLength": 2}, "abc", false, "Maximum length is 2"},
		{"min", Rule{"min": 18}, 17, false, "Minimum value is 18"},
		{"min string", Rule{"min": 18}, "21", true, ""},
		{"min nil skipped", Rule{"min": 18}, nil, true, ""},
		{"max", Rule{"max": 10.5}, 11, false, "Maximum value is 10.5"},
		{"max nan", Rule{"max": 10}, "abc", false, "Maximum value is 10"},
		{"pattern", Rule{"pattern": "^[a-z]+$"}, "abc1", false, "Invalid format"},
		{"pattern ok", Rule{"pattern": "^[a-z]+$"}, "abc", true, ""},
		{"bad pattern", Rule{"pattern": "("}, "abc", false, "Validation error occurred"},
		{"email", Rule{"email": true}, "not-an-email", false, "Invalid email address"},
		{"email ok", Rule{"email": true}, "ann@example.com", true, ""},
		{"url", Rule{"url": true}, "nope", false, "Invalid URL"},
		{"url ok", Rule{"url": true}, "https://example.com/a", true, ""},
		{"number", Rule{"number": true}, "12x", false, "Must be a number"},
		{"number string", Rule{"number": true}, "12.5", true, ""},
		{"integer", Rule{"integer": true}, 1.5, false, "Must be an integer"},
		{"integer ok", Rule{"integer": true}, 4.0, true, ""},
		{"custom message", Rule{"minLength": 5, "message": "too short"}, "abc", false, "too short"},
		{"unknown skipped", Rule{"nonexistent": true}, "abc", true, ""},
		{"first failing in key order", Rule{"minLength": 5, "email": true}, "ab", false, "Invalid email address"},
	}

	p := NewValidationPlugin()
	require.NoError(t, p.Install(memstore.New(nil), nil))
	defer p.Uninstall()

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			valid, msg := p.validateRule(context.Background(), tt.value, tt.rule, nil)
			assert.Equal(t, tt.valid, valid)
			assert.Equal(t, tt.msg, msg)
		})
	}
}

func TestValidationPlugin_StopOnFirstError(t *testing.T) {
	rules := []any{
		map[string]any{"required": true},
		map[string]any{"minLength": 3},
		map[string]any{"email": true},
	}
	for _, stop := range []bool{false, true} {
		st := memstore.New(store.Snapshot{"user": map[string]any{"email": "ab"}})
		p := installValidation(t, st, plugins.Options{
			"stopOnFirstError": stop,
			"rules":            map[string]any{"user.email": rules},
			"messages":         map[string]any{"email": "Bad email"},
		})

		assert.False(t, p.ValidateField(context.Background(), "user.email"))
		if stop {
			assert.Equal(t, []string{"Minimum length is 3"}, p.GetFieldErrors("user.email"))
		} else {
			assert.Equal(t, []string{"Minimum length is 3", "Bad email"}, p.GetFieldErrors("user.email"))
		}
	}
}

func TestValidationPlugin_CustomAndAsync(t *testing.T) {
	st := memstore.New(store.Snapshot{"username": "admin", "limit": 5, "max": 3})

	taken := AsyncFunc(func(ctx context.Context, value any, _ store.Snapshot) (bool, error) {
		return value != "admin", nil
	})
	broken := AsyncFunc(func(context.Context, any, store.Snapshot) (bool, error) {
		return false, errors.New("lookup service down")
	})
	withinMax := CustomFunc(func(value any, snap store.Snapshot) bool {
		limit, _ := toNumber(value)
		ceiling, _ := toNumber(snap["max"])
		return limit <= ceiling
	})

	p := installValidation(t, st, nil,
		WithFieldRules("username", Rule{"async": taken, "message": "Username taken"}),
		WithFieldRules("limit", Rule{"custom": withinMax}),
		WithFieldRules("broken", Rule{"async": broken}),
	)

	assert.False(t, p.ValidateField(context.Background(), "username"))
	assert.Equal(t, []string{"Username taken"}, p.GetFieldErrors("username"))
	assert.False(t, p.ValidateField(context.Background(), "limit"))
	assert.Equal(t, []string{"Validation failed"}, p.GetFieldErrors("limit"))

	// Failing async validators fail closed without leaking the cause.
	assert.False(t, p.ValidateField(context.Background(), "broken"))
	assert.Equal(t, []string{"Async validation failed"}, p.GetFieldErrors("broken"))
}

func TestValidationPlugin_RegisterValidator(t *testing.T) {
	st := memstore.New(store.Snapshot{"code": "abc"})
	p := installValidation(t, st, nil, WithValidator("upper", func(_ context.Context, value, _ any, _ store.Snapshot) (bool, error) {
		s, _ := value.(string)
		return s != "" && s == strings.ToUpper(s), nil
	}))
	p.RegisterValidator("panics", func(context.Context, any, any, store.Snapshot) (bool, error) {
		panic("boom")
	})

	p.SetFieldRules("code", Rule{"upper": true, "message": "must be upper case"})
	assert.False(t, p.ValidateField(context.Background(), "code"))
	assert.Equal(t, []string{"must be upper case"}, p.GetFieldErrors("code"))

	p.SetFieldRules("code", Rule{"panics": true})
	assert.False(t, p.ValidateField(context.Background(), "code"))
	assert.Equal(t, []string{validatorErrorMessage}, p.GetFieldErrors("code"))

	p.SetFieldRules("code")
	assert.False(t, p.HasRules("code"))
	assert.True(t, p.ValidateField(context.Background(), "code"))
}

func TestValidationPlugin_ValidateAllAndStats(t *testing.T) {
	st := memstore.New(store.Snapshot{
		"title": "",
		"user":  map[string]any{"email": "bad", "age": 30},
		"tasks": []any{map[string]any{"title": "ok"}},
	})
	p := installValidation(t, st, plugins.Options{
		"rules": map[string]any{
			"title":         map[string]any{"required": true},
			"user.email":    map[string]any{"email": true},
			"user.age":      []any{map[string]any{"min": 18}, map[string]any{"integer": true}},
			"tasks.0.title": map[string]any{"required": true},
		},
	})

	assert.False(t, p.ValidateModel(context.Background()))
	assert.Equal(t, map[string][]string{
		"title":      {"This field is required"},
		"user.email": {"Invalid email address"},
	}, p.GetValidationErrors())
	assert.True(t, p.HasErrors("title"))
	assert.False(t, p.HasErrors("user.age"))

	stats := p.ValidationStats()
	assert.Equal(t, ValidationStats{TotalFields: 4, FieldsWithErrors: 2, ValidFields: 2, TotalErrors: 2}, stats)

	status := p.Status()
	assert.Equal(t, []string{"tasks.0.title", "title", "user.age", "user.email"}, status.ConfiguredFields)
	assert.Contains(t, status.RegisteredValidators, "async")
	assert.Len(t, status.RegisteredValidators, 12)

	p.ClearFieldErrors("title")
	assert.Equal(t, []string{"user.email"}, keysOf(p.GetAllErrors()))
	p.ClearAllErrors()
	assert.True(t, p.IsValid(""))
	assert.True(t, p.ValidationStats().IsValid)
}

func keysOf(m map[string][]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func TestValidationPlugin_RevalidatesOnChange(t *testing.T) {
	var mu sync.Mutex
	var changes []string

	st := memstore.New(store.Snapshot{"user": map[string]any{"email": "ann@example.com"}})
	p := installValidation(t, st, plugins.Options{
		"rules": map[string]any{
			"user.email": map[string]any{"email": true},
			"title":      map[string]any{"minLength": 3},
		},
	}, WithValidationChange(func(field string, errs []string, all map[string][]string) {
		mu.Lock()
		defer mu.Unlock()
		changes = append(changes, field)
	}))

	_, err := st.Dispatch(context.Background(), "setEmail", "/user", setAction("/user/email"), "broken")
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return p.HasErrors("user.email") }, 2*time.Second, 5*time.Millisecond)

	_, err = st.Dispatch(context.Background(), "setTitle", "/", setAction("/title"), "ab")
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return p.HasErrors("title") }, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Contains(t, changes, "user.email")
	assert.Contains(t, changes, "title")
	mu.Unlock()
}

func TestValidationPlugin_NoChangeValidation(t *testing.T) {
	st := memstore.New(nil)
	p := installValidation(t, st, plugins.Options{
		"validateOn": []string{"submit"},
		"rules":      map[string]any{"title": map[string]any{"required": true}},
	})

	_, _ = st.Dispatch(context.Background(), "setTitle", "/", setAction("/title"), "")
	time.Sleep(50 * time.Millisecond)
	assert.False(t, p.HasErrors(""))
}

func TestValidationPlugin_RejectInvalid(t *testing.T) {
	st := memstore.New(store.Snapshot{"age": 30})
	installValidation(t, st, plugins.Options{
		"rejectInvalid": true,
		"validateOn":    []string{"submit"},
		"rules":         map[string]any{"age": map[string]any{"min": 18}},
	})

	_, err := st.Dispatch(context.Background(), "setAge", "/", setAction("/age"), 12)
	require.Error(t, err)
	assert.ErrorIs(t, err, ce.ErrValidationFailed)
	assert.ErrorIs(t, err, &ce.PluginError{Type: ce.ErrorTypeValidation})
	assert.Equal(t, store.Snapshot{"age": 30}, st.GetSnapshot())

	res, err := st.Dispatch(context.Background(), "setAge", "/", setAction("/age"), 40)
	require.NoError(t, err)
	assert.Equal(t, 40, res)
	assert.Equal(t, store.Snapshot{"age": 40}, st.GetSnapshot())
}

func TestValidationPlugin_RejectInvalidKeepsUnrelatedActions(t *testing.T) {
	st := memstore.New(store.Snapshot{"title": "", "count": 0})
	p := installValidation(t, st, plugins.Options{
		"rejectInvalid": true,
		"validateOn":    []string{"submit"},
		"rules":         map[string]any{"title": map[string]any{"required": true}},
	})

	// title is already invalid; an action that leaves it alone goes through
	_, err := st.Dispatch(context.Background(), "setCount", "/", setAction("/count"), 1)
	require.NoError(t, err)
	assert.Equal(t, store.Snapshot{"title": "", "count": 1}, st.GetSnapshot())
	assert.True(t, p.HasErrors("title"))

	_, err = st.Dispatch(context.Background(), "setTitle", "/", setAction("/title"), "docs")
	require.NoError(t, err)

	_, err = st.Dispatch(context.Background(), "setTitle", "/", setAction("/title"), " ")
	assert.ErrorIs(t, err, ce.ErrValidationFailed)
	assert.Equal(t, store.Snapshot{"title": "docs", "count": 1}, st.GetSnapshot())
}

func TestValidationPlugin_LatestRevalidationWins(t *testing.T) {
	slow := AsyncFunc(func(_ context.Context, value any, _ store.Snapshot) (bool, error) {
		if value == "bad" {
			time.Sleep(80 * time.Millisecond)
			return false, nil
		}
		return true, nil
	})

	st := memstore.New(store.Snapshot{"title": "ok"})
	p := installValidation(t, st, nil, WithFieldRules("title", Rule{"async": slow}))

	_, err := st.Dispatch(context.Background(), "setTitle", "/", setAction("/title"), "bad")
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)
	_, err = st.Dispatch(context.Background(), "setTitle", "/", setAction("/title"), "good")
	require.NoError(t, err)

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, "good", p.FieldValue("title"))
	assert.Empty(t, p.GetFieldErrors("title"))
}

func TestValidationPlugin_RuleKeysRunInOrder(t *testing.T) {
	st := memstore.New(store.Snapshot{"code": "abcd"})
	p := installValidation(t, st, nil,
		WithFieldRules("code", Rule{"pattern": "^[0-9]+$", "maxLength": 2}),
		WithFieldRules("split", Rule{"pattern": "^[0-9]+$"}, Rule{"maxLength": 2}),
	)

	assert.False(t, p.ValidateField(context.Background(), "code"))
	assert.Equal(t, []string{"Maximum length is 2"}, p.GetFieldErrors("code"))

	_, err := st.Dispatch(context.Background(), "setSplit", "/", setAction("/split"), "abcd")
	require.NoError(t, err)
	assert.False(t, p.ValidateField(context.Background(), "split"))
	assert.Equal(t, []string{"Invalid format", "Maximum length is 2"}, p.GetFieldErrors("split"))
}

func TestValidationPlugin_InvalidRules(t *testing.T) {
	p := NewValidationPlugin()
	err := p.Install(memstore.New(nil), plugins.Options{"rules": map[string]any{"title": "required"}})
	require.Error(t, err)
	assert.False(t, p.IsInstalled())
}

func TestToNumberAndFalsy(t *testing.T) {
	n, ok := toNumber(" 42 ")
	assert.True(t, ok)
	assert.Equal(t, 42.0, n)
	_, ok = toNumber("x")
	assert.False(t, ok)
	n, ok = toNumber(true)
	assert.True(t, ok)
	assert.Equal(t, 1.0, n)

	assert.True(t, falsy(nil))
	assert.True(t, falsy(0))
	assert.True(t, falsy(""))
	assert.True(t, falsy(false))
	assert.False(t, falsy("0"))
	assert.False(t, falsy([]any{}))
}
