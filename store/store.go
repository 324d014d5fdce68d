// Package store defines the capability set the plugin core consumes from its
// host store. Plugins never depend on a concrete store: they subscribe to
// action calls through a middleware chain, to patches and to snapshots, and
// read or replace state through plain snapshots.
package store

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Snapshot is a plain-data representation of the whole store state.
type Snapshot = map[string]any

// Patch ops.
const (
	OpAdd     = "add"
	OpReplace = "replace"
	OpRemove  = "remove"
)

// Patch describes one atomic mutation. Paths use JSON pointer syntax
// ("/tasks/0/title").
type Patch struct {
	Op    string `json:"op"`
	Path  string `json:"path"`
	Value any    `json:"value,omitempty"`
}

// Call is the record of one action invocation as seen by middleware.
type Call struct {
	ID      string
	Name    string
	Path    string
	Args    []any
	Context context.Context
	Start   time.Time
}

// Next continues the middleware chain.
type Next func(call *Call) (any, error)

// Middleware observes or wraps an action call. Implementations must call next
// exactly once unless they intend to reject the call.
type Middleware func(call *Call, next Next) (any, error)

// Disposer reverses a subscription. Calling it more than once is harmless.
type Disposer func()

// Store is the host store capability set.
type Store interface {
	// Use appends mw to the action middleware chain.
	Use(mw Middleware) Disposer
	// OnSnapshot registers fn to receive the full state after each action
	// that changed it.
	OnSnapshot(fn func(Snapshot)) Disposer
	// OnPatch registers fn to receive every patch together with its inverse.
	OnPatch(fn func(patch, inverse Patch)) Disposer
	// GetSnapshot returns a deep copy of the current state.
	GetSnapshot() Snapshot
	// ApplySnapshot replaces the current state.
	ApplySnapshot(s Snapshot) error
}

// Once wraps fn so that only the first call runs it.
func Once(fn func()) Disposer {
	if fn == nil {
		return func() {}
	}
	var once sync.Once
	return func() { once.Do(fn) }
}

// SplitPath splits a JSON pointer into its unescaped segments.
func SplitPath(path string) []string {
	path = strings.TrimPrefix(path, "/")
	if path == "" {
		return nil
	}
	parts := strings.Split(path, "/")
	for i, p := range parts {
		parts[i] = strings.ReplaceAll(strings.ReplaceAll(p, "~1", "/"), "~0", "~")
	}
	return parts
}

// JoinPath builds a JSON pointer from raw segments.
func JoinPath(segments ...string) string {
	if len(segments) == 0 {
		return ""
	}
	var b strings.Builder
	for _, s := range segments {
		b.WriteByte('/')
		b.WriteString(strings.ReplaceAll(strings.ReplaceAll(s, "~", "~0"), "/", "~1"))
	}
	return b.String()
}

// Clone deep-copies plain snapshot data (maps, slices and scalars).
func Clone(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = Clone(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = Clone(val)
		}
		return out
	case []string:
		out := make([]string, len(t))
		copy(out, t)
		return out
	default:
		return v
	}
}

// CloneSnapshot deep-copies a snapshot. A nil snapshot yields an empty one.
func CloneSnapshot(s Snapshot) Snapshot {
	if s == nil {
		return Snapshot{}
	}
	return Clone(s).(map[string]any)
}
