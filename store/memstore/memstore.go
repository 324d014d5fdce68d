// Package memstore is a small in-memory observable store. State is plain
// nested data (maps, slices, scalars); every mutation happens inside an action
// dispatched through the middleware chain and is reported as a patch, and a
// snapshot is published once per action that changed something.
package memstore

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextpkg/storeplug/store"
)

var (
	// ErrPathNotFound is returned when a path does not resolve to a value.
	ErrPathNotFound = errors.New("path not found")
	// ErrNotContainer is returned when a path walks through a scalar.
	ErrNotContainer = errors.New("path does not address a container")
	// ErrEmptyPath is returned for mutations on the root.
	ErrEmptyPath = errors.New("empty path")
)

// ActionFunc is the body of an action. All mutations go through tx.
type ActionFunc func(tx *Tx, args ...any) (any, error)

// Result is the outcome of an asynchronous dispatch.
type Result struct {
	Value any
	Err   error
}

type listener[F any] struct {
	id uint64
	fn F
}

// Store implements store.Store.
type Store struct {
	mu    sync.RWMutex
	state map[string]any

	subMu       sync.RWMutex
	nextID      uint64
	middleware  []listener[store.Middleware]
	snapshotFns []listener[func(store.Snapshot)]
	patchFns    []listener[func(patch, inverse store.Patch)]
}

var _ store.Store = (*Store)(nil)

// New creates a store holding a deep copy of initial.
func New(initial store.Snapshot) *Store {
	return &Store{state: store.CloneSnapshot(initial)}
}

// Use appends mw to the middleware chain. Earlier middleware wraps later ones.
func (s *Store) Use(mw store.Middleware) store.Disposer {
	if mw == nil {
		return func() {}
	}
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.nextID++
	id := s.nextID
	s.middleware = append(s.middleware, listener[store.Middleware]{id: id, fn: mw})
	return store.Once(func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		s.middleware = removeListener(s.middleware, id)
	})
}

// OnSnapshot implements store.Store.
func (s *Store) OnSnapshot(fn func(store.Snapshot)) store.Disposer {
	if fn == nil {
		return func() {}
	}
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.nextID++
	id := s.nextID
	s.snapshotFns = append(s.snapshotFns, listener[func(store.Snapshot)]{id: id, fn: fn})
	return store.Once(func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		s.snapshotFns = removeListener(s.snapshotFns, id)
	})
}

// OnPatch implements store.Store.
func (s *Store) OnPatch(fn func(patch, inverse store.Patch)) store.Disposer {
	if fn == nil {
		return func() {}
	}
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.nextID++
	id := s.nextID
	s.patchFns = append(s.patchFns, listener[func(store.Patch, store.Patch)]{id: id, fn: fn})
	return store.Once(func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		s.patchFns = removeListener(s.patchFns, id)
	})
}

func removeListener[F any](ls []listener[F], id uint64) []listener[F] {
	return slices.DeleteFunc(slices.Clone(ls), func(l listener[F]) bool { return l.id == id })
}

// GetSnapshot implements store.Store.
func (s *Store) GetSnapshot() store.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return store.CloneSnapshot(s.state)
}

// Get returns a copy of the value at path.
func (s *Store) Get(path string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := lookup(s.state, store.SplitPath(path))
	if !ok {
		return nil, false
	}
	return store.Clone(v), true
}

// ApplySnapshot replaces the whole state, reporting one patch per changed
// top-level key and then the new snapshot.
func (s *Store) ApplySnapshot(snap store.Snapshot) error {
	next := store.CloneSnapshot(snap)

	s.mu.Lock()
	prev := s.state
	s.state = next
	s.mu.Unlock()

	keys := make([]string, 0, len(prev)+len(next))
	for k := range prev {
		keys = append(keys, k)
	}
	for k := range next {
		if _, ok := prev[k]; !ok {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)

	for _, k := range keys {
		path := store.JoinPath(k)
		oldVal, hadOld := prev[k]
		newVal, hasNew := next[k]
		switch {
		case hadOld && !hasNew:
			s.emitPatch(store.Patch{Op: store.OpRemove, Path: path}, store.Patch{Op: store.OpAdd, Path: path, Value: oldVal})
		case !hadOld && hasNew:
			s.emitPatch(store.Patch{Op: store.OpAdd, Path: path, Value: store.Clone(newVal)}, store.Patch{Op: store.OpRemove, Path: path})
		case !reflect.DeepEqual(oldVal, newVal):
			s.emitPatch(store.Patch{Op: store.OpReplace, Path: path, Value: store.Clone(newVal)}, store.Patch{Op: store.OpReplace, Path: path, Value: oldVal})
		}
	}

	s.emitSnapshot()
	return nil
}

// Dispatch runs fn as the action name through the middleware chain.
func (s *Store) Dispatch(ctx context.Context, name, path string, fn ActionFunc, args ...any) (any, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	call := &store.Call{
		ID:      uuid.NewString(),
		Name:    name,
		Path:    path,
		Args:    args,
		Context: ctx,
		Start:   time.Now(),
	}

	tx := &Tx{s: s}
	final := func(c *store.Call) (any, error) {
		if fn == nil {
			return nil, fmt.Errorf("action %s has no body", c.Name)
		}
		return fn(tx, c.Args...)
	}

	s.subMu.RLock()
	chain := slices.Clone(s.middleware)
	s.subMu.RUnlock()

	next := store.Next(final)
	for i := len(chain) - 1; i >= 0; i-- {
		mw, inner := chain[i].fn, next
		next = func(c *store.Call) (any, error) { return mw(c, inner) }
	}

	res, err := next(call)
	if tx.changed {
		s.emitSnapshot()
	}
	return res, err
}

// DispatchAsync runs Dispatch on its own goroutine.
func (s *Store) DispatchAsync(ctx context.Context, name, path string, fn ActionFunc, args ...any) <-chan Result {
	out := make(chan Result, 1)
	go func() {
		v, err := s.Dispatch(ctx, name, path, fn, args...)
		out <- Result{Value: v, Err: err}
		close(out)
	}()
	return out
}

func (s *Store) emitPatch(patch, inverse store.Patch) {
	s.subMu.RLock()
	fns := slices.Clone(s.patchFns)
	s.subMu.RUnlock()
	for _, l := range fns {
		l.fn(patch, inverse)
	}
}

func (s *Store) emitSnapshot() {
	s.subMu.RLock()
	fns := slices.Clone(s.snapshotFns)
	s.subMu.RUnlock()
	if len(fns) == 0 {
		return
	}
	for _, l := range fns {
		l.fn(s.GetSnapshot())
	}
}

// Tx is the mutation handle passed to an action body.
type Tx struct {
	s       *Store
	changed bool
}

// Get reads the current value at path.
func (tx *Tx) Get(path string) (any, bool) {
	return tx.s.Get(path)
}

// Set writes value at path, creating intermediate maps. A final "-" segment
// appends to a slice.
func (tx *Tx) Set(path string, value any) error {
	return tx.mutate(path, store.Clone(value), false)
}

// Delete removes the value at path.
func (tx *Tx) Delete(path string) error {
	return tx.mutate(path, nil, true)
}

// Append adds value to the end of the slice at path.
func (tx *Tx) Append(path string, value any) error {
	return tx.Set(path+"/-", value)
}

func (tx *Tx) mutate(path string, value any, del bool) error {
	segs := store.SplitPath(path)
	if len(segs) == 0 {
		return ErrEmptyPath
	}

	tx.s.mu.Lock()
	updated, op, old, err := mutate(tx.s.state, segs, value, del)
	if err == nil {
		tx.s.state = updated.(map[string]any)
	}
	tx.s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}

	tx.changed = true
	resolved := store.JoinPath(segs...)
	patch := store.Patch{Op: op, Path: resolved, Value: store.Clone(value)}
	var inverse store.Patch
	switch op {
	case store.OpAdd:
		inverse = store.Patch{Op: store.OpRemove, Path: resolved}
	case store.OpReplace:
		inverse = store.Patch{Op: store.OpReplace, Path: resolved, Value: old}
	case store.OpRemove:
		patch.Value = nil
		inverse = store.Patch{Op: store.OpAdd, Path: resolved, Value: old}
	}
	tx.s.emitPatch(patch, inverse)
	return nil
}

// mutate applies the change below node and returns the (possibly new) node.
// A "-" index segment is rewritten in place to the concrete index.
func mutate(node any, segs []string, value any, del bool) (any, string, any, error) {
	key := segs[0]
	last := len(segs) == 1

	switch n := node.(type) {
	case map[string]any:
		if last {
			old, exists := n[key]
			if del {
				if !exists {
					return n, "", nil, ErrPathNotFound
				}
				delete(n, key)
				return n, store.OpRemove, old, nil
			}
			n[key] = value
			if exists {
				return n, store.OpReplace, old, nil
			}
			return n, store.OpAdd, nil, nil
		}
		child, ok := n[key]
		if !ok {
			if del {
				return n, "", nil, ErrPathNotFound
			}
			child = map[string]any{}
		}
		updated, op, old, err := mutate(child, segs[1:], value, del)
		if err != nil {
			return n, "", nil, err
		}
		n[key] = updated
		return n, op, old, nil

	case []any:
		idx := len(n)
		if key != "-" {
			i, err := strconv.Atoi(key)
			if err != nil || i < 0 {
				return n, "", nil, ErrPathNotFound
			}
			idx = i
		}
		segs[0] = strconv.Itoa(idx)

		if last {
			if del {
				if idx >= len(n) {
					return n, "", nil, ErrPathNotFound
				}
				old := n[idx]
				return slices.Delete(n, idx, idx+1), store.OpRemove, old, nil
			}
			if idx == len(n) {
				return append(n, value), store.OpAdd, nil, nil
			}
			if idx > len(n) {
				return n, "", nil, ErrPathNotFound
			}
			old := n[idx]
			n[idx] = value
			return n, store.OpReplace, old, nil
		}
		if idx >= len(n) {
			return n, "", nil, ErrPathNotFound
		}
		updated, op, old, err := mutate(n[idx], segs[1:], value, del)
		if err != nil {
			return n, "", nil, err
		}
		n[idx] = updated
		return n, op, old, nil

	default:
		return node, "", nil, ErrNotContainer
	}
}

func lookup(node any, segs []string) (any, bool) {
	for _, key := range segs {
		switch n := node.(type) {
		case map[string]any:
			v, ok := n[key]
			if !ok {
				return nil, false
			}
			node = v
		case []any:
			i, err := strconv.Atoi(key)
			if err != nil || i < 0 || i >= len(n) {
				return nil, false
			}
			node = n[i]
		default:
			return nil, false
		}
	}
	return node, true
}
