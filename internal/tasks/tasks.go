// Package tasks is a small task list kept in a memstore. It gives the plugin
// core something realistic to observe: synchronous actions, an asynchronous
// load and transient fields the persistence presets leave out.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nextpkg/storeplug/store"
	"github.com/nextpkg/storeplug/store/memstore"
)

// Filters accepted by SetFilter.
const (
	FilterAll       = "all"
	FilterActive    = "active"
	FilterCompleted = "completed"
)

var (
	ErrTaskNotFound  = errors.New("task not found")
	ErrEmptyTitle    = errors.New("task title cannot be empty")
	ErrUnknownFilter = errors.New("unknown filter")
)

// Task is the typed view of one entry under /tasks.
type Task struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Completed bool      `json:"completed"`
	CreatedAt time.Time `json:"createdAt"`
}

// Loader fetches task titles for LoadTasks.
type Loader func(ctx context.Context) ([]string, error)

// List is a task list backed by a memstore.
type List struct {
	st *memstore.Store
}

// InitialState is the state a new List starts from.
func InitialState() store.Snapshot {
	return store.Snapshot{
		"tasks":          []any{},
		"filter":         FilterAll,
		"isLoading":      false,
		"error":          nil,
		"selectedTaskId": nil,
	}
}

// New creates a List over a fresh memstore.
func New() *List {
	return &List{st: memstore.New(InitialState())}
}

// Store exposes the underlying store for plugins.
func (l *List) Store() *memstore.Store {
	return l.st
}

// AddTask appends a task and returns its id.
func (l *List) AddTask(ctx context.Context, title string) (string, error) {
	v, err := l.st.Dispatch(ctx, "addTask", "/", func(tx *memstore.Tx, args ...any) (any, error) {
		title := strings.TrimSpace(args[0].(string))
		if title == "" {
			return nil, ErrEmptyTitle
		}
		id := uuid.NewString()
		err := tx.Append("/tasks", map[string]any{
			"id":        id,
			"title":     title,
			"completed": false,
			"createdAt": time.Now().UTC().Format(time.RFC3339),
		})
		return id, err
	}, title)
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// ToggleTask flips the completed flag of the task with id.
func (l *List) ToggleTask(ctx context.Context, id string) error {
	_, err := l.st.Dispatch(ctx, "toggleTask", "/", func(tx *memstore.Tx, args ...any) (any, error) {
		i, task, err := find(tx, args[0].(string))
		if err != nil {
			return nil, err
		}
		done, _ := task["completed"].(bool)
		return !done, tx.Set("/tasks/"+strconv.Itoa(i)+"/completed", !done)
	}, id)
	return err
}

// RemoveTask deletes the task with id.
func (l *List) RemoveTask(ctx context.Context, id string) error {
	_, err := l.st.Dispatch(ctx, "removeTask", "/", func(tx *memstore.Tx, args ...any) (any, error) {
		i, _, err := find(tx, args[0].(string))
		if err != nil {
			return nil, err
		}
		return nil, tx.Delete("/tasks/" + strconv.Itoa(i))
	}, id)
	return err
}

// SetFilter selects which tasks Visible returns.
func (l *List) SetFilter(ctx context.Context, filter string) error {
	_, err := l.st.Dispatch(ctx, "setFilter", "/", func(tx *memstore.Tx, args ...any) (any, error) {
		f := args[0].(string)
		switch f {
		case FilterAll, FilterActive, FilterCompleted:
		default:
			return nil, fmt.Errorf("%w: %s", ErrUnknownFilter, f)
		}
		return nil, tx.Set("/filter", f)
	}, filter)
	return err
}

// LoadTasks replaces the list with the titles returned by load. It runs on
// its own goroutine; isLoading is set while load runs and error records a
// failure.
func (l *List) LoadTasks(ctx context.Context, load Loader) <-chan memstore.Result {
	return l.st.DispatchAsync(ctx, "loadTasks", "/", func(tx *memstore.Tx, _ ...any) (any, error) {
		if err := tx.Set("/isLoading", true); err != nil {
			return nil, err
		}
		titles, err := load(ctx)
		if err != nil {
			_ = tx.Set("/error", err.Error())
			_ = tx.Set("/isLoading", false)
			return nil, err
		}

		now := time.Now().UTC().Format(time.RFC3339)
		loaded := make([]any, 0, len(titles))
		for _, title := range titles {
			loaded = append(loaded, map[string]any{
				"id":        uuid.NewString(),
				"title":     title,
				"completed": false,
				"createdAt": now,
			})
		}
		if err = tx.Set("/tasks", loaded); err != nil {
			return nil, err
		}
		_ = tx.Set("/error", nil)
		return len(loaded), tx.Set("/isLoading", false)
	})
}

// Tasks returns every task.
func (l *List) Tasks() []Task {
	raw, _ := l.st.Get("/tasks")
	items, _ := raw.([]any)

	out := make([]Task, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		t := Task{}
		t.ID, _ = m["id"].(string)
		t.Title, _ = m["title"].(string)
		t.Completed, _ = m["completed"].(bool)
		if s, ok := m["createdAt"].(string); ok {
			t.CreatedAt, _ = time.Parse(time.RFC3339, s)
		}
		out = append(out, t)
	}
	return out
}

// Visible returns the tasks matching the current filter.
func (l *List) Visible() []Task {
	filter, _ := l.st.Get("/filter")

	var out []Task
	for _, t := range l.Tasks() {
		switch {
		case filter == FilterActive && t.Completed:
		case filter == FilterCompleted && !t.Completed:
		default:
			out = append(out, t)
		}
	}
	return out
}

func find(tx *memstore.Tx, id string) (int, map[string]any, error) {
	raw, _ := tx.Get("/tasks")
	items, _ := raw.([]any)
	for i, item := range items {
		if m, ok := item.(map[string]any); ok && m["id"] == id {
			return i, m, nil
		}
	}
	return -1, nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
}
