package tasks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestList_AddToggleRemove(t *testing.T) {
	ctx := context.Background()
	l := New()

	id1, err := l.AddTask(ctx, "  write tests ")
	require.NoError(t, err)
	id2, err := l.AddTask(ctx, "ship")
	require.NoError(t, err)

	tasks := l.Tasks()
	require.Len(t, tasks, 2)
	assert.Equal(t, "write tests", tasks[0].Title)
	assert.False(t, tasks[0].CreatedAt.IsZero())

	require.NoError(t, l.ToggleTask(ctx, id1))
	assert.True(t, l.Tasks()[0].Completed)

	require.NoError(t, l.SetFilter(ctx, FilterActive))
	visible := l.Visible()
	require.Len(t, visible, 1)
	assert.Equal(t, id2, visible[0].ID)

	require.NoError(t, l.SetFilter(ctx, FilterCompleted))
	require.Len(t, l.Visible(), 1)
	assert.Equal(t, id1, l.Visible()[0].ID)

	require.NoError(t, l.RemoveTask(ctx, id1))
	assert.Empty(t, l.Visible())
	assert.Len(t, l.Tasks(), 1)
}

func TestList_Errors(t *testing.T) {
	ctx := context.Background()
	l := New()

	_, err := l.AddTask(ctx, "   ")
	assert.ErrorIs(t, err, ErrEmptyTitle)
	assert.ErrorIs(t, l.ToggleTask(ctx, "missing"), ErrTaskNotFound)
	assert.ErrorIs(t, l.RemoveTask(ctx, "missing"), ErrTaskNotFound)
	assert.ErrorIs(t, l.SetFilter(ctx, "someday"), ErrUnknownFilter)
	assert.Empty(t, l.Tasks())
}

func TestList_LoadTasks(t *testing.T) {
	l := New()

	res := <-l.LoadTasks(context.Background(), func(context.Context) ([]string, error) {
		time.Sleep(10 * time.Millisecond)
		return []string{"a", "b", "c"}, nil
	})
	require.NoError(t, res.Err)
	assert.Equal(t, 3, res.Value)
	assert.Len(t, l.Tasks(), 3)

	loading, _ := l.Store().Get("/isLoading")
	assert.Equal(t, false, loading)
}

func TestList_LoadTasksFailure(t *testing.T) {
	l := New()

	res := <-l.LoadTasks(context.Background(), func(context.Context) ([]string, error) {
		return nil, errors.New("backend down")
	})
	require.Error(t, res.Err)

	msg, _ := l.Store().Get("/error")
	assert.Equal(t, "backend down", msg)
	loading, _ := l.Store().Get("/isLoading")
	assert.Equal(t, false, loading)
}
