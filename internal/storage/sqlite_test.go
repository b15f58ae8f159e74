package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpataki/phonepilot/internal/models"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTask(content string, created time.Time) *models.Task {
	return &models.Task{
		ID:        uuid.NewString(),
		Content:   content,
		Status:    models.TaskStatusRunning,
		CreatedAt: created,
	}
}

func TestTaskRoundTrip(t *testing.T) {
	s := newTestStorage(t)
	task := newTask("open settings", time.Now())
	require.NoError(t, s.CreateTask(task))

	got, err := s.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, "open settings", got.Content)
	assert.Equal(t, models.TaskStatusRunning, got.Status)
	assert.WithinDuration(t, task.CreatedAt, got.CreatedAt, time.Millisecond)
	assert.Nil(t, got.CompletedAt)
	assert.Nil(t, got.ExitCode)

	done := time.Now()
	code := 7
	task.Status = models.TaskStatusFailed
	task.CompletedAt = &done
	task.ExitCode = &code
	require.NoError(t, s.UpdateTask(task))

	got, err = s.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusFailed, got.Status)
	require.NotNil(t, got.CompletedAt)
	assert.WithinDuration(t, done, *got.CompletedAt, time.Millisecond)
	require.NotNil(t, got.ExitCode)
	assert.Equal(t, 7, *got.ExitCode)
}

func TestMissingTask(t *testing.T) {
	s := newTestStorage(t)

	_, err := s.GetTask("nope")
	assert.ErrorIs(t, err, ErrNotFound)

	err = s.UpdateTask(&models.Task{ID: "nope", Status: models.TaskStatusCompleted})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListTasksNewestFirst(t *testing.T) {
	s := newTestStorage(t)
	base := time.Now().Add(-time.Hour)
	for i, c := range []string{"a", "b", "c"} {
		require.NoError(t, s.CreateTask(newTask(c, base.Add(time.Duration(i)*time.Minute))))
	}

	tasks, err := s.ListTasks(2)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, "c", tasks[0].Content)
	assert.Equal(t, "b", tasks[1].Content)
}

func TestLogsKeepOrderPerTask(t *testing.T) {
	s := newTestStorage(t)
	a := newTask("a", time.Now())
	b := newTask("b", time.Now())
	require.NoError(t, s.CreateTask(a))
	require.NoError(t, s.CreateTask(b))

	entries := []models.LogEntry{
		{ID: uuid.NewString(), Category: models.CategoryThinking, Message: "💭 planning", Timestamp: time.Now()},
		{ID: uuid.NewString(), Category: models.CategoryAction, Message: "🎯 tap", Timestamp: time.Now()},
		{ID: uuid.NewString(), Category: models.CategorySuccess, Message: "✅ Task completed", Timestamp: time.Now()},
	}
	for _, e := range entries {
		require.NoError(t, s.AppendLog(a.ID, e))
	}
	require.NoError(t, s.AppendLog(b.ID, models.LogEntry{ID: uuid.NewString(), Category: models.CategoryInfo, Message: "other", Timestamp: time.Now()}))

	got, err := s.GetLogs(a.ID)
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i := range entries {
		assert.Equal(t, entries[i].ID, got[i].ID)
		assert.Equal(t, entries[i].Category, got[i].Category)
		assert.Equal(t, entries[i].Message, got[i].Message)
	}

	require.NoError(t, s.DeleteTask(a.ID))
	got, err = s.GetLogs(a.ID)
	require.NoError(t, err)
	assert.Empty(t, got)
	_, err = s.GetTask(a.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.DeleteTask(a.ID), ErrNotFound)
}

func TestReopenKeepsHistory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	s, err := New(path)
	require.NoError(t, err)
	task := newTask("persist me", time.Now())
	require.NoError(t, s.CreateTask(task))
	require.NoError(t, s.Close())

	s, err = New(path)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, "persist me", got.Content)
}

func TestFormatTimeAgo(t *testing.T) {
	assert.Equal(t, "just now", FormatTimeAgo(time.Now()))
	assert.Equal(t, "5m ago", FormatTimeAgo(time.Now().Add(-5*time.Minute-time.Second)))
	assert.Equal(t, "3h ago", FormatTimeAgo(time.Now().Add(-3*time.Hour-time.Second)))

	old := time.Date(2024, time.March, 9, 12, 0, 0, 0, time.Local)
	assert.Equal(t, "Mar 9", FormatTimeAgo(old))
}
