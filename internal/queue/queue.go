package queue

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mpataki/phonepilot/internal/models"
)

var (
	ErrNotFound    = errors.New("task not found in queue")
	ErrCurrentTask = errors.New("task is currently running")
	ErrOutOfRange  = errors.New("queue position out of range")
)

// Queue holds pending tasks in FIFO order plus the task that is currently
// being executed. It is safe for concurrent use.
type Queue struct {
	mu      sync.Mutex
	pending []models.Task
	current *models.Task
}

func New() *Queue {
	return &Queue{}
}

// Enqueue appends a pending task for content and returns it.
func (q *Queue) Enqueue(content string) models.Task {
	task := models.Task{
		ID:        uuid.NewString(),
		Content:   content,
		Status:    models.TaskStatusPending,
		CreatedAt: time.Now(),
	}

	q.mu.Lock()
	q.pending = append(q.pending, task)
	q.mu.Unlock()
	return task
}

// DequeueNext moves the head of the queue into the current slot and marks it
// running. It returns false when the queue is empty or a task is already
// current.
func (q *Queue) DequeueNext() (models.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.current != nil || len(q.pending) == 0 {
		return models.Task{}, false
	}

	task := q.pending[0]
	q.pending = q.pending[1:]
	task.Status = models.TaskStatusRunning
	q.current = &task
	return task, true
}

// Requeue puts the current task back at the head of the queue as pending.
// It is used when the task could not be started.
func (q *Queue) Requeue() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.current == nil {
		return false
	}
	task := *q.current
	task.Status = models.TaskStatusPending
	q.pending = append([]models.Task{task}, q.pending...)
	q.current = nil
	return true
}

// CompleteCurrent finalizes the current task with status and exit code and
// empties the current slot. exitCode is nil when the engine's exit was never
// observed. It returns the finished task, or false when nothing was current.
func (q *Queue) CompleteCurrent(status models.TaskStatus, exitCode *int) (models.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.current == nil {
		return models.Task{}, false
	}

	task := *q.current
	now := time.Now()
	task.Status = status
	task.CompletedAt = &now
	task.ExitCode = exitCode
	q.current = nil
	return task, true
}

func (q *Queue) Current() (models.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.current == nil {
		return models.Task{}, false
	}
	return *q.current, true
}

// Pending returns a copy of the waiting tasks in execution order.
func (q *Queue) Pending() []models.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]models.Task{}, q.pending...)
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *Queue) Remove(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.current != nil && q.current.ID == id {
		return ErrCurrentTask
	}
	for i, t := range q.pending {
		if t.ID == id {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

// Move relocates the pending task at index from to index to, shifting the
// tasks in between.
func (q *Queue) Move(from, to int) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.pending)
	if from < 0 || from >= n || to < 0 || to >= n {
		return ErrOutOfRange
	}
	if from == to {
		return nil
	}

	task := q.pending[from]
	q.pending = append(q.pending[:from], q.pending[from+1:]...)
	q.pending = append(q.pending[:to], append([]models.Task{task}, q.pending[to:]...)...)
	return nil
}

// Clear drops every pending task and returns how many were removed. The
// current task is left alone.
func (q *Queue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.pending)
	q.pending = nil
	return n
}
