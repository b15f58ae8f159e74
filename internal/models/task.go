package models

import "time"

type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusStopped   TaskStatus = "stopped"
)

// Terminal reports whether no further transition is allowed from s.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusStopped:
		return true
	}
	return false
}

type Task struct {
	ID          string
	Content     string
	Status      TaskStatus
	CreatedAt   time.Time
	CompletedAt *time.Time
	ExitCode    *int
}
