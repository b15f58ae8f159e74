package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mpataki/phonepilot/internal/models"
	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("task not found")

// Storage keeps the history of executed tasks and their log entries.
type Storage struct {
	db *sql.DB
}

func New(dbPath string) (*Storage, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// One writer; the engine dispatcher and the console share it.
	db.SetMaxOpenConns(1)

	s := &Storage{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		content TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		created_at TIMESTAMP NOT NULL,
		completed_at TIMESTAMP,
		exit_code INTEGER
	);

	CREATE TABLE IF NOT EXISTS log_entries (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL REFERENCES tasks(id),
		seq INTEGER NOT NULL,
		category TEXT NOT NULL,
		message TEXT NOT NULL,
		timestamp TIMESTAMP NOT NULL,
		UNIQUE(task_id, seq)
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_created ON tasks(created_at);
	CREATE INDEX IF NOT EXISTS idx_log_entries_task ON log_entries(task_id);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("migrate history schema: %w", err)
	}
	return nil
}

func (s *Storage) CreateTask(task *models.Task) error {
	_, err := s.db.Exec(
		`INSERT INTO tasks (id, content, status, created_at, completed_at, exit_code)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		task.ID, task.Content, task.Status, task.CreatedAt, task.CompletedAt, task.ExitCode,
	)
	return err
}

func (s *Storage) UpdateTask(task *models.Task) error {
	result, err := s.db.Exec(
		`UPDATE tasks SET status = ?, completed_at = ?, exit_code = ? WHERE id = ?`,
		task.Status, task.CompletedAt, task.ExitCode, task.ID,
	)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, task.ID)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*models.Task, error) {
	var task models.Task
	var completedAt sql.NullTime
	var exitCode sql.NullInt64

	err := row.Scan(&task.ID, &task.Content, &task.Status, &task.CreatedAt, &completedAt, &exitCode)
	if err != nil {
		return nil, err
	}

	if completedAt.Valid {
		task.CompletedAt = &completedAt.Time
	}
	if exitCode.Valid {
		code := int(exitCode.Int64)
		task.ExitCode = &code
	}
	return &task, nil
}

func (s *Storage) GetTask(id string) (*models.Task, error) {
	row := s.db.QueryRow(
		`SELECT id, content, status, created_at, completed_at, exit_code
		 FROM tasks WHERE id = ?`, id,
	)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return task, err
}

// ListTasks returns the most recent tasks first.
func (s *Storage) ListTasks(limit int) ([]*models.Task, error) {
	rows, err := s.db.Query(
		`SELECT id, content, status, created_at, completed_at, exit_code
		 FROM tasks ORDER BY created_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}

	return tasks, rows.Err()
}

// AppendLog records entry as the next log line of taskID.
func (s *Storage) AppendLog(taskID string, entry models.LogEntry) error {
	_, err := s.db.Exec(
		`INSERT INTO log_entries (id, task_id, seq, category, message, timestamp)
		 VALUES (?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM log_entries WHERE task_id = ?), ?, ?, ?)`,
		entry.ID, taskID, taskID, entry.Category, entry.Message, entry.Timestamp,
	)
	return err
}

func (s *Storage) GetLogs(taskID string) ([]models.LogEntry, error) {
	rows, err := s.db.Query(
		`SELECT id, category, message, timestamp
		 FROM log_entries WHERE task_id = ? ORDER BY seq`, taskID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []models.LogEntry
	for rows.Next() {
		var e models.LogEntry
		if err := rows.Scan(&e.ID, &e.Category, &e.Message, &e.Timestamp); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

func (s *Storage) DeleteTask(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM log_entries WHERE task_id = ?`, id); err != nil {
		return err
	}
	res, err := tx.Exec(`DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	return tx.Commit()
}

// Helper to format time for display
func FormatTimeAgo(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return t.Format("Jan 2")
	}
}
