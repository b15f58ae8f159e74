// Package control is the single entry point UI surfaces use to drive the
// device session, the task controller, the queue and the persisted documents.
package control

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mpataki/phonepilot/internal/config"
	"github.com/mpataki/phonepilot/internal/device"
	"github.com/mpataki/phonepilot/internal/logging"
	"github.com/mpataki/phonepilot/internal/lua"
	"github.com/mpataki/phonepilot/internal/models"
	"github.com/mpataki/phonepilot/internal/orchestrator"
	"github.com/mpataki/phonepilot/internal/queue"
	"github.com/mpataki/phonepilot/internal/storage"
)

var (
	ErrBanned     = fmt.Errorf("%w: task matches a banned operation", orchestrator.ErrValidation)
	ErrQueueEmpty = errors.New("task queue is empty")
	ErrClosed     = errors.New("control channel is closed")
	ErrTaskActive = errors.New("task is still active")
)

// record ties an engine run to the task it executes.
type record struct {
	task   models.Task
	queued bool
}

// Channel owns every component and serializes the operations that start
// runs. Notifications are fanned out to subscribers; see Subscribe.
type Channel struct {
	cfg *config.Config
	log *slog.Logger

	gateway *config.Gateway
	watcher *config.Watcher
	bridge  *device.Bridge
	session *device.Session
	orch    *orchestrator.Orchestrator
	queue   *queue.Queue
	store   *storage.Storage
	hooks   *lua.Hooks

	mu        sync.Mutex
	runs      map[uint64]*record
	config    models.TaskConfig
	appData   models.AppData
	closed    bool
	stopWatch context.CancelFunc
	wg        sync.WaitGroup

	subMu   sync.Mutex
	subs    map[int]chan Event
	nextSub int
}

// New opens the history store, loads the documents and output hooks, and
// starts the document watcher. Close releases all of it.
func New(cfg *config.Config, log *slog.Logger) (*Channel, error) {
	if err := cfg.EnsureDataDir(); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	store, err := storage.New(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open history store: %w", err)
	}

	c := &Channel{
		cfg:     cfg,
		log:     logging.Component(log, "control"),
		gateway: config.NewGateway(cfg.ConfigPath, cfg.AppDataPath, log),
		bridge:  device.NewBridge(cfg.Settings.BridgePath, log),
		queue:   queue.New(),
		store:   store,
		runs:    make(map[uint64]*record),
		subs:    make(map[int]chan Event),
	}
	c.config = c.gateway.LoadConfig()
	c.appData = c.gateway.LoadAppData()
	c.session = device.NewSession(c.bridge, cfg.Settings.PollInterval, func(shot *models.Screenshot) {
		c.publish(Event{Kind: EventScreenshot, Screenshot: shot})
	})

	var hook orchestrator.Hook
	hooks, err := lua.Load(cfg.Settings.HooksPath, c.enabledRules, log)
	switch {
	case err == nil:
		c.hooks = hooks
		hook = hooks
		c.log.Info("output hooks loaded", "path", cfg.Settings.HooksPath)
	case errors.Is(err, fs.ErrNotExist):
	default:
		c.log.Warn("output hooks disabled", "path", cfg.Settings.HooksPath, "error", err)
	}

	c.orch = orchestrator.New(orchestrator.Options{
		Command:   cfg.Settings.Engine.Command,
		Args:      cfg.Settings.Engine.Args,
		Dir:       cfg.Settings.Engine.Dir,
		StopGrace: cfg.Settings.StopGrace,
		Listener:  listener{c},
		Hook:      hook,
		Logger:    log,
	})

	c.startWatcher()
	return c, nil
}

func (c *Channel) startWatcher() {
	w, err := config.NewWatcher(c.cfg.ConfigPath, c.cfg.AppDataPath)
	if err != nil {
		c.log.Warn("document watcher unavailable", "error", err)
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := w.Start(ctx); err != nil {
		cancel()
		w.Stop()
		c.log.Warn("document watcher unavailable", "error", err)
		return
	}
	c.watcher = w
	c.stopWatch = cancel

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for ev := range w.Events() {
			c.handleDocumentEvent(ev)
		}
	}()
}

// Close stops polling, terminates the engine and waits for it within ctx,
// then releases the watcher, hooks and store. Subscriber channels are
// closed last.
func (c *Channel) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.session.Close()
	err := c.orch.Shutdown(ctx)

	if c.watcher != nil {
		c.stopWatch()
		c.watcher.Stop()
	}
	c.wg.Wait()

	if c.hooks != nil {
		c.hooks.Close()
	}
	if cerr := c.store.Close(); cerr != nil && err == nil {
		err = cerr
	}

	c.subMu.Lock()
	for id, ch := range c.subs {
		close(ch)
		delete(c.subs, id)
	}
	c.subMu.Unlock()
	return err
}

// Devices

func (c *Channel) ListDevices(ctx context.Context) []models.Device {
	return c.bridge.ListDevices(ctx)
}

func (c *Channel) CaptureScreenshot(ctx context.Context, deviceID string) *models.Screenshot {
	return c.bridge.CaptureScreenshot(ctx, deviceID)
}

func (c *Channel) CheckBridgeAvailable(ctx context.Context) bool {
	return c.bridge.CheckAvailability(ctx)
}

// SelectDevice starts screenshot polling for deviceID; an empty id stops it.
func (c *Channel) SelectDevice(deviceID string) {
	c.session.Select(deviceID)
}

func (c *Channel) SelectedDevice() string {
	return c.session.Selected()
}

func (c *Channel) RefreshScreenshot(ctx context.Context) *models.Screenshot {
	return c.session.Refresh(ctx)
}

// Tasks

// StartTask runs text right away, bypassing the queue.
func (c *Channel) StartTask(text string) (models.Task, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return models.Task{}, ErrClosed
	}
	task := models.Task{
		ID:        uuid.NewString(),
		Content:   text,
		Status:    models.TaskStatusPending,
		CreatedAt: time.Now(),
	}
	return c.startLocked(task, false)
}

// StopTask asks the engine to stop. It reports false when nothing is
// running.
func (c *Channel) StopTask() bool {
	return c.orch.Stop()
}

// RunNext starts the task at the head of the queue.
func (c *Channel) RunNext() (models.Task, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return models.Task{}, ErrClosed
	}
	if c.orch.Running() {
		return models.Task{}, orchestrator.ErrAlreadyRunning
	}
	c.settleStoppedLocked()

	task, ok := c.queue.DequeueNext()
	if !ok {
		if _, busy := c.queue.Current(); busy {
			return models.Task{}, orchestrator.ErrAlreadyRunning
		}
		return models.Task{}, ErrQueueEmpty
	}

	started, err := c.startLocked(task, true)
	if err != nil {
		c.queue.Requeue()
		return models.Task{}, err
	}
	c.publish(Event{Kind: EventQueueChanged})
	return started, nil
}

func (c *Channel) startLocked(task models.Task, queued bool) (models.Task, error) {
	if value, banned := c.bannedMatchLocked(task.Content); banned {
		return models.Task{}, fmt.Errorf("%w: %q", ErrBanned, value)
	}
	c.settleStoppedLocked()

	cfg := c.gateway.LoadConfig()
	if err := c.orch.Start(task.Content, cfg); err != nil {
		return models.Task{}, err
	}

	run := c.orch.CurrentRun()
	task.Status = models.TaskStatusRunning
	c.runs[run] = &record{task: task, queued: queued}
	if err := c.store.CreateTask(&task); err != nil {
		c.log.Error("failed to record task", "task_id", task.ID, "error", err)
	}
	c.log.Info("task started", "task_id", task.ID, "run", run, "queued", queued)
	return task, nil
}

// bannedMatchLocked reports the first enabled banned operation whose value
// appears in text, ignoring case.
func (c *Channel) bannedMatchLocked(text string) (string, bool) {
	lower := strings.ToLower(text)
	for _, op := range c.appData.BannedOperations {
		if !op.Enabled || strings.TrimSpace(op.Value) == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(op.Value)) {
			return op.Value, true
		}
	}
	return "", false
}

// settleStoppedLocked finalizes runs that were stopped. Their completion may
// never be delivered once a newer run starts.
func (c *Channel) settleStoppedLocked() {
	if c.orch.State() != orchestrator.StateStopped {
		return
	}
	for run, rec := range c.runs {
		c.finishLocked(run, rec, models.TaskStatusStopped, nil)
	}
}

func (c *Channel) finishLocked(run uint64, rec *record, status models.TaskStatus, exitCode *int) models.Task {
	delete(c.runs, run)

	task := rec.task
	if rec.queued {
		if done, ok := c.queue.CompleteCurrent(status, exitCode); ok {
			task = done
		}
	} else {
		now := time.Now()
		task.Status = status
		task.CompletedAt = &now
		task.ExitCode = exitCode
	}

	if err := c.store.UpdateTask(&task); err != nil {
		c.log.Error("failed to record task result", "task_id", task.ID, "error", err)
	}
	c.log.Info("task finished", "task_id", task.ID, "run", run, "status", status)

	code := orchestrator.SpawnFailedExitCode
	if exitCode != nil {
		code = *exitCode
	}
	c.publish(Event{Kind: EventComplete, TaskID: task.ID, Task: task, ExitCode: code})
	if rec.queued {
		c.publish(Event{Kind: EventQueueChanged})
	}
	return task
}

func (c *Channel) State() orchestrator.State {
	return c.orch.State()
}

// Logs returns the entries of the current or most recent run.
func (c *Channel) Logs() []models.LogEntry {
	return c.orch.Logs()
}

// Queue

type QueueSnapshot struct {
	Current *models.Task
	Pending []models.Task
}

func (c *Channel) Enqueue(text string) (models.Task, error) {
	if strings.TrimSpace(text) == "" {
		return models.Task{}, orchestrator.ErrEmptyTask
	}
	task := c.queue.Enqueue(text)
	c.publish(Event{Kind: EventQueueChanged})
	return task, nil
}

func (c *Channel) Queue() QueueSnapshot {
	snap := QueueSnapshot{Pending: c.queue.Pending()}
	if cur, ok := c.queue.Current(); ok {
		snap.Current = &cur
	}
	return snap
}

func (c *Channel) RemoveQueued(id string) error {
	if err := c.queue.Remove(id); err != nil {
		return err
	}
	c.publish(Event{Kind: EventQueueChanged})
	return nil
}

func (c *Channel) MoveQueued(from, to int) error {
	if err := c.queue.Move(from, to); err != nil {
		return err
	}
	c.publish(Event{Kind: EventQueueChanged})
	return nil
}

func (c *Channel) ClearQueue() int {
	n := c.queue.Clear()
	if n > 0 {
		c.publish(Event{Kind: EventQueueChanged})
	}
	return n
}

// History

func (c *Channel) History(limit int) ([]*models.Task, error) {
	return c.store.ListTasks(limit)
}

// TaskDetail returns a recorded task with its log entries.
func (c *Channel) TaskDetail(id string) (*models.Task, []models.LogEntry, error) {
	task, err := c.store.GetTask(id)
	if err != nil {
		return nil, nil, err
	}
	entries, err := c.store.GetLogs(id)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load logs: %w", err)
	}
	return task, entries, nil
}

// DeleteTask removes a finished task from history. A task that still has a
// live run cannot be deleted.
func (c *Channel) DeleteTask(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, rec := range c.runs {
		if rec.task.ID == id {
			return fmt.Errorf("%w: %s", ErrTaskActive, id)
		}
	}
	return c.store.DeleteTask(id)
}

// listener receives the orchestrator's notifications. Calls arrive one at a
// time, so history writes keep the engine's order.
type listener struct {
	c *Channel
}

func (l listener) OnOutput(run uint64, entry models.LogEntry) {
	c := l.c
	c.mu.Lock()
	rec := c.runs[run]
	c.mu.Unlock()

	var taskID string
	if rec != nil {
		taskID = rec.task.ID
		if err := c.store.AppendLog(taskID, entry); err != nil {
			c.log.Error("failed to record log entry", "task_id", taskID, "error", err)
		}
	}
	c.publish(Event{Kind: EventOutput, TaskID: taskID, Entry: entry})
}

func (l listener) OnComplete(run uint64, exitCode int) {
	c := l.c
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.runs[run]
	if !ok {
		return
	}

	var status models.TaskStatus
	switch {
	case c.orch.CurrentRun() == run && c.orch.State() == orchestrator.StateStopped:
		status = models.TaskStatusStopped
	case exitCode == 0:
		status = models.TaskStatusCompleted
	default:
		status = models.TaskStatusFailed
	}
	c.finishLocked(run, rec, status, &exitCode)

	if rec.queued && status != models.TaskStatusStopped && c.cfg.Settings.AutoAdvance && !c.closed && c.queue.Len() > 0 {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			if task, err := c.RunNext(); err != nil {
				c.log.Warn("auto-advance failed", "error", err)
			} else {
				c.log.Info("auto-advanced queue", "task_id", task.ID)
			}
		}()
	}
}
