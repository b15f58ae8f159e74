package orchestrator

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/mpataki/phonepilot/internal/classify"
	"github.com/mpataki/phonepilot/internal/logging"
	"github.com/mpataki/phonepilot/internal/models"
)

type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateStopped   State = "stopped"
)

// SpawnFailedExitCode is reported when the engine could not be started.
const SpawnFailedExitCode = -1

var (
	ErrValidation        = errors.New("invalid task request")
	ErrAlreadyRunning    = fmt.Errorf("%w: a task is already running", ErrValidation)
	ErrMissingCredential = fmt.Errorf("%w: API key is not configured", ErrValidation)
	ErrEmptyTask         = fmt.Errorf("%w: task is empty", ErrValidation)
	ErrInvalidMaxSteps   = fmt.Errorf("%w: max steps must be positive", ErrValidation)
	ErrClosed            = errors.New("orchestrator is shut down")
)

// Listener receives run notifications tagged with the run they belong to.
// Calls are made one at a time, in order, from a dedicated goroutine; a
// listener may call back into the Orchestrator.
type Listener interface {
	OnOutput(run uint64, entry models.LogEntry)
	OnComplete(run uint64, exitCode int)
}

type Verdict int

const (
	Keep Verdict = iota
	Skip
	StopRun
)

// Hook inspects each classified entry before it is recorded.
type Hook interface {
	Inspect(entry models.LogEntry) Verdict
}

type Options struct {
	Command   string
	Args      []string // placed before the engine flags, e.g. the script path
	Dir       string
	Env       []string
	StopGrace time.Duration
	Listener  Listener
	Hook      Hook
	Logger    *slog.Logger
}

type process struct {
	cmd  *exec.Cmd
	pid  int
	run  uint64
	done chan struct{}
}

// Orchestrator runs at most one automation-engine process at a time and
// turns its output into classified log entries.
type Orchestrator struct {
	opts     Options
	log      *slog.Logger
	notifier *notifier

	mu     sync.Mutex
	state  State
	handle *process
	run    uint64
	logs   []models.LogEntry
	closed bool
}

func New(opts Options) *Orchestrator {
	if opts.StopGrace <= 0 {
		opts.StopGrace = 5 * time.Second
	}
	o := &Orchestrator{
		opts:     opts,
		log:      logging.Component(opts.Logger, "orchestrator"),
		notifier: newNotifier(),
		state:    StateIdle,
	}
	go o.notifier.loop()
	return o
}

// BuildArgs returns the engine argument list. The order is fixed and the
// task text is always the last argument.
func BuildArgs(prefix []string, cfg models.TaskConfig, task string) []string {
	args := append([]string{}, prefix...)
	return append(args,
		"--base-url", cfg.BaseURL,
		"--model", cfg.Model,
		"--apikey", cfg.APIKey,
		"--max-steps", strconv.Itoa(cfg.MaxSteps),
		"--lang", cfg.Lang,
		task,
	)
}

func (o *Orchestrator) validateLocked(task string, cfg models.TaskConfig) error {
	switch {
	case o.closed:
		return ErrClosed
	case o.state == StateRunning:
		return ErrAlreadyRunning
	case strings.TrimSpace(cfg.APIKey) == "":
		return ErrMissingCredential
	case strings.TrimSpace(task) == "":
		return ErrEmptyTask
	case cfg.MaxSteps < 1:
		return ErrInvalidMaxSteps
	}
	return nil
}

// Start launches the engine for task. Validation failures are returned and
// leave everything untouched. A spawn failure is not returned: it moves the
// run to failed and is reported through the listener.
func (o *Orchestrator) Start(task string, cfg models.TaskConfig) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.validateLocked(task, cfg); err != nil {
		return err
	}

	o.run++
	o.logs = nil

	cmd := exec.Command(o.opts.Command, BuildArgs(o.opts.Args, cfg, task)...)
	cmd.Dir = o.opts.Dir
	cmd.Env = append(append(os.Environ(), "PYTHONIOENCODING=utf-8"), o.opts.Env...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, stderr, err := startWithPipes(cmd)
	if err != nil {
		o.state = StateFailed
		o.log.Error("failed to start engine", "command", o.opts.Command, "error", err)
		o.emitOutputLocked(models.CategoryError, fmt.Sprintf("❌ Failed to start engine: %v", err))
		o.emitCompleteLocked(SpawnFailedExitCode)
		return nil
	}

	p := &process{
		cmd:  cmd,
		pid:  cmd.Process.Pid,
		run:  o.run,
		done: make(chan struct{}),
	}
	o.handle = p
	o.state = StateRunning
	o.log.Info("engine started", "pid", p.pid, "run", p.run)

	go o.supervise(p, stdout, stderr)
	return nil
}

func startWithPipes(cmd *exec.Cmd) (io.ReadCloser, io.ReadCloser, error) {
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, err
	}
	return stdout, stderr, nil
}

type line struct {
	origin classify.Origin
	text   string
}

// supervise drains both output streams through one channel, so lines are
// handled in arrival order, then reaps the process.
func (o *Orchestrator) supervise(p *process, stdout, stderr io.Reader) {
	lines := make(chan line)

	var wg sync.WaitGroup
	wg.Add(2)
	go scanLines(classify.Stdout, stdout, lines, &wg)
	go scanLines(classify.Stderr, stderr, lines, &wg)
	go func() {
		wg.Wait()
		close(lines)
	}()

	for l := range lines {
		o.handleLine(p, l)
	}

	err := p.cmd.Wait()
	close(p.done)
	o.finish(p, exitCode(err))
}

func scanLines(origin classify.Origin, r io.Reader, out chan<- line, wg *sync.WaitGroup) {
	defer wg.Done()

	decoded := transform.NewReader(r, unicode.UTF8.NewDecoder())
	scanner := bufio.NewScanner(decoded)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		out <- line{origin: origin, text: scanner.Text()}
	}
	// Keep draining so an oversized line cannot block the child on a full pipe.
	_, _ = io.Copy(io.Discard, r)
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		// Shell convention for a signal death, so a crash never reads as
		// SpawnFailedExitCode.
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return 128 + int(ws.Signal())
		}
		return exitErr.ExitCode()
	}
	return 1
}

// current reports whether p is the live run. Output arriving after Stop is
// dropped so nothing follows the stopped entry.
func (o *Orchestrator) current(p *process) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.liveLocked(p)
}

func (o *Orchestrator) liveLocked(p *process) bool {
	return p.run == o.run && o.state == StateRunning
}

func (o *Orchestrator) handleLine(p *process, l line) {
	category, message, ok := classify.Classify(l.origin, l.text)
	if !ok || !o.current(p) {
		return
	}

	entry := newEntry(category, message)
	verdict := Keep
	if o.opts.Hook != nil {
		verdict = o.opts.Hook.Inspect(entry)
	}
	if verdict == Skip {
		return
	}

	o.mu.Lock()
	if o.liveLocked(p) {
		o.logs = append(o.logs, entry)
		o.notifyOutputLocked(entry)
	}
	o.mu.Unlock()

	if verdict == StopRun {
		o.log.Info("output hook requested stop", "run", p.run)
		o.Stop()
	}
}

// finish records the exit of p. The handle is cleared before the completion
// notification is queued, so a Stop racing with the exit is a no-op.
func (o *Orchestrator) finish(p *process, code int) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.log.Info("engine exited", "pid", p.pid, "run", p.run, "exit_code", code)
	if p.run != o.run {
		return
	}
	if o.handle == p {
		o.handle = nil
	}

	if o.state == StateRunning {
		if code == 0 {
			o.state = StateCompleted
			o.emitOutputLocked(models.CategorySuccess, "✅ Task completed")
		} else {
			o.state = StateFailed
			o.emitOutputLocked(models.CategoryError, fmt.Sprintf("❌ Task failed (exit code %d)", code))
		}
	}
	o.emitCompleteLocked(code)
}

// Stop sends SIGTERM to the running engine and returns immediately. It
// returns false, doing nothing, when no engine is running. If the engine is
// still alive after the stop grace period it is killed.
func (o *Orchestrator) Stop() bool {
	return o.stop() != nil
}

func (o *Orchestrator) stop() *process {
	o.mu.Lock()
	p := o.handle
	if p == nil {
		o.mu.Unlock()
		return nil
	}
	o.handle = nil
	o.state = StateStopped
	o.emitOutputLocked(models.CategoryInfo, "⏹️ Task stopped")
	o.mu.Unlock()

	o.log.Info("stopping engine", "pid", p.pid, "run", p.run)
	signalGroup(p.pid, syscall.SIGTERM)

	go func() {
		timer := time.NewTimer(o.opts.StopGrace)
		defer timer.Stop()
		select {
		case <-p.done:
		case <-timer.C:
			o.log.Warn("engine ignored SIGTERM, killing", "pid", p.pid)
			signalGroup(p.pid, syscall.SIGKILL)
		}
	}()
	return p
}

// signalGroup signals the engine's process group so helpers it spawned go
// down with it.
func signalGroup(pid int, sig syscall.Signal) {
	if err := syscall.Kill(-pid, sig); err != nil {
		_ = syscall.Kill(pid, sig)
	}
}

// Shutdown stops any running engine and waits for it to exit or for ctx to
// end, then stops delivering notifications. Start is rejected afterwards.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	var err error
	if p := o.stop(); p != nil {
		select {
		case <-p.done:
		case <-ctx.Done():
			signalGroup(p.pid, syscall.SIGKILL)
			err = ctx.Err()
		}
	}
	o.notifier.close()
	return err
}

func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// CurrentRun identifies the most recent Start that got past validation.
// Runs are numbered from 1.
func (o *Orchestrator) CurrentRun() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.run
}

func (o *Orchestrator) Running() bool {
	return o.State() == StateRunning
}

// Logs returns a copy of the current run's entries.
func (o *Orchestrator) Logs() []models.LogEntry {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]models.LogEntry(nil), o.logs...)
}

func newEntry(category models.Category, message string) models.LogEntry {
	return models.LogEntry{
		ID:        uuid.NewString(),
		Category:  category,
		Message:   message,
		Timestamp: time.Now(),
	}
}

func (o *Orchestrator) emitOutputLocked(category models.Category, message string) {
	entry := newEntry(category, message)
	o.logs = append(o.logs, entry)
	o.notifyOutputLocked(entry)
}

func (o *Orchestrator) notifyOutputLocked(entry models.LogEntry) {
	if l := o.opts.Listener; l != nil {
		run := o.run
		o.notifier.push(func() { l.OnOutput(run, entry) })
	}
}

func (o *Orchestrator) emitCompleteLocked(code int) {
	if l := o.opts.Listener; l != nil {
		run := o.run
		o.notifier.push(func() { l.OnComplete(run, code) })
	}
}
