package control

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpataki/phonepilot/internal/config"
	"github.com/mpataki/phonepilot/internal/models"
	"github.com/mpataki/phonepilot/internal/orchestrator"
	"github.com/mpataki/phonepilot/internal/queue"
	"github.com/mpataki/phonepilot/internal/storage"
)

// lastArg is a shell prelude that puts the task text (the engine's last
// argument) in $task.
const lastArg = `for a; do task=$a; done; `

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0755))
	return path
}

type testEnv struct {
	dir     string
	channel *Channel
	events  <-chan Event
}

func newTestChannel(t *testing.T, engineScript string, mods ...func(*config.Config)) *testEnv {
	t.Helper()
	dir := t.TempDir()

	cfg, err := config.Load(dir)
	require.NoError(t, err)
	cfg.Settings.Engine = config.EngineConfig{Command: "sh", Args: []string{"-c", engineScript, "engine"}}
	cfg.Settings.BridgePath = writeScript(t, t.TempDir(), "adb", `
case "$1" in
  devices) printf 'List of devices attached\nemulator-5554\tdevice\n' ;;
  version) echo 'Android Debug Bridge version 1.0.41' ;;
  -s) printf 'PNG-%s' "$2" ;;
  *) exit 1 ;;
esac
`)
	cfg.Settings.PollInterval = time.Hour
	cfg.Settings.StopGrace = time.Second
	for _, m := range mods {
		m(cfg)
	}

	ch, err := New(cfg, nil)
	require.NoError(t, err)
	events, _ := ch.Subscribe()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		ch.Close(ctx)
	})
	return &testEnv{dir: dir, channel: ch, events: events}
}

func (e *testEnv) withCredential(t *testing.T) *testEnv {
	t.Helper()
	cfg := models.DefaultTaskConfig()
	cfg.APIKey = "sk-test"
	require.NoError(t, e.channel.SaveConfig(cfg))
	waitEvent(t, e.events, EventConfigChanged)
	return e
}

func waitEvent(t *testing.T, events <-chan Event, kind EventKind) Event {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatalf("event stream closed while waiting for %s", kind)
			}
			if ev.Kind == kind {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s event", kind)
		}
	}
}

func TestStartTaskStreamsAndRecordsHistory(t *testing.T) {
	env := newTestChannel(t, `echo '💭 looking at the screen'; echo '🎯 tap settings'`).withCredential(t)

	task, err := env.channel.StartTask("open settings")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusRunning, task.Status)

	out := waitEvent(t, env.events, EventOutput)
	assert.Equal(t, task.ID, out.TaskID)
	assert.Equal(t, models.CategoryThinking, out.Entry.Category)

	done := waitEvent(t, env.events, EventComplete)
	assert.Equal(t, task.ID, done.TaskID)
	assert.Equal(t, 0, done.ExitCode)
	assert.Equal(t, models.TaskStatusCompleted, done.Task.Status)
	assert.Equal(t, orchestrator.StateCompleted, env.channel.State())

	history, err := env.channel.History(10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, models.TaskStatusCompleted, history[0].Status)
	require.NotNil(t, history[0].ExitCode)
	assert.Equal(t, 0, *history[0].ExitCode)

	recorded, entries, err := env.channel.TaskDetail(task.ID)
	require.NoError(t, err)
	assert.Equal(t, "open settings", recorded.Content)
	require.Len(t, entries, 3)
	assert.Equal(t, models.CategoryAction, entries[1].Category)
	assert.Equal(t, "✅ Task completed", entries[2].Message)
	assert.Len(t, env.channel.Logs(), 3)

	require.NoError(t, env.channel.DeleteTask(task.ID))
	_, _, err = env.channel.TaskDetail(task.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStartTaskValidation(t *testing.T) {
	env := newTestChannel(t, `echo should-not-run`)

	_, err := env.channel.StartTask("open settings")
	assert.ErrorIs(t, err, orchestrator.ErrMissingCredential)
	assert.ErrorIs(t, err, orchestrator.ErrValidation)

	env.withCredential(t)
	_, err = env.channel.StartTask("   ")
	assert.ErrorIs(t, err, orchestrator.ErrEmptyTask)

	history, err := env.channel.History(10)
	require.NoError(t, err)
	assert.Empty(t, history)
	assert.Equal(t, orchestrator.StateIdle, env.channel.State())
}

func TestBannedOperationsRejectTask(t *testing.T) {
	env := newTestChannel(t, `echo ok`).withCredential(t)

	data := models.DefaultAppData()
	data.BannedOperations = append(data.BannedOperations, models.BannedOperation{
		ID: "ban-bank", Type: models.BannedKeyword, Value: "Bank", Enabled: true,
	})
	require.NoError(t, env.channel.SaveAppData(data))

	_, err := env.channel.StartTask("open the banking app")
	assert.ErrorIs(t, err, ErrBanned)
	assert.True(t, errors.Is(err, orchestrator.ErrValidation))

	// Disabled entries do not block.
	_, err = env.channel.StartTask("delete old photos")
	require.NoError(t, err)
	waitEvent(t, env.events, EventComplete)
}

func TestStopTask(t *testing.T) {
	env := newTestChannel(t, `echo started; sleep 30`).withCredential(t)

	assert.False(t, env.channel.StopTask())

	task, err := env.channel.StartTask("long task")
	require.NoError(t, err)
	waitEvent(t, env.events, EventOutput)
	assert.ErrorIs(t, env.channel.DeleteTask(task.ID), ErrTaskActive)

	assert.True(t, env.channel.StopTask())
	assert.False(t, env.channel.StopTask())

	done := waitEvent(t, env.events, EventComplete)
	assert.Equal(t, task.ID, done.TaskID)
	assert.Equal(t, models.TaskStatusStopped, done.Task.Status)

	recorded, _, err := env.channel.TaskDetail(task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusStopped, recorded.Status)
}

func TestRestartAfterStopSettlesStoppedTask(t *testing.T) {
	env := newTestChannel(t, lastArg+`[ "$task" = slow ] && sleep 30; echo "ran $task"`).withCredential(t)

	slow, err := env.channel.StartTask("slow")
	require.NoError(t, err)
	require.True(t, env.channel.StopTask())

	fast, err := env.channel.StartTask("fast")
	require.NoError(t, err)

	first := waitEvent(t, env.events, EventComplete)
	assert.Equal(t, slow.ID, first.TaskID)
	assert.Equal(t, models.TaskStatusStopped, first.Task.Status)

	second := waitEvent(t, env.events, EventComplete)
	assert.Equal(t, fast.ID, second.TaskID)
	assert.Equal(t, models.TaskStatusCompleted, second.Task.Status)
}

func TestSpawnFailureIsReportedAsFailedTask(t *testing.T) {
	env := newTestChannel(t, "", func(cfg *config.Config) {
		cfg.Settings.Engine = config.EngineConfig{Command: filepath.Join(cfg.DataDir, "missing-engine")}
	}).withCredential(t)

	task, err := env.channel.StartTask("open settings")
	require.NoError(t, err)

	done := waitEvent(t, env.events, EventComplete)
	assert.Equal(t, task.ID, done.TaskID)
	assert.Equal(t, orchestrator.SpawnFailedExitCode, done.ExitCode)
	assert.Equal(t, models.TaskStatusFailed, done.Task.Status)
	assert.Equal(t, orchestrator.StateFailed, env.channel.State())

	logs := env.channel.Logs()
	require.Len(t, logs, 1)
	assert.Equal(t, models.CategoryError, logs[0].Category)
}

func TestRunNextWithAutoAdvance(t *testing.T) {
	env := newTestChannel(t, lastArg+`echo "ran $task"`, func(cfg *config.Config) {
		cfg.Settings.AutoAdvance = true
	}).withCredential(t)

	a, err := env.channel.Enqueue("first")
	require.NoError(t, err)
	b, err := env.channel.Enqueue("second")
	require.NoError(t, err)

	started, err := env.channel.RunNext()
	require.NoError(t, err)
	assert.Equal(t, a.ID, started.ID)

	first := waitEvent(t, env.events, EventComplete)
	assert.Equal(t, a.ID, first.TaskID)
	assert.Equal(t, models.TaskStatusCompleted, first.Task.Status)

	second := waitEvent(t, env.events, EventComplete)
	assert.Equal(t, b.ID, second.TaskID)

	require.Eventually(t, func() bool {
		snap := env.channel.Queue()
		return snap.Current == nil && len(snap.Pending) == 0
	}, 2*time.Second, 10*time.Millisecond)

	_, err = env.channel.RunNext()
	assert.ErrorIs(t, err, ErrQueueEmpty)
}

func TestRunNextWithoutAutoAdvance(t *testing.T) {
	env := newTestChannel(t, lastArg+`echo "ran $task"; exit 3`).withCredential(t)

	env.channel.Enqueue("first")
	env.channel.Enqueue("second")

	_, err := env.channel.RunNext()
	require.NoError(t, err)
	done := waitEvent(t, env.events, EventComplete)
	assert.Equal(t, models.TaskStatusFailed, done.Task.Status)
	assert.Equal(t, 3, done.ExitCode)

	time.Sleep(100 * time.Millisecond)
	snap := env.channel.Queue()
	assert.Nil(t, snap.Current)
	require.Len(t, snap.Pending, 1)
	assert.Equal(t, "second", snap.Pending[0].Content)
}

func TestRunNextRequeuesRejectedTask(t *testing.T) {
	env := newTestChannel(t, `echo ok`)

	env.channel.Enqueue("first")
	_, err := env.channel.RunNext()
	assert.ErrorIs(t, err, orchestrator.ErrMissingCredential)

	snap := env.channel.Queue()
	assert.Nil(t, snap.Current)
	require.Len(t, snap.Pending, 1)
	assert.Equal(t, models.TaskStatusPending, snap.Pending[0].Status)
}

func TestQueueOperations(t *testing.T) {
	env := newTestChannel(t, `echo ok`)

	_, err := env.channel.Enqueue("  ")
	assert.ErrorIs(t, err, orchestrator.ErrEmptyTask)

	a, _ := env.channel.Enqueue("a")
	env.channel.Enqueue("b")
	env.channel.Enqueue("c")
	waitEvent(t, env.events, EventQueueChanged)

	require.NoError(t, env.channel.MoveQueued(0, 2))
	assert.ErrorIs(t, env.channel.MoveQueued(0, 9), queue.ErrOutOfRange)
	assert.ErrorIs(t, env.channel.RemoveQueued("missing"), queue.ErrNotFound)
	require.NoError(t, env.channel.RemoveQueued(a.ID))

	pending := env.channel.Queue().Pending
	require.Len(t, pending, 2)
	assert.Equal(t, "b", pending[0].Content)
	assert.Equal(t, "c", pending[1].Content)

	assert.Equal(t, 2, env.channel.ClearQueue())
	assert.Empty(t, env.channel.Queue().Pending)
}

func TestDevicesAndScreenshots(t *testing.T) {
	env := newTestChannel(t, `echo ok`)
	ctx := context.Background()

	assert.True(t, env.channel.CheckBridgeAvailable(ctx))

	devices := env.channel.ListDevices(ctx)
	require.Len(t, devices, 1)
	assert.Equal(t, "emulator-5554", devices[0].ID)

	shot := env.channel.CaptureScreenshot(ctx, "emulator-5554")
	require.NotNil(t, shot)
	assert.Equal(t, "PNG-emulator-5554", string(shot.Data))

	env.channel.SelectDevice("emulator-5554")
	ev := waitEvent(t, env.events, EventScreenshot)
	assert.Equal(t, "emulator-5554", ev.Screenshot.DeviceID)
	assert.Equal(t, "emulator-5554", env.channel.SelectedDevice())

	require.NotNil(t, env.channel.RefreshScreenshot(ctx))

	env.channel.SelectDevice("")
	assert.Nil(t, env.channel.RefreshScreenshot(ctx))
}

func TestConfigRoundTripAndExternalEdits(t *testing.T) {
	env := newTestChannel(t, `echo ok`)

	assert.Equal(t, models.DefaultTaskConfig(), env.channel.GetConfig())

	cfg := models.TaskConfig{BaseURL: "http://localhost:8000/v1", Model: "local", APIKey: "k", MaxSteps: 20, Lang: "en"}
	require.NoError(t, env.channel.SaveConfig(cfg))
	assert.Equal(t, cfg, waitEvent(t, env.events, EventConfigChanged).Config)
	assert.Equal(t, cfg, env.channel.GetConfig())

	edited := `{"baseUrl":"http://localhost:8000/v1","model":"edited","apiKey":"k","maxSteps":20,"lang":"en"}`
	require.NoError(t, os.WriteFile(filepath.Join(env.dir, "config.json"), []byte(edited), 0644))

	ev := waitEvent(t, env.events, EventConfigChanged)
	assert.Equal(t, "edited", ev.Config.Model)
}

func TestAppDataRoundTrip(t *testing.T) {
	env := newTestChannel(t, `echo ok`)

	assert.Equal(t, models.DefaultAppData(), env.channel.GetAppData())

	data := models.DefaultAppData()
	data.ExecutionRules[0].Enabled = false
	require.NoError(t, env.channel.SaveAppData(data))

	ev := waitEvent(t, env.events, EventAppDataChanged)
	assert.False(t, ev.AppData.ExecutionRules[0].Enabled)
	assert.Len(t, env.channel.enabledRules(), 3)
}

func TestOutputHooksFromDataDir(t *testing.T) {
	var hooksPath string
	env := newTestChannel(t, `echo noise; echo kept`, func(cfg *config.Config) {
		hooksPath = cfg.Settings.HooksPath
		require.NoError(t, os.WriteFile(hooksPath, []byte(`
function on_output(category, message)
  if message == "noise" then return "skip" end
end
`), 0644))
	}).withCredential(t)

	_, err := env.channel.StartTask("task")
	require.NoError(t, err)
	waitEvent(t, env.events, EventComplete)

	var msgs []string
	for _, e := range env.channel.Logs() {
		msgs = append(msgs, e.Message)
	}
	assert.Equal(t, []string{"kept", "✅ Task completed"}, msgs)
}

func TestCloseStopsEverything(t *testing.T) {
	env := newTestChannel(t, `sleep 30`).withCredential(t)

	_, err := env.channel.StartTask("task")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, env.channel.Close(ctx))
	require.NoError(t, env.channel.Close(ctx))

	_, err = env.channel.StartTask("again")
	assert.ErrorIs(t, err, ErrClosed)
	_, err = env.channel.RunNext()
	assert.ErrorIs(t, err, ErrClosed)

	for range env.events {
	}
}
