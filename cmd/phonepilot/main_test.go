package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/mpataki/phonepilot/internal/config"
	"github.com/mpataki/phonepilot/internal/models"
	"github.com/mpataki/phonepilot/internal/orchestrator"
)

func TestSetConfigValue(t *testing.T) {
	cfg := models.DefaultTaskConfig()

	require.NoError(t, setConfigValue(&cfg, "apiKey", "sk-test"))
	require.NoError(t, setConfigValue(&cfg, "maxSteps", "25"))
	require.NoError(t, setConfigValue(&cfg, "lang", "en"))
	require.NoError(t, setConfigValue(&cfg, "model", "glm"))
	require.NoError(t, setConfigValue(&cfg, "baseUrl", "http://localhost:8000/v1"))

	assert.Equal(t, models.TaskConfig{
		BaseURL:  "http://localhost:8000/v1",
		Model:    "glm",
		APIKey:   "sk-test",
		MaxSteps: 25,
		Lang:     "en",
	}, cfg)
}

func TestSetConfigValueRejectsBadInput(t *testing.T) {
	cfg := models.DefaultTaskConfig()

	assert.Error(t, setConfigValue(&cfg, "maxSteps", "0"))
	assert.Error(t, setConfigValue(&cfg, "maxSteps", "many"))
	assert.Error(t, setConfigValue(&cfg, "lang", "fr"))
	assert.Error(t, setConfigValue(&cfg, "timeout", "5"))
	assert.Equal(t, models.DefaultTaskConfig(), cfg)
}

func TestMaskSecret(t *testing.T) {
	assert.Equal(t, "", maskSecret(""))
	assert.Equal(t, "*****", maskSecret("short"))
	assert.Equal(t, "sk-a****wxyz", maskSecret("sk-a1234wxyz"))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "open settings", truncate("open settings", 20))
	assert.Equal(t, "open se...", truncate("open settings", 10))
	assert.Equal(t, "打开微信...", truncate("打开微信发消息给张三", 7))
}

func TestWriteScreenshot(t *testing.T) {
	shot := &models.Screenshot{DeviceID: "emulator-5554", Data: []byte("png"), CapturedAt: time.Now()}

	var out bytes.Buffer
	require.NoError(t, writeScreenshot(shot, "", true, &out))
	assert.Equal(t, "data:image/png;base64,cG5n\n", out.String())

	out.Reset()
	path := filepath.Join(t.TempDir(), "shot.png")
	require.NoError(t, writeScreenshot(shot, path, false, &out))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "png", string(data))
	assert.Contains(t, out.String(), "(3 bytes)")
}

// setupDataDir points the CLI at a data dir whose engine is a shell script
// that records its pid.
func setupDataDir(t *testing.T, script string) (pidFile string) {
	t.Helper()
	dir := t.TempDir()
	pidFile = filepath.Join(dir, "engine.pid")

	settings, err := yaml.Marshal(config.Settings{
		Engine: config.EngineConfig{
			Command: "sh",
			Args:    []string{"-c", "echo $$ > " + pidFile + "; " + script, "engine"},
		},
		PollInterval: time.Hour,
		StopGrace:    time.Second,
		Log:          config.LogConfig{Level: "error"},
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "settings.yaml"), settings, 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte(`{"apiKey": "sk-test"}`), 0644))
	t.Setenv("PHONEPILOT_DATA_DIR", dir)
	return pidFile
}

func enginePid(t *testing.T, pidFile string) int {
	t.Helper()
	var pid int
	require.Eventually(t, func() bool {
		data, err := os.ReadFile(pidFile)
		if err != nil {
			return false
		}
		pid, err = strconv.Atoi(strings.TrimSpace(string(data)))
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)
	return pid
}

func TestFollowTaskPrintsOutputUntilCompletion(t *testing.T) {
	setupDataDir(t, "echo '💭 looking'; echo '🎯 tap'")

	ch, closeFn, err := openChannel(false)
	require.NoError(t, err)
	defer closeFn()

	events, cancel := ch.Subscribe()
	defer cancel()

	task, err := ch.StartTask("open settings")
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, followTask(ch, task, events, make(chan os.Signal), &out))
	assert.Contains(t, out.String(), "💭 looking")
	assert.Contains(t, out.String(), "✅ Task completed")
}

func TestFollowTaskInterruptStopsEngine(t *testing.T) {
	setupDataDir(t, "echo started; sleep 30")

	ch, closeFn, err := openChannel(false)
	require.NoError(t, err)
	defer closeFn()

	events, cancel := ch.Subscribe()
	defer cancel()

	task, err := ch.StartTask("long task")
	require.NoError(t, err)

	sigs := make(chan os.Signal, 1)
	sigs <- os.Interrupt

	var out bytes.Buffer
	err = followTask(ch, task, events, sigs, &out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stopped")
	assert.Contains(t, out.String(), "stopping")
}

func TestHangupShutsDownEngine(t *testing.T) {
	pidFile := setupDataDir(t, "echo started; sleep 30")

	ch, closeFn, err := openChannel(false)
	require.NoError(t, err)

	events, cancel := ch.Subscribe()
	defer cancel()

	task, err := ch.StartTask("long task")
	require.NoError(t, err)
	pid := enginePid(t, pidFile)

	sigs := make(chan os.Signal, 1)
	sigs <- syscall.SIGHUP
	assert.ErrorIs(t, followTask(ch, task, events, sigs, &bytes.Buffer{}), errHangup)

	closeFn()
	assert.Equal(t, orchestrator.StateStopped, ch.State())
	assert.ErrorIs(t, syscall.Kill(pid, 0), syscall.ESRCH)
}
