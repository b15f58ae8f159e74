package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/mpataki/phonepilot/internal/config"
	"github.com/mpataki/phonepilot/internal/control"
	"github.com/mpataki/phonepilot/internal/logging"
	"github.com/mpataki/phonepilot/internal/models"
	"github.com/mpataki/phonepilot/internal/storage"
	"github.com/mpataki/phonepilot/internal/tui"
)

const shutdownTimeout = 10 * time.Second

func main() {
	rootCmd := &cobra.Command{
		Use:   "phonepilot",
		Short: "Drive an Android device with natural-language tasks",
		Long:  "PhonePilot runs an automation engine against a connected Android device and streams its progress.",
		RunE:  runTUI,
	}

	rootCmd.AddCommand(newDevicesCommand())
	rootCmd.AddCommand(newScreenshotCommand())
	rootCmd.AddCommand(newCheckCommand())
	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newConfigCommand())
	rootCmd.AddCommand(newHistoryCommand())
	rootCmd.AddCommand(newShowCommand())
	rootCmd.AddCommand(newDeleteCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// openChannel loads the configuration and opens the control channel. When
// logToFile is set the process log goes to the data directory instead of
// stderr, which the console owns.
func openChannel(logToFile bool) (*control.Channel, func(), error) {
	cfg, err := config.New()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return nil, nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	var out io.Writer = os.Stderr
	var logFile *os.File
	if logToFile {
		logFile, err = os.OpenFile(cfg.LogPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		out = logFile
	}
	log := logging.New(logging.Config{
		Level:  cfg.Settings.Log.Level,
		Format: cfg.Settings.Log.Format,
		Output: out,
	})

	ch, err := control.New(cfg, log)
	if err != nil {
		if logFile != nil {
			logFile.Close()
		}
		return nil, nil, err
	}

	closeFn := func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := ch.Close(ctx); err != nil {
			log.Warn("shutdown incomplete", "error", err)
		}
		if logFile != nil {
			logFile.Close()
		}
	}
	return ch, closeFn, nil
}

func runTUI(cmd *cobra.Command, args []string) error {
	ch, closeFn, err := openChannel(true)
	if err != nil {
		return err
	}
	defer closeFn()

	events, cancel := ch.Subscribe()
	defer cancel()

	app := tui.NewApp(ch, events)
	p := tea.NewProgram(app, tea.WithAltScreen())

	// bubbletea only traps INT and TERM. A closed terminal must still reach
	// closeFn, since the engine runs in its own process group and never sees
	// the hangup.
	hup, stop := signal.NotifyContext(cmd.Context(), syscall.SIGHUP)
	defer stop()
	finished := make(chan struct{})
	defer close(finished)
	go func() {
		select {
		case <-hup.Done():
			p.Kill()
		case <-finished:
		}
	}()

	_, err = p.Run()
	if hup.Err() != nil && errors.Is(err, tea.ErrProgramKilled) {
		return nil
	}
	return err
}

func newDevicesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List connected devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			ch, closeFn, err := openChannel(false)
			if err != nil {
				return err
			}
			defer closeFn()

			devices := ch.ListDevices(cmd.Context())
			if len(devices) == 0 {
				fmt.Println("No devices connected.")
				return nil
			}

			for _, d := range devices {
				fmt.Printf("%s\t%s\t%s\n", d.ID, d.Status, d.Kind)
			}
			return nil
		},
	}
}

func newScreenshotCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "screenshot",
		Short: "Capture a screenshot as PNG",
		RunE: func(cmd *cobra.Command, args []string) error {
			deviceID, _ := cmd.Flags().GetString("serial")
			output, _ := cmd.Flags().GetString("output")
			dataURI, _ := cmd.Flags().GetBool("data-uri")

			ch, closeFn, err := openChannel(false)
			if err != nil {
				return err
			}
			defer closeFn()

			shot := ch.CaptureScreenshot(cmd.Context(), deviceID)
			if shot == nil {
				return fmt.Errorf("no screenshot captured; check that a device is connected")
			}

			return writeScreenshot(shot, output, dataURI, os.Stdout)
		},
	}

	cmd.Flags().StringP("serial", "s", "", "Device serial (default: the only connected device)")
	cmd.Flags().StringP("output", "o", "screenshot.png", "Output file")
	cmd.Flags().Bool("data-uri", false, "Print the image as a data URI instead of writing a file")
	return cmd
}

func writeScreenshot(shot *models.Screenshot, output string, dataURI bool, out io.Writer) error {
	if dataURI {
		fmt.Fprintln(out, shot.DataURI())
		return nil
	}

	if err := os.WriteFile(output, shot.Data, 0644); err != nil {
		return fmt.Errorf("failed to write screenshot: %w", err)
	}
	fmt.Fprintf(out, "Saved %s (%d bytes)\n", output, len(shot.Data))
	return nil
}

func newCheckCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Check that the device bridge is installed",
		RunE: func(cmd *cobra.Command, args []string) error {
			ch, closeFn, err := openChannel(false)
			if err != nil {
				return err
			}
			defer closeFn()

			if !ch.CheckBridgeAvailable(cmd.Context()) {
				return fmt.Errorf("adb is not available; install Android platform-tools or set bridge_path in settings.yaml")
			}
			fmt.Println("adb: available")

			cfg := ch.GetConfig()
			if strings.TrimSpace(cfg.APIKey) == "" {
				fmt.Println("API key: not configured (phonepilot config set apiKey <key>)")
			} else {
				fmt.Println("API key: configured")
			}
			return nil
		},
	}
}

func newRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run <task>",
		Short: "Run a task and stream its progress",
		Long:  "Run a task headlessly. Ctrl-C stops the engine; a second Ctrl-C exits immediately.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ch, closeFn, err := openChannel(false)
			if err != nil {
				return err
			}
			defer closeFn()

			events, cancel := ch.Subscribe()
			defer cancel()

			sigs := make(chan os.Signal, 1)
			signal.Notify(sigs, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
			defer signal.Stop(sigs)

			task, err := ch.StartTask(strings.Join(args, " "))
			if err != nil {
				return fmt.Errorf("failed to start task: %w", err)
			}
			fmt.Printf("Started task %s\n", task.ID)

			return followTask(ch, task, events, sigs, os.Stdout)
		},
	}
}

var errHangup = errors.New("terminal closed")

// followTask prints the task's output until it finishes. The first
// interrupt stops the engine and keeps following; a hangup returns at once
// and leaves the engine to the caller's shutdown.
func followTask(ch *control.Channel, task models.Task, events <-chan control.Event, sigs <-chan os.Signal, out io.Writer) error {
	for {
		select {
		case sig := <-sigs:
			if sig == syscall.SIGHUP {
				return errHangup
			}
			if ch.StopTask() {
				fmt.Fprintf(out, "Received %s, stopping...\n", sig)
				continue
			}
			return fmt.Errorf("interrupted")

		case ev, ok := <-events:
			if !ok {
				return fmt.Errorf("event stream closed")
			}
			switch ev.Kind {
			case control.EventOutput:
				fmt.Fprintf(out, "%s [%-8s] %s\n", ev.Entry.Timestamp.Format("15:04:05"), ev.Entry.Category, ev.Entry.Message)
			case control.EventComplete:
				if ev.TaskID != task.ID {
					continue
				}
				if ev.Task.Status != models.TaskStatusCompleted {
					return fmt.Errorf("task %s (exit code %d)", ev.Task.Status, ev.ExitCode)
				}
				return nil
			}
		}
	}
}

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or change the engine configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the engine configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			ch, closeFn, err := openChannel(false)
			if err != nil {
				return err
			}
			defer closeFn()

			cfg := ch.GetConfig()
			cfg.APIKey = maskSecret(cfg.APIKey)
			data, err := json.MarshalIndent(cfg, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set baseUrl, model, apiKey, maxSteps or lang",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ch, closeFn, err := openChannel(false)
			if err != nil {
				return err
			}
			defer closeFn()

			cfg := ch.GetConfig()
			if err := setConfigValue(&cfg, args[0], args[1]); err != nil {
				return err
			}
			if err := ch.SaveConfig(cfg); err != nil {
				return fmt.Errorf("failed to save config: %w", err)
			}
			fmt.Printf("Set %s\n", args[0])
			return nil
		},
	})

	return cmd
}

func setConfigValue(cfg *models.TaskConfig, key, value string) error {
	switch key {
	case "baseUrl":
		cfg.BaseURL = value
	case "model":
		cfg.Model = value
	case "apiKey":
		cfg.APIKey = value
	case "maxSteps":
		n, err := strconv.Atoi(value)
		if err != nil || n < 1 {
			return fmt.Errorf("maxSteps must be a positive integer, got %q", value)
		}
		cfg.MaxSteps = n
	case "lang":
		if value != "cn" && value != "en" {
			return fmt.Errorf("lang must be cn or en, got %q", value)
		}
		cfg.Lang = value
	default:
		return fmt.Errorf("unknown config key %q", key)
	}
	return nil
}

func maskSecret(s string) string {
	if len(s) <= 8 {
		return strings.Repeat("*", len(s))
	}
	return s[:4] + strings.Repeat("*", len(s)-8) + s[len(s)-4:]
}

func newHistoryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")

			ch, closeFn, err := openChannel(false)
			if err != nil {
				return err
			}
			defer closeFn()

			tasks, err := ch.History(limit)
			if err != nil {
				return err
			}

			if len(tasks) == 0 {
				fmt.Println("No tasks found.")
				return nil
			}

			for _, task := range tasks {
				fmt.Printf("%s  %-9s  %-8s  %s\n",
					task.ID[:8], task.Status, storage.FormatTimeAgo(task.CreatedAt),
					truncate(task.Content, 50))
			}
			return nil
		},
	}

	cmd.Flags().IntP("limit", "n", 20, "Number of tasks to show")
	return cmd
}

func newShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show a task and its log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ch, closeFn, err := openChannel(false)
			if err != nil {
				return err
			}
			defer closeFn()

			id, err := resolveTaskID(ch, args[0])
			if err != nil {
				return err
			}

			task, entries, err := ch.TaskDetail(id)
			if err != nil {
				return fmt.Errorf("failed to get task: %w", err)
			}

			fmt.Printf("Task %s\n", task.ID)
			fmt.Printf("Status: %s\n", task.Status)
			fmt.Printf("Content: %s\n", task.Content)
			fmt.Printf("Created: %s\n", task.CreatedAt.Format(time.DateTime))
			if task.CompletedAt != nil {
				fmt.Printf("Completed: %s\n", task.CompletedAt.Format(time.DateTime))
			}
			if task.ExitCode != nil {
				fmt.Printf("Exit code: %d\n", *task.ExitCode)
			}

			if len(entries) > 0 {
				fmt.Println("\nLog:")
				for _, e := range entries {
					fmt.Printf("  %s [%-8s] %s\n", e.Timestamp.Format("15:04:05"), e.Category, e.Message)
				}
			}
			return nil
		},
	}
}

func newDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <task-id>",
		Short: "Delete a task and its log from history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ch, closeFn, err := openChannel(false)
			if err != nil {
				return err
			}
			defer closeFn()

			id, err := resolveTaskID(ch, args[0])
			if err != nil {
				return err
			}

			if err := ch.DeleteTask(id); err != nil {
				return fmt.Errorf("failed to delete task: %w", err)
			}

			fmt.Printf("Deleted task %s\n", id)
			return nil
		},
	}
}

// resolveTaskID expands the short id printed by history to a full id.
func resolveTaskID(ch *control.Channel, prefix string) (string, error) {
	tasks, err := ch.History(1000)
	if err != nil {
		return "", err
	}
	var match string
	for _, task := range tasks {
		if strings.HasPrefix(task.ID, prefix) {
			if match != "" {
				return "", fmt.Errorf("task id %q is ambiguous", prefix)
			}
			match = task.ID
		}
	}
	if match == "" {
		return "", fmt.Errorf("%w: %s", storage.ErrNotFound, prefix)
	}
	return match, nil
}

func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen-3]) + "..."
}
