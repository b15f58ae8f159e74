package tui

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mpataki/phonepilot/internal/control"
	"github.com/mpataki/phonepilot/internal/models"
	"github.com/mpataki/phonepilot/internal/orchestrator"
)

// Controller is the part of the control channel the console drives.
type Controller interface {
	ListDevices(ctx context.Context) []models.Device
	SelectDevice(deviceID string)
	SelectedDevice() string
	RefreshScreenshot(ctx context.Context) *models.Screenshot
	CheckBridgeAvailable(ctx context.Context) bool

	StartTask(text string) (models.Task, error)
	StopTask() bool
	State() orchestrator.State
	Logs() []models.LogEntry
	GetConfig() models.TaskConfig

	Enqueue(text string) (models.Task, error)
	RunNext() (models.Task, error)
	Queue() control.QueueSnapshot
	RemoveQueued(id string) error
	MoveQueued(from, to int) error
	ClearQueue() int

	History(limit int) ([]*models.Task, error)
	TaskDetail(id string) (*models.Task, []models.LogEntry, error)
}

type View int

const (
	ViewConsole View = iota
	ViewQueue
	ViewHistory
	ViewTaskDetail
)

const (
	historyLimit   = 30
	deviceInterval = 5 * time.Second
)

type App struct {
	ctl    Controller
	events <-chan control.Event

	view  View
	input textinput.Model
	logs  viewport.Model

	entries    []models.LogEntry
	devices    []models.Device
	bridgeOK   bool
	screenshot *models.Screenshot
	queue      control.QueueSnapshot
	queueIdx   int
	history    []*models.Task
	historyIdx int
	detail     *models.Task
	detailLogs viewport.Model

	width  int
	height int
	status string
	err    error
}

func NewApp(ctl Controller, events <-chan control.Event) *App {
	input := textinput.New()
	input.Placeholder = "Describe a task, e.g. open Settings and turn on Wi-Fi"
	input.CharLimit = 500
	input.Width = 60
	input.Prompt = "› "

	return &App{
		ctl:        ctl,
		events:     events,
		view:       ViewConsole,
		input:      input,
		logs:       viewport.New(80, 12),
		detailLogs: viewport.New(80, 20),
		entries:    ctl.Logs(),
		queue:      ctl.Queue(),
	}
}

func (a *App) Init() tea.Cmd {
	return tea.Batch(a.waitForEvent(), a.loadDevices, a.tickCmd())
}

func (a *App) tickCmd() tea.Cmd {
	return tea.Tick(deviceInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

type tickMsg time.Time

func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return a.handleKey(msg)

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.resize()
		return a, nil

	case eventMsg:
		a.handleEvent(control.Event(msg))
		return a, a.waitForEvent()

	case eventsClosedMsg:
		return a, nil

	case tickMsg:
		return a, tea.Batch(a.loadDevices, a.tickCmd())

	case devicesLoadedMsg:
		a.devices = msg.devices
		a.bridgeOK = msg.bridgeOK
		return a, nil

	case screenshotMsg:
		if msg.shot != nil {
			a.screenshot = msg.shot
		}
		return a, nil

	case taskStartedMsg:
		a.err = msg.err
		if msg.err == nil {
			a.entries = nil
			a.renderLogs()
			a.status = "started: " + truncate(msg.task.Content, 40)
		}
		return a, nil

	case historyLoadedMsg:
		a.history = msg.tasks
		a.err = msg.err
		if a.historyIdx >= len(a.history) {
			a.historyIdx = max(len(a.history)-1, 0)
		}
		return a, nil

	case taskDetailMsg:
		a.err = msg.err
		if msg.err == nil {
			a.detail = msg.task
			a.detailLogs.SetContent(formatEntries(msg.entries))
			a.detailLogs.GotoTop()
			a.view = ViewTaskDetail
		}
		return a, nil
	}

	return a, nil
}

func (a *App) handleEvent(ev control.Event) {
	switch ev.Kind {
	case control.EventOutput:
		a.entries = append(a.entries, ev.Entry)
		a.renderLogs()

	case control.EventComplete:
		a.status = fmt.Sprintf("%s (exit %d): %s", ev.Task.Status, ev.ExitCode, truncate(ev.Task.Content, 40))
		a.queue = a.ctl.Queue()

	case control.EventScreenshot:
		a.screenshot = ev.Screenshot

	case control.EventQueueChanged:
		a.queue = a.ctl.Queue()
		if a.queueIdx >= len(a.queue.Pending) {
			a.queueIdx = max(len(a.queue.Pending)-1, 0)
		}

	case control.EventConfigChanged:
		a.status = "config reloaded"

	case control.EventAppDataChanged:
		a.status = "memories and rules reloaded"
	}
}

func (a *App) resize() {
	a.input.Width = max(a.width-6, 20)
	a.logs.Width = max(a.width-2, 20)
	a.logs.Height = max(a.height-14, 5)
	a.detailLogs.Width = max(a.width-2, 20)
	a.detailLogs.Height = max(a.height-8, 5)
	a.renderLogs()
}

func (a *App) renderLogs() {
	a.logs.SetContent(formatEntries(a.entries))
	a.logs.GotoBottom()
}

func (a *App) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if msg.String() == "ctrl+c" {
		return a, tea.Quit
	}
	if a.input.Focused() {
		return a.handleInputKey(msg)
	}

	switch msg.String() {
	case "1":
		a.view = ViewConsole
		return a, nil
	case "2":
		a.view = ViewQueue
		a.queue = a.ctl.Queue()
		return a, nil
	case "3":
		a.view = ViewHistory
		return a, a.loadHistory
	}

	switch a.view {
	case ViewConsole:
		return a.handleConsoleKey(msg)
	case ViewQueue:
		return a.handleQueueKey(msg)
	case ViewHistory:
		return a.handleHistoryKey(msg)
	case ViewTaskDetail:
		return a.handleDetailKey(msg)
	}
	return a, nil
}

func (a *App) handleInputKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "esc":
		a.input.Blur()
		return a, nil

	case "enter":
		text := strings.TrimSpace(a.input.Value())
		if text == "" {
			return a, nil
		}
		a.input.Reset()
		a.input.Blur()
		return a, a.startTask(text)

	case "tab":
		text := strings.TrimSpace(a.input.Value())
		if text == "" {
			return a, nil
		}
		if _, err := a.ctl.Enqueue(text); err != nil {
			a.err = err
			return a, nil
		}
		a.input.Reset()
		a.status = "queued: " + truncate(text, 40)
		a.queue = a.ctl.Queue()
		return a, nil
	}

	var cmd tea.Cmd
	a.input, cmd = a.input.Update(msg)
	return a, cmd
}

func (a *App) handleConsoleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q":
		return a, tea.Quit

	case "i", "/":
		a.err = nil
		return a, a.input.Focus()

	case "s":
		if a.ctl.StopTask() {
			a.status = "stopping…"
		} else {
			a.status = "nothing is running"
		}

	case "n":
		return a, a.runNext

	case "d":
		a.cycleDevice()
		return a, nil

	case "D":
		return a, a.loadDevices

	case "r":
		return a, a.refreshScreenshot

	default:
		var cmd tea.Cmd
		a.logs, cmd = a.logs.Update(msg)
		return a, cmd
	}

	return a, nil
}

// cycleDevice selects the next device in the list, wrapping to "none".
func (a *App) cycleDevice() {
	current := a.ctl.SelectedDevice()
	next := ""
	if len(a.devices) > 0 {
		idx := -1
		for i, d := range a.devices {
			if d.ID == current {
				idx = i
			}
		}
		if idx+1 < len(a.devices) {
			next = a.devices[idx+1].ID
		}
	}
	a.ctl.SelectDevice(next)
	if next == "" {
		a.screenshot = nil
		a.status = "no device selected"
	} else {
		a.status = "selected " + next
	}
}

func (a *App) handleQueueKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	pending := a.queue.Pending

	switch msg.String() {
	case "q", "esc":
		a.view = ViewConsole

	case "up", "k":
		if a.queueIdx > 0 {
			a.queueIdx--
		}

	case "down", "j":
		if a.queueIdx < len(pending)-1 {
			a.queueIdx++
		}

	case "K":
		if a.queueIdx > 0 {
			a.err = a.ctl.MoveQueued(a.queueIdx, a.queueIdx-1)
			if a.err == nil {
				a.queueIdx--
			}
		}

	case "J":
		if a.queueIdx < len(pending)-1 {
			a.err = a.ctl.MoveQueued(a.queueIdx, a.queueIdx+1)
			if a.err == nil {
				a.queueIdx++
			}
		}

	case "x":
		if a.queueIdx < len(pending) {
			a.err = a.ctl.RemoveQueued(pending[a.queueIdx].ID)
		}

	case "c":
		a.status = fmt.Sprintf("cleared %d queued tasks", a.ctl.ClearQueue())

	case "n":
		return a, a.runNext
	}

	a.queue = a.ctl.Queue()
	if a.queueIdx >= len(a.queue.Pending) {
		a.queueIdx = max(len(a.queue.Pending)-1, 0)
	}
	return a, nil
}

func (a *App) handleHistoryKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "esc":
		a.view = ViewConsole

	case "up", "k":
		if a.historyIdx > 0 {
			a.historyIdx--
		}

	case "down", "j":
		if a.historyIdx < len(a.history)-1 {
			a.historyIdx++
		}

	case "r":
		return a, a.loadHistory

	case "enter":
		if a.historyIdx < len(a.history) {
			return a, a.loadTaskDetail(a.history[a.historyIdx].ID)
		}
	}
	return a, nil
}

func (a *App) handleDetailKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "esc":
		a.view = ViewHistory
		a.detail = nil
		return a, nil
	}

	var cmd tea.Cmd
	a.detailLogs, cmd = a.detailLogs.Update(msg)
	return a, cmd
}

func (a *App) View() string {
	switch a.view {
	case ViewConsole:
		return a.viewConsole()
	case ViewQueue:
		return a.viewQueue()
	case ViewHistory:
		return a.viewHistory()
	case ViewTaskDetail:
		return a.viewTaskDetail()
	}
	return ""
}

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("229")).
			Background(lipgloss.Color("57"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	statusRunning  = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	statusComplete = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
	statusFailed   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	statusStopped  = lipgloss.NewStyle().Foreground(lipgloss.Color("208"))

	categoryStyles = map[models.Category]lipgloss.Style{
		models.CategoryThinking: lipgloss.NewStyle().Foreground(lipgloss.Color("39")),
		models.CategoryAction:   lipgloss.NewStyle().Foreground(lipgloss.Color("220")),
		models.CategorySuccess:  lipgloss.NewStyle().Foreground(lipgloss.Color("46")),
		models.CategoryError:    lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		models.CategoryInfo:     lipgloss.NewStyle().Foreground(lipgloss.Color("252")),
	}

	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	paneStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238"))
)

func (a *App) viewConsole() string {
	s := titleStyle.Render("PhonePilot") + "  " + a.formatState(a.ctl.State()) + "\n\n"

	s += a.viewDevices() + "\n"

	cfg := a.ctl.GetConfig()
	s += labelStyle.Render("Model: ") + cfg.Model + labelStyle.Render("  Steps: ") + fmt.Sprint(cfg.MaxSteps) +
		labelStyle.Render("  Lang: ") + cfg.Lang
	if cfg.APIKey == "" {
		s += "  " + errorStyle.Render("no API key configured")
	}
	s += labelStyle.Render(fmt.Sprintf("  Queue: %d", len(a.queue.Pending))) + "\n\n"

	s += paneStyle.Render(a.logs.View()) + "\n"
	s += a.input.View() + "\n"

	if a.err != nil {
		s += errorStyle.Render(fmt.Sprintf("Error: %v", a.err)) + "\n"
	} else if a.status != "" {
		s += dimStyle.Render(a.status) + "\n"
	}

	if a.input.Focused() {
		s += helpStyle.Render("[enter] run now  [tab] add to queue  [esc] cancel")
	} else {
		s += helpStyle.Render("[i] new task  [s] stop  [n] run next  [d] device  [r] screenshot  [2] queue  [3] history  [q] quit")
	}
	return s
}

func (a *App) viewDevices() string {
	if !a.bridgeOK && len(a.devices) == 0 {
		return labelStyle.Render("Devices: ") + errorStyle.Render("adb not available")
	}
	if len(a.devices) == 0 {
		return labelStyle.Render("Devices: ") + dimStyle.Render("none connected")
	}

	selected := a.ctl.SelectedDevice()
	parts := make([]string, 0, len(a.devices))
	for _, d := range a.devices {
		label := fmt.Sprintf("%s (%s)", d.ID, d.Status)
		if d.ID == selected {
			label = selectedStyle.Render("▶ " + label)
		}
		parts = append(parts, label)
	}
	s := labelStyle.Render("Devices: ") + strings.Join(parts, "  ")

	if a.screenshot != nil && a.screenshot.DeviceID == selected {
		s += "\n" + labelStyle.Render("Screen:  ") + fmt.Sprintf("%s, %s, captured %s",
			a.screenshot.DeviceID, formatBytes(len(a.screenshot.Data)), formatAge(a.screenshot.CapturedAt))
	}
	return s
}

func (a *App) viewQueue() string {
	s := titleStyle.Render("Task Queue") + "\n\n"

	if cur := a.queue.Current; cur != nil {
		s += labelStyle.Render("Running: ") + statusRunning.Render(truncate(cur.Content, 60)) + "\n\n"
	}

	if len(a.queue.Pending) == 0 {
		s += "Queue is empty. Press [1], then [i] and [tab] to add tasks.\n"
	} else {
		for i, task := range a.queue.Pending {
			line := fmt.Sprintf("%2d. %s", i+1, truncate(task.Content, 60))
			if i == a.queueIdx {
				line = selectedStyle.Render("▶ " + line)
			} else {
				line = "  " + line
			}
			s += line + "\n"
		}
	}

	if a.err != nil {
		s += "\n" + errorStyle.Render(fmt.Sprintf("Error: %v", a.err))
	}
	s += "\n" + helpStyle.Render("[n] run next  [K/J] move  [x] remove  [c] clear  [esc] back")
	return s
}

func (a *App) viewHistory() string {
	s := titleStyle.Render("History") + "\n\n"

	if a.err != nil {
		s += errorStyle.Render(fmt.Sprintf("Error: %v", a.err)) + "\n"
	}

	if len(a.history) == 0 {
		s += "No tasks yet.\n"
	} else {
		for i, task := range a.history {
			line := fmt.Sprintf("%s  %-6s  %s", a.formatTaskStatus(task.Status), formatAge(task.CreatedAt), truncate(task.Content, 50))
			if i == a.historyIdx {
				line = selectedStyle.Render("▶ " + line)
			} else if task.Status.Terminal() {
				line = "  " + dimStyle.Render(line)
			} else {
				line = "  " + line
			}
			s += line + "\n"
		}
	}

	s += "\n" + helpStyle.Render("[enter] view  [r] refresh  [esc] back")
	return s
}

func (a *App) viewTaskDetail() string {
	if a.detail == nil {
		return "No task selected"
	}
	task := a.detail

	s := titleStyle.Render(truncate(task.Content, 60)) + "  " + a.formatTaskStatus(task.Status) + "\n"
	s += labelStyle.Render("Started: ") + task.CreatedAt.Format(time.DateTime)
	if task.CompletedAt != nil {
		s += labelStyle.Render("  Took: ") + formatDuration(task.CompletedAt.Sub(task.CreatedAt))
	}
	if task.ExitCode != nil {
		if *task.ExitCode == 0 {
			s += "  " + dimStyle.Render("exit:0")
		} else {
			s += "  " + statusFailed.Render(fmt.Sprintf("exit:%d", *task.ExitCode))
		}
	}
	s += "\n\n" + paneStyle.Render(a.detailLogs.View()) + "\n"
	s += helpStyle.Render("[↑/↓] scroll  [esc] back")
	return s
}

func (a *App) formatState(state orchestrator.State) string {
	switch state {
	case orchestrator.StateRunning:
		return statusRunning.Render("● running")
	case orchestrator.StateCompleted:
		return statusComplete.Render("✓ completed")
	case orchestrator.StateFailed:
		return statusFailed.Render("✗ failed")
	case orchestrator.StateStopped:
		return statusStopped.Render("■ stopped")
	default:
		return dimStyle.Render("○ idle")
	}
}

func (a *App) formatTaskStatus(status models.TaskStatus) string {
	switch status {
	case models.TaskStatusRunning:
		return statusRunning.Render("● running  ")
	case models.TaskStatusCompleted:
		return statusComplete.Render("✓ completed")
	case models.TaskStatusFailed:
		return statusFailed.Render("✗ failed   ")
	case models.TaskStatusStopped:
		return statusStopped.Render("■ stopped  ")
	default:
		return dimStyle.Render("○ pending  ")
	}
}

func formatEntries(entries []models.LogEntry) string {
	if len(entries) == 0 {
		return dimStyle.Render("(no output)")
	}
	var b strings.Builder
	for i, e := range entries {
		if i > 0 {
			b.WriteByte('\n')
		}
		style, ok := categoryStyles[e.Category]
		if !ok {
			style = categoryStyles[models.CategoryInfo]
		}
		b.WriteString(dimStyle.Render(e.Timestamp.Format("15:04:05")) + " " + style.Render(e.Message))
	}
	return b.String()
}

// Messages

type eventMsg control.Event

type eventsClosedMsg struct{}

type devicesLoadedMsg struct {
	devices  []models.Device
	bridgeOK bool
}

type screenshotMsg struct {
	shot *models.Screenshot
}

type taskStartedMsg struct {
	task models.Task
	err  error
}

type historyLoadedMsg struct {
	tasks []*models.Task
	err   error
}

type taskDetailMsg struct {
	task    *models.Task
	entries []models.LogEntry
	err     error
}

// Commands

func (a *App) waitForEvent() tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-a.events
		if !ok {
			return eventsClosedMsg{}
		}
		return eventMsg(ev)
	}
}

func (a *App) loadDevices() tea.Msg {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return devicesLoadedMsg{
		devices:  a.ctl.ListDevices(ctx),
		bridgeOK: a.ctl.CheckBridgeAvailable(ctx),
	}
}

func (a *App) refreshScreenshot() tea.Msg {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return screenshotMsg{shot: a.ctl.RefreshScreenshot(ctx)}
}

func (a *App) startTask(text string) tea.Cmd {
	return func() tea.Msg {
		task, err := a.ctl.StartTask(text)
		return taskStartedMsg{task: task, err: err}
	}
}

func (a *App) runNext() tea.Msg {
	task, err := a.ctl.RunNext()
	if errors.Is(err, control.ErrQueueEmpty) {
		err = fmt.Errorf("nothing queued")
	}
	return taskStartedMsg{task: task, err: err}
}

func (a *App) loadHistory() tea.Msg {
	tasks, err := a.ctl.History(historyLimit)
	return historyLoadedMsg{tasks: tasks, err: err}
}

func (a *App) loadTaskDetail(id string) tea.Cmd {
	return func() tea.Msg {
		task, entries, err := a.ctl.TaskDetail(id)
		return taskDetailMsg{task: task, entries: entries, err: err}
	}
}

func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen-3]) + "..."
}

func formatAge(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "now"
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		days := int(d.Hours() / 24)
		return fmt.Sprintf("%dd", days)
	}
}

func formatBytes(n int) string {
	switch {
	case n < 1024:
		return fmt.Sprintf("%d B", n)
	case n < 1024*1024:
		return fmt.Sprintf("%.1f KB", float64(n)/1024)
	default:
		return fmt.Sprintf("%.1f MB", float64(n)/(1024*1024))
	}
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		m := int(d.Minutes())
		s := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm%ds", m, s)
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	return fmt.Sprintf("%dh%dm", h, m)
}
