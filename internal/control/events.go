package control

import (
	"bytes"
	"encoding/json"

	"github.com/mpataki/phonepilot/internal/config"
	"github.com/mpataki/phonepilot/internal/models"
)

type EventKind string

const (
	EventOutput         EventKind = "output"
	EventComplete       EventKind = "complete"
	EventScreenshot     EventKind = "screenshot"
	EventConfigChanged  EventKind = "config_changed"
	EventAppDataChanged EventKind = "appdata_changed"
	EventQueueChanged   EventKind = "queue_changed"
)

// Event is a notification from the channel. Only the fields for Kind are
// set.
type Event struct {
	Kind EventKind

	// output, complete
	TaskID string
	Entry  models.LogEntry

	// complete; ExitCode is -1 when the engine could not be started or its
	// exit was never observed
	Task     models.Task
	ExitCode int

	Screenshot *models.Screenshot
	Config     models.TaskConfig
	AppData    models.AppData
}

const subscriberBuffer = 256

// Subscribe returns a stream of events and a function that ends the
// subscription. A subscriber that falls behind misses events rather than
// blocking the engine. The stream is closed by cancel or by Close.
func (c *Channel) Subscribe() (<-chan Event, func()) {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	ch := make(chan Event, subscriberBuffer)
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch

	cancel := func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		if sub, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

func (c *Channel) publish(ev Event) {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	for _, ch := range c.subs {
		select {
		case ch <- ev:
		default:
			c.log.Debug("subscriber is behind, dropping event", "kind", ev.Kind)
		}
	}
}

// Documents

func (c *Channel) GetConfig() models.TaskConfig {
	return c.gateway.LoadConfig()
}

func (c *Channel) SaveConfig(cfg models.TaskConfig) error {
	if err := c.gateway.SaveConfig(cfg); err != nil {
		return err
	}
	c.mu.Lock()
	c.config = cfg
	c.mu.Unlock()
	c.publish(Event{Kind: EventConfigChanged, Config: cfg})
	return nil
}

func (c *Channel) GetAppData() models.AppData {
	return c.gateway.LoadAppData()
}

func (c *Channel) SaveAppData(data models.AppData) error {
	if err := c.gateway.SaveAppData(data); err != nil {
		return err
	}
	data = c.gateway.LoadAppData()
	c.mu.Lock()
	c.appData = data
	c.mu.Unlock()
	c.publish(Event{Kind: EventAppDataChanged, AppData: data})
	return nil
}

func (c *Channel) enabledRules() []models.ExecutionRule {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.appData.EnabledRules()
}

// handleDocumentEvent reloads a document edited on disk. Writes made by this
// process are recognised by content and not reported twice.
func (c *Channel) handleDocumentEvent(ev config.DocumentEvent) {
	if ev.Error != nil {
		c.log.Warn("document watcher error", "error", ev.Error)
		return
	}

	switch ev.Document {
	case config.DocumentConfig:
		cfg := c.gateway.LoadConfig()
		c.mu.Lock()
		changed := cfg != c.config
		c.config = cfg
		c.mu.Unlock()
		if changed {
			c.log.Info("config changed on disk", "path", ev.Path)
			c.publish(Event{Kind: EventConfigChanged, Config: cfg})
		}

	case config.DocumentAppData:
		data := c.gateway.LoadAppData()
		c.mu.Lock()
		changed := !sameDocument(data, c.appData)
		c.appData = data
		c.mu.Unlock()
		if changed {
			c.log.Info("appdata changed on disk", "path", ev.Path)
			c.publish(Event{Kind: EventAppDataChanged, AppData: data})
		}
	}
}

func sameDocument(a, b any) bool {
	x, errA := json.Marshal(a)
	y, errB := json.Marshal(b)
	return errA == nil && errB == nil && bytes.Equal(x, y)
}
