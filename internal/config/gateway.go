package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/mpataki/phonepilot/internal/logging"
	"github.com/mpataki/phonepilot/internal/models"
)

// Gateway loads and saves the two JSON documents the operator edits: the
// engine configuration and the memory/rule lists. Reads never fail: a
// missing or malformed file yields the default document.
type Gateway struct {
	configPath  string
	appDataPath string
	log         *slog.Logger
	mu          sync.Mutex
}

func NewGateway(configPath, appDataPath string, log *slog.Logger) *Gateway {
	return &Gateway{
		configPath:  configPath,
		appDataPath: appDataPath,
		log:         logging.Component(log, "gateway"),
	}
}

func (g *Gateway) LoadConfig() models.TaskConfig {
	g.mu.Lock()
	defer g.mu.Unlock()

	cfg := models.DefaultTaskConfig()
	if !g.readJSON(g.configPath, &cfg) {
		return models.DefaultTaskConfig()
	}
	return cfg
}

func (g *Gateway) SaveConfig(cfg models.TaskConfig) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return writeJSON(g.configPath, cfg)
}

func (g *Gateway) LoadAppData() models.AppData {
	g.mu.Lock()
	defer g.mu.Unlock()

	var data models.AppData
	if !g.readJSON(g.appDataPath, &data) {
		return models.DefaultAppData()
	}
	if data.Memories == nil {
		data.Memories = []models.MemoryEntry{}
	}
	if data.BannedOperations == nil {
		data.BannedOperations = []models.BannedOperation{}
	}
	if data.ExecutionRules == nil {
		data.ExecutionRules = []models.ExecutionRule{}
	}
	return data
}

func (g *Gateway) SaveAppData(data models.AppData) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return writeJSON(g.appDataPath, data)
}

// readJSON decodes path into v. It reports false when the file is missing
// or cannot be parsed.
func (g *Gateway) readJSON(path string, v any) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			g.log.Warn("failed to read document, using defaults", "path", path, "error", err)
		}
		return false
	}
	if err := json.Unmarshal(data, v); err != nil {
		g.log.Warn("malformed document, using defaults", "path", path, "error", err)
		return false
	}
	return true
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", filepath.Base(path), err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace %s: %w", filepath.Base(path), err)
	}
	return nil
}
