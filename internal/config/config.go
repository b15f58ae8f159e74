package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	DataDir      string
	DBPath       string
	SettingsPath string
	ConfigPath   string
	AppDataPath  string
	LogPath      string

	Settings Settings
}

// Settings are the runtime knobs read from settings.yaml. Zero values are
// replaced by defaults after loading.
type Settings struct {
	BridgePath   string        `yaml:"bridge_path"`
	Engine       EngineConfig  `yaml:"engine"`
	PollInterval time.Duration `yaml:"poll_interval"`
	StopGrace    time.Duration `yaml:"stop_grace"`
	HooksPath    string        `yaml:"hooks_path"`
	AutoAdvance  bool          `yaml:"auto_advance"`
	Log          LogConfig     `yaml:"log"`
}

type EngineConfig struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	Dir     string   `yaml:"dir"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func New() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}

	return Load(getEnv("PHONEPILOT_DATA_DIR", filepath.Join(homeDir, ".phonepilot")))
}

// Load builds the configuration rooted at dataDir, reading its optional
// settings.yaml.
func Load(dataDir string) (*Config, error) {
	c := &Config{
		DataDir:      dataDir,
		DBPath:       filepath.Join(dataDir, "phonepilot.db"),
		SettingsPath: filepath.Join(dataDir, "settings.yaml"),
		ConfigPath:   filepath.Join(dataDir, "config.json"),
		AppDataPath:  filepath.Join(dataDir, "appdata.json"),
		LogPath:      filepath.Join(dataDir, "phonepilot.log"),
	}

	if err := c.loadSettings(); err != nil {
		return nil, err
	}
	if level, ok := os.LookupEnv("PHONEPILOT_LOG_LEVEL"); ok {
		c.Settings.Log.Level = level
	}

	return c, nil
}

func (c *Config) EnsureDataDir() error {
	return os.MkdirAll(c.DataDir, 0755)
}

// loadSettings reads settings.yaml if present. A missing file is not an
// error; a malformed one is.
func (c *Config) loadSettings() error {
	data, err := os.ReadFile(c.SettingsPath)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to read settings: %w", err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, &c.Settings); err != nil {
			return fmt.Errorf("failed to parse settings YAML: %w", err)
		}
	}

	c.Settings.applyDefaults(c.DataDir)
	return nil
}

func (s *Settings) applyDefaults(dataDir string) {
	if s.BridgePath == "" {
		s.BridgePath = "adb"
	}
	if s.Engine.Command == "" {
		s.Engine.Command = "python"
		if len(s.Engine.Args) == 0 {
			s.Engine.Args = []string{"main.py"}
		}
	}
	if s.PollInterval <= 0 {
		s.PollInterval = 3 * time.Second
	}
	if s.StopGrace <= 0 {
		s.StopGrace = 5 * time.Second
	}
	if s.HooksPath == "" {
		s.HooksPath = filepath.Join(dataDir, "hooks.lua")
	}
	if s.Log.Level == "" {
		s.Log.Level = "info"
	}
	if s.Log.Format == "" {
		s.Log.Format = "text"
	}
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}
