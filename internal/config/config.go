// Package config handles Gamemaster configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/gamemaster/config.yaml, /etc/gamemaster/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "gamemaster", "config.yaml"))
	}

	paths = append(paths, "/etc/gamemaster/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Gamemaster configuration.
type Config struct {
	Listen       ListenConfig       `yaml:"listen"`
	Grok         GrokConfig         `yaml:"grok"`
	Campaign     CampaignConfig     `yaml:"campaign"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	MQTT         MQTTConfig         `yaml:"mqtt"`
	DataDir      string             `yaml:"data_dir"`
	LogLevel     string             `yaml:"log_level"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// GrokConfig defines xAI Grok API settings.
type GrokConfig struct {
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`    // Default: grok-3
	BaseURL string `yaml:"base_url"` // Override for testing; default is the public API
}

// CampaignConfig defines the character/campaign store settings.
type CampaignConfig struct {
	// Name is interpolated into the system prompt.
	Name string `yaml:"name"`
	// DBPath is the sqlite database file. Defaults to <data_dir>/campaign.db.
	DBPath string `yaml:"db_path"`
}

// OrchestratorConfig tunes the per-turn completion loop.
type OrchestratorConfig struct {
	// MaxRounds is the number of completion rounds per user turn.
	// The tool catalog is offered only while round < max_rounds, so the
	// final round always produces plain narrative. Default: 2.
	MaxRounds int `yaml:"max_rounds"`
	// ToolTimeoutSec bounds a single tool execution. Default: 30.
	ToolTimeoutSec int `yaml:"tool_timeout_sec"`
}

// MQTTConfig defines the optional telemetry bridge to an MQTT broker.
type MQTTConfig struct {
	Enabled   bool   `yaml:"enabled"`
	BrokerURL string `yaml:"broker_url"` // e.g. mqtt://broker.local:1883
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	// TopicPrefix is prepended to event topics (default: gamemaster).
	TopicPrefix string `yaml:"topic_prefix"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	if cfg.Campaign.DBPath == "" {
		cfg.Campaign.DBPath = filepath.Join(cfg.DataDir, "campaign.db")
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{Port: 8080},
		Grok: GrokConfig{
			Model: "grok-3",
		},
		Campaign: CampaignConfig{
			Name: "Untitled Campaign",
		},
		Orchestrator: OrchestratorConfig{
			MaxRounds:      2,
			ToolTimeoutSec: 30,
		},
		MQTT: MQTTConfig{
			TopicPrefix: "gamemaster",
		},
		DataDir: ".",
	}
}
