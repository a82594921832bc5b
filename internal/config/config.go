// Package config handles henmir-bridge configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/henmir/config.yaml, /etc/henmir/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "henmir", "config.yaml"))
	}

	paths = append(paths, "/etc/henmir/config.yaml")
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

// Config holds all henmir-bridge configuration.
type Config struct {
	Listen    ListenConfig   `yaml:"listen"`
	OpenAI    OpenAIConfig   `yaml:"openai"`
	CRM       CRMConfig      `yaml:"crm"`
	WhatsApp  WhatsAppConfig `yaml:"whatsapp"`
	Analyzer  AnalyzerConfig `yaml:"analyzer"`
	DataDir   string         `yaml:"data_dir"`
	LogLevel  string         `yaml:"log_level"`
	LogFormat string         `yaml:"log_format"` // "text" (default) or "json"
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// OpenAIConfig defines the primary chat-model provider settings.
// Model is the startup default; operators can change it at runtime
// through the chatbot settings endpoint.
type OpenAIConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"` // optional, for OpenAI-compatible providers
	Model   string `yaml:"model"`
}

// CRMConfig defines how the tool gateway reaches the CRM backend.
type CRMConfig struct {
	BaseURL    string `yaml:"base_url"`
	APIKey     string `yaml:"api_key"` // sent as X-API-Key on every tool call
	TimeoutSec int    `yaml:"timeout_sec"`
}

// Timeout returns the tool call timeout as a duration.
func (c CRMConfig) Timeout() time.Duration {
	if c.TimeoutSec <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.TimeoutSec) * time.Second
}

// WhatsAppConfig defines the WhatsApp transport settings.
type WhatsAppConfig struct {
	Enabled bool   `yaml:"enabled"`
	DBPath  string `yaml:"db_path"` // device session store (default: <data_dir>/whatsapp.db)
}

// AnalyzerConfig defines the inactivity analyzer settings.
type AnalyzerConfig struct {
	// QuiescenceSec is the idle window after which a conversation is
	// analyzed. Default: 120 seconds.
	QuiescenceSec int `yaml:"quiescence_sec"`
	// Model is the classification model. Defaults to the primary
	// OpenAI model when empty.
	Model string `yaml:"model"`
	// HistoryLimit caps how many recent messages are analyzed.
	// Default: 20.
	HistoryLimit int `yaml:"history_limit"`
}

// Quiescence returns the configured idle window as a duration.
func (c AnalyzerConfig) Quiescence() time.Duration {
	if c.QuiescenceSec <= 0 {
		return 120 * time.Second
	}
	return time.Duration(c.QuiescenceSec) * time.Second
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

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{Port: 3000},
		OpenAI: OpenAIConfig{Model: "gpt-4o-mini"},
		CRM:    CRMConfig{TimeoutSec: 30},
		Analyzer: AnalyzerConfig{
			QuiescenceSec: 120,
			HistoryLimit:  20,
		},
		DataDir: ".",
	}
}
