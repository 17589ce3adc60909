// Package config handles configuration loading, validation, and persistence
// for the chatroom client.
package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	DefaultConfigDir  = "config"
	DefaultConfigFile = "config.json"
	DefaultServerPort = 42505
	DefaultAPIPort    = 5050
)

// Config is the root configuration structure for the chatroom client.
type Config struct {
	mu   sync.RWMutex
	path string

	Server          ServerConfig    `json:"server"`
	Player          PlayerConfig    `json:"player"`
	ApplicationData ApplicationData `json:"application_data"`
}

// ServerConfig describes the chatroom server to connect to.
type ServerConfig struct {
	Address           string `json:"address"`
	Port              int    `json:"port"`
	AutoConnect       bool   `json:"auto_connect"`
	ConnectTimeoutSec int    `json:"connect_timeout_sec"`
	RequestTimeoutSec int    `json:"request_timeout_sec"`
	WriteTimeoutSec   int    `json:"write_timeout_sec"`
	MaxFrameSizeKB    int    `json:"max_frame_size_kb"`
}

// Addr returns the dialable "host:port" address.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Address, strconv.Itoa(s.Port))
}

// ConnectTimeout returns the dial timeout.
func (s ServerConfig) ConnectTimeout() time.Duration {
	return time.Duration(s.ConnectTimeoutSec) * time.Second
}

// RequestTimeout returns the default deadline of a request.
func (s ServerConfig) RequestTimeout() time.Duration {
	return time.Duration(s.RequestTimeoutSec) * time.Second
}

// WriteTimeout returns the deadline of a single frame write.
func (s ServerConfig) WriteTimeout() time.Duration {
	return time.Duration(s.WriteTimeoutSec) * time.Second
}

// MaxFrameSize returns the largest accepted frame body in bytes.
func (s ServerConfig) MaxFrameSize() int {
	return s.MaxFrameSizeKB * 1024
}

// PlayerConfig holds the identity presented when joining a server.
type PlayerConfig struct {
	Name     string `json:"name"`
	Password string `json:"password"`
	// PlayerID overrides the machine-derived identifier.
	PlayerID string `json:"player_id"`
	Master   bool   `json:"master"`
	AutoRoom int    `json:"auto_join_room"`
}

// ApplicationData contains client application configuration.
type ApplicationData struct {
	Keepalive KeepaliveConfig `json:"keepalive"`
	ChatLog   ChatLogConfig   `json:"chat_log"`
	MQTT      MQTTConfig      `json:"mqtt"`
	API       APIConfig       `json:"api"`
	Logging   LoggingConfig   `json:"logging"`
}

// KeepaliveConfig holds the connection health check settings.
type KeepaliveConfig struct {
	Enabled     bool `json:"enabled"`
	IntervalSec int  `json:"interval_sec"`
	TimeoutSec  int  `json:"timeout_sec"`
	MaxFailures int  `json:"max_failures"`
}

// ChatLogConfig holds chat history persistence settings.
type ChatLogConfig struct {
	Enabled       bool   `json:"enabled"`
	Path          string `json:"path"`
	RetentionDays int    `json:"retention_days"`
	CleanupTime   string `json:"cleanup_time"`
}

// MQTTConfig holds MQTT relay settings.
type MQTTConfig struct {
	Enabled     bool   `json:"enabled"`
	BrokerURL   string `json:"broker_url"`
	Port        int    `json:"port"`
	UseTLS      bool   `json:"use_tls"`
	CertFile    string `json:"cert_file"`
	KeyFile     string `json:"key_file"`
	CAFile      string `json:"ca_file"`
	ClientID    string `json:"client_id"`
	TopicPrefix string `json:"topic_prefix"`
}

// APIConfig holds the local HTTP bridge settings.
type APIConfig struct {
	Enabled        bool     `json:"enabled"`
	BindAddress    string   `json:"bind_address"`
	Port           int      `json:"port"`
	TLSEnabled     bool     `json:"tls_enabled"`
	TLSCertFile    string   `json:"tls_cert_file"`
	TLSKeyFile     string   `json:"tls_key_file"`
	AllowedOrigins []string `json:"allowed_origins"`
	RateLimitRPS   int      `json:"rate_limit_rps"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `json:"level"`
	Directory  string `json:"directory"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address:           "127.0.0.1",
			Port:              DefaultServerPort,
			ConnectTimeoutSec: 10,
			RequestTimeoutSec: 30,
			WriteTimeoutSec:   10,
			MaxFrameSizeKB:    16 * 1024,
		},
		Player: PlayerConfig{
			AutoRoom: -1,
		},
		ApplicationData: ApplicationData{
			Keepalive: KeepaliveConfig{
				Enabled:     true,
				IntervalSec: 30,
				TimeoutSec:  10,
				MaxFailures: 3,
			},
			ChatLog: ChatLogConfig{
				Enabled:       true,
				Path:          filepath.Join("data", "chatlog.db"),
				RetentionDays: 30,
				CleanupTime:   "04:00",
			},
			MQTT: MQTTConfig{
				Enabled:     false,
				Port:        1883,
				TopicPrefix: "chatroom",
			},
			API: APIConfig{
				Enabled:      false,
				BindAddress:  "127.0.0.1",
				Port:         DefaultAPIPort,
				RateLimitRPS: 50,
			},
			Logging: LoggingConfig{
				Level:      "info",
				Directory:  "logs",
				MaxSizeMB:  10,
				MaxBackups: 5,
			},
		},
	}
}

// Load reads configuration from a JSON file.
func Load(configDir string) (*Config, error) {
	configPath := filepath.Join(configDir, DefaultConfigFile)

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", configPath).Msg("config file not found, creating default")
			cfg := DefaultConfig()
			cfg.path = configPath
			if saveErr := cfg.Save(); saveErr != nil {
				return nil, fmt.Errorf("failed to save default config: %w", saveErr)
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig() // Start with defaults, then overlay
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	cfg.path = configPath
	log.Info().Str("path", configPath).Msg("configuration loaded")

	// Re-save so config.json always lists every option.
	if saveErr := cfg.Save(); saveErr != nil {
		log.Warn().Err(saveErr).Msg("failed to re-save config with updated defaults")
	}

	return cfg, nil
}

// Save writes the current configuration to disk.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// The file holds the player password.
	if err := os.WriteFile(c.path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	log.Debug().Str("path", c.path).Msg("configuration saved")
	return nil
}

// GetServer returns a copy of the server configuration.
func (c *Config) GetServer() ServerConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Server
}

// SetServer updates the server configuration.
func (c *Config) SetServer(data ServerConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Server = data
}

// GetPlayer returns a copy of the player configuration.
func (c *Config) GetPlayer() PlayerConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Player
}

// SetPlayer updates the player configuration.
func (c *Config) SetPlayer(data PlayerConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Player = data
}

// GetApplicationData returns a copy of the application data configuration.
func (c *Config) GetApplicationData() ApplicationData {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ApplicationData
}

// SetApplicationData updates the application data configuration.
func (c *Config) SetApplicationData(data ApplicationData) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ApplicationData = data
}

// UpdateServerField updates a specific field in the server section by its
// JSON key.
func (c *Config) UpdateServerField(key string, value interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return updateField(&c.Server, key, value)
}

// UpdatePlayerField updates a specific field in the player section by its
// JSON key.
func (c *Config) UpdatePlayerField(key string, value interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return updateField(&c.Player, key, value)
}

func updateField(section interface{}, key string, value interface{}) error {
	data, err := json.Marshal(section)
	if err != nil {
		return fmt.Errorf("failed to update field %s: %w", key, err)
	}
	m := make(map[string]interface{})
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("failed to update field %s: %w", key, err)
	}
	if _, ok := m[key]; !ok {
		return fmt.Errorf("failed to update field %s: unknown key", key)
	}

	m[key] = value

	updated, _ := json.Marshal(m)
	if err := json.Unmarshal(updated, section); err != nil {
		return fmt.Errorf("failed to update field %s: %w", key, err)
	}
	return nil
}

// Path returns the config file path.
func (c *Config) Path() string {
	return c.path
}

// IsFirstRun returns true if the configuration needs initial setup.
func (c *Config) IsFirstRun() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Player.Name == "" || c.Server.Address == ""
}
