package config

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Player.Name = "longboi"
	return cfg
}

func TestLoadCreatesDefault(t *testing.T) {
	dir := t.TempDir()

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, DefaultServerPort, cfg.GetServer().Port)
	assert.FileExists(t, filepath.Join(dir, DefaultConfigFile))
	assert.True(t, cfg.IsFirstRun())
}

func TestLoadOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, DefaultConfigFile)
	partial := `{"server": {"address": "chat.example.net"}, "player": {"name": "longboi"}}`
	require.NoError(t, os.WriteFile(path, []byte(partial), 0600))

	cfg, err := Load(dir)
	require.NoError(t, err)

	server := cfg.GetServer()
	assert.Equal(t, "chat.example.net", server.Address)
	assert.Equal(t, DefaultServerPort, server.Port, "missing keys keep their defaults")
	assert.Equal(t, "chat.example.net:42505", server.Addr())
	assert.Equal(t, 30*time.Second, server.RequestTimeout())
	assert.Equal(t, 16<<20, server.MaxFrameSize())
	assert.False(t, cfg.IsFirstRun())

	// The re-saved file now lists every option.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &m))
	assert.Contains(t, m, "application_data")
}

func TestLoadRejectsInvalidJSON(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, DefaultConfigFile), []byte("{"), 0600))

	_, err := Load(dir)
	assert.Error(t, err)
}

func TestUpdateFields(t *testing.T) {
	cfg := validConfig()

	require.NoError(t, cfg.UpdateServerField("port", 4000))
	assert.Equal(t, 4000, cfg.GetServer().Port)

	require.NoError(t, cfg.UpdatePlayerField("name", "phoenix"))
	assert.Equal(t, "phoenix", cfg.GetPlayer().Name)

	assert.Error(t, cfg.UpdatePlayerField("nope", 1))
	assert.Error(t, cfg.UpdateServerField("port", "not a number"))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		field   string
		warning bool
	}{
		{name: "missing player name", mutate: func(c *Config) { c.Player.Name = " " }, field: "player.name"},
		{name: "missing address", mutate: func(c *Config) { c.Server.Address = "" }, field: "server.address"},
		{name: "bad port", mutate: func(c *Config) { c.Server.Port = 70000 }, field: "server.port"},
		{name: "privileged port", mutate: func(c *Config) { c.Server.Port = 80 }, field: "server.port", warning: true},
		{name: "zero request timeout", mutate: func(c *Config) { c.Server.RequestTimeoutSec = 0 }, field: "server.request_timeout_sec"},
		{name: "bad cleanup time", mutate: func(c *Config) { c.ApplicationData.ChatLog.CleanupTime = "25:99" }, field: "application_data.chat_log.cleanup_time"},
		{name: "mqtt without broker", mutate: func(c *Config) { c.ApplicationData.MQTT.Enabled = true }, field: "application_data.mqtt.broker_url"},
		{name: "api on all interfaces", mutate: func(c *Config) {
			c.ApplicationData.API.Enabled = true
			c.ApplicationData.API.BindAddress = "0.0.0.0"
		}, field: "application_data.api.bind_address", warning: true},
		{name: "keepalive without failures", mutate: func(c *Config) { c.ApplicationData.Keepalive.MaxFailures = 0 }, field: "application_data.keepalive.max_failures"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			result := Validate(cfg)

			list := result.Errors
			if tt.warning {
				list = result.Warnings
				assert.True(t, result.IsValid())
			} else {
				assert.False(t, result.IsValid())
			}

			var fields []string
			for _, e := range list {
				fields = append(fields, e.Field)
			}
			assert.Contains(t, fields, tt.field)
		})
	}
}

func TestDefaultConfigIsValidOnceNamed(t *testing.T) {
	result := Validate(validConfig())
	assert.True(t, result.IsValid(), "%v", result.Errors)
}

func TestSetupWizard(t *testing.T) {
	cfg := DefaultConfig()
	cfg.path = filepath.Join(t.TempDir(), DefaultConfigFile)

	input := strings.Join([]string{
		"longboi",    // name
		"",           // password
		"chat.local", // address
		"",           // port
		"yes",        // auto connect
		"",           // chat log
		"",           // api
		"",           // mqtt
	}, "\n") + "\n"

	var out bytes.Buffer
	require.NoError(t, runSetupWizard(cfg, bufio.NewReader(strings.NewReader(input)), &out))

	assert.Equal(t, "longboi", cfg.Player.Name)
	assert.Equal(t, "chat.local", cfg.Server.Address)
	assert.Equal(t, DefaultServerPort, cfg.Server.Port)
	assert.True(t, cfg.Server.AutoConnect)
	assert.FileExists(t, cfg.Path())
}

func TestSetupWizardGivesUpOnInvalidInput(t *testing.T) {
	cfg := DefaultConfig()
	cfg.path = filepath.Join(t.TempDir(), DefaultConfigFile)

	var out bytes.Buffer
	err := runSetupWizard(cfg, bufio.NewReader(strings.NewReader("")), &out)
	assert.Error(t, err)
	assert.Contains(t, out.String(), "player.name")
}
