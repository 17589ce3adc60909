package config

import (
	"fmt"
	"net"
	"strings"
	"time"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation error [%s]: %s", e.Field, e.Message)
}

// ValidationResult holds the results of configuration validation.
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
}

// IsValid returns true if there are no validation errors.
func (r *ValidationResult) IsValid() bool {
	return len(r.Errors) == 0
}

// AddError adds a validation error.
func (r *ValidationResult) AddError(field, message string) {
	r.Errors = append(r.Errors, ValidationError{Field: field, Message: message})
}

// AddWarning adds a validation warning.
func (r *ValidationResult) AddWarning(field, message string) {
	r.Warnings = append(r.Warnings, ValidationError{Field: field, Message: message})
}

// Validate performs comprehensive validation of the configuration.
func Validate(cfg *Config) *ValidationResult {
	result := &ValidationResult{}

	validateServer(&cfg.Server, result)
	validatePlayer(&cfg.Player, result)
	validateApplicationData(&cfg.ApplicationData, result)

	return result
}

func validateServer(data *ServerConfig, result *ValidationResult) {
	if strings.TrimSpace(data.Address) == "" {
		result.AddError("server.address", "server address is required")
	}
	validatePort(data.Port, "server.port", result)

	if data.ConnectTimeoutSec < 1 {
		result.AddError("server.connect_timeout_sec", "connect timeout must be at least 1 second")
	}
	if data.RequestTimeoutSec < 1 {
		result.AddError("server.request_timeout_sec", "request timeout must be at least 1 second")
	}
	if data.WriteTimeoutSec < 1 {
		result.AddError("server.write_timeout_sec", "write timeout must be at least 1 second")
	}

	if data.MaxFrameSizeKB < 1 {
		result.AddError("server.max_frame_size_kb", "max frame size must be at least 1 KB")
	}
	if data.MaxFrameSizeKB > 256*1024 {
		result.AddWarning("server.max_frame_size_kb",
			fmt.Sprintf("max frame size of %d KB lets a peer force large allocations", data.MaxFrameSizeKB))
	}
}

func validatePlayer(data *PlayerConfig, result *ValidationResult) {
	name := strings.TrimSpace(data.Name)
	if name == "" {
		result.AddError("player.name", "player name is required")
	} else if len(name) > 32 {
		result.AddWarning("player.name", "player names longer than 32 characters may be rejected")
	}
}

func validateApplicationData(data *ApplicationData, result *ValidationResult) {
	// Keepalive
	if data.Keepalive.Enabled {
		if data.Keepalive.IntervalSec < 1 {
			result.AddError("application_data.keepalive.interval_sec", "keepalive interval must be at least 1 second")
		} else if data.Keepalive.IntervalSec < 5 {
			result.AddWarning("application_data.keepalive.interval_sec",
				"keepalive interval less than 5s may cause excessive traffic")
		}
		if data.Keepalive.TimeoutSec < 1 {
			result.AddError("application_data.keepalive.timeout_sec", "keepalive timeout must be at least 1 second")
		}
		if data.Keepalive.MaxFailures < 1 {
			result.AddError("application_data.keepalive.max_failures", "max failures must be at least 1")
		}
	}

	// Chat log
	if data.ChatLog.Enabled {
		if strings.TrimSpace(data.ChatLog.Path) == "" {
			result.AddError("application_data.chat_log.path", "chat log path is required when enabled")
		}
		if data.ChatLog.RetentionDays < 1 {
			result.AddError("application_data.chat_log.retention_days",
				"retention days must be at least 1")
		}
		if _, err := time.Parse("15:04", data.ChatLog.CleanupTime); err != nil {
			result.AddError("application_data.chat_log.cleanup_time",
				fmt.Sprintf("invalid cleanup time %q (expected HH:MM)", data.ChatLog.CleanupTime))
		}
	}

	// MQTT
	if data.MQTT.Enabled {
		if strings.TrimSpace(data.MQTT.BrokerURL) == "" {
			result.AddError("application_data.mqtt.broker_url", "MQTT broker URL is required when enabled")
		}
		if data.MQTT.Port < 1 || data.MQTT.Port > 65535 {
			result.AddError("application_data.mqtt.port", "invalid MQTT port")
		}
		if strings.TrimSpace(data.MQTT.TopicPrefix) == "" {
			result.AddWarning("application_data.mqtt.topic_prefix", "empty topic prefix, publishing at the broker root")
		}
	}

	// API bridge
	if data.API.Enabled {
		validatePort(data.API.Port, "application_data.api.port", result)
		if ip := net.ParseIP(data.API.BindAddress); ip == nil {
			result.AddError("application_data.api.bind_address",
				fmt.Sprintf("invalid bind address: %q", data.API.BindAddress))
		} else if !ip.IsLoopback() {
			result.AddWarning("application_data.api.bind_address",
				"API bridge is reachable from other hosts and has no authentication")
		}
		if data.API.TLSEnabled {
			if strings.TrimSpace(data.API.TLSCertFile) == "" {
				result.AddError("application_data.api.tls_cert_file",
					"TLS certificate file is required when TLS is enabled")
			}
			if strings.TrimSpace(data.API.TLSKeyFile) == "" {
				result.AddError("application_data.api.tls_key_file",
					"TLS key file is required when TLS is enabled")
			}
		}
		if data.API.RateLimitRPS < 1 {
			result.AddWarning("application_data.api.rate_limit_rps",
				"rate limit is disabled (0 RPS), this may expose the API to abuse")
		}
	}
}

func validatePort(port int, field string, result *ValidationResult) {
	if port < 1 || port > 65535 {
		result.AddError(field, fmt.Sprintf("invalid port number: %d (must be 1-65535)", port))
		return
	}
	if port < 1024 {
		result.AddWarning(field,
			fmt.Sprintf("port %d is a privileged port, may require elevated permissions", port))
	}
}

// IsPortAvailable checks if a port is available for binding.
func IsPortAvailable(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}
