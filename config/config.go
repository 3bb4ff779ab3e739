package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	coretypes "github.com/projecteru2/core/types"
)

// Config holds global Mancer configuration.
type Config struct {
	// Server is the base URL of the virtumancer backend.
	// Env: MANCER_SERVER. Default: http://localhost:8888.
	Server string `json:"server" mapstructure:"server"`
	// APIPath is the versioned REST prefix. Default: /api/v1.
	APIPath string `json:"api_path" mapstructure:"api_path"`
	// WSPath is the WebSocket endpoint. Default: /ws.
	WSPath string `json:"ws_path" mapstructure:"ws_path"`
	// InsecureSkipVerify disables TLS verification for https/wss servers.
	InsecureSkipVerify bool `json:"insecure_skip_verify" mapstructure:"insecure_skip_verify"`

	// ReadTimeoutSeconds bounds read-only fetches. Default: 6.
	ReadTimeoutSeconds int `json:"read_timeout_seconds" mapstructure:"read_timeout_seconds"`
	// WriteTimeoutSeconds bounds state-changing calls. Default: 30.
	WriteTimeoutSeconds int `json:"write_timeout_seconds" mapstructure:"write_timeout_seconds"`
	// RequestsPerSecond limits outgoing REST calls. Zero disables limiting.
	// Default: 20.
	RequestsPerSecond float64 `json:"requests_per_second" mapstructure:"requests_per_second"`
	// Burst is the limiter bucket size. Default: 10.
	Burst int `json:"burst" mapstructure:"burst"`
	// ReadRetries is how many times a retryable read is retried. Default: 3.
	ReadRetries int `json:"read_retries" mapstructure:"read_retries"`

	// ReconnectBaseMS is the first reconnect delay. Default: 1000.
	ReconnectBaseMS int `json:"reconnect_base_ms" mapstructure:"reconnect_base_ms"`
	// ReconnectMaxSeconds caps the reconnect delay. Default: 30.
	ReconnectMaxSeconds int `json:"reconnect_max_seconds" mapstructure:"reconnect_max_seconds"`
	// ReconnectAttempts bounds consecutive failed reconnects. Default: 5.
	ReconnectAttempts int `json:"reconnect_attempts" mapstructure:"reconnect_attempts"`
	// PingIntervalSeconds is the WebSocket keep-alive period. Default: 30.
	PingIntervalSeconds int `json:"ping_interval_seconds" mapstructure:"ping_interval_seconds"`

	// DiscoveredPollSeconds is the discovered-VM polling period. Default: 30.
	DiscoveredPollSeconds int `json:"discovered_poll_seconds" mapstructure:"discovered_poll_seconds"`
	// ConnectingDebounceMS delays the connecting indicator. Default: 300.
	ConnectingDebounceMS int `json:"connecting_debounce_ms" mapstructure:"connecting_debounce_ms"`
	// HealthProbeSeconds is the /health probe period. Default: 30.
	HealthProbeSeconds int `json:"health_probe_seconds" mapstructure:"health_probe_seconds"`
	// ErrorCapacity bounds the recent error list. Default: 50.
	ErrorCapacity int `json:"error_capacity" mapstructure:"error_capacity"`

	// Display holds local overrides of the backend metrics settings.
	Display DisplayConfig `json:"display" mapstructure:"display"`

	// Log configuration, uses eru core's ServerLogConfig.
	Log *coretypes.ServerLogConfig `json:"log" mapstructure:"log"`
}

// DisplayConfig overrides metrics settings locally. Zero values defer to
// the backend.
type DisplayConfig struct {
	CPUMode   string  `json:"cpu_mode" mapstructure:"cpu_mode"`
	CPUAlpha  float64 `json:"cpu_alpha" mapstructure:"cpu_alpha"`
	DiskAlpha float64 `json:"disk_alpha" mapstructure:"disk_alpha"`
	NetAlpha  float64 `json:"net_alpha" mapstructure:"net_alpha"`
}

// DefaultConfig returns a Config populated with defaults.
func DefaultConfig() *Config {
	return &Config{
		Server:                "http://localhost:8888",
		APIPath:               "/api/v1",
		WSPath:                "/ws",
		ReadTimeoutSeconds:    6,
		WriteTimeoutSeconds:   30,
		RequestsPerSecond:     20,
		Burst:                 10,
		ReadRetries:           3,
		ReconnectBaseMS:       1000,
		ReconnectMaxSeconds:   30,
		ReconnectAttempts:     5,
		PingIntervalSeconds:   30,
		DiscoveredPollSeconds: 30,
		ConnectingDebounceMS:  300,
		HealthProbeSeconds:    30,
		ErrorCapacity:         50,
		Log: &coretypes.ServerLogConfig{
			Level: "info",
		},
	}
}

// Validate checks that the server URL is usable.
func (c *Config) Validate() error {
	u, err := url.Parse(c.Server)
	if err != nil {
		return fmt.Errorf("parse server %q: %w", c.Server, err)
	}
	switch u.Scheme {
	case "http", "https":
	default:
		return fmt.Errorf("server %q: scheme must be http or https", c.Server)
	}
	if u.Host == "" {
		return fmt.Errorf("server %q: missing host", c.Server)
	}
	return nil
}

// APIBaseURL joins Server and APIPath.
func (c *Config) APIBaseURL() string {
	return strings.TrimRight(c.Server, "/") + "/" + strings.Trim(c.APIPath, "/")
}

// WSURL derives the WebSocket URL from Server, mapping http to ws and
// https to wss.
func (c *Config) WSURL() string {
	base := strings.TrimRight(c.Server, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/" + strings.TrimLeft(c.WSPath, "/")
}

func (c *Config) ReadTimeout() time.Duration {
	return seconds(c.ReadTimeoutSeconds, 6)
}

func (c *Config) WriteTimeout() time.Duration {
	return seconds(c.WriteTimeoutSeconds, 30)
}

func (c *Config) ReconnectBase() time.Duration {
	if c.ReconnectBaseMS <= 0 {
		return time.Second
	}
	return time.Duration(c.ReconnectBaseMS) * time.Millisecond
}

func (c *Config) ReconnectMax() time.Duration {
	return seconds(c.ReconnectMaxSeconds, 30)
}

func (c *Config) PingInterval() time.Duration {
	return seconds(c.PingIntervalSeconds, 30)
}

func (c *Config) DiscoveredPollInterval() time.Duration {
	return seconds(c.DiscoveredPollSeconds, 30)
}

func (c *Config) ConnectingDebounce() time.Duration {
	if c.ConnectingDebounceMS <= 0 {
		return 300 * time.Millisecond
	}
	return time.Duration(c.ConnectingDebounceMS) * time.Millisecond
}

func (c *Config) HealthProbeInterval() time.Duration {
	return seconds(c.HealthProbeSeconds, 30)
}

func seconds(v, def int) time.Duration {
	if v <= 0 {
		v = def
	}
	return time.Duration(v) * time.Second
}
