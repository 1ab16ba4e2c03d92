// Package config loads and validates wssocksd's YAML configuration, with
// environment variable overrides and a hot-reload-safe subset of fields.
package config

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for wssocksd.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Socks      SocksConfig      `yaml:"socks"`
	Tokens     TokensConfig     `yaml:"tokens"`
	Security   SecurityConfig   `yaml:"security"`
	Logging    LoggingConfig    `yaml:"logging"`
	Health     HealthConfig     `yaml:"health"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Admin      AdminConfig      `yaml:"admin"`
}

// ServerConfig controls the WebSocket control-plane listener.
type ServerConfig struct {
	WSHost       string        `yaml:"ws_host"`
	WSPort       int           `yaml:"ws_port"`
	DrainTimeout time.Duration `yaml:"drain_timeout"`
}

// SocksConfig controls the pool of SOCKS5 listeners handed out to reverse
// tokens, plus the server's own outbound dialing for forward mode.
type SocksConfig struct {
	Host           string        `yaml:"host"`
	PortRangeStart int           `yaml:"port_range_start"`
	PortRangeEnd   int           `yaml:"port_range_end"`
	WaitClient     bool          `yaml:"wait_client"`
	SocketGrace    time.Duration `yaml:"socket_grace"`
	DialTimeout    time.Duration `yaml:"dial_timeout"`
}

// StaticToken declares a reverse or forward token to register at startup,
// before any admin API call.
type StaticToken struct {
	Token    string `yaml:"token"`
	Kind     string `yaml:"kind"` // "reverse" or "forward"
	Port     int    `yaml:"port,omitempty"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
}

// TokensConfig lists tokens pre-registered at startup.
type TokensConfig struct {
	Pending []StaticToken `yaml:"pending"`
}

// SecurityConfig contains security-related settings.
type SecurityConfig struct {
	RateLimit           RateLimitConfig `yaml:"rate_limit"`
	MaxConnections      int             `yaml:"max_connections"`
	MaxConnectionsPerIP int             `yaml:"max_connections_per_ip"`
}

// RateLimitConfig contains rate limiting settings.
type RateLimitConfig struct {
	Enabled              bool `yaml:"enabled"`
	ConnectionsPerMinute int  `yaml:"connections_per_minute"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// HealthConfig contains health check endpoint settings.
type HealthConfig struct {
	Enabled       bool   `yaml:"enabled"`
	ListenAddress string `yaml:"listen_address"`
}

// MonitoringConfig contains metrics settings.
type MonitoringConfig struct {
	MetricsEnabled  bool   `yaml:"metrics_enabled"`
	MetricsEndpoint string `yaml:"metrics_endpoint"`
}

// AdminConfig controls the admin REST API, served on the health listener.
type AdminConfig struct {
	Enabled   bool   `yaml:"enabled"`
	AuthToken string `yaml:"auth_token"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			WSHost:       "0.0.0.0",
			WSPort:       8765,
			DrainTimeout: 30 * time.Second,
		},
		Socks: SocksConfig{
			Host:           "127.0.0.1",
			PortRangeStart: 9000,
			PortRangeEnd:   9100,
			WaitClient:     true,
			SocketGrace:    30 * time.Second,
			DialTimeout:    10 * time.Second,
		},
		Security: SecurityConfig{
			MaxConnections:      1000,
			MaxConnectionsPerIP: 50,
			RateLimit: RateLimitConfig{
				Enabled:              true,
				ConnectionsPerMinute: 120,
			},
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
			Compress:   true,
		},
		Health: HealthConfig{
			Enabled:       true,
			ListenAddress: "127.0.0.1:8766",
		},
		Monitoring: MonitoringConfig{
			MetricsEnabled:  true,
			MetricsEndpoint: "/metrics",
		},
		Admin: AdminConfig{
			Enabled: true,
		},
	}
}

// Load reads a config file and applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("config file not found at %s (run 'wssocksd setup' to create one)", path)
			}
			if os.IsPermission(err) {
				return nil, fmt.Errorf("permission denied reading %s", path)
			}
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w (check YAML indentation)", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.WSHost == "" {
		return fmt.Errorf("server.ws_host is required")
	}
	if c.Server.WSPort <= 0 || c.Server.WSPort > 65535 {
		return fmt.Errorf("server.ws_port must be between 1 and 65535")
	}
	if c.Server.DrainTimeout <= 0 {
		return fmt.Errorf("server.drain_timeout must be positive")
	}

	if c.Socks.Host == "" {
		return fmt.Errorf("socks.host is required")
	}
	if c.Socks.PortRangeStart <= 0 || c.Socks.PortRangeEnd <= 0 {
		return fmt.Errorf("socks.port_range_start/end must be positive")
	}
	if c.Socks.PortRangeStart > c.Socks.PortRangeEnd {
		return fmt.Errorf("socks.port_range_start must not exceed socks.port_range_end")
	}
	if c.Socks.SocketGrace < 0 {
		return fmt.Errorf("socks.socket_grace must not be negative")
	}
	if c.Socks.DialTimeout <= 0 {
		return fmt.Errorf("socks.dial_timeout must be positive")
	}

	for i, t := range c.Tokens.Pending {
		switch t.Kind {
		case "reverse", "forward":
		default:
			return fmt.Errorf("tokens.pending[%d].kind must be \"reverse\" or \"forward\"", i)
		}
	}

	if c.Security.MaxConnections <= 0 {
		return fmt.Errorf("security.max_connections must be positive")
	}
	if c.Security.MaxConnectionsPerIP <= 0 {
		return fmt.Errorf("security.max_connections_per_ip must be positive")
	}
	if c.Security.MaxConnectionsPerIP > c.Security.MaxConnections {
		return fmt.Errorf("security.max_connections_per_ip must not exceed security.max_connections")
	}
	if c.Security.RateLimit.Enabled && c.Security.RateLimit.ConnectionsPerMinute <= 0 {
		return fmt.Errorf("security.rate_limit.connections_per_minute must be positive")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	if c.Health.Enabled {
		if c.Health.ListenAddress == "" {
			return fmt.Errorf("health.listen_address is required when health is enabled")
		}
		if _, _, err := net.SplitHostPort(c.Health.ListenAddress); err != nil {
			return fmt.Errorf("health.listen_address is invalid: %w", err)
		}
	}

	return nil
}

// applyEnvOverrides applies WSSOCKSD_ prefixed environment variables.
func applyEnvOverrides(cfg *Config) {
	envMap := map[string]func(string){
		"WSSOCKSD_SERVER_WS_HOST":                  func(v string) { cfg.Server.WSHost = v },
		"WSSOCKSD_SERVER_WS_PORT":                  func(v string) { cfg.Server.WSPort = parseInt(v, cfg.Server.WSPort) },
		"WSSOCKSD_SOCKS_HOST":                       func(v string) { cfg.Socks.Host = v },
		"WSSOCKSD_SOCKS_PORT_RANGE_START":           func(v string) { cfg.Socks.PortRangeStart = parseInt(v, cfg.Socks.PortRangeStart) },
		"WSSOCKSD_SOCKS_PORT_RANGE_END":             func(v string) { cfg.Socks.PortRangeEnd = parseInt(v, cfg.Socks.PortRangeEnd) },
		"WSSOCKSD_SOCKS_WAIT_CLIENT":                func(v string) { cfg.Socks.WaitClient = parseBool(v, cfg.Socks.WaitClient) },
		"WSSOCKSD_SECURITY_MAX_CONNECTIONS":         func(v string) { cfg.Security.MaxConnections = parseInt(v, cfg.Security.MaxConnections) },
		"WSSOCKSD_SECURITY_MAX_CONNECTIONS_PER_IP":  func(v string) { cfg.Security.MaxConnectionsPerIP = parseInt(v, cfg.Security.MaxConnectionsPerIP) },
		"WSSOCKSD_SECURITY_RATE_LIMIT_ENABLED":      func(v string) { cfg.Security.RateLimit.Enabled = parseBool(v, cfg.Security.RateLimit.Enabled) },
		"WSSOCKSD_LOGGING_LEVEL":                    func(v string) { cfg.Logging.Level = v },
		"WSSOCKSD_LOGGING_FORMAT":                   func(v string) { cfg.Logging.Format = v },
		"WSSOCKSD_LOGGING_FILE":                     func(v string) { cfg.Logging.File = v },
		"WSSOCKSD_HEALTH_ENABLED":                   func(v string) { cfg.Health.Enabled = parseBool(v, cfg.Health.Enabled) },
		"WSSOCKSD_HEALTH_LISTEN_ADDRESS":             func(v string) { cfg.Health.ListenAddress = v },
		"WSSOCKSD_ADMIN_AUTH_TOKEN":                 func(v string) { cfg.Admin.AuthToken = v },
	}

	for env, setter := range envMap {
		if v := os.Getenv(env); v != "" {
			setter(v)
		}
	}
}

// ApplyReloadableFields returns a copy of c with reloadable fields from
// newCfg applied. Listener addresses and the SOCKS port range are not
// reloadable — they require a restart to take effect safely.
func (c *Config) ApplyReloadableFields(newCfg *Config) *Config {
	updated := *c
	updated.Security.RateLimit = newCfg.Security.RateLimit
	updated.Security.MaxConnections = newCfg.Security.MaxConnections
	updated.Security.MaxConnectionsPerIP = newCfg.Security.MaxConnectionsPerIP
	updated.Logging.Level = newCfg.Logging.Level
	updated.Socks.WaitClient = newCfg.Socks.WaitClient
	updated.Admin.AuthToken = newCfg.Admin.AuthToken
	return &updated
}

// IsReloadSafe reports which top-level fields changed that require a
// restart rather than a hot SIGHUP reload.
func IsReloadSafe(old, new *Config) []string {
	var warnings []string
	if old.Server.WSHost != new.Server.WSHost || old.Server.WSPort != new.Server.WSPort {
		warnings = append(warnings, "server.ws_host/ws_port requires restart")
	}
	if old.Socks.Host != new.Socks.Host {
		warnings = append(warnings, "socks.host requires restart")
	}
	if old.Socks.PortRangeStart != new.Socks.PortRangeStart || old.Socks.PortRangeEnd != new.Socks.PortRangeEnd {
		warnings = append(warnings, "socks.port_range_start/end requires restart")
	}
	if old.Health.ListenAddress != new.Health.ListenAddress {
		warnings = append(warnings, "health.listen_address requires restart")
	}
	return warnings
}

func parseInt(s string, fallback int) int {
	var v int
	if _, err := fmt.Sscanf(s, "%d", &v); err != nil {
		return fallback
	}
	return v
}

func parseBool(s string, fallback bool) bool {
	switch strings.ToLower(s) {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	default:
		return fallback
	}
}
