// Package config defines the proxy configuration, its defaults and
// validation, and loading from YAML with environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Version is the released proxy version, used in Via and Server tokens.
const Version = "1.0"

// Config is the single configuration struct for the proxy.
type Config struct {
	// Host is the bind interface.
	Host string `yaml:"host"`

	// Port is the listen port; 0 picks an ephemeral port.
	Port int `yaml:"port"`

	// Chunk is the upstream read buffer size in bytes.
	Chunk int `yaml:"chunk"`

	// Timeout bounds each upstream request.
	Timeout time.Duration `yaml:"timeout"`

	// MaxClients caps concurrent workers (engine-dependent).
	MaxClients int `yaml:"max_clients"`

	// MaxConnections stops the proxy after serving this many
	// connections; 0 means serve forever.
	MaxConnections int `yaml:"max_connections"`

	// MaxKeepAliveRequests bounds requests served per TCP connection.
	MaxKeepAliveRequests int `yaml:"max_keep_alive_requests"`

	// Via is the token appended to Via headers. Unset keeps the built-in
	// "<hostname> (Sieve/<version>)"; an explicit empty string disables
	// Via entirely.
	Via *string `yaml:"via"`

	// XForwardedFor appends the client host to X-Forwarded-For. Unset
	// means enabled.
	XForwardedFor *bool `yaml:"x_forwarded_for"`

	// Engine selects the concurrency strategy: single, spawn, pool.
	// "threaded" is accepted as an alias of spawn.
	Engine string `yaml:"engine"`

	// Logmask is a |-separated category list, e.g. "STATUS|CONNECT".
	Logmask string `yaml:"logmask"`

	// Logfile is the log sink path; empty means stderr.
	Logfile string `yaml:"logfile"`

	// Upstream is the outbound chain target:
	// direct:// | http://host:port | https://host:port | socks5://host:port.
	Upstream string `yaml:"upstream"`

	// DebugListen exposes /debug/pprof and /metrics; empty disables.
	DebugListen string `yaml:"debug_listen"`

	// KeepAlive is the TCP keepalive policy: on|off|keepidle:keepintvl:keepcnt.
	KeepAlive string `yaml:"keepalive"`

	// Pool engine tuning.
	StartServers        int           `yaml:"start_servers"`
	MinSpareServers     int           `yaml:"min_spare_servers"`
	MaxSpareServers     int           `yaml:"max_spare_servers"`
	MaxRequestsPerChild int           `yaml:"max_requests_per_child"`
	VerifyDelay         time.Duration `yaml:"verify_delay"`
}

// Default returns a Config with every default applied.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills zero-valued fields with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.Chunk == 0 {
		cfg.Chunk = 4096
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.MaxClients == 0 {
		cfg.MaxClients = 10
	}
	if cfg.MaxKeepAliveRequests == 0 {
		cfg.MaxKeepAliveRequests = 10
	}
	if cfg.Engine == "" {
		cfg.Engine = "spawn"
	}
	if cfg.Logmask == "" {
		cfg.Logmask = "NONE"
	}
	if cfg.Upstream == "" {
		cfg.Upstream = "direct://"
	}
	if cfg.KeepAlive == "" {
		cfg.KeepAlive = "45:45:3"
	}
	if cfg.StartServers == 0 {
		cfg.StartServers = 4
	}
	if cfg.MinSpareServers == 0 {
		cfg.MinSpareServers = 1
	}
	if cfg.MaxSpareServers == 0 {
		cfg.MaxSpareServers = 6
	}
	if cfg.MaxRequestsPerChild == 0 {
		cfg.MaxRequestsPerChild = 250
	}
	if cfg.VerifyDelay == 0 {
		cfg.VerifyDelay = 60 * time.Second
	}
}

// Validate rejects configurations the proxy cannot serve with.
func Validate(cfg *Config) error {
	if cfg.Port < 0 || cfg.Port > 65535 {
		return fmt.Errorf("port %d out of range", cfg.Port)
	}
	if cfg.Chunk <= 0 {
		return fmt.Errorf("chunk must be positive, got %d", cfg.Chunk)
	}
	if cfg.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative, got %s", cfg.Timeout)
	}
	if cfg.MaxClients <= 0 {
		return fmt.Errorf("max_clients must be positive, got %d", cfg.MaxClients)
	}
	if cfg.MaxConnections < 0 {
		return fmt.Errorf("max_connections must not be negative, got %d", cfg.MaxConnections)
	}
	if cfg.MaxKeepAliveRequests <= 0 {
		return fmt.Errorf("max_keep_alive_requests must be positive, got %d", cfg.MaxKeepAliveRequests)
	}
	switch cfg.Engine {
	case "single", "spawn", "threaded", "pool":
	default:
		return fmt.Errorf("unknown engine %q", cfg.Engine)
	}
	if cfg.MinSpareServers > cfg.MaxSpareServers {
		return fmt.Errorf("min_spare_servers %d exceeds max_spare_servers %d",
			cfg.MinSpareServers, cfg.MaxSpareServers)
	}
	if cfg.StartServers > cfg.MaxClients {
		return fmt.Errorf("start_servers %d exceeds max_clients %d",
			cfg.StartServers, cfg.MaxClients)
	}
	return nil
}

// Load reads a YAML config file, applies defaults and env overrides, and
// validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %q: %w", path, err)
	}

	ApplyDefaults(&cfg)
	applyEnvOverrides(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config %q: %w", path, err)
	}
	return &cfg, nil
}

// applyEnvOverrides applies SIEVE_* environment variables over the loaded
// configuration.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SIEVE_HOST"); v != "" {
		cfg.Host = v
	}
	if v := os.Getenv("SIEVE_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Port = n
		}
	}
	if v := os.Getenv("SIEVE_ENGINE"); v != "" {
		cfg.Engine = v
	}
	if v := os.Getenv("SIEVE_LOGMASK"); v != "" {
		cfg.Logmask = v
	}
	if v := os.Getenv("SIEVE_UPSTREAM"); v != "" {
		cfg.Upstream = v
	}
	if v := os.Getenv("SIEVE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Timeout = d
		}
	}
}

// ListenAddr returns the host:port bind address.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// XFF reports whether X-Forwarded-For is appended; it defaults to true.
func (c *Config) XFF() bool {
	return c.XForwardedFor == nil || *c.XForwardedFor
}

// ViaToken resolves the configured Via value: unset expands to the
// built-in "<hostname> (Sieve/<version>)" token, anything else is used
// verbatim, and the empty string disables Via.
func (c *Config) ViaToken() string {
	if c.Via != nil {
		return *c.Via
	}
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s (Sieve/%s)", host, Version)
}
