package config

import "time"

// Config represents the complete profiled configuration.
type Config struct {
	Service ServiceConfig `yaml:"service"`
	State   StateConfig   `yaml:"state"`
	Data    DataConfig    `yaml:"data"`
	Fetch   FetchConfig   `yaml:"fetch,omitempty"`
	API     APIConfig     `yaml:"api,omitempty"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name              string        `yaml:"name"`
	LogLevel          string        `yaml:"log_level"`
	LogFormat         string        `yaml:"log_format"`
	TickInterval      time.Duration `yaml:"tick_interval"`
	WorkerIdleTimeout time.Duration `yaml:"worker_idle_timeout"`
}

// StateConfig defines metadata storage settings.
type StateConfig struct {
	Path string `yaml:"path"`
}

// DataConfig defines where materialized profile content lives.
type DataConfig struct {
	Dir string `yaml:"dir"`
}

// FetchConfig defines source download settings.
type FetchConfig struct {
	Timeout   time.Duration `yaml:"timeout"`
	MaxBytes  int64         `yaml:"max_bytes"`
	UserAgent string        `yaml:"user_agent"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled bool          `yaml:"enabled"`
	Listen  string        `yaml:"listen"`
	Auth    APIAuthConfig `yaml:"auth"`
}

// APIAuthConfig defines API authentication settings.
type APIAuthConfig struct {
	// APIKey is a single bearer token with admin/full access.
	// Prefer Tokens for scoped access.
	APIKey string     `yaml:"api_key"`
	Tokens []APIToken `yaml:"tokens,omitempty"`
}

// APIToken defines a bearer token and its scopes.
type APIToken struct {
	Token  string   `yaml:"token"`
	Scopes []string `yaml:"scopes"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:              "profiled",
			LogLevel:          "info",
			LogFormat:         "json",
			TickInterval:      60 * time.Second,
			WorkerIdleTimeout: 30 * time.Second,
		},
		State: StateConfig{
			Path: "./data/profiled.db",
		},
		Data: DataConfig{
			Dir: "./data/profiles",
		},
		Fetch: FetchConfig{
			Timeout:   60 * time.Second,
			MaxBytes:  32 << 20, // 32 MiB
			UserAgent: "profiled",
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8080",
		},
	}
}
