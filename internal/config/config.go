package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds system-wide settings, separated from business logic.
type Config struct {
	Store       *StoreConfig       `json:"store"`
	HTTP        *HTTPConfig        `json:"http"`
	WebSocket   *WebSocketConfig   `json:"websocket"`
	Auth        *AuthConfig        `json:"auth"`
	Coordinator *CoordinatorConfig `json:"coordinator"`
}

// StoreConfig configures the SQLite-backed durable store.
type StoreConfig struct {
	Path    string        `json:"path"`
	Timeout time.Duration `json:"timeout"`
}

type HTTPConfig struct {
	Port         int           `json:"port"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	Host         string        `json:"host"`
}

type WebSocketConfig struct {
	PingInterval time.Duration `json:"ping_interval"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	BufferSize   int           `json:"buffer_size"`
}

// AuthConfig configures handshake token verification.
type AuthConfig struct {
	SigningKey string `json:"signing_key"`
	Issuer     string `json:"issuer"`
}

// CoordinatorConfig sizes the serialized execution pool and the
// per-connection rate limit.
type CoordinatorConfig struct {
	Shards          int `json:"shards"`
	QueueSize       int `json:"queue_size"`
	RateLimitPerMin int `json:"rate_limit_per_min"`
}

// DefaultConfig returns production defaults: store on the local filesystem,
// HTTP on the standard port, WebSocket with a 30s heartbeat.
func DefaultConfig() *Config {
	return &Config{
		Store: &StoreConfig{
			Path:    "./data/rollcall.db",
			Timeout: 30 * time.Second,
		},
		HTTP: &HTTPConfig{
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			Host:         "0.0.0.0",
		},
		WebSocket: &WebSocketConfig{
			PingInterval: 30 * time.Second,
			ReadTimeout:  60 * time.Second,
			WriteTimeout: 10 * time.Second,
			BufferSize:   100,
		},
		Auth: &AuthConfig{
			SigningKey: "",
			Issuer:     "rollcall",
		},
		Coordinator: &CoordinatorConfig{
			Shards:          8,
			QueueSize:       256,
			RateLimitPerMin: 240,
		},
	}
}

// Validate catches invalid configurations before the application starts.
func (c *Config) Validate() error {
	if c.Store == nil {
		return fmt.Errorf("store configuration is required")
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store path cannot be empty")
	}
	if c.Store.Timeout <= 0 {
		return fmt.Errorf("store timeout must be positive")
	}

	if c.HTTP == nil {
		return fmt.Errorf("HTTP configuration is required")
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("HTTP port must be between 1 and 65535")
	}
	if c.HTTP.ReadTimeout <= 0 {
		return fmt.Errorf("HTTP read timeout must be positive")
	}
	if c.HTTP.WriteTimeout <= 0 {
		return fmt.Errorf("HTTP write timeout must be positive")
	}
	if c.HTTP.Host == "" {
		return fmt.Errorf("HTTP host cannot be empty")
	}

	if c.WebSocket == nil {
		return fmt.Errorf("WebSocket configuration is required")
	}
	if c.WebSocket.PingInterval <= 0 {
		return fmt.Errorf("WebSocket ping interval must be positive")
	}
	if c.WebSocket.ReadTimeout <= 0 {
		return fmt.Errorf("WebSocket read timeout must be positive")
	}
	if c.WebSocket.WriteTimeout <= 0 {
		return fmt.Errorf("WebSocket write timeout must be positive")
	}
	if c.WebSocket.BufferSize <= 0 {
		return fmt.Errorf("WebSocket buffer size must be positive")
	}

	if c.Auth == nil {
		return fmt.Errorf("auth configuration is required")
	}
	if c.Auth.SigningKey == "" {
		return fmt.Errorf("auth signing key cannot be empty")
	}

	if c.Coordinator == nil {
		return fmt.Errorf("coordinator configuration is required")
	}
	if c.Coordinator.Shards <= 0 {
		return fmt.Errorf("coordinator shard count must be positive")
	}
	if c.Coordinator.QueueSize <= 0 {
		return fmt.Errorf("coordinator queue size must be positive")
	}
	if c.Coordinator.RateLimitPerMin <= 0 {
		return fmt.Errorf("rate limit must be positive")
	}

	return nil
}

// LoadFromEnv builds a config from defaults with ROLLCALL_* environment
// variable overrides. Unparseable values fall back to the default.
func LoadFromEnv() *Config {
	config := DefaultConfig()

	if path := os.Getenv("ROLLCALL_STORE_PATH"); path != "" {
		config.Store.Path = path
	}
	if timeout := os.Getenv("ROLLCALL_STORE_TIMEOUT"); timeout != "" {
		if d, err := time.ParseDuration(timeout); err == nil {
			config.Store.Timeout = d
		}
	}

	if port := os.Getenv("ROLLCALL_HTTP_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.HTTP.Port = p
		}
	}
	if host := os.Getenv("ROLLCALL_HTTP_HOST"); host != "" {
		config.HTTP.Host = host
	}
	if timeout := os.Getenv("ROLLCALL_HTTP_READ_TIMEOUT"); timeout != "" {
		if d, err := time.ParseDuration(timeout); err == nil {
			config.HTTP.ReadTimeout = d
		}
	}
	if timeout := os.Getenv("ROLLCALL_HTTP_WRITE_TIMEOUT"); timeout != "" {
		if d, err := time.ParseDuration(timeout); err == nil {
			config.HTTP.WriteTimeout = d
		}
	}

	if interval := os.Getenv("ROLLCALL_WEBSOCKET_PING_INTERVAL"); interval != "" {
		if d, err := time.ParseDuration(interval); err == nil {
			config.WebSocket.PingInterval = d
		}
	}
	if timeout := os.Getenv("ROLLCALL_WEBSOCKET_READ_TIMEOUT"); timeout != "" {
		if d, err := time.ParseDuration(timeout); err == nil {
			config.WebSocket.ReadTimeout = d
		}
	}
	if timeout := os.Getenv("ROLLCALL_WEBSOCKET_WRITE_TIMEOUT"); timeout != "" {
		if d, err := time.ParseDuration(timeout); err == nil {
			config.WebSocket.WriteTimeout = d
		}
	}
	if size := os.Getenv("ROLLCALL_WEBSOCKET_BUFFER_SIZE"); size != "" {
		if n, err := strconv.Atoi(size); err == nil {
			config.WebSocket.BufferSize = n
		}
	}

	if key := os.Getenv("ROLLCALL_AUTH_SIGNING_KEY"); key != "" {
		config.Auth.SigningKey = key
	}
	if issuer := os.Getenv("ROLLCALL_AUTH_ISSUER"); issuer != "" {
		config.Auth.Issuer = issuer
	}

	if shards := os.Getenv("ROLLCALL_COORDINATOR_SHARDS"); shards != "" {
		if n, err := strconv.Atoi(shards); err == nil {
			config.Coordinator.Shards = n
		}
	}
	if size := os.Getenv("ROLLCALL_COORDINATOR_QUEUE_SIZE"); size != "" {
		if n, err := strconv.Atoi(size); err == nil {
			config.Coordinator.QueueSize = n
		}
	}
	if limit := os.Getenv("ROLLCALL_RATE_LIMIT_PER_MIN"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil {
			config.Coordinator.RateLimitPerMin = n
		}
	}

	return config
}

// ConfigFile is the JSON shape for file-based configuration. Durations are
// strings ("30s") so the files stay readable.
type ConfigFile struct {
	Store       *StoreConfigFile       `json:"store"`
	HTTP        *HTTPConfigFile        `json:"http"`
	WebSocket   *WebSocketConfigFile   `json:"websocket"`
	Auth        *AuthConfig            `json:"auth"`
	Coordinator *CoordinatorConfigFile `json:"coordinator"`
}

type StoreConfigFile struct {
	Path    string `json:"path"`
	Timeout string `json:"timeout"`
}

type HTTPConfigFile struct {
	Port         int    `json:"port"`
	ReadTimeout  string `json:"read_timeout"`
	WriteTimeout string `json:"write_timeout"`
	Host         string `json:"host"`
}

type WebSocketConfigFile struct {
	PingInterval string `json:"ping_interval"`
	ReadTimeout  string `json:"read_timeout"`
	WriteTimeout string `json:"write_timeout"`
	BufferSize   int    `json:"buffer_size"`
}

type CoordinatorConfigFile struct {
	Shards          int `json:"shards"`
	QueueSize       int `json:"queue_size"`
	RateLimitPerMin int `json:"rate_limit_per_min"`
}

// LoadFromFile parses a JSON config file over the defaults and validates the
// result.
func LoadFromFile(filepath string) (*Config, error) {
	data, err := os.ReadFile(filepath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", filepath, err)
	}

	var configFile ConfigFile
	if err := json.Unmarshal(data, &configFile); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", filepath, err)
	}

	config := DefaultConfig()

	if configFile.Store != nil {
		if configFile.Store.Path != "" {
			config.Store.Path = configFile.Store.Path
		}
		if configFile.Store.Timeout != "" {
			if d, err := time.ParseDuration(configFile.Store.Timeout); err == nil {
				config.Store.Timeout = d
			}
		}
	}

	if configFile.HTTP != nil {
		if configFile.HTTP.Port > 0 {
			config.HTTP.Port = configFile.HTTP.Port
		}
		if configFile.HTTP.Host != "" {
			config.HTTP.Host = configFile.HTTP.Host
		}
		if configFile.HTTP.ReadTimeout != "" {
			if d, err := time.ParseDuration(configFile.HTTP.ReadTimeout); err == nil {
				config.HTTP.ReadTimeout = d
			}
		}
		if configFile.HTTP.WriteTimeout != "" {
			if d, err := time.ParseDuration(configFile.HTTP.WriteTimeout); err == nil {
				config.HTTP.WriteTimeout = d
			}
		}
	}

	if configFile.WebSocket != nil {
		if configFile.WebSocket.BufferSize > 0 {
			config.WebSocket.BufferSize = configFile.WebSocket.BufferSize
		}
		if configFile.WebSocket.PingInterval != "" {
			if d, err := time.ParseDuration(configFile.WebSocket.PingInterval); err == nil {
				config.WebSocket.PingInterval = d
			}
		}
		if configFile.WebSocket.ReadTimeout != "" {
			if d, err := time.ParseDuration(configFile.WebSocket.ReadTimeout); err == nil {
				config.WebSocket.ReadTimeout = d
			}
		}
		if configFile.WebSocket.WriteTimeout != "" {
			if d, err := time.ParseDuration(configFile.WebSocket.WriteTimeout); err == nil {
				config.WebSocket.WriteTimeout = d
			}
		}
	}

	if configFile.Auth != nil {
		if configFile.Auth.SigningKey != "" {
			config.Auth.SigningKey = configFile.Auth.SigningKey
		}
		if configFile.Auth.Issuer != "" {
			config.Auth.Issuer = configFile.Auth.Issuer
		}
	}

	if configFile.Coordinator != nil {
		if configFile.Coordinator.Shards > 0 {
			config.Coordinator.Shards = configFile.Coordinator.Shards
		}
		if configFile.Coordinator.QueueSize > 0 {
			config.Coordinator.QueueSize = configFile.Coordinator.QueueSize
		}
		if configFile.Coordinator.RateLimitPerMin > 0 {
			config.Coordinator.RateLimitPerMin = configFile.Coordinator.RateLimitPerMin
		}
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", filepath, err)
	}

	return config, nil
}

// Load resolves configuration with precedence file > environment > defaults.
// A missing or broken file falls back to the environment.
func Load(filepath string) *Config {
	config := LoadFromEnv()

	if filepath != "" {
		if fileConfig, err := LoadFromFile(filepath); err == nil {
			config = fileConfig
		}
	}

	return config
}
