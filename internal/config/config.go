package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all runtime settings. Precedence is file > environment >
// defaults.
type Config struct {
	Database  *DatabaseConfig  `json:"database"`
	HTTP      *HTTPConfig      `json:"http"`
	WebSocket *WebSocketConfig `json:"websocket"`
	Relay     *RelayConfig     `json:"relay"`
	Log       *LogConfig       `json:"log"`
}

type DatabaseConfig struct {
	Path          string        `json:"path" env:"KEYRELAY_DATABASE_PATH"`
	Timeout       time.Duration `json:"-" env:"KEYRELAY_DATABASE_TIMEOUT"`
	RoomTTL       time.Duration `json:"-" env:"KEYRELAY_ROOM_TTL"`
	SweepInterval time.Duration `json:"-" env:"KEYRELAY_SWEEP_INTERVAL"`
}

type HTTPConfig struct {
	Host         string        `json:"host" env:"KEYRELAY_HTTP_HOST"`
	Port         int           `json:"port" env:"KEYRELAY_HTTP_PORT"`
	ReadTimeout  time.Duration `json:"-" env:"KEYRELAY_HTTP_READ_TIMEOUT"`
	WriteTimeout time.Duration `json:"-" env:"KEYRELAY_HTTP_WRITE_TIMEOUT"`
}

type WebSocketConfig struct {
	PingInterval time.Duration `json:"-" env:"KEYRELAY_WEBSOCKET_PING_INTERVAL"`
	ReadTimeout  time.Duration `json:"-" env:"KEYRELAY_WEBSOCKET_READ_TIMEOUT"`
	WriteTimeout time.Duration `json:"-" env:"KEYRELAY_WEBSOCKET_WRITE_TIMEOUT"`
	SendBuffer   int           `json:"send_buffer" env:"KEYRELAY_WEBSOCKET_SEND_BUFFER"`
}

// RelayConfig carries the per-frame and per-origin policy knobs.
type RelayConfig struct {
	MessageLimit       int           `json:"message_limit" env:"KEYRELAY_MESSAGE_LIMIT"`
	MessageWindow      time.Duration `json:"-" env:"KEYRELAY_MESSAGE_WINDOW"`
	SizeLimit          int           `json:"size_limit" env:"KEYRELAY_SIZE_LIMIT"`
	ConnLimitPerOrigin int           `json:"conn_limit_per_origin" env:"KEYRELAY_CONN_LIMIT_PER_ORIGIN"`
	CleanupInterval    time.Duration `json:"-" env:"KEYRELAY_LIMITER_CLEANUP_INTERVAL"`
}

type LogConfig struct {
	Level string `json:"level" env:"KEYRELAY_LOG_LEVEL"`
}

// DefaultConfig returns production defaults: sqlite next to the binary,
// 24h room expiry, and the relay limits from the protocol.
func DefaultConfig() *Config {
	return &Config{
		Database: &DatabaseConfig{
			Path:          "./keyrelay.db",
			Timeout:       30 * time.Second,
			RoomTTL:       24 * time.Hour,
			SweepInterval: 10 * time.Minute,
		},
		HTTP: &HTTPConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		WebSocket: &WebSocketConfig{
			PingInterval: 30 * time.Second,
			ReadTimeout:  60 * time.Second,
			WriteTimeout: 10 * time.Second,
			SendBuffer:   100,
		},
		Relay: &RelayConfig{
			MessageLimit:       10,
			MessageWindow:      60 * time.Second,
			SizeLimit:          4096,
			ConnLimitPerOrigin: 5,
			CleanupInterval:    5 * time.Minute,
		},
		Log: &LogConfig{
			Level: "info",
		},
	}
}

// Validate rejects configurations that would fail at runtime.
func (c *Config) Validate() error {
	if c.Database == nil || c.Database.Path == "" {
		return fmt.Errorf("database path cannot be empty")
	}
	if c.Database.Timeout <= 0 {
		return fmt.Errorf("database timeout must be positive")
	}
	if c.Database.RoomTTL <= 0 {
		return fmt.Errorf("room TTL must be positive")
	}
	if c.Database.SweepInterval <= 0 {
		return fmt.Errorf("sweep interval must be positive")
	}

	if c.HTTP == nil {
		return fmt.Errorf("HTTP configuration is required")
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("HTTP port must be between 1 and 65535")
	}
	if c.HTTP.Host == "" {
		return fmt.Errorf("HTTP host cannot be empty")
	}
	if c.HTTP.ReadTimeout <= 0 || c.HTTP.WriteTimeout <= 0 {
		return fmt.Errorf("HTTP timeouts must be positive")
	}

	if c.WebSocket == nil {
		return fmt.Errorf("WebSocket configuration is required")
	}
	if c.WebSocket.PingInterval <= 0 || c.WebSocket.ReadTimeout <= 0 || c.WebSocket.WriteTimeout <= 0 {
		return fmt.Errorf("WebSocket timeouts must be positive")
	}
	if c.WebSocket.ReadTimeout <= c.WebSocket.PingInterval {
		return fmt.Errorf("WebSocket read timeout must exceed the ping interval")
	}
	if c.WebSocket.SendBuffer <= 0 {
		return fmt.Errorf("WebSocket send buffer must be positive")
	}

	if c.Relay == nil {
		return fmt.Errorf("relay configuration is required")
	}
	if c.Relay.MessageLimit <= 0 {
		return fmt.Errorf("message limit must be positive")
	}
	if c.Relay.MessageWindow <= 0 {
		return fmt.Errorf("message window must be positive")
	}
	if c.Relay.SizeLimit <= 0 {
		return fmt.Errorf("size limit must be positive")
	}
	if c.Relay.ConnLimitPerOrigin <= 0 {
		return fmt.Errorf("connection limit per origin must be positive")
	}
	if c.Relay.CleanupInterval <= 0 {
		return fmt.Errorf("limiter cleanup interval must be positive")
	}

	if c.Log == nil || c.Log.Level == "" {
		return fmt.Errorf("log level cannot be empty")
	}

	return nil
}

// LoadFromEnv overlays KEYRELAY_* environment variables on the defaults.
func LoadFromEnv() (*Config, error) {
	cfg := DefaultConfig()
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	return cfg, nil
}

// configFile mirrors Config with string-typed durations for JSON parsing.
type configFile struct {
	Database *struct {
		Path          string `json:"path"`
		Timeout       string `json:"timeout"`
		RoomTTL       string `json:"room_ttl"`
		SweepInterval string `json:"sweep_interval"`
	} `json:"database"`
	HTTP *struct {
		Host         string `json:"host"`
		Port         int    `json:"port"`
		ReadTimeout  string `json:"read_timeout"`
		WriteTimeout string `json:"write_timeout"`
	} `json:"http"`
	WebSocket *struct {
		PingInterval string `json:"ping_interval"`
		ReadTimeout  string `json:"read_timeout"`
		WriteTimeout string `json:"write_timeout"`
		SendBuffer   int    `json:"send_buffer"`
	} `json:"websocket"`
	Relay *struct {
		MessageLimit       int    `json:"message_limit"`
		MessageWindow      string `json:"message_window"`
		SizeLimit          int    `json:"size_limit"`
		ConnLimitPerOrigin int    `json:"conn_limit_per_origin"`
		CleanupInterval    string `json:"cleanup_interval"`
	} `json:"relay"`
	Log *struct {
		Level string `json:"level"`
	} `json:"log"`
}

func setDuration(dst *time.Duration, s string) {
	if s == "" {
		return
	}
	if d, err := time.ParseDuration(s); err == nil {
		*dst = d
	}
}

// LoadFromFile reads a JSON config, layering it on the defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var file configFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	cfg := DefaultConfig()

	if file.Database != nil {
		if file.Database.Path != "" {
			cfg.Database.Path = file.Database.Path
		}
		setDuration(&cfg.Database.Timeout, file.Database.Timeout)
		setDuration(&cfg.Database.RoomTTL, file.Database.RoomTTL)
		setDuration(&cfg.Database.SweepInterval, file.Database.SweepInterval)
	}

	if file.HTTP != nil {
		if file.HTTP.Host != "" {
			cfg.HTTP.Host = file.HTTP.Host
		}
		if file.HTTP.Port > 0 {
			cfg.HTTP.Port = file.HTTP.Port
		}
		setDuration(&cfg.HTTP.ReadTimeout, file.HTTP.ReadTimeout)
		setDuration(&cfg.HTTP.WriteTimeout, file.HTTP.WriteTimeout)
	}

	if file.WebSocket != nil {
		if file.WebSocket.SendBuffer > 0 {
			cfg.WebSocket.SendBuffer = file.WebSocket.SendBuffer
		}
		setDuration(&cfg.WebSocket.PingInterval, file.WebSocket.PingInterval)
		setDuration(&cfg.WebSocket.ReadTimeout, file.WebSocket.ReadTimeout)
		setDuration(&cfg.WebSocket.WriteTimeout, file.WebSocket.WriteTimeout)
	}

	if file.Relay != nil {
		if file.Relay.MessageLimit > 0 {
			cfg.Relay.MessageLimit = file.Relay.MessageLimit
		}
		if file.Relay.SizeLimit > 0 {
			cfg.Relay.SizeLimit = file.Relay.SizeLimit
		}
		if file.Relay.ConnLimitPerOrigin > 0 {
			cfg.Relay.ConnLimitPerOrigin = file.Relay.ConnLimitPerOrigin
		}
		setDuration(&cfg.Relay.MessageWindow, file.Relay.MessageWindow)
		setDuration(&cfg.Relay.CleanupInterval, file.Relay.CleanupInterval)
	}

	if file.Log != nil && file.Log.Level != "" {
		cfg.Log.Level = file.Log.Level
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}

	return cfg, nil
}

// LoadConfigWithPrecedence resolves the effective configuration. A file, if
// given and readable, wins over the environment; the environment wins over
// the defaults. File errors are ignored so a broken file never takes the
// service down.
func LoadConfigWithPrecedence(path string) *Config {
	cfg := DefaultConfig()

	if envCfg, err := LoadFromEnv(); err == nil {
		cfg = envCfg
	}

	if path != "" {
		if fileCfg, err := LoadFromFile(path); err == nil {
			cfg = fileCfg
		}
	}

	return cfg
}
