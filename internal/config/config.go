// Package config loads the relay's runtime settings from built-in defaults,
// an optional YAML file, and environment variables, in that order.
package config

import (
	"fmt"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds every runtime setting of the relay.
type Config struct {
	HTTP      HTTPConfig      `koanf:"http"`
	WebSocket WebSocketConfig `koanf:"websocket"`
	Log       LogConfig       `koanf:"log"`
	Metrics   MetricsConfig   `koanf:"metrics"`
	Debug     DebugConfig     `koanf:"debug"`
}

// HTTPConfig controls the listener.
type HTTPConfig struct {
	Host            string        `koanf:"host"`
	Port            uint16        `koanf:"port"`
	AllowedOrigins  []string      `koanf:"allowed_origins"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	IdleTimeout     time.Duration `koanf:"idle_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// Addr returns the host:port the server listens on.
func (c HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// WebSocketConfig controls each relay connection.
type WebSocketConfig struct {
	MaxMessageSize int64         `koanf:"max_message_size"`
	SendBuffer     int           `koanf:"send_buffer"`
	PongWait       time.Duration `koanf:"pong_wait"`
	PingPeriod     time.Duration `koanf:"ping_period"`
	WriteWait      time.Duration `koanf:"write_wait"`
}

// LogConfig selects the zap level and encoding.
type LogConfig struct {
	Level    string `koanf:"level"`
	Encoding string `koanf:"encoding"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `koanf:"enabled"`
	Path    string `koanf:"path"`
}

// DebugConfig toggles developer helpers.
type DebugConfig struct {
	TestPage bool `koanf:"test_page"`
}

const (
	defaultMaxMessageSize = 64 * 1024
	defaultSendBuffer     = 256
	defaultPongWait       = 60 * time.Second
	defaultWriteWait      = 10 * time.Second
)

// Load reads the YAML file at path (skipped when path is empty), applies
// defaults for missing keys and environment overrides, and validates the
// result.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	applyDefaults(k)
	applyEnvOverrides(k)

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.sanitize()
	return &cfg, nil
}

func applyDefaults(k *koanf.Koanf) {
	setDefault(k, "http.host", "0.0.0.0")
	setDefault(k, "http.port", 8080)
	setDefault(k, "http.allowed_origins", []string{"*"})
	setDefault(k, "http.read_timeout", 15*time.Second)
	setDefault(k, "http.write_timeout", 15*time.Second)
	setDefault(k, "http.idle_timeout", 60*time.Second)
	setDefault(k, "http.shutdown_timeout", 10*time.Second)

	setDefault(k, "websocket.max_message_size", defaultMaxMessageSize)
	setDefault(k, "websocket.send_buffer", defaultSendBuffer)
	setDefault(k, "websocket.pong_wait", defaultPongWait)
	setDefault(k, "websocket.ping_period", defaultPongWait*9/10)
	setDefault(k, "websocket.write_wait", defaultWriteWait)

	setDefault(k, "log.level", "info")
	setDefault(k, "log.encoding", "json")

	setDefault(k, "metrics.enabled", true)
	setDefault(k, "metrics.path", "/metrics")

	setDefault(k, "debug.test_page", false)
}

func applyEnvOverrides(k *koanf.Koanf) {
	if host := getString("HTTP_HOST", ""); host != "" {
		k.Set("http.host", host)
	}
	if port := getInt("HTTP_PORT", 0); port > 0 {
		k.Set("http.port", port)
	}
	if origins := getList("ALLOWED_ORIGINS"); len(origins) > 0 {
		k.Set("http.allowed_origins", origins)
	}

	if size := getInt("MAX_MESSAGE_SIZE", 0); size > 0 {
		k.Set("websocket.max_message_size", size)
	}
	if buf := getInt("SEND_BUFFER", 0); buf > 0 {
		k.Set("websocket.send_buffer", buf)
	}

	if level := getString("LOG_LEVEL", ""); level != "" {
		k.Set("log.level", level)
	}
	if encoding := getString("LOG_ENCODING", ""); encoding != "" {
		k.Set("log.encoding", encoding)
	}

	if enabled, ok := getBool("METRICS_ENABLED"); ok {
		k.Set("metrics.enabled", enabled)
	}
	if enabled, ok := getBool("TEST_PAGE_ENABLED"); ok {
		k.Set("debug.test_page", enabled)
	}
}

// setDefault only sets the value if the key doesn't already exist
func setDefault(k *koanf.Koanf, key string, value any) {
	if !k.Exists(key) {
		k.Set(key, value)
	}
}

func (c *Config) sanitize() {
	if c.HTTP.Port == 0 {
		c.HTTP.Port = 8080
	}
	if c.WebSocket.MaxMessageSize <= 0 {
		c.WebSocket.MaxMessageSize = defaultMaxMessageSize
	}
	if c.WebSocket.SendBuffer <= 0 {
		c.WebSocket.SendBuffer = defaultSendBuffer
	}
	if c.WebSocket.PongWait <= 0 {
		c.WebSocket.PongWait = defaultPongWait
	}
	if c.WebSocket.WriteWait <= 0 {
		c.WebSocket.WriteWait = defaultWriteWait
	}
	if c.WebSocket.PingPeriod <= 0 || c.WebSocket.PingPeriod >= c.WebSocket.PongWait {
		c.WebSocket.PingPeriod = c.WebSocket.PongWait * 9 / 10
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}
