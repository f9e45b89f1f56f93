package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap/zapcore"

	dbconfig "proctorhub/pkg/database"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "PROCTORHUB_"

// ConfigFileEnv names the variable holding the optional config file path.
const ConfigFileEnv = EnvPrefix + "CONFIG_FILE"

type Config struct {
	HTTP      *HTTPConfig      `json:"http"`
	WebSocket *WebSocketConfig `json:"websocket"`
	Hub       *HubConfig       `json:"hub"`
	RateLimit *RateLimitConfig `json:"rate_limit"`
	Journal   *JournalConfig   `json:"journal"`
	Redis     *RedisConfig     `json:"redis"`
	WebRTC    *WebRTCConfig    `json:"webrtc"`
	Log       *LogConfig       `json:"log"`
}

type HTTPConfig struct {
	Host            string        `json:"host"`
	Port            int           `json:"port"`
	ReadTimeout     time.Duration `json:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`
	AllowedOrigins  []string      `json:"allowed_origins"`
}

type WebSocketConfig struct {
	PingInterval    time.Duration `json:"ping_interval"`
	ReadTimeout     time.Duration `json:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout"`
	BufferSize      int           `json:"buffer_size"`
	MaxMessageBytes int64         `json:"max_message_bytes"`
}

type HubConfig struct {
	QueueSize int `json:"queue_size"`
}

// RateLimitConfig caps inbound messages per connection. Zero, the default,
// disables it.
type RateLimitConfig struct {
	MessagesPerMinute int `json:"messages_per_minute"`
}

type JournalConfig struct {
	Enabled       bool          `json:"enabled"`
	Path          string        `json:"path"`
	QueueSize     int           `json:"queue_size"`
	Retention     time.Duration `json:"retention"`
	PruneSchedule string        `json:"prune_schedule"`
}

type RedisConfig struct {
	Enabled    bool   `json:"enabled"`
	Addr       string `json:"addr"`
	Password   string `json:"-"`
	DB         int    `json:"db"`
	Channel    string `json:"channel"`
	BufferSize int    `json:"buffer_size"`
}

type WebRTCConfig struct {
	STUNServers    []string `json:"stun_servers"`
	TURNURL        string   `json:"turn_url"`
	TURNUsername   string   `json:"turn_username"`
	TURNCredential string   `json:"-"`
}

type LogConfig struct {
	Level       string `json:"level"`
	Development bool   `json:"development"`
}

func DefaultConfig() *Config {
	return &Config{
		HTTP: &HTTPConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			AllowedOrigins:  []string{"*"},
		},
		WebSocket: &WebSocketConfig{
			PingInterval:    30 * time.Second,
			ReadTimeout:     60 * time.Second,
			WriteTimeout:    10 * time.Second,
			BufferSize:      256,
			MaxMessageBytes: 4 << 20,
		},
		Hub: &HubConfig{
			QueueSize: 1024,
		},
		RateLimit: &RateLimitConfig{
			MessagesPerMinute: 0,
		},
		Journal: &JournalConfig{
			Enabled:       true,
			Path:          "./data/proctorhub.db",
			QueueSize:     1024,
			Retention:     30 * 24 * time.Hour,
			PruneSchedule: "@hourly",
		},
		Redis: &RedisConfig{
			Enabled:    false,
			Addr:       "localhost:6379",
			Channel:    "proctorhub:fanout",
			BufferSize: 1024,
		},
		WebRTC: &WebRTCConfig{
			STUNServers: []string{
				"stun:stun.l.google.com:19302",
				"stun:stun1.l.google.com:19302",
			},
		},
		Log: &LogConfig{
			Level: "info",
		},
	}
}

// Validate rejects configurations the service cannot start with.
func (c *Config) Validate() error {
	if c.HTTP == nil || c.WebSocket == nil || c.Hub == nil || c.RateLimit == nil ||
		c.Journal == nil || c.Redis == nil || c.WebRTC == nil || c.Log == nil {
		return errors.New("every configuration section is required")
	}

	// Port 0 binds an ephemeral port.
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("HTTP port must be between 0 and 65535")
	}
	if c.HTTP.Host == "" {
		return fmt.Errorf("HTTP host cannot be empty")
	}
	if c.HTTP.ReadTimeout <= 0 || c.HTTP.WriteTimeout <= 0 || c.HTTP.ShutdownTimeout <= 0 {
		return fmt.Errorf("HTTP timeouts must be positive")
	}

	if c.WebSocket.PingInterval <= 0 {
		return fmt.Errorf("WebSocket ping interval must be positive")
	}
	if c.WebSocket.ReadTimeout <= c.WebSocket.PingInterval {
		return fmt.Errorf("WebSocket read timeout must exceed the ping interval")
	}
	if c.WebSocket.WriteTimeout <= 0 {
		return fmt.Errorf("WebSocket write timeout must be positive")
	}
	if c.WebSocket.BufferSize <= 0 {
		return fmt.Errorf("WebSocket buffer size must be positive")
	}
	if c.WebSocket.MaxMessageBytes <= 0 {
		return fmt.Errorf("WebSocket max message size must be positive")
	}

	if c.Hub.QueueSize <= 0 {
		return fmt.Errorf("hub queue size must be positive")
	}
	if c.RateLimit.MessagesPerMinute < 0 {
		return fmt.Errorf("rate limit cannot be negative")
	}

	if c.Journal.Enabled {
		if c.Journal.Path == "" {
			return fmt.Errorf("journal path cannot be empty")
		}
		if c.Journal.QueueSize <= 0 {
			return fmt.Errorf("journal queue size must be positive")
		}
		if c.Journal.Retention <= 0 {
			return fmt.Errorf("journal retention must be positive")
		}
		if _, err := cron.ParseStandard(c.Journal.PruneSchedule); err != nil {
			return fmt.Errorf("invalid journal prune schedule %q: %w", c.Journal.PruneSchedule, err)
		}
	}

	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis address cannot be empty")
		}
		if c.Redis.Channel == "" {
			return fmt.Errorf("redis channel cannot be empty")
		}
		if c.Redis.BufferSize <= 0 {
			return fmt.Errorf("redis buffer size must be positive")
		}
	}

	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("invalid log level %q: %w", c.Log.Level, err)
	}
	return nil
}

// Addr is the HTTP listen address.
func (c *HTTPConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// DatabaseConfig derives the journal database settings.
func (j *JournalConfig) DatabaseConfig() *dbconfig.Config {
	db := dbconfig.DefaultConfig()
	db.DatabasePath = j.Path
	db.QueueSize = j.QueueSize
	return db
}

// ICEServers returns the STUN servers followed by the TURN server, if any.
func (w *WebRTCConfig) ICEServers() []webrtc.ICEServer {
	servers := make([]webrtc.ICEServer, 0, len(w.STUNServers)+1)
	for _, url := range w.STUNServers {
		servers = append(servers, webrtc.ICEServer{URLs: []string{url}})
	}
	if w.TURNURL != "" {
		servers = append(servers, webrtc.ICEServer{
			URLs:           []string{w.TURNURL},
			Username:       w.TURNUsername,
			Credential:     w.TURNCredential,
			CredentialType: webrtc.ICECredentialTypePassword,
		})
	}
	return servers
}

// LoadFromEnv applies PROCTORHUB_* overrides to the defaults. Values that
// fail to parse are ignored.
func LoadFromEnv() *Config {
	config := DefaultConfig()
	applyEnv(config)
	return config
}

func applyEnv(c *Config) {
	envString("HTTP_HOST", &c.HTTP.Host)
	envInt("HTTP_PORT", &c.HTTP.Port)
	envDuration("HTTP_READ_TIMEOUT", &c.HTTP.ReadTimeout)
	envDuration("HTTP_WRITE_TIMEOUT", &c.HTTP.WriteTimeout)
	envDuration("HTTP_SHUTDOWN_TIMEOUT", &c.HTTP.ShutdownTimeout)
	envList("HTTP_ALLOWED_ORIGINS", &c.HTTP.AllowedOrigins)

	envDuration("WEBSOCKET_PING_INTERVAL", &c.WebSocket.PingInterval)
	envDuration("WEBSOCKET_READ_TIMEOUT", &c.WebSocket.ReadTimeout)
	envDuration("WEBSOCKET_WRITE_TIMEOUT", &c.WebSocket.WriteTimeout)
	envInt("WEBSOCKET_BUFFER_SIZE", &c.WebSocket.BufferSize)
	if v, ok := lookup("WEBSOCKET_MAX_MESSAGE_BYTES"); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.WebSocket.MaxMessageBytes = n
		}
	}

	envInt("HUB_QUEUE_SIZE", &c.Hub.QueueSize)
	envInt("RATE_LIMIT_MESSAGES_PER_MINUTE", &c.RateLimit.MessagesPerMinute)

	envBool("JOURNAL_ENABLED", &c.Journal.Enabled)
	envString("JOURNAL_PATH", &c.Journal.Path)
	envInt("JOURNAL_QUEUE_SIZE", &c.Journal.QueueSize)
	envDuration("JOURNAL_RETENTION", &c.Journal.Retention)
	envString("JOURNAL_PRUNE_SCHEDULE", &c.Journal.PruneSchedule)

	envBool("REDIS_ENABLED", &c.Redis.Enabled)
	envString("REDIS_ADDR", &c.Redis.Addr)
	envString("REDIS_PASSWORD", &c.Redis.Password)
	envInt("REDIS_DB", &c.Redis.DB)
	envString("REDIS_CHANNEL", &c.Redis.Channel)
	envInt("REDIS_BUFFER_SIZE", &c.Redis.BufferSize)

	envList("STUN_SERVERS", &c.WebRTC.STUNServers)
	envString("TURN_URL", &c.WebRTC.TURNURL)
	envString("TURN_USERNAME", &c.WebRTC.TURNUsername)
	envString("TURN_CREDENTIAL", &c.WebRTC.TURNCredential)

	envString("LOG_LEVEL", &c.Log.Level)
	envBool("LOG_DEVELOPMENT", &c.Log.Development)
}

func lookup(name string) (string, bool) {
	v := os.Getenv(EnvPrefix + name)
	return v, v != ""
}

func envString(name string, dst *string) {
	if v, ok := lookup(name); ok {
		*dst = v
	}
}

func envInt(name string, dst *int) {
	if v, ok := lookup(name); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(name string, dst *bool) {
	if v, ok := lookup(name); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envDuration(name string, dst *time.Duration) {
	if v, ok := lookup(name); ok {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func envList(name string, dst *[]string) {
	v, ok := lookup(name)
	if !ok {
		return
	}
	var list []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			list = append(list, item)
		}
	}
	*dst = list
}

// LoadConfigWithPrecedence layers the file (if any) over the environment
// over the defaults, then validates the result.
func LoadConfigWithPrecedence(path string) (*Config, error) {
	config := LoadFromEnv()
	if path == "" {
		if err := config.Validate(); err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
		return config, nil
	}
	if err := overlayFile(config, path); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}
	return config, nil
}
