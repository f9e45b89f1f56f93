package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigFile is the on-disk shape. Durations are strings such as "30s";
// absent fields keep the value they are layered over.
type ConfigFile struct {
	HTTP      *HTTPConfigFile      `json:"http" yaml:"http"`
	WebSocket *WebSocketConfigFile `json:"websocket" yaml:"websocket"`
	Hub       *HubConfigFile       `json:"hub" yaml:"hub"`
	RateLimit *RateLimitConfigFile `json:"rate_limit" yaml:"rate_limit"`
	Journal   *JournalConfigFile   `json:"journal" yaml:"journal"`
	Redis     *RedisConfigFile     `json:"redis" yaml:"redis"`
	WebRTC    *WebRTCConfigFile    `json:"webrtc" yaml:"webrtc"`
	Log       *LogConfigFile       `json:"log" yaml:"log"`
}

type HTTPConfigFile struct {
	Host            string   `json:"host" yaml:"host"`
	Port            int      `json:"port" yaml:"port"`
	ReadTimeout     string   `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    string   `json:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout string   `json:"shutdown_timeout" yaml:"shutdown_timeout"`
	AllowedOrigins  []string `json:"allowed_origins" yaml:"allowed_origins"`
}

type WebSocketConfigFile struct {
	PingInterval    string `json:"ping_interval" yaml:"ping_interval"`
	ReadTimeout     string `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    string `json:"write_timeout" yaml:"write_timeout"`
	BufferSize      int    `json:"buffer_size" yaml:"buffer_size"`
	MaxMessageBytes int64  `json:"max_message_bytes" yaml:"max_message_bytes"`
}

type HubConfigFile struct {
	QueueSize int `json:"queue_size" yaml:"queue_size"`
}

type RateLimitConfigFile struct {
	MessagesPerMinute *int `json:"messages_per_minute" yaml:"messages_per_minute"`
}

type JournalConfigFile struct {
	Enabled       *bool  `json:"enabled" yaml:"enabled"`
	Path          string `json:"path" yaml:"path"`
	QueueSize     int    `json:"queue_size" yaml:"queue_size"`
	Retention     string `json:"retention" yaml:"retention"`
	PruneSchedule string `json:"prune_schedule" yaml:"prune_schedule"`
}

type RedisConfigFile struct {
	Enabled    *bool  `json:"enabled" yaml:"enabled"`
	Addr       string `json:"addr" yaml:"addr"`
	Password   string `json:"password" yaml:"password"`
	DB         int    `json:"db" yaml:"db"`
	Channel    string `json:"channel" yaml:"channel"`
	BufferSize int    `json:"buffer_size" yaml:"buffer_size"`
}

type WebRTCConfigFile struct {
	STUNServers    []string `json:"stun_servers" yaml:"stun_servers"`
	TURNURL        string   `json:"turn_url" yaml:"turn_url"`
	TURNUsername   string   `json:"turn_username" yaml:"turn_username"`
	TURNCredential string   `json:"turn_credential" yaml:"turn_credential"`
}

type LogConfigFile struct {
	Level       string `json:"level" yaml:"level"`
	Development *bool  `json:"development" yaml:"development"`
}

// LoadFromFile layers a JSON or YAML file over the defaults. The format is
// chosen by extension: .yaml and .yml are YAML, anything else JSON.
func LoadFromFile(path string) (*Config, error) {
	config := DefaultConfig()
	if err := overlayFile(config, path); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}
	return config, nil
}

func overlayFile(config *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var file ConfigFile
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &file)
	default:
		err = json.Unmarshal(data, &file)
	}
	if err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := file.apply(config); err != nil {
		return fmt.Errorf("invalid value in %s: %w", path, err)
	}
	return nil
}

func (f *ConfigFile) apply(c *Config) error {
	var errs durationErrors

	if h := f.HTTP; h != nil {
		setString(&c.HTTP.Host, h.Host)
		setInt(&c.HTTP.Port, h.Port)
		errs.set(&c.HTTP.ReadTimeout, "http.read_timeout", h.ReadTimeout)
		errs.set(&c.HTTP.WriteTimeout, "http.write_timeout", h.WriteTimeout)
		errs.set(&c.HTTP.ShutdownTimeout, "http.shutdown_timeout", h.ShutdownTimeout)
		if h.AllowedOrigins != nil {
			c.HTTP.AllowedOrigins = h.AllowedOrigins
		}
	}

	if w := f.WebSocket; w != nil {
		errs.set(&c.WebSocket.PingInterval, "websocket.ping_interval", w.PingInterval)
		errs.set(&c.WebSocket.ReadTimeout, "websocket.read_timeout", w.ReadTimeout)
		errs.set(&c.WebSocket.WriteTimeout, "websocket.write_timeout", w.WriteTimeout)
		setInt(&c.WebSocket.BufferSize, w.BufferSize)
		if w.MaxMessageBytes > 0 {
			c.WebSocket.MaxMessageBytes = w.MaxMessageBytes
		}
	}

	if f.Hub != nil {
		setInt(&c.Hub.QueueSize, f.Hub.QueueSize)
	}
	if f.RateLimit != nil && f.RateLimit.MessagesPerMinute != nil {
		c.RateLimit.MessagesPerMinute = *f.RateLimit.MessagesPerMinute
	}

	if j := f.Journal; j != nil {
		if j.Enabled != nil {
			c.Journal.Enabled = *j.Enabled
		}
		setString(&c.Journal.Path, j.Path)
		setInt(&c.Journal.QueueSize, j.QueueSize)
		errs.set(&c.Journal.Retention, "journal.retention", j.Retention)
		setString(&c.Journal.PruneSchedule, j.PruneSchedule)
	}

	if r := f.Redis; r != nil {
		if r.Enabled != nil {
			c.Redis.Enabled = *r.Enabled
		}
		setString(&c.Redis.Addr, r.Addr)
		setString(&c.Redis.Password, r.Password)
		setInt(&c.Redis.DB, r.DB)
		setString(&c.Redis.Channel, r.Channel)
		setInt(&c.Redis.BufferSize, r.BufferSize)
	}

	if w := f.WebRTC; w != nil {
		if w.STUNServers != nil {
			c.WebRTC.STUNServers = w.STUNServers
		}
		setString(&c.WebRTC.TURNURL, w.TURNURL)
		setString(&c.WebRTC.TURNUsername, w.TURNUsername)
		setString(&c.WebRTC.TURNCredential, w.TURNCredential)
	}

	if l := f.Log; l != nil {
		setString(&c.Log.Level, l.Level)
		if l.Development != nil {
			c.Log.Development = *l.Development
		}
	}

	return errs.err()
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v > 0 {
		*dst = v
	}
}

type durationErrors []string

func (e *durationErrors) set(dst *time.Duration, field, v string) {
	if v == "" {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*e = append(*e, fmt.Sprintf("%s: %v", field, err))
		return
	}
	*dst = d
}

func (e durationErrors) err() error {
	if len(e) == 0 {
		return nil
	}
	return fmt.Errorf("bad durations: %s", strings.Join(e, "; "))
}
