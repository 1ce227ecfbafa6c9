// Package config loads server settings from defaults, the environment and a YAML file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"codesync/internal/database/mongostore"
	dbconfig "codesync/pkg/database"
)

// Database drivers
const (
	DriverSQLite = "sqlite"
	DriverMongo  = "mongo"
	DriverMemory = "memory"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "CODESYNC_"

// ARCHITECTURAL DISCOVERY: Configuration layer serves as system-wide settings coordinator
// Clean separation between configuration management and business logic
type Config struct {
	Database  *DatabaseConfig  `yaml:"database"`
	HTTP      *HTTPConfig      `yaml:"http"`
	WebSocket *WebSocketConfig `yaml:"websocket"`
	Redis     *RedisConfig     `yaml:"redis"`
	Retention *RetentionConfig `yaml:"retention"`
	Log       *LogConfig       `yaml:"log"`
}

type DatabaseConfig struct {
	Driver string             `yaml:"driver"`
	SQLite *dbconfig.Config   `yaml:"sqlite"`
	Mongo  *mongostore.Config `yaml:"mongo"`
	// FaultWindow is how long a store fault keeps /health reporting degraded
	FaultWindow time.Duration `yaml:"fault_window"`
}

type HTTPConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// FUNCTIONAL DISCOVERY: ReadTimeout is the heartbeat window; a client silent for longer is disconnected
type WebSocketConfig struct {
	PingInterval    time.Duration `yaml:"ping_interval"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	BufferSize      int           `yaml:"buffer_size"`
	MaxMessageSize  int64         `yaml:"max_message_size"`
	QueueSize       int           `yaml:"queue_size"`
	RoomIdleTimeout time.Duration `yaml:"room_idle_timeout"`
	// RateLimit caps events per connection per minute; 0 disables it
	RateLimit int `yaml:"rate_limit"`
}

// RedisConfig enables the membership mirror and scheduled retention when Addr is set
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

func (r *RedisConfig) Enabled() bool {
	return r != nil && r.Addr != ""
}

type RetentionConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Interval        time.Duration `yaml:"interval"`
	Schedule        string        `yaml:"schedule"` // cron spec used when Redis is configured
	OfflineUserAge  time.Duration `yaml:"offline_user_age"`
	InactiveRoomAge time.Duration `yaml:"inactive_room_age"`
	MessageDays     int           `yaml:"message_days"`
	DrawingDays     int           `yaml:"drawing_days"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
}

// DefaultConfig returns settings that run a single node against a local SQLite file
func DefaultConfig() *Config {
	return &Config{
		Database: &DatabaseConfig{
			Driver: DriverSQLite,
			SQLite: dbconfig.DefaultConfig(),
			Mongo: &mongostore.Config{
				URI:            "mongodb://localhost:27017",
				Database:       "codesync",
				ConnectTimeout: 10 * time.Second,
				MaxPoolSize:    50,
			},
			FaultWindow: 5 * time.Minute,
		},
		HTTP: &HTTPConfig{
			Host:            "0.0.0.0",
			Port:            3000,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		WebSocket: &WebSocketConfig{
			PingInterval:    25 * time.Second,
			ReadTimeout:     60 * time.Second,
			WriteTimeout:    5 * time.Second,
			BufferSize:      256,
			MaxMessageSize:  100 << 20,
			QueueSize:       256,
			RoomIdleTimeout: 5 * time.Minute,
			RateLimit:       1200,
		},
		Redis: &RedisConfig{
			KeyPrefix: "codesync:",
		},
		Retention: &RetentionConfig{
			Enabled:         true,
			Interval:        time.Hour,
			Schedule:        "@hourly",
			OfflineUserAge:  24 * time.Hour,
			InactiveRoomAge: 7 * 24 * time.Hour,
			MessageDays:     30,
			DrawingDays:     7,
		},
		Log: &LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Validate rejects configurations the server cannot start with
func (c *Config) Validate() error {
	if c.Database == nil || c.HTTP == nil || c.WebSocket == nil || c.Retention == nil || c.Log == nil {
		return errors.New("database, http, websocket, retention and log sections are required")
	}

	switch c.Database.Driver {
	case DriverSQLite:
		if c.Database.SQLite == nil {
			return errors.New("sqlite configuration is required for the sqlite driver")
		}
		if err := c.Database.SQLite.Validate(); err != nil {
			return errors.Wrap(err, "database")
		}
	case DriverMongo:
		if c.Database.Mongo == nil || c.Database.Mongo.URI == "" || c.Database.Mongo.Database == "" {
			return errors.New("mongo uri and database are required for the mongo driver")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}

	// port 0 asks the kernel for a free port
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		return errors.New("HTTP port must be between 0 and 65535")
	}
	if c.HTTP.Host == "" {
		return errors.New("HTTP host cannot be empty")
	}
	if c.HTTP.ReadTimeout <= 0 || c.HTTP.WriteTimeout <= 0 {
		return errors.New("HTTP timeouts must be positive")
	}

	ws := c.WebSocket
	if ws.PingInterval <= 0 || ws.ReadTimeout <= 0 || ws.WriteTimeout <= 0 {
		return errors.New("WebSocket timings must be positive")
	}
	if ws.PingInterval >= ws.ReadTimeout {
		return errors.New("WebSocket ping interval must be shorter than the read timeout")
	}
	if ws.BufferSize <= 0 || ws.QueueSize <= 0 || ws.MaxMessageSize <= 0 {
		return errors.New("WebSocket buffer, queue and message sizes must be positive")
	}
	if ws.RoomIdleTimeout <= 0 {
		return errors.New("room idle timeout must be positive")
	}
	if ws.RateLimit < 0 {
		return errors.New("rate limit cannot be negative")
	}

	r := c.Retention
	if r.Enabled {
		if r.Interval <= 0 {
			return errors.New("retention interval must be positive")
		}
		if r.OfflineUserAge <= 0 || r.InactiveRoomAge <= 0 || r.MessageDays <= 0 || r.DrawingDays <= 0 {
			return errors.New("retention thresholds must be positive")
		}
	}

	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return errors.Wrap(err, "log level")
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("log format must be text or json, got %q", c.Log.Format)
	}
	return nil
}

// Address returns the HTTP listen address
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.HTTP.Host, c.HTTP.Port)
}

// Load builds the configuration: defaults, then .env and CODESYNC_* variables, then the file
// FUNCTIONAL DISCOVERY: Configuration precedence is file > environment > defaults,
// and a missing .env file is not an error
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrap(err, "failed to load .env")
	}

	cfg := DefaultConfig()
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	return cfg, nil
}

// LoadFromFile reads a YAML (or JSON) file over the defaults
func LoadFromFile(path string) (*Config, error) {
	cfg := DefaultConfig()
	if err := cfg.applyFile(path); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid configuration in %s", path)
	}
	return cfg, nil
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "failed to read config file %s", path)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return errors.Wrapf(err, "failed to parse config file %s", path)
	}
	return nil
}

type lookupFunc func(string) (string, bool)

// applyEnv overrides fields from CODESYNC_* variables
func (c *Config) applyEnv(lookup lookupFunc) error {
	e := envReader{lookup: lookup}

	e.str("DATABASE_DRIVER", &c.Database.Driver)
	e.str("DATABASE_PATH", &c.Database.SQLite.DatabasePath)
	e.integer("DATABASE_MAX_CONNECTIONS", &c.Database.SQLite.MaxConnections)
	e.duration("DATABASE_WRITE_TIMEOUT", &c.Database.SQLite.WriteTimeout)
	e.str("MONGO_URI", &c.Database.Mongo.URI)
	e.str("MONGO_DATABASE", &c.Database.Mongo.Database)
	e.duration("DATABASE_FAULT_WINDOW", &c.Database.FaultWindow)

	e.str("HTTP_HOST", &c.HTTP.Host)
	e.integer("HTTP_PORT", &c.HTTP.Port)
	e.duration("HTTP_READ_TIMEOUT", &c.HTTP.ReadTimeout)
	e.duration("HTTP_WRITE_TIMEOUT", &c.HTTP.WriteTimeout)

	e.duration("WEBSOCKET_PING_INTERVAL", &c.WebSocket.PingInterval)
	e.duration("WEBSOCKET_READ_TIMEOUT", &c.WebSocket.ReadTimeout)
	e.duration("WEBSOCKET_WRITE_TIMEOUT", &c.WebSocket.WriteTimeout)
	e.integer("WEBSOCKET_BUFFER_SIZE", &c.WebSocket.BufferSize)
	e.integer("WEBSOCKET_QUEUE_SIZE", &c.WebSocket.QueueSize)
	e.duration("WEBSOCKET_ROOM_IDLE_TIMEOUT", &c.WebSocket.RoomIdleTimeout)
	e.integer("WEBSOCKET_RATE_LIMIT", &c.WebSocket.RateLimit)

	e.str("REDIS_ADDR", &c.Redis.Addr)
	e.str("REDIS_PASSWORD", &c.Redis.Password)
	e.integer("REDIS_DB", &c.Redis.DB)

	e.boolean("RETENTION_ENABLED", &c.Retention.Enabled)
	e.duration("RETENTION_INTERVAL", &c.Retention.Interval)
	e.str("RETENTION_SCHEDULE", &c.Retention.Schedule)
	e.integer("RETENTION_MESSAGE_DAYS", &c.Retention.MessageDays)
	e.integer("RETENTION_DRAWING_DAYS", &c.Retention.DrawingDays)

	e.str("LOG_LEVEL", &c.Log.Level)
	e.str("LOG_FORMAT", &c.Log.Format)

	return e.err
}

// envReader remembers the first malformed value it meets
type envReader struct {
	lookup lookupFunc
	err    error
}

func (e *envReader) get(key string) (string, bool) {
	v, ok := e.lookup(EnvPrefix + key)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func (e *envReader) fail(key, value string, err error) {
	if e.err == nil {
		e.err = errors.Wrapf(err, "invalid %s%s=%q", EnvPrefix, key, value)
	}
}

func (e *envReader) str(key string, dst *string) {
	if v, ok := e.get(key); ok {
		*dst = v
	}
}

func (e *envReader) integer(key string, dst *int) {
	if v, ok := e.get(key); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = n
	}
}

func (e *envReader) duration(key string, dst *time.Duration) {
	if v, ok := e.get(key); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = d
	}
}

func (e *envReader) boolean(key string, dst *bool) {
	if v, ok := e.get(key); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = b
	}
}

// ConfigureLogging applies the level and format to the global logrus logger
func (l *LogConfig) ConfigureLogging() error {
	level, err := logrus.ParseLevel(l.Level)
	if err != nil {
		return errors.Wrap(err, "log level")
	}
	logrus.SetLevel(level)
	if l.Format == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return nil
}
