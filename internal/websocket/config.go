package websocket

import "time"

// Config holds transport limits and heartbeat timing
type Config struct {
	PingInterval    time.Duration
	ReadTimeout     time.Duration // heartbeat window; a silent client is disconnected after it
	WriteTimeout    time.Duration
	SendBuffer      int
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
}

// DefaultConfig mirrors the collaborative editor's client expectations:
// 25s pings, a 60s liveness window and frames up to 100 MB
func DefaultConfig() Config {
	return Config{
		PingInterval:    25 * time.Second,
		ReadTimeout:     60 * time.Second,
		WriteTimeout:    5 * time.Second,
		SendBuffer:      256,
		MaxMessageSize:  100 << 20,
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.PingInterval <= 0 {
		c.PingInterval = def.PingInterval
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = def.ReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = def.SendBuffer
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = def.MaxMessageSize
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = def.ReadBufferSize
	}
	if c.WriteBufferSize <= 0 {
		c.WriteBufferSize = def.WriteBufferSize
	}
	return c
}
