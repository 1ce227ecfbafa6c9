package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"codesync/pkg/interfaces"
	"codesync/pkg/types"
)

// Connection wraps one client socket behind a single writer goroutine
// ARCHITECTURAL DISCOVERY: WebSocket writes must be serialized; data frames and pings
// share one goroutine so gorilla never sees concurrent writers
type Connection struct {
	conn    *websocket.Conn
	id      string
	writeCh chan []byte
	config  Config
	ctx     context.Context
	cancel  context.CancelFunc

	closeOnce sync.Once
	log       *logrus.Entry
}

var _ interfaces.Connection = (*Connection)(nil)

// NewConnection assigns a fresh connection id and starts the writer
func NewConnection(conn *websocket.Conn, config Config) *Connection {
	config = config.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()
	c := &Connection{
		conn:    conn,
		id:      id,
		writeCh: make(chan []byte, config.SendBuffer),
		config:  config,
		ctx:     ctx,
		cancel:  cancel,
		log:     logrus.WithFields(logrus.Fields{"component": "websocket", "connection_id": id}),
	}
	go c.writeLoop()
	return c
}

func (c *Connection) writeLoop() {
	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case data := <-c.writeCh:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout)); err != nil {
				_ = c.Close()
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.WithError(err).Debug("Write failed; closing connection")
				_ = c.Close()
				return
			}

		case <-ticker.C:
			deadline := time.Now().Add(c.config.WriteTimeout)
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				_ = c.Close()
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}

// WriteJSON queues v for the writer; it waits at most WriteTimeout for buffer space
func (c *Connection) WriteJSON(v interface{}) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	data, err := json.Marshal(v)
	if err != nil {
		return ErrInvalidJSON
	}

	timer := time.NewTimer(c.config.WriteTimeout)
	defer timer.Stop()
	select {
	case c.writeCh <- data:
		return nil
	case <-timer.C:
		return ErrWriteTimeout
	case <-c.ctx.Done():
		return ErrConnectionClosed
	}
}

// Send writes one event envelope
func (c *Connection) Send(event *types.Event) error {
	return c.WriteJSON(event)
}

func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		if c.conn != nil {
			err = c.conn.Close()
		}
	})
	return err
}

func (c *Connection) GetConnectionID() string {
	return c.id
}

// Done is closed once the connection is closed from either side
func (c *Connection) Done() <-chan struct{} {
	return c.ctx.Done()
}
