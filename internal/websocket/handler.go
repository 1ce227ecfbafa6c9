package websocket

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"codesync/pkg/types"
)

// Submitter accepts decoded client events for ordered processing
type Submitter interface {
	Submit(connectionID string, event *types.Event) error
	Disconnect(connectionID string) error
}

// Handler upgrades HTTP requests and runs one read pump per connection
// ARCHITECTURAL DISCOVERY: The handler only frames and decodes; every decision about an
// event is made downstream of the submitter
type Handler struct {
	registry *Registry
	hub      Submitter
	config   Config
	upgrader websocket.Upgrader
	log      *logrus.Entry
}

func NewHandler(registry *Registry, hub Submitter, config Config) *Handler {
	config = config.withDefaults()
	return &Handler{
		registry: registry,
		hub:      hub,
		config:   config,
		upgrader: websocket.Upgrader{
			ReadBufferSize:   config.ReadBufferSize,
			WriteBufferSize:  config.WriteBufferSize,
			HandshakeTimeout: 10 * time.Second,
			// FUNCTIONAL DISCOVERY: Browser editors are served from other origins
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log: logrus.WithField("component", "websocket"),
	}
}

// ServeHTTP lets the handler be mounted on any router
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.HandleWebSocket(w, r)
}

// HandleWebSocket upgrades the request, announces the connection id and starts reading
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("WebSocket upgrade failed")
		return
	}

	conn := NewConnection(ws, h.config)
	if err := h.registry.Register(conn); err != nil {
		h.log.WithError(err).Error("Failed to register connection")
		_ = conn.Close()
		return
	}

	connected, _ := types.NewEvent(types.EventConnected, types.ConnectedNotice{SocketID: conn.GetConnectionID()})
	if err := conn.Send(connected); err != nil {
		h.log.WithError(err).Warn("Failed to announce connection id")
	}

	h.log.WithFields(logrus.Fields{
		"connection_id": conn.GetConnectionID(),
		"remote_addr":   r.RemoteAddr,
	}).Info("Client connected")

	go h.readPump(conn)
}

// readPump decodes frames until the socket fails, then hands the disconnect to the hub
// TECHNICAL DISCOVERY: A client that misses the heartbeat window hits the read deadline
// and leaves exactly like one that closed the socket
func (h *Handler) readPump(conn *Connection) {
	id := conn.GetConnectionID()
	defer func() {
		if err := h.hub.Disconnect(id); err != nil {
			h.log.WithField("connection_id", id).WithError(err).Warn("Failed to queue disconnect")
		}
		h.registry.Unregister(conn)
		_ = conn.Close()
		h.log.WithField("connection_id", id).Info("Client disconnected")
	}()

	ws := conn.conn
	ws.SetReadLimit(h.config.MaxMessageSize)
	if err := ws.SetReadDeadline(time.Now().Add(h.config.ReadTimeout)); err != nil {
		return
	}
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(h.config.ReadTimeout))
	})

	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.WithField("connection_id", id).WithError(err).Debug("WebSocket read error")
			}
			return
		}
		if err := ws.SetReadDeadline(time.Now().Add(h.config.ReadTimeout)); err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		event, err := decodeEvent(data)
		if err != nil {
			h.log.WithField("connection_id", id).WithError(err).Debug("Dropping malformed frame")
			continue
		}
		if err := h.hub.Submit(id, event); err != nil {
			h.log.WithField("connection_id", id).WithError(err).Warn("Hub rejected event")
			return
		}
	}
}

// decodeEvent parses one inbound envelope; disconnecting is reserved for the transport
func decodeEvent(data []byte) (*types.Event, error) {
	var event types.Event
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, ErrInvalidJSON
	}
	if !types.IsValidEventKind(event.Kind) || event.Kind == types.EventDisconnecting {
		return nil, types.ErrInvalidEventKind
	}
	return &event, nil
}
