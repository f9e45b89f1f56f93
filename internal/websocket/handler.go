package websocket

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"proctorhub/pkg/interfaces"
)

var upgrader = websocket.Upgrader{
	CheckOrigin:      func(r *http.Request) bool { return true },
	HandshakeTimeout: 10 * time.Second,
}

// Hub is the part of the event loop the transport feeds.
type Hub interface {
	Connect(peer interfaces.Peer) (string, error)
	Dispatch(connID string, raw []byte) error
	Disconnect(connID string) error
}

// Handler upgrades requests and pumps frames into the hub.
type Handler struct {
	hub    Hub
	opts   Options
	logger *zap.Logger
}

func NewHandler(hub Hub, opts Options, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{hub: hub, opts: opts.withDefaults(), logger: logger}
}

// HandleWebSocket admits a connection. Identity arrives later in join
// messages, so no query parameters are required.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	wsConn := NewConnection(conn, h.opts, h.logger)
	connID, err := h.hub.Connect(wsConn)
	if err != nil {
		h.logger.Error("failed to register connection", zap.Error(err))
		_ = wsConn.Close()
		return
	}

	go h.handleConnection(connID, wsConn)
}

// handleConnection is the read pump. It owns the heartbeat and removes the
// connection from the hub when the socket ends.
func (h *Handler) handleConnection(connID string, c *Connection) {
	logger := h.logger.With(zap.String("conn_id", connID))
	defer func() {
		if err := h.hub.Disconnect(connID); err != nil {
			logger.Debug("disconnect not queued", zap.Error(err))
		}
		_ = c.Close()
	}()

	c.conn.SetReadLimit(h.opts.MaxMessageBytes)
	if err := c.conn.SetReadDeadline(time.Now().Add(h.opts.ReadTimeout)); err != nil {
		logger.Warn("failed to set read deadline", zap.Error(err))
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(h.opts.ReadTimeout))
	})

	go h.heartbeat(c)

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Info("websocket closed unexpectedly", zap.Error(err))
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		if err := h.hub.Dispatch(connID, data); err != nil {
			logger.Warn("hub rejected message", zap.Error(err))
			return
		}
	}
}

func (h *Handler) heartbeat(c *Connection) {
	ticker := time.NewTicker(h.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.opts.WriteTimeout)); err != nil {
				_ = c.Close()
				return
			}
		case <-c.Done():
			return
		}
	}
}
