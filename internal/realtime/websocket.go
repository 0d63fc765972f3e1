package realtime

import (
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/notesync/internal/protocol"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultWriteWait = 10 * time.Second
	defaultPongWait  = 60 * time.Second
)

// WebSocketConfig tunes the WebSocket transport.
type WebSocketConfig struct {
	WriteWait   time.Duration
	PongWait    time.Duration
	PingPeriod  time.Duration
	CheckOrigin func(r *http.Request) bool
	Logger      *zap.Logger
}

// WebSocketHandler upgrades HTTP requests and pumps frames between the socket and the hub.
type WebSocketHandler struct {
	hub        *Hub
	upgrader   websocket.Upgrader
	writeWait  time.Duration
	pongWait   time.Duration
	pingPeriod time.Duration
	logger     *zap.Logger
}

// NewWebSocketHandler constructs the upgrade handler for the hub.
func NewWebSocketHandler(hub *Hub, cfg WebSocketConfig) *WebSocketHandler {
	writeWait := cfg.WriteWait
	if writeWait <= 0 {
		writeWait = defaultWriteWait
	}
	pongWait := cfg.PongWait
	if pongWait <= 0 {
		pongWait = defaultPongWait
	}
	pingPeriod := cfg.PingPeriod
	if pingPeriod <= 0 || pingPeriod >= pongWait {
		pingPeriod = (pongWait * 9) / 10
	}
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &WebSocketHandler{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
		writeWait:  writeWait,
		pongWait:   pongWait,
		pingPeriod: pingPeriod,
		logger:     logger,
	}
}

// ServeHTTP upgrades the request and registers the resulting connection with the hub.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	socket, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	conn := h.hub.NewConnection(TransportWebSocket)
	if err := h.hub.Register(r.Context(), conn); err != nil {
		h.logger.Warn("websocket registration failed", zap.Error(err))
		_ = socket.Close()
		return
	}

	go h.writePump(socket, conn)
	go h.readPump(socket, conn)
}

func (h *WebSocketHandler) readPump(socket *websocket.Conn, conn *Connection) {
	defer func() {
		h.hub.Unregister(conn)
		_ = socket.Close()
	}()

	socket.SetReadLimit(protocol.MaxFrameBytes)
	_ = socket.SetReadDeadline(time.Now().Add(h.pongWait))
	socket.SetPongHandler(func(string) error {
		return socket.SetReadDeadline(time.Now().Add(h.pongWait))
	})

	for {
		messageType, message, err := socket.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.logger.Warn("websocket read failed", zap.String("session_id", conn.id), zap.Error(err))
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		h.hub.Dispatch(conn, message)
	}
}

func (h *WebSocketHandler) writePump(socket *websocket.Conn, conn *Connection) {
	ticker := time.NewTicker(h.pingPeriod)
	defer func() {
		ticker.Stop()
		_ = socket.Close()
	}()

	for {
		select {
		case frame, ok := <-conn.send:
			_ = socket.SetWriteDeadline(time.Now().Add(h.writeWait))
			if !ok {
				_ = socket.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := socket.WriteMessage(websocket.TextMessage, frame); err != nil {
				h.logger.Debug("websocket write failed", zap.String("session_id", conn.id), zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = socket.SetWriteDeadline(time.Now().Add(h.writeWait))
			if err := socket.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
