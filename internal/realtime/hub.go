package realtime

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/MarcoPoloResearchLab/notesync/internal/presence"
	"github.com/MarcoPoloResearchLab/notesync/internal/protocol"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	// MaxDisplayNameLength caps session display names, counted in runes.
	MaxDisplayNameLength = 20

	anonymousPrefix          = "Anonymous_"
	anonymousSuffixLength    = 6
	defaultSendBufferSize    = 256
	defaultMessagesPerSecond = 100
	defaultMessageBurst      = 200

	messageRoomRequired   = "Note ID is required to join room"
	messageChangeRequired = "Note ID and content are required"
	messageInvalidMessage = "Invalid message"
	messageUnknownEvent   = "Unknown event"
)

var (
	errMissingRegistry = errors.New("realtime: presence registry is required")
	// ErrHubStopped indicates the hub is no longer running.
	ErrHubStopped = errors.New("realtime: hub stopped")
)

// HubConfig describes the dependencies of a Hub.
type HubConfig struct {
	Registry          *presence.Registry
	Logger            *zap.Logger
	Clock             func() time.Time
	IDProvider        func() string
	SendBufferSize    int
	MessagesPerSecond float64
	MessageBurst      int
}

type inboundFrame struct {
	conn  *Connection
	frame []byte
}

// Hub owns room membership for every live connection. All membership changes and
// relays run on the single goroutine started by Run, so each inbound event is
// processed to completion before the next one.
type Hub struct {
	registry   *presence.Registry
	logger     *zap.Logger
	clock      func() time.Time
	newID      func() string
	bufferSize int
	rateLimit  rate.Limit
	burst      int

	connections map[string]*Connection

	register   chan *Connection
	unregister chan *Connection
	inbound    chan inboundFrame
	announce   chan []byte
	done       chan struct{}
}

// NewHub constructs a hub. Run must be started before connections are registered.
func NewHub(cfg HubConfig) (*Hub, error) {
	if cfg.Registry == nil {
		return nil, errMissingRegistry
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	newID := cfg.IDProvider
	if newID == nil {
		newID = uuid.NewString
	}
	bufferSize := cfg.SendBufferSize
	if bufferSize <= 0 {
		bufferSize = defaultSendBufferSize
	}
	messagesPerSecond := cfg.MessagesPerSecond
	if messagesPerSecond <= 0 {
		messagesPerSecond = defaultMessagesPerSecond
	}
	burst := cfg.MessageBurst
	if burst <= 0 {
		burst = defaultMessageBurst
	}

	return &Hub{
		registry:    cfg.Registry,
		logger:      logger,
		clock:       clock,
		newID:       newID,
		bufferSize:  bufferSize,
		rateLimit:   rate.Limit(messagesPerSecond),
		burst:       burst,
		connections: make(map[string]*Connection),
		register:    make(chan *Connection),
		unregister:  make(chan *Connection),
		inbound:     make(chan inboundFrame, 64),
		announce:    make(chan []byte, 16),
		done:        make(chan struct{}),
	}, nil
}

// Registry exposes the presence registry for read-only queries.
func (h *Hub) Registry() *presence.Registry {
	return h.registry
}

// NewConnection allocates a connection with a fresh identifier. It is not live until Register.
func (h *Hub) NewConnection(transport string) *Connection {
	return newConnection(h.newID(), transport, h.bufferSize, rate.NewLimiter(h.rateLimit, h.burst))
}

// Register hands the connection to the hub. The hub replies with a connected frame.
func (h *Hub) Register(ctx context.Context, conn *Connection) error {
	select {
	case h.register <- conn:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-h.done:
		return ErrHubStopped
	}
}

// Unregister removes the connection, leaving its room. Safe to call more than once.
func (h *Hub) Unregister(conn *Connection) {
	select {
	case h.unregister <- conn:
	case <-conn.closed:
	case <-h.done:
	}
}

// Dispatch queues an inbound frame from conn. Frames beyond the connection's rate limit are dropped.
func (h *Hub) Dispatch(conn *Connection, frame []byte) {
	if !conn.allow() {
		h.logger.Warn("rate limit exceeded, dropping frame",
			zap.String("session_id", conn.id),
			zap.String("transport", conn.transport))
		return
	}
	select {
	case h.inbound <- inboundFrame{conn: conn, frame: frame}:
	case <-conn.closed:
	case <-h.done:
	}
}

// AnnounceNoteCreated broadcasts a newly created note to every live connection.
func (h *Hub) AnnounceNoteCreated(note protocol.NoteSummary, createdBy string) {
	if strings.TrimSpace(createdBy) == "" {
		createdBy = "Anonymous"
	}
	frame, err := protocol.Encode(protocol.EventNoteCreated, protocol.NoteCreated{
		Note:      note,
		CreatedBy: createdBy,
		Timestamp: h.clock().UTC(),
	})
	if err != nil {
		h.logger.Error("failed to encode note creation", zap.Error(err))
		return
	}
	select {
	case h.announce <- frame:
	case <-h.done:
	default:
		h.logger.Warn("announce queue full, dropping note creation", zap.String("note_id", note.ID))
	}
}

// Run processes hub events until ctx is cancelled, then releases every connection.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for _, conn := range h.connections {
				h.removeConnection(conn)
			}
			return
		case conn := <-h.register:
			h.addConnection(conn)
		case conn := <-h.unregister:
			h.removeConnection(conn)
		case inbound := <-h.inbound:
			h.handleFrame(inbound.conn, inbound.frame)
		case frame := <-h.announce:
			for _, conn := range h.connections {
				h.deliver(conn, frame)
			}
		}
	}
}

func (h *Hub) addConnection(conn *Connection) {
	h.connections[conn.id] = conn
	h.send(conn, protocol.EventConnected, protocol.Connected{SessionID: conn.id})
	h.logger.Info("connection opened",
		zap.String("session_id", conn.id),
		zap.String("transport", conn.transport))
}

func (h *Hub) removeConnection(conn *Connection) {
	if _, ok := h.connections[conn.id]; !ok {
		conn.release()
		return
	}
	if conn.room != "" {
		h.leaveRoom(conn)
	}
	delete(h.connections, conn.id)
	conn.release()
	h.logger.Info("connection closed", zap.String("session_id", conn.id))
}

func (h *Hub) handleFrame(conn *Connection, frame []byte) {
	if _, ok := h.connections[conn.id]; !ok {
		return
	}
	envelope, err := protocol.Decode(frame)
	if err != nil {
		h.logger.Warn("invalid frame", zap.String("session_id", conn.id), zap.Error(err))
		h.sendError(conn, messageInvalidMessage)
		return
	}
	switch envelope.Event {
	case protocol.EventJoin:
		h.handleJoin(conn, envelope)
	case protocol.EventChange:
		h.relayChange(conn, envelope)
	case protocol.EventCursor:
		h.relayCursor(conn, envelope)
	default:
		h.logger.Debug("unknown event", zap.String("session_id", conn.id), zap.String("event", envelope.Event))
		h.sendError(conn, messageUnknownEvent)
	}
}

func (h *Hub) handleJoin(conn *Connection, envelope protocol.Envelope) {
	var request protocol.Join
	if err := envelope.DecodeData(&request); err != nil {
		h.sendError(conn, messageRoomRequired)
		return
	}
	roomID := strings.TrimSpace(request.RoomID)
	if roomID == "" {
		h.sendError(conn, messageRoomRequired)
		return
	}

	if conn.room != "" && conn.room != roomID {
		h.leaveRoom(conn)
	}

	conn.room = roomID
	conn.displayName = SessionDisplayName(request.DisplayName, conn.id)
	h.registry.Register(roomID, conn.id, conn.displayName)
	sessions := h.registry.List(roomID)

	h.send(conn, protocol.EventRoomJoined, protocol.RoomJoined{
		RoomID:         roomID,
		ActiveSessions: sessions,
	})
	h.broadcast(roomID, conn.id, protocol.EventUserJoined, protocol.PresenceChange{
		SessionID:      conn.id,
		DisplayName:    conn.displayName,
		ActiveSessions: sessions,
	})

	h.logger.Info("session joined room",
		zap.String("session_id", conn.id),
		zap.String("display_name", conn.displayName),
		zap.String("room_id", roomID),
		zap.Int("active_sessions", len(sessions)))
}

func (h *Hub) leaveRoom(conn *Connection) {
	roomID := conn.room
	h.registry.Unregister(roomID, conn.id)
	conn.room = ""

	h.broadcast(roomID, conn.id, protocol.EventUserLeft, protocol.PresenceChange{
		SessionID:      conn.id,
		DisplayName:    conn.displayName,
		ActiveSessions: h.registry.List(roomID),
	})
	h.logger.Info("session left room",
		zap.String("session_id", conn.id),
		zap.String("room_id", roomID))
}

// relayChange forwards a saved change to every peer in the room except its origin.
// The origin marker and author are stamped from the sending connection.
func (h *Hub) relayChange(conn *Connection, envelope protocol.Envelope) {
	var change protocol.Change
	if err := envelope.DecodeData(&change); err != nil {
		h.sendError(conn, messageChangeRequired)
		return
	}
	roomID := strings.TrimSpace(change.RoomID)
	if roomID == "" || change.Content == "" {
		h.sendError(conn, messageChangeRequired)
		return
	}
	if change.OriginID != "" && change.OriginID != conn.id {
		h.logger.Debug("overriding client supplied origin",
			zap.String("session_id", conn.id),
			zap.String("claimed_origin", change.OriginID))
	}

	updatedBy := conn.displayName
	if updatedBy == "" {
		updatedBy = SessionDisplayName(change.UpdatedBy, conn.id)
	}

	h.broadcast(roomID, conn.id, protocol.EventChangeApplied, protocol.ChangeApplied{
		RoomID:    roomID,
		Content:   change.Content,
		Title:     change.Title,
		UpdatedBy: updatedBy,
		Timestamp: h.clock().UTC(),
		OriginID:  conn.id,
	})
	h.logger.Debug("change relayed",
		zap.String("room_id", roomID),
		zap.String("origin_id", conn.id),
		zap.String("updated_by", updatedBy))
}

// relayCursor is best effort: malformed payloads and missing rooms are ignored.
func (h *Hub) relayCursor(conn *Connection, envelope protocol.Envelope) {
	var cursor protocol.Cursor
	if err := envelope.DecodeData(&cursor); err != nil {
		return
	}
	roomID := strings.TrimSpace(cursor.RoomID)
	if roomID == "" {
		return
	}
	h.broadcast(roomID, conn.id, protocol.EventCursorApplied, protocol.CursorApplied{
		SessionID:   conn.id,
		DisplayName: conn.displayName,
		Position:    cursor.Position,
		Selection:   cursor.Selection,
	})
}

func (h *Hub) broadcast(roomID, excludeID, event string, payload any) {
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		h.logger.Error("failed to encode frame", zap.String("event", event), zap.Error(err))
		return
	}
	for _, session := range h.registry.List(roomID) {
		if session.SessionID == excludeID {
			continue
		}
		peer, ok := h.connections[session.SessionID]
		if !ok {
			continue
		}
		h.deliver(peer, frame)
	}
}

func (h *Hub) send(conn *Connection, event string, payload any) {
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		h.logger.Error("failed to encode frame", zap.String("event", event), zap.Error(err))
		return
	}
	h.deliver(conn, frame)
}

func (h *Hub) sendError(conn *Connection, message string) {
	h.send(conn, protocol.EventError, protocol.Error{Message: message})
}

func (h *Hub) deliver(conn *Connection, frame []byte) {
	if !conn.enqueue(frame) {
		h.logger.Warn("outbound queue full, dropping frame", zap.String("session_id", conn.id))
	}
}

// SessionDisplayName trims and caps a client supplied name, synthesizing one from the
// connection identifier when it is blank.
func SessionDisplayName(requested, connectionID string) string {
	trimmed := strings.TrimSpace(requested)
	if trimmed == "" {
		suffix := connectionID
		if utf8.RuneCountInString(suffix) > anonymousSuffixLength {
			suffix = string([]rune(suffix)[:anonymousSuffixLength])
		}
		return anonymousPrefix + suffix
	}
	if utf8.RuneCountInString(trimmed) > MaxDisplayNameLength {
		trimmed = strings.TrimSpace(string([]rune(trimmed)[:MaxDisplayNameLength]))
	}
	return trimmed
}
