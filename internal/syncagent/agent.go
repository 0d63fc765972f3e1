package syncagent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/notesync/internal/protocol"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultReconnectDelay = 2 * time.Second
	defaultDialTimeout    = 10 * time.Second
)

var (
	errMissingServerURL = errors.New("syncagent: server url is required")
	errUnknownTransport = errors.New("syncagent: unknown transport")
)

type Config struct {
	ServerURL      string
	Transport      string
	ReconnectDelay time.Duration
	DialTimeout    time.Duration
	HTTPClient     *http.Client
	Dialer         *websocket.Dialer
	Logger         *zap.Logger
}

// Agent keeps one realtime connection to the relay, reconnecting and rejoining
// the last room until Disconnect is called.
type Agent struct {
	baseURL        *url.URL
	mode           string
	reconnectDelay time.Duration
	dialTimeout    time.Duration
	httpClient     *http.Client
	dialer         *websocket.Dialer
	logger         *zap.Logger

	mu          sync.Mutex
	running     bool
	cancel      context.CancelFunc
	stopped     chan struct{}
	ready       chan struct{}
	current     transport
	sessionID   string
	roomID      string
	displayName string

	changeHandlers      handlerSet[protocol.ChangeApplied]
	roomJoinedHandlers  handlerSet[protocol.RoomJoined]
	userJoinedHandlers  handlerSet[protocol.PresenceChange]
	userLeftHandlers    handlerSet[protocol.PresenceChange]
	cursorHandlers      handlerSet[protocol.CursorApplied]
	noteCreatedHandlers handlerSet[protocol.NoteCreated]
	errorHandlers       handlerSet[protocol.Error]
}

func New(cfg Config) (*Agent, error) {
	if strings.TrimSpace(cfg.ServerURL) == "" {
		return nil, errMissingServerURL
	}
	baseURL, err := url.Parse(strings.TrimSpace(cfg.ServerURL))
	if err != nil {
		return nil, fmt.Errorf("syncagent: parse server url: %w", err)
	}

	mode := strings.ToLower(strings.TrimSpace(cfg.Transport))
	switch mode {
	case "":
		mode = TransportAuto
	case TransportAuto, TransportWebSocket, TransportPolling:
	default:
		return nil, fmt.Errorf("%w: %s", errUnknownTransport, cfg.Transport)
	}

	reconnectDelay := cfg.ReconnectDelay
	if reconnectDelay <= 0 {
		reconnectDelay = defaultReconnectDelay
	}
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = defaultDialTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Agent{
		baseURL:        baseURL,
		mode:           mode,
		reconnectDelay: reconnectDelay,
		dialTimeout:    dialTimeout,
		httpClient:     httpClient,
		dialer:         dialer,
		logger:         logger,
	}, nil
}

// Connect starts the connection loop and waits for the first handshake.
// Calling Connect on a running agent only waits for the handshake. If ctx ends
// first the loop keeps retrying in the background.
func (a *Agent) Connect(ctx context.Context) error {
	a.mu.Lock()
	if !a.running {
		runCtx, cancel := context.WithCancel(context.Background())
		a.running = true
		a.cancel = cancel
		a.stopped = make(chan struct{})
		a.ready = make(chan struct{})
		go a.maintain(runCtx, a.stopped, a.ready)
	}
	ready := a.ready
	a.mu.Unlock()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Disconnect tears down the transport, stops reconnecting, and clears the room,
// identity, and every listener.
func (a *Agent) Disconnect() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		a.RemoveAllListeners()
		return
	}
	cancel := a.cancel
	stopped := a.stopped
	current := a.current
	a.running = false
	a.cancel = nil
	a.current = nil
	a.sessionID = ""
	a.roomID = ""
	a.displayName = ""
	a.mu.Unlock()

	cancel()
	if current != nil {
		_ = current.close()
	}
	<-stopped
	a.RemoveAllListeners()
}

// ID returns the relay-assigned session id, or "" when not connected.
func (a *Agent) ID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sessionID
}

func (a *Agent) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current != nil && a.sessionID != ""
}

// Room returns the room the agent joins after every reconnect.
func (a *Agent) Room() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.roomID
}

// JoinRoom enters roomID, leaving any previous room. The room is remembered and
// joined again after a reconnect.
func (a *Agent) JoinRoom(roomID, displayName string) {
	a.mu.Lock()
	a.roomID = roomID
	a.displayName = displayName
	a.mu.Unlock()
	a.send(protocol.EventJoin, protocol.Join{RoomID: roomID, DisplayName: displayName})
}

// SendChange publishes content and an optional title to roomID, stamped with this
// agent's session id as origin.
func (a *Agent) SendChange(roomID, content string, title *string) {
	a.mu.Lock()
	change := protocol.Change{
		RoomID:    roomID,
		Content:   content,
		Title:     title,
		OriginID:  a.sessionID,
		UpdatedBy: a.displayName,
	}
	a.mu.Unlock()
	a.send(protocol.EventChange, change)
}

// SendCursor publishes a caret position and selection. Both are forwarded as-is.
func (a *Agent) SendCursor(roomID string, position, selection any) {
	cursor := protocol.Cursor{RoomID: roomID}
	var err error
	if cursor.Position, err = rawJSON(position); err != nil {
		a.logger.Warn("cursor position not encodable", zap.Error(err))
		return
	}
	if cursor.Selection, err = rawJSON(selection); err != nil {
		a.logger.Warn("cursor selection not encodable", zap.Error(err))
		return
	}
	a.send(protocol.EventCursor, cursor)
}

func (a *Agent) OnChange(handler func(protocol.ChangeApplied)) func() {
	return a.changeHandlers.add(handler)
}

func (a *Agent) OnRoomJoined(handler func(protocol.RoomJoined)) func() {
	return a.roomJoinedHandlers.add(handler)
}

func (a *Agent) OnUserJoined(handler func(protocol.PresenceChange)) func() {
	return a.userJoinedHandlers.add(handler)
}

func (a *Agent) OnUserLeft(handler func(protocol.PresenceChange)) func() {
	return a.userLeftHandlers.add(handler)
}

func (a *Agent) OnCursor(handler func(protocol.CursorApplied)) func() {
	return a.cursorHandlers.add(handler)
}

func (a *Agent) OnNoteCreated(handler func(protocol.NoteCreated)) func() {
	return a.noteCreatedHandlers.add(handler)
}

func (a *Agent) OnError(handler func(protocol.Error)) func() {
	return a.errorHandlers.add(handler)
}

func (a *Agent) RemoveAllListeners() {
	a.changeHandlers.clear()
	a.roomJoinedHandlers.clear()
	a.userJoinedHandlers.clear()
	a.userLeftHandlers.clear()
	a.cursorHandlers.clear()
	a.noteCreatedHandlers.clear()
	a.errorHandlers.clear()
}

func (a *Agent) maintain(ctx context.Context, stopped chan struct{}, ready chan struct{}) {
	defer close(stopped)
	var readyOnce sync.Once
	markReady := func() { readyOnce.Do(func() { close(ready) }) }

	for {
		current, err := a.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			a.logger.Warn("realtime connect failed", zap.Error(err))
		} else {
			a.serve(ctx, current, markReady)
		}

		timer := time.NewTimer(a.reconnectDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (a *Agent) dial(ctx context.Context) (transport, error) {
	dialCtx, cancel := context.WithTimeout(ctx, a.dialTimeout)
	defer cancel()

	if a.mode != TransportPolling {
		socket, err := dialWebSocket(dialCtx, a.dialer, a.baseURL)
		if err == nil {
			return socket, nil
		}
		if a.mode == TransportWebSocket {
			return nil, err
		}
		a.logger.Debug("websocket unavailable, falling back to polling", zap.Error(err))
	}
	return openPolling(dialCtx, a.httpClient, a.baseURL)
}

func (a *Agent) serve(ctx context.Context, current transport, markReady func()) {
	a.mu.Lock()
	if ctx.Err() != nil {
		a.mu.Unlock()
		_ = current.close()
		return
	}
	a.current = current
	a.mu.Unlock()

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-sessionCtx.Done()
		_ = current.close()
	}()

	a.logger.Debug("realtime transport open", zap.String("transport", current.name()))
	for {
		frame, err := current.read(sessionCtx)
		if err != nil {
			if ctx.Err() == nil {
				a.logger.Warn("realtime transport lost", zap.String("transport", current.name()), zap.Error(err))
			}
			break
		}
		a.handleFrame(frame, markReady)
	}

	a.mu.Lock()
	if a.current == current {
		a.current = nil
		a.sessionID = ""
	}
	a.mu.Unlock()
}

func (a *Agent) handleFrame(frame []byte, markReady func()) {
	envelope, err := protocol.Decode(frame)
	if err != nil {
		a.logger.Warn("dropping malformed frame", zap.Error(err))
		return
	}

	switch envelope.Event {
	case protocol.EventConnected:
		var connected protocol.Connected
		if !a.decode(envelope, &connected) {
			return
		}
		a.mu.Lock()
		if a.current == nil {
			a.mu.Unlock()
			return
		}
		a.sessionID = connected.SessionID
		roomID, displayName := a.roomID, a.displayName
		a.mu.Unlock()
		if roomID != "" {
			a.send(protocol.EventJoin, protocol.Join{RoomID: roomID, DisplayName: displayName})
		}
		markReady()
	case protocol.EventRoomJoined:
		var joined protocol.RoomJoined
		if a.decode(envelope, &joined) {
			a.roomJoinedHandlers.emit(joined)
		}
	case protocol.EventUserJoined:
		var change protocol.PresenceChange
		if a.decode(envelope, &change) {
			a.userJoinedHandlers.emit(change)
		}
	case protocol.EventUserLeft:
		var change protocol.PresenceChange
		if a.decode(envelope, &change) {
			a.userLeftHandlers.emit(change)
		}
	case protocol.EventChangeApplied:
		var applied protocol.ChangeApplied
		if a.decode(envelope, &applied) {
			a.changeHandlers.emit(applied)
		}
	case protocol.EventCursorApplied:
		var cursor protocol.CursorApplied
		if a.decode(envelope, &cursor) {
			a.cursorHandlers.emit(cursor)
		}
	case protocol.EventNoteCreated:
		var created protocol.NoteCreated
		if a.decode(envelope, &created) {
			a.noteCreatedHandlers.emit(created)
		}
	case protocol.EventError:
		var relayErr protocol.Error
		if a.decode(envelope, &relayErr) {
			a.errorHandlers.emit(relayErr)
		}
	default:
		a.logger.Debug("ignoring unknown event", zap.String("event", envelope.Event))
	}
}

func (a *Agent) decode(envelope protocol.Envelope, target any) bool {
	if err := envelope.DecodeData(target); err != nil {
		a.logger.Warn("dropping undecodable event", zap.String("event", envelope.Event), zap.Error(err))
		return false
	}
	return true
}

func (a *Agent) send(event string, payload any) {
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		a.logger.Warn("failed to encode event", zap.String("event", event), zap.Error(err))
		return
	}

	a.mu.Lock()
	current := a.current
	a.mu.Unlock()
	if current == nil {
		a.logger.Debug("not connected, dropping event", zap.String("event", event))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := current.write(ctx, frame); err != nil {
		a.logger.Warn("failed to send event", zap.String("event", event), zap.Error(err))
	}
}

func rawJSON(value any) (json.RawMessage, error) {
	if value == nil {
		return nil, nil
	}
	if raw, ok := value.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(value)
}
