package realtime

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/notesync/internal/protocol"
	"github.com/gorilla/websocket"
)

type socketClient struct {
	t      *testing.T
	socket *websocket.Conn
	id     string
}

func dialSocket(t *testing.T, serverURL string) *socketClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(serverURL, "http")
	socket, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("failed to dial websocket: %v", err)
	}
	t.Cleanup(func() {
		_ = socket.Close()
	})
	client := &socketClient{t: t, socket: socket}
	var connected protocol.Connected
	client.expect(protocol.EventConnected, &connected)
	client.id = connected.SessionID
	if client.id == "" {
		t.Fatalf("expected handshake to carry a session id")
	}
	return client
}

func (c *socketClient) emit(event string, payload any) {
	c.t.Helper()
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		c.t.Fatalf("failed to encode %s: %v", event, err)
	}
	if err := c.socket.WriteMessage(websocket.TextMessage, frame); err != nil {
		c.t.Fatalf("failed to write %s: %v", event, err)
	}
}

func (c *socketClient) expect(event string, target any) {
	c.t.Helper()
	_ = c.socket.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, frame, err := c.socket.ReadMessage()
	if err != nil {
		c.t.Fatalf("failed waiting for %s: %v", event, err)
	}
	envelope, err := protocol.Decode(frame)
	if err != nil {
		c.t.Fatalf("failed to decode frame: %v", err)
	}
	if envelope.Event != event {
		c.t.Fatalf("expected %s, got %s", event, envelope.Event)
	}
	if target != nil {
		if err := envelope.DecodeData(target); err != nil {
			c.t.Fatalf("failed to decode %s: %v", event, err)
		}
	}
}

func TestWebSocketCollaborationScenario(t *testing.T) {
	hub := startHub(t, 0)
	server := httptest.NewServer(NewWebSocketHandler(hub, WebSocketConfig{}))
	t.Cleanup(server.Close)

	alice := dialSocket(t, server.URL)
	bea := dialSocket(t, server.URL)

	alice.emit(protocol.EventJoin, protocol.Join{RoomID: "note-42"})
	var aliceJoined protocol.RoomJoined
	alice.expect(protocol.EventRoomJoined, &aliceJoined)
	if len(aliceJoined.ActiveSessions) != 1 || !strings.HasPrefix(aliceJoined.ActiveSessions[0].DisplayName, "Anonymous") {
		t.Fatalf("unexpected occupancy for first joiner %#v", aliceJoined.ActiveSessions)
	}

	bea.emit(protocol.EventJoin, protocol.Join{RoomID: "note-42", DisplayName: "Bea"})
	var beaJoined protocol.RoomJoined
	bea.expect(protocol.EventRoomJoined, &beaJoined)
	if len(beaJoined.ActiveSessions) != 2 {
		t.Fatalf("expected both sessions listed, got %d", len(beaJoined.ActiveSessions))
	}
	var arrival protocol.PresenceChange
	alice.expect(protocol.EventUserJoined, &arrival)
	if arrival.DisplayName != "Bea" {
		t.Fatalf("expected Bea to arrive, got %q", arrival.DisplayName)
	}

	alice.emit(protocol.EventChange, protocol.Change{RoomID: "note-42", Content: "hello", OriginID: alice.id})
	var applied protocol.ChangeApplied
	bea.expect(protocol.EventChangeApplied, &applied)
	if applied.Content != "hello" || applied.OriginID != alice.id {
		t.Fatalf("unexpected relayed change %#v", applied)
	}

	// The next frame alice sees is bea's departure, so the change was never echoed back.
	_ = bea.socket.Close()
	var departure protocol.PresenceChange
	alice.expect(protocol.EventUserLeft, &departure)
	if departure.SessionID != bea.id || len(departure.ActiveSessions) != 1 {
		t.Fatalf("unexpected departure %#v", departure)
	}
}
