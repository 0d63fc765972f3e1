package realtime

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/notesync/internal/presence"
	"github.com/MarcoPoloResearchLab/notesync/internal/protocol"
	"go.uber.org/zap"
)

const frameDeadline = time.Second

func sequentialIDs(prefix string) func() string {
	var mu sync.Mutex
	counter := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		counter++
		return fmt.Sprintf("%s-%d", prefix, counter)
	}
}

func startHub(t *testing.T, bufferSize int) *Hub {
	t.Helper()
	hub, err := NewHub(HubConfig{
		Registry:       presence.NewRegistry(nil),
		Logger:         zap.NewNop(),
		IDProvider:     sequentialIDs("conn"),
		SendBufferSize: bufferSize,
	})
	if err != nil {
		t.Fatalf("failed to construct hub: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(cancel)
	return hub
}

func connect(t *testing.T, hub *Hub) *Connection {
	t.Helper()
	conn := hub.NewConnection("test")
	if err := hub.Register(context.Background(), conn); err != nil {
		t.Fatalf("failed to register connection: %v", err)
	}
	var connected protocol.Connected
	expectEvent(t, conn, protocol.EventConnected, &connected)
	if connected.SessionID != conn.ID() {
		t.Fatalf("expected handshake id %s, got %s", conn.ID(), connected.SessionID)
	}
	return conn
}

func emit(t *testing.T, hub *Hub, conn *Connection, event string, payload any) {
	t.Helper()
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		t.Fatalf("failed to encode %s: %v", event, err)
	}
	hub.Dispatch(conn, frame)
}

func expectEvent(t *testing.T, conn *Connection, event string, target any) {
	t.Helper()
	select {
	case frame, ok := <-conn.Outbound():
		if !ok {
			t.Fatalf("connection %s closed while waiting for %s", conn.ID(), event)
		}
		envelope, err := protocol.Decode(frame)
		if err != nil {
			t.Fatalf("failed to decode frame: %v", err)
		}
		if envelope.Event != event {
			t.Fatalf("connection %s expected %s, got %s (%s)", conn.ID(), event, envelope.Event, string(envelope.Data))
		}
		if target != nil {
			if err := envelope.DecodeData(target); err != nil {
				t.Fatalf("failed to decode %s payload: %v", event, err)
			}
		}
	case <-time.After(frameDeadline):
		t.Fatalf("connection %s timed out waiting for %s", conn.ID(), event)
	}
}

func expectSilence(t *testing.T, conn *Connection) {
	t.Helper()
	select {
	case frame := <-conn.Outbound():
		t.Fatalf("connection %s received unexpected frame %s", conn.ID(), string(frame))
	case <-time.After(100 * time.Millisecond):
	}
}

func join(t *testing.T, hub *Hub, conn *Connection, roomID, displayName string) protocol.RoomJoined {
	t.Helper()
	emit(t, hub, conn, protocol.EventJoin, protocol.Join{RoomID: roomID, DisplayName: displayName})
	var joined protocol.RoomJoined
	expectEvent(t, conn, protocol.EventRoomJoined, &joined)
	return joined
}

func sessionIDs(sessions []presence.Session) []string {
	ids := make([]string, 0, len(sessions))
	for _, session := range sessions {
		ids = append(ids, session.SessionID)
	}
	return ids
}

func TestHubJoinScenario(t *testing.T) {
	hub := startHub(t, 0)
	alice := connect(t, hub)
	bea := connect(t, hub)

	joined := join(t, hub, alice, "note-42", "")
	if joined.RoomID != "note-42" {
		t.Fatalf("unexpected room id %q", joined.RoomID)
	}
	if len(joined.ActiveSessions) != 1 {
		t.Fatalf("expected one active session, got %d", len(joined.ActiveSessions))
	}
	if !strings.HasPrefix(joined.ActiveSessions[0].DisplayName, "Anonymous") {
		t.Fatalf("expected synthesized anonymous name, got %q", joined.ActiveSessions[0].DisplayName)
	}

	joined = join(t, hub, bea, "note-42", "Bea")
	if len(joined.ActiveSessions) != 2 {
		t.Fatalf("expected joiner to see both sessions, got %v", sessionIDs(joined.ActiveSessions))
	}

	var arrival protocol.PresenceChange
	expectEvent(t, alice, protocol.EventUserJoined, &arrival)
	if arrival.SessionID != bea.ID() || arrival.DisplayName != "Bea" {
		t.Fatalf("unexpected arrival payload %#v", arrival)
	}
	if len(arrival.ActiveSessions) != 2 {
		t.Fatalf("expected updated occupancy of 2, got %d", len(arrival.ActiveSessions))
	}
	expectSilence(t, bea)
}

func TestHubRelaysChangeToPeersOnly(t *testing.T) {
	hub := startHub(t, 0)
	alice := connect(t, hub)
	bea := connect(t, hub)
	carl := connect(t, hub)
	join(t, hub, alice, "note-42", "Alice")
	join(t, hub, bea, "note-42", "Bea")
	expectEvent(t, alice, protocol.EventUserJoined, nil)
	join(t, hub, carl, "note-42", "Carl")
	expectEvent(t, alice, protocol.EventUserJoined, nil)
	expectEvent(t, bea, protocol.EventUserJoined, nil)

	title := "Groceries"
	emit(t, hub, alice, protocol.EventChange, protocol.Change{
		RoomID:   "note-42",
		Content:  "hello",
		Title:    &title,
		OriginID: alice.ID(),
	})

	for _, peer := range []*Connection{bea, carl} {
		var applied protocol.ChangeApplied
		expectEvent(t, peer, protocol.EventChangeApplied, &applied)
		if applied.Content != "hello" {
			t.Fatalf("expected content hello, got %q", applied.Content)
		}
		if applied.OriginID != alice.ID() {
			t.Fatalf("expected origin %s, got %s", alice.ID(), applied.OriginID)
		}
		if applied.UpdatedBy != "Alice" {
			t.Fatalf("expected updatedBy Alice, got %q", applied.UpdatedBy)
		}
		if applied.Title == nil || *applied.Title != title {
			t.Fatalf("expected title to be relayed")
		}
		if applied.Timestamp.IsZero() {
			t.Fatalf("expected relay timestamp")
		}
	}
	expectSilence(t, alice)
}

func TestHubStampsOriginFromSender(t *testing.T) {
	hub := startHub(t, 0)
	alice := connect(t, hub)
	bea := connect(t, hub)
	join(t, hub, alice, "note-42", "Alice")
	join(t, hub, bea, "note-42", "Bea")
	expectEvent(t, alice, protocol.EventUserJoined, nil)

	emit(t, hub, alice, protocol.EventChange, protocol.Change{
		RoomID:    "note-42",
		Content:   "spoofed",
		OriginID:  bea.ID(),
		UpdatedBy: "Mallory",
	})

	var applied protocol.ChangeApplied
	expectEvent(t, bea, protocol.EventChangeApplied, &applied)
	if applied.OriginID != alice.ID() {
		t.Fatalf("expected origin to be stamped from sender, got %s", applied.OriginID)
	}
	if applied.UpdatedBy != "Alice" {
		t.Fatalf("expected updatedBy from session name, got %q", applied.UpdatedBy)
	}
	expectSilence(t, alice)
}

func TestHubRejectsMalformedChange(t *testing.T) {
	testCases := []struct {
		name   string
		change protocol.Change
	}{
		{name: "empty-content", change: protocol.Change{RoomID: "note-42", Content: ""}},
		{name: "missing-room", change: protocol.Change{RoomID: "", Content: "hello"}},
		{name: "blank-room", change: protocol.Change{RoomID: "   ", Content: "hello"}},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			hub := startHub(t, 0)
			alice := connect(t, hub)
			bea := connect(t, hub)
			join(t, hub, alice, "note-42", "Alice")
			join(t, hub, bea, "note-42", "Bea")
			expectEvent(t, alice, protocol.EventUserJoined, nil)

			emit(t, hub, alice, protocol.EventChange, testCase.change)

			var rejection protocol.Error
			expectEvent(t, alice, protocol.EventError, &rejection)
			if rejection.Message == "" {
				t.Fatalf("expected error message")
			}
			expectSilence(t, bea)
		})
	}
}

func TestHubRejectsJoinWithoutRoom(t *testing.T) {
	hub := startHub(t, 0)
	alice := connect(t, hub)

	emit(t, hub, alice, protocol.EventJoin, protocol.Join{RoomID: "  ", DisplayName: "Alice"})

	var rejection protocol.Error
	expectEvent(t, alice, protocol.EventError, &rejection)
	if rejection.Message != messageRoomRequired {
		t.Fatalf("unexpected error message %q", rejection.Message)
	}
	if hub.Registry().RoomCount() != 0 {
		t.Fatalf("expected no rooms after rejected join")
	}
}

func TestHubSwitchingRoomsLeavesPreviousRoom(t *testing.T) {
	hub := startHub(t, 0)
	mover := connect(t, hub)
	stayA := connect(t, hub)
	stayB := connect(t, hub)
	join(t, hub, stayA, "room-a", "A")
	join(t, hub, stayB, "room-b", "B")

	join(t, hub, mover, "room-a", "Mover")
	expectEvent(t, stayA, protocol.EventUserJoined, nil)

	joined := join(t, hub, mover, "room-b", "Mover")
	if len(joined.ActiveSessions) != 2 {
		t.Fatalf("expected two sessions in room-b, got %v", sessionIDs(joined.ActiveSessions))
	}

	var departure protocol.PresenceChange
	expectEvent(t, stayA, protocol.EventUserLeft, &departure)
	if departure.SessionID != mover.ID() {
		t.Fatalf("expected departure of %s, got %s", mover.ID(), departure.SessionID)
	}
	if len(departure.ActiveSessions) != 1 || departure.ActiveSessions[0].SessionID != stayA.ID() {
		t.Fatalf("expected room-a occupancy to shrink, got %v", sessionIDs(departure.ActiveSessions))
	}

	var arrival protocol.PresenceChange
	expectEvent(t, stayB, protocol.EventUserJoined, &arrival)
	if arrival.SessionID != mover.ID() {
		t.Fatalf("expected arrival of %s, got %s", mover.ID(), arrival.SessionID)
	}

	for _, session := range hub.Registry().List("room-a") {
		if session.SessionID == mover.ID() {
			t.Fatalf("mover should no longer be listed in room-a")
		}
	}
}

func TestHubDisconnectRemovesEmptyRoom(t *testing.T) {
	hub := startHub(t, 0)
	alice := connect(t, hub)
	bea := connect(t, hub)
	join(t, hub, alice, "note-7", "Alice")
	join(t, hub, bea, "note-7", "Bea")
	expectEvent(t, alice, protocol.EventUserJoined, nil)

	hub.Unregister(bea)
	var departure protocol.PresenceChange
	expectEvent(t, alice, protocol.EventUserLeft, &departure)
	if departure.DisplayName != "Bea" || len(departure.ActiveSessions) != 1 {
		t.Fatalf("unexpected departure payload %#v", departure)
	}

	hub.Unregister(alice)
	select {
	case <-alice.Done():
	case <-time.After(frameDeadline):
		t.Fatalf("expected connection to be released")
	}
	if hub.Registry().Has("note-7") {
		t.Fatalf("room should be removed once its last session disconnects")
	}

	carl := connect(t, hub)
	joined := join(t, hub, carl, "note-7", "Carl")
	if len(joined.ActiveSessions) != 1 || joined.ActiveSessions[0].SessionID != carl.ID() {
		t.Fatalf("expected a fresh room with one member, got %v", sessionIDs(joined.ActiveSessions))
	}
}

func TestHubRelaysCursorBestEffort(t *testing.T) {
	hub := startHub(t, 0)
	alice := connect(t, hub)
	bea := connect(t, hub)
	join(t, hub, alice, "note-42", "Alice")
	join(t, hub, bea, "note-42", "Bea")
	expectEvent(t, alice, protocol.EventUserJoined, nil)

	hub.Dispatch(alice, []byte(`{"event":"cursor","data":{"position":4}}`))
	hub.Dispatch(alice, []byte(`{"event":"cursor","data":"garbage"}`))
	expectSilence(t, alice)
	expectSilence(t, bea)

	hub.Dispatch(alice, []byte(`{"event":"cursor","data":{"roomId":"note-42","position":4,"selection":{"start":1,"end":4}}}`))
	var cursor protocol.CursorApplied
	expectEvent(t, bea, protocol.EventCursorApplied, &cursor)
	if cursor.SessionID != alice.ID() || cursor.DisplayName != "Alice" {
		t.Fatalf("unexpected cursor owner %#v", cursor)
	}
	if string(cursor.Position) != "4" {
		t.Fatalf("expected position to pass through, got %s", string(cursor.Position))
	}
	expectSilence(t, alice)
}

func TestHubSurvivesMalformedFrames(t *testing.T) {
	hub := startHub(t, 0)
	alice := connect(t, hub)

	hub.Dispatch(alice, []byte(`not json`))
	expectEvent(t, alice, protocol.EventError, nil)

	hub.Dispatch(alice, []byte(`{"event":"teleport","data":{}}`))
	expectEvent(t, alice, protocol.EventError, nil)

	joined := join(t, hub, alice, "note-1", "Alice")
	if len(joined.ActiveSessions) != 1 {
		t.Fatalf("hub should keep serving after malformed frames")
	}
}

func TestHubSlowPeerDoesNotStallOthers(t *testing.T) {
	hub := startHub(t, 4)
	alice := connect(t, hub)
	stalled := connect(t, hub)
	carl := connect(t, hub)
	join(t, hub, alice, "note-1", "Alice")
	join(t, hub, stalled, "note-1", "Stalled")
	expectEvent(t, alice, protocol.EventUserJoined, nil)
	join(t, hub, carl, "note-1", "Carl")
	expectEvent(t, alice, protocol.EventUserJoined, nil)

	for i := 0; i < 10; i++ {
		content := fmt.Sprintf("revision-%d", i)
		emit(t, hub, alice, protocol.EventChange, protocol.Change{RoomID: "note-1", Content: content})
		var applied protocol.ChangeApplied
		expectEvent(t, carl, protocol.EventChangeApplied, &applied)
		if applied.Content != content {
			t.Fatalf("expected %s, got %s", content, applied.Content)
		}
	}
}

func TestHubAnnouncesNoteCreationToEveryone(t *testing.T) {
	hub := startHub(t, 0)
	alice := connect(t, hub)
	bea := connect(t, hub)
	join(t, hub, alice, "note-1", "Alice")

	hub.AnnounceNoteCreated(protocol.NoteSummary{ID: "note-2", Title: "Fresh"}, "")

	for _, conn := range []*Connection{alice, bea} {
		var created protocol.NoteCreated
		expectEvent(t, conn, protocol.EventNoteCreated, &created)
		if created.Note.ID != "note-2" || created.CreatedBy != "Anonymous" {
			t.Fatalf("unexpected note creation payload %#v", created)
		}
	}
}

func TestSessionDisplayName(t *testing.T) {
	testCases := []struct {
		name      string
		requested string
		expected  string
	}{
		{name: "blank", requested: "   ", expected: "Anonymous_abcdef"},
		{name: "trimmed", requested: "  Bea  ", expected: "Bea"},
		{name: "capped", requested: "abcdefghijklmnopqrstuvwxyz", expected: "abcdefghijklmnopqrst"},
		{name: "capped-runes", requested: "ééééééééééééééééééééééé", expected: "éééééééééééééééééééé"},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			got := SessionDisplayName(testCase.requested, "abcdefghij")
			if got != testCase.expected {
				t.Fatalf("expected %q, got %q", testCase.expected, got)
			}
		})
	}
}
