package server

import (
	"net/http"
	"testing"

	"github.com/MarcoPoloResearchLab/notesync/internal/notes"
	"github.com/MarcoPoloResearchLab/notesync/internal/presence"
)

func TestNotesLifecycle(testContext *testing.T) {
	stack := newTestStack(testContext)

	status, body := stack.do(testContext, http.MethodPost, "/api/v1/notes", `{"title":"  Plan  ","content":"draft"}`)
	if status != http.StatusCreated {
		testContext.Fatalf("expected created status, got %d: %s", status, body)
	}
	var created notes.Note
	decodeBody(testContext, body, &created)
	if created.ID != "note-1" || created.Title != "Plan" {
		testContext.Fatalf("unexpected created note %+v", created)
	}

	status, body = stack.do(testContext, http.MethodPut, "/api/v1/notes/note-1", `{"content":"final"}`)
	if status != http.StatusOK {
		testContext.Fatalf("expected ok status, got %d: %s", status, body)
	}
	var updated notes.Note
	decodeBody(testContext, body, &updated)
	if updated.Content != "final" || updated.Title != "Plan" {
		testContext.Fatalf("update should only touch content, got %+v", updated)
	}

	status, body = stack.do(testContext, http.MethodGet, "/api/v1/notes/note-1", "")
	if status != http.StatusOK {
		testContext.Fatalf("expected ok status, got %d", status)
	}
	var fetched notes.Note
	decodeBody(testContext, body, &fetched)
	if fetched.Content != "final" {
		testContext.Fatalf("expected persisted content, got %q", fetched.Content)
	}

	status, body = stack.do(testContext, http.MethodGet, "/api/v1/notes", "")
	if status != http.StatusOK {
		testContext.Fatalf("expected ok status, got %d", status)
	}
	var listed []notes.Note
	decodeBody(testContext, body, &listed)
	if len(listed) != 1 {
		testContext.Fatalf("expected one note, got %d", len(listed))
	}
}

func TestNotesErrorResponses(testContext *testing.T) {
	stack := newTestStack(testContext)

	testCases := []struct {
		name         string
		method       string
		path         string
		body         string
		expectedCode int
		expectedErr  string
	}{
		{name: "create-missing-content", method: http.MethodPost, path: "/api/v1/notes", body: `{"title":"t","content":"  "}`, expectedCode: http.StatusBadRequest, expectedErr: "notes.create.invalid_input"},
		{name: "create-malformed", method: http.MethodPost, path: "/api/v1/notes", body: `{"title":`, expectedCode: http.StatusBadRequest, expectedErr: errorCodeInvalidRequest},
		{name: "get-missing", method: http.MethodGet, path: "/api/v1/notes/absent", expectedCode: http.StatusNotFound, expectedErr: "notes.get.not_found"},
		{name: "update-missing", method: http.MethodPut, path: "/api/v1/notes/absent", body: `{"title":"x"}`, expectedCode: http.StatusNotFound, expectedErr: "notes.update.not_found"},
		{name: "update-empty", method: http.MethodPut, path: "/api/v1/notes/absent", body: `{"title":" "}`, expectedCode: http.StatusBadRequest, expectedErr: "notes.update.invalid_input"},
	}

	for _, testCase := range testCases {
		testContext.Run(testCase.name, func(t *testing.T) {
			status, body := stack.do(t, testCase.method, testCase.path, testCase.body)
			if status != testCase.expectedCode {
				t.Fatalf("expected status %d, got %d: %s", testCase.expectedCode, status, body)
			}
			var payload struct {
				Error string `json:"error"`
			}
			decodeBody(t, body, &payload)
			if payload.Error != testCase.expectedErr {
				t.Fatalf("expected error code %q, got %q", testCase.expectedErr, payload.Error)
			}
		})
	}
}

func TestSessionsEndpointReportsPresence(testContext *testing.T) {
	stack := newTestStack(testContext)
	stack.hub.Registry().Register("note-9", "conn-1", "Alice")

	status, body := stack.do(testContext, http.MethodGet, "/api/v1/notes/note-9/sessions", "")
	if status != http.StatusOK {
		testContext.Fatalf("expected ok status, got %d", status)
	}
	var payload struct {
		NoteID         string             `json:"noteId"`
		ActiveSessions []presence.Session `json:"activeSessions"`
	}
	decodeBody(testContext, body, &payload)
	if payload.NoteID != "note-9" || len(payload.ActiveSessions) != 1 || payload.ActiveSessions[0].DisplayName != "Alice" {
		testContext.Fatalf("unexpected presence snapshot %+v", payload)
	}

	status, body = stack.do(testContext, http.MethodGet, "/health", "")
	if status != http.StatusOK {
		testContext.Fatalf("expected healthy status, got %d", status)
	}
	var health struct {
		Status   string `json:"status"`
		Sessions int    `json:"sessions"`
	}
	decodeBody(testContext, body, &health)
	if health.Status != "ok" || health.Sessions != 1 {
		testContext.Fatalf("unexpected health payload %+v", health)
	}
}
