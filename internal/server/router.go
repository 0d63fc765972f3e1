package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/notesync/internal/notes"
	"github.com/MarcoPoloResearchLab/notesync/internal/presence"
	"github.com/MarcoPoloResearchLab/notesync/internal/protocol"
	"github.com/MarcoPoloResearchLab/notesync/internal/realtime"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	errorCodeInvalidRequest = "invalid_request"
	errorCodeInternal       = "internal_error"
	anonymousCreator        = "Anonymous"
)

var (
	errMissingNotesService = errors.New("notes service dependency required")
	errMissingHub          = errors.New("realtime hub dependency required")
	errMissingPolling      = errors.New("polling server dependency required")
	errMissingWebSocket    = errors.New("websocket handler dependency required")
)

// NotesService is the persistence surface exposed over HTTP.
type NotesService interface {
	Create(ctx context.Context, request notes.CreateRequest) (notes.Note, error)
	List(ctx context.Context) ([]notes.Note, error)
	Get(ctx context.Context, id string) (notes.Note, error)
	Update(ctx context.Context, id string, request notes.UpdateRequest) (notes.Note, error)
}

type Dependencies struct {
	NotesService   NotesService
	Hub            *realtime.Hub
	Polling        *realtime.PollingServer
	WebSocket      http.Handler
	AllowedOrigins []string
	Logger         *zap.Logger
}

// NewHTTPHandler builds the gin router serving the persistence API and realtime transports.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.NotesService == nil {
		return nil, errMissingNotesService
	}
	if deps.Hub == nil {
		return nil, errMissingHub
	}
	if deps.Polling == nil {
		return nil, errMissingPolling
	}
	if deps.WebSocket == nil {
		return nil, errMissingWebSocket
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		notesService: deps.NotesService,
		hub:          deps.Hub,
		logger:       logger,
	}

	router.GET("/health", handler.handleHealth)

	api := router.Group("/api/v1")
	api.POST("/notes", handler.handleCreateNote)
	api.GET("/notes", handler.handleListNotes)
	api.GET("/notes/:id", handler.handleGetNote)
	api.PUT("/notes/:id", handler.handleUpdateNote)
	api.GET("/notes/:id/sessions", handler.handleListSessions)

	registerRealtimeRoutes(router, realtimeHandler{
		polling: deps.Polling,
		logger:  logger,
	}, deps.WebSocket)

	return router, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Content-Type"},
		MaxAge:       12 * time.Hour,
	}
	origins := make([]string, 0, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
	}
	return cors.New(cfg)
}

type httpHandler struct {
	notesService NotesService
	hub          *realtime.Hub
	logger       *zap.Logger
}

type createNotePayload struct {
	Title     string `json:"title"`
	Content   string `json:"content"`
	CreatedBy string `json:"createdBy"`
}

type updateNotePayload struct {
	Title   *string `json:"title"`
	Content *string `json:"content"`
}

type sessionsResponsePayload struct {
	NoteID         string             `json:"noteId"`
	ActiveSessions []presence.Session `json:"activeSessions"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	registry := h.hub.Registry()
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"rooms":    registry.RoomCount(),
		"sessions": registry.SessionCount(),
	})
}

func (h *httpHandler) handleCreateNote(c *gin.Context) {
	var request createNotePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorCodeInvalidRequest})
		return
	}

	note, err := h.notesService.Create(c.Request.Context(), notes.CreateRequest{
		Title:   request.Title,
		Content: request.Content,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}

	createdBy := strings.TrimSpace(request.CreatedBy)
	if createdBy == "" {
		createdBy = anonymousCreator
	}
	h.hub.AnnounceNoteCreated(noteSummary(note), createdBy)

	c.JSON(http.StatusCreated, note)
}

func (h *httpHandler) handleListNotes(c *gin.Context) {
	list, err := h.notesService.List(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

func (h *httpHandler) handleGetNote(c *gin.Context) {
	note, err := h.notesService.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, note)
}

func (h *httpHandler) handleUpdateNote(c *gin.Context) {
	var request updateNotePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorCodeInvalidRequest})
		return
	}

	note, err := h.notesService.Update(c.Request.Context(), c.Param("id"), notes.UpdateRequest{
		Title:   request.Title,
		Content: request.Content,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, note)
}

func (h *httpHandler) handleListSessions(c *gin.Context) {
	noteID, err := notes.NewNoteID(c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sessionsResponsePayload{
		NoteID:         noteID.String(),
		ActiveSessions: h.hub.Registry().List(noteID.String()),
	})
}

func (h *httpHandler) respondError(c *gin.Context, err error) {
	code := errorCodeInternal
	var serviceErr *notes.ServiceError
	if errors.As(err, &serviceErr) {
		code = serviceErr.Code()
	}

	switch {
	case errors.Is(err, notes.ErrValidation):
		if code == errorCodeInternal {
			code = errorCodeInvalidRequest
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": code, "message": err.Error()})
	case errors.Is(err, notes.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": code, "message": err.Error()})
	default:
		h.logger.Error("notes request failed", zap.String("code", code), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": code})
	}
}

func noteSummary(note notes.Note) protocol.NoteSummary {
	return protocol.NoteSummary{
		ID:        note.ID,
		Title:     note.Title,
		Content:   note.Content,
		CreatedAt: note.CreatedAt,
		UpdatedAt: note.UpdatedAt,
	}
}
