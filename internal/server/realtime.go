package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/MarcoPoloResearchLab/notesync/internal/protocol"
	"github.com/MarcoPoloResearchLab/notesync/internal/realtime"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const errorCodeUnknownSession = "unknown_session"

type pollOpenResponsePayload struct {
	SessionID string `json:"sessionId"`
}

type pollEventsResponsePayload struct {
	Events []json.RawMessage `json:"events"`
}

type realtimeHandler struct {
	polling *realtime.PollingServer
	logger  *zap.Logger
}

func registerRealtimeRoutes(router *gin.Engine, handler realtimeHandler, websocketHandler http.Handler) {
	group := router.Group("/realtime")
	group.GET("/ws", gin.WrapH(websocketHandler))
	group.POST("/poll", handler.handleOpen)
	group.GET("/poll/:sessionId", handler.handlePoll)
	group.POST("/poll/:sessionId", handler.handleEmit)
	group.DELETE("/poll/:sessionId", handler.handleClose)
}

func (h realtimeHandler) handleOpen(c *gin.Context) {
	sessionID, err := h.polling.Open(c.Request.Context())
	if err != nil {
		h.logger.Warn("polling session open failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "realtime_unavailable"})
		return
	}
	c.JSON(http.StatusCreated, pollOpenResponsePayload{SessionID: sessionID})
}

func (h realtimeHandler) handlePoll(c *gin.Context) {
	events, err := h.polling.Poll(c.Request.Context(), c.Param("sessionId"))
	switch {
	case err == nil:
		c.JSON(http.StatusOK, pollEventsResponsePayload{Events: events})
	case errors.Is(err, realtime.ErrUnknownSession):
		c.JSON(http.StatusNotFound, gin.H{"error": errorCodeUnknownSession})
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		c.Status(http.StatusNoContent)
	default:
		h.logger.Error("poll failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": errorCodeInternal})
	}
}

func (h realtimeHandler) handleEmit(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, protocol.MaxFrameBytes)
	frame, err := c.GetRawData()
	if err != nil || len(frame) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorCodeInvalidRequest})
		return
	}
	if err := h.polling.Emit(c.Param("sessionId"), frame); err != nil {
		if errors.Is(err, realtime.ErrUnknownSession) {
			c.JSON(http.StatusNotFound, gin.H{"error": errorCodeUnknownSession})
			return
		}
		h.logger.Error("poll emit failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": errorCodeInternal})
		return
	}
	c.Status(http.StatusAccepted)
}

func (h realtimeHandler) handleClose(c *gin.Context) {
	if err := h.polling.Close(c.Param("sessionId")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": errorCodeUnknownSession})
		return
	}
	c.Status(http.StatusNoContent)
}
