package handler

import (
	"errors"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/weiawesome/wes-io-live-relay/internal/moderation"
	"github.com/weiawesome/wes-io-live-relay/internal/service"
	"github.com/weiawesome/wes-io-live-relay/pkg/log"
	"github.com/weiawesome/wes-io-live-relay/pkg/response"
	"github.com/weiawesome/wes-io-live-relay/pkg/storage"
)

// ModerationRequest applies a moderation action to a user in a room.
type ModerationRequest struct {
	Username string            `json:"username" binding:"required"`
	Action   moderation.Action `json:"action" binding:"required"`
}

// APIHandler serves the read-only room surface and moderation.
type APIHandler struct {
	service service.RelayService
}

// NewAPIHandler creates a new API handler.
func NewAPIHandler(svc service.RelayService) *APIHandler {
	return &APIHandler{service: svc}
}

// RegisterRoutes registers all routes.
func (h *APIHandler) RegisterRoutes(r gin.IRouter) {
	api := r.Group("/api")
	{
		rooms := api.Group("/rooms")
		{
			rooms.GET("", h.ListRooms)
			rooms.GET("/:roomId", h.GetRoom)
			rooms.GET("/:roomId/history", h.GetHistory)
			rooms.GET("/:roomId/transcripts", h.ListTranscripts)
			rooms.POST("/:roomId/moderation", h.Moderate)
		}
		api.GET("/transcripts/*key", h.GetTranscript)
	}
}

// ListRooms lists every room this instance holds.
func (h *APIHandler) ListRooms(c *gin.Context) {
	response.Success(c, gin.H{"rooms": h.service.Rooms()})
}

// GetRoom returns one room.
func (h *APIHandler) GetRoom(c *gin.Context) {
	room, ok := h.service.Room(c.Param("roomId"))
	if !ok {
		response.NotFound(c, "room not found")
		return
	}
	response.Success(c, room)
}

// GetHistory returns the retained chat history, oldest first.
func (h *APIHandler) GetHistory(c *gin.Context) {
	roomID := c.Param("roomId")
	if _, ok := h.service.Room(roomID); !ok {
		response.NotFound(c, "room not found")
		return
	}
	response.Success(c, gin.H{"messages": h.service.History(roomID)})
}

// Moderate mutes, kicks or clears a user.
func (h *APIHandler) Moderate(c *gin.Context) {
	ctx := c.Request.Context()
	l := log.Ctx(ctx)

	var req ModerationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		l.Warn().Err(err).Msg("failed to bind moderation request")
		response.BadRequest(c, err.Error())
		return
	}
	if !req.Action.Valid() {
		response.BadRequest(c, "unknown moderation action")
		return
	}

	if err := h.service.Moderate(ctx, c.Param("roomId"), req.Username, req.Action); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	response.Success(c, gin.H{"username": req.Username, "action": req.Action})
}

// ListTranscripts lists archived transcripts for a room, newest first.
func (h *APIHandler) ListTranscripts(c *gin.Context) {
	ctx := c.Request.Context()

	entries, err := h.service.Transcripts(ctx, c.Param("roomId"))
	if err != nil {
		h.transcriptError(c, err)
		return
	}
	response.Success(c, gin.H{"transcripts": entries})
}

// GetTranscript returns one archived transcript by key.
func (h *APIHandler) GetTranscript(c *gin.Context) {
	ctx := c.Request.Context()

	key := "transcripts/" + strings.TrimPrefix(c.Param("key"), "/")
	t, err := h.service.Transcript(ctx, key)
	if err != nil {
		h.transcriptError(c, err)
		return
	}
	response.Success(c, t)
}

func (h *APIHandler) transcriptError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrTranscriptsDisabled):
		response.NotFound(c, "transcripts are not enabled")
	case errors.Is(err, storage.ErrNotFound):
		response.NotFound(c, "transcript not found")
	default:
		l := log.Ctx(c.Request.Context())
		l.Error().Err(err).Msg("failed to read transcripts")
		response.InternalError(c, "failed to read transcripts")
	}
}
