package handler

import (
	"encoding/json"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/weiawesome/wes-io-live-relay/internal/config"
	"github.com/weiawesome/wes-io-live-relay/internal/domain"
	"github.com/weiawesome/wes-io-live-relay/internal/hub"
	"github.com/weiawesome/wes-io-live-relay/internal/userclient"
	pkglog "github.com/weiawesome/wes-io-live-relay/pkg/log"
	"github.com/weiawesome/wes-io-live-relay/pkg/response"
)

// RegisterRequest registers a polling client.
type RegisterRequest struct {
	ClientID   string           `json:"clientId"`
	ClientType domain.Role      `json:"clientType"`
	UserInfo   *domain.UserInfo `json:"userInfo"`
}

// RegisterResponse carries the id to poll with.
type RegisterResponse struct {
	ClientID string `json:"clientId"`
}

// MessagesResponse carries drained frames in arrival order.
type MessagesResponse struct {
	Messages []json.RawMessage `json:"messages"`
}

// SendRequest posts one frame on behalf of a polling client.
type SendRequest struct {
	ClientID string          `json:"clientId" binding:"required"`
	Message  json.RawMessage `json:"message" binding:"required"`
}

// PollingHandler serves the HTTP polling fallback.
type PollingHandler struct {
	hub        *hub.Hub
	dispatcher *Dispatcher
	users      *userclient.Client
	cfg        config.PollingConfig
	limiter    *ipLimiter
}

// NewPollingHandler creates a new polling handler.
func NewPollingHandler(h *hub.Hub, d *Dispatcher, users *userclient.Client, cfg config.PollingConfig) *PollingHandler {
	return &PollingHandler{
		hub:        h,
		dispatcher: d,
		users:      users,
		cfg:        cfg,
		limiter:    newIPLimiter(cfg.RequestsPerSecond, cfg.Burst),
	}
}

// RegisterRoutes registers the polling routes.
func (h *PollingHandler) RegisterRoutes(r gin.IRouter) {
	polling := r.Group("/api/polling", h.limiter.middleware())
	{
		polling.POST("/register", h.Register)
		polling.GET("/messages/:clientId", h.Messages)
		polling.POST("/send", h.Send)
	}
}

// Register creates a polling connection. A requested clientId is honored
// unless it is already live.
func (h *PollingHandler) Register(c *gin.Context) {
	var req RegisterRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, "invalid register request")
			return
		}
	}

	id := req.ClientID
	if _, taken := h.hub.Get(id); id == "" || taken {
		id = uuid.New().String()
	}

	pc := hub.NewPollingClient(h.hub, id)
	name := resolveUser(c.Request.Context(), h.users, c.Request)
	if req.UserInfo != nil && req.UserInfo.Username != "" {
		name = req.UserInfo.Username
	}
	pc.Session().SetDefaultName(name)
	h.hub.Register(pc)

	c.Set(pkglog.FieldConnID, id)
	response.Success(c, RegisterResponse{ClientID: id})
}

// Messages drains the client's mailbox. With ?wait=<duration> the request
// is held until a frame arrives or the wait (capped by config) elapses.
func (h *PollingHandler) Messages(c *gin.Context) {
	pc, ok := h.hub.Polling(c.Param("clientId"))
	if !ok {
		response.NotFound(c, "unknown client id")
		return
	}
	pc.Touch()

	var wait time.Duration
	if raw := c.Query("wait"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			response.BadRequest(c, "invalid wait duration")
			return
		}
		wait = min(d, h.cfg.MaxWait)
	}

	response.Success(c, MessagesResponse{Messages: pc.Wait(c.Request.Context(), wait)})
}

// Send feeds one frame through the same dispatcher websocket frames use.
func (h *PollingHandler) Send(c *gin.Context) {
	var req SendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "clientId and message are required")
		return
	}

	pc, ok := h.hub.Polling(req.ClientID)
	if !ok || pc.Closed() {
		response.NotFound(c, "unknown client id")
		return
	}
	pc.Touch()
	c.Set(pkglog.FieldConnID, pc.ID())

	ctx := c.Request.Context()
	pc.Do(func() {
		h.dispatcher.Dispatch(ctx, pc, req.Message)
	})
	response.Success(c, nil)
}
