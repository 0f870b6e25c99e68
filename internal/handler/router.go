package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/cors"
	"github.com/rs/zerolog"

	"github.com/weiawesome/wes-io-live-relay/internal/config"
	"github.com/weiawesome/wes-io-live-relay/internal/domain"
	"github.com/weiawesome/wes-io-live-relay/internal/hub"
	"github.com/weiawesome/wes-io-live-relay/internal/service"
	"github.com/weiawesome/wes-io-live-relay/internal/userclient"
	pkglog "github.com/weiawesome/wes-io-live-relay/pkg/log"
)

// NewRouter wires every HTTP and WebSocket route of the relay and wraps
// them with CORS.
func NewRouter(cfg *config.Config, h *hub.Hub, svc service.RelayService, users *userclient.Client, logger zerolog.Logger) http.Handler {
	dispatcher := NewDispatcher(svc)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(pkglog.GinMiddleware(logger, "/health", "/api/polling/messages/:clientId"))

	// Health check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"websocket": h.Count(domain.TransportWebSocket),
			"polling":   h.Count(domain.TransportPolling),
		})
	})

	r.GET("/ws", NewWSHandler(h, dispatcher, users, cfg.CORS.AllowedOrigins).HandleWebSocket)
	NewPollingHandler(h, dispatcher, users, cfg.Polling).RegisterRoutes(r)
	NewAPIHandler(svc).RegisterRoutes(r)

	origins := cfg.CORS.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "X-Request-ID"},
		AllowCredentials: true,
	}).Handler(r)
}
