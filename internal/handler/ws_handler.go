package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/weiawesome/wes-io-live-relay/internal/hub"
	"github.com/weiawesome/wes-io-live-relay/internal/userclient"
	pkglog "github.com/weiawesome/wes-io-live-relay/pkg/log"
)

const userLookupTimeout = 3 * time.Second

// WSHandler handles WebSocket connections.
type WSHandler struct {
	hub        *hub.Hub
	dispatcher *Dispatcher
	users      *userclient.Client
	upgrader   websocket.Upgrader
}

// NewWSHandler creates a new WebSocket handler. Origins are checked against
// allowedOrigins; "*" allows any.
func NewWSHandler(h *hub.Hub, d *Dispatcher, users *userclient.Client, allowedOrigins []string) *WSHandler {
	return &WSHandler{
		hub:        h,
		dispatcher: d,
		users:      users,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}
}

// HandleWebSocket upgrades the request and starts the connection pumps.
func (h *WSHandler) HandleWebSocket(c *gin.Context) {
	l := pkglog.Ctx(c.Request.Context())

	connID := uuid.New().String()
	name := resolveUser(c.Request.Context(), h.users, c.Request)

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		l.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	c.Set(pkglog.FieldConnID, connID)

	client := hub.NewClient(h.hub, connID, conn)
	client.Session().SetDefaultName(name)
	h.hub.Register(client)

	go client.WritePump()
	go client.ReadPump(func(conn hub.Conn, message []byte) {
		h.dispatcher.Dispatch(context.Background(), conn, message)
	})
}

// resolveUser asks the session collaborator who owns the request's cookies.
// Any failure leaves the connection anonymous.
func resolveUser(ctx context.Context, users *userclient.Client, r *http.Request) string {
	if !users.Enabled() {
		return ""
	}
	cookie := r.Header.Get("Cookie")
	if cookie == "" {
		return ""
	}

	ctx, cancel := context.WithTimeout(ctx, userLookupTimeout)
	defer cancel()

	u, err := users.Lookup(ctx, cookie)
	if err != nil {
		l := pkglog.Ctx(ctx)
		l.Debug().Err(err).Msg("session lookup failed, continuing anonymously")
		return ""
	}
	return u.Username
}

func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}
