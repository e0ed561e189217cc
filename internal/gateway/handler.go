package gateway

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/trinity-controlplane/trinity/internal/common/httpmw"
	"github.com/trinity-controlplane/trinity/internal/common/logger"
)

var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Handler upgrades an authenticated HTTP request to a WebSocket
// connection and hands the resulting Client off to the Hub.
type Handler struct {
	hub       *Hub
	jwtSecret string
	keys      httpmw.KeyResolver
	logger    *logger.Logger
}

// NewHandler builds the upgrade entry point. jwtSecret and keys mirror
// internal/api's Authenticate middleware so a caller's session token or
// MCP key authenticates identically on both halves of the boundary.
func NewHandler(hub *Hub, jwtSecret string, keys httpmw.KeyResolver, log *logger.Logger) *Handler {
	return &Handler{hub: hub, jwtSecret: jwtSecret, keys: keys, logger: log.WithFields(zap.String("component", "gateway_handler"))}
}

// HandleConnection is a gin.HandlerFunc for GET /ws. The bearer token
// travels as a query parameter since browser WebSocket clients cannot
// set an Authorization header on the upgrade request.
func (h *Handler) HandleConnection(c *gin.Context) {
	token := c.Query("token")
	principal, err := httpmw.AuthenticateToken(c.Request.Context(), h.jwtSecret, h.keys, token)
	if err != nil {
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Debug("upgrade failed", zap.Error(err))
		return
	}

	client := NewClient(uuid.NewString(), conn, h.hub, *principal, h.logger)
	h.hub.Register(client)

	go client.WritePump()
	client.ReadPump(c.Request.Context())
}
