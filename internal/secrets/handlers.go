package secrets

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/trinity-controlplane/trinity/internal/common/httpmw"
	"github.com/trinity-controlplane/trinity/internal/common/logger"
	"github.com/trinity-controlplane/trinity/internal/common/trinityerr"
)

// Handler provides the admin HTTP surface for secrets CRUD. Secret
// management has no WebSocket action counterpart: it is settings-owner
// only and never streamed to activity subscribers.
type Handler struct {
	store  Store
	logger *logger.Logger
}

// NewHandler creates a new secrets handler.
func NewHandler(store Store, log *logger.Logger) *Handler {
	return &Handler{store: store, logger: log}
}

// RegisterRoutes mounts the secrets admin endpoints under the given group.
// Callers are expected to have already applied an admin-only middleware.
func (h *Handler) RegisterRoutes(admin gin.IRouter) {
	admin.POST("/secrets", h.create)
	admin.GET("/secrets", h.list)
	admin.GET("/secrets/:id", h.get)
	admin.PUT("/secrets/:id", h.update)
	admin.DELETE("/secrets/:id", h.delete)
	admin.POST("/secrets/:id/reveal", h.reveal)
}

func (h *Handler) create(c *gin.Context) {
	var req CreateSecretRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpmw.RespondError(c, trinityerr.New(trinityerr.InvalidInput, "invalid payload"))
		return
	}
	if req.EnvKey == "" {
		httpmw.RespondError(c, trinityerr.New(trinityerr.InvalidInput, "env_key is required"))
		return
	}

	item := &SecretWithValue{Secret: Secret{EnvKey: req.EnvKey}, Value: req.Value}
	if err := h.store.Create(c.Request.Context(), item); err != nil {
		h.logger.Error("failed to create secret", zap.String("env_key", req.EnvKey), zap.Error(err))
		httpmw.RespondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, item.Secret)
}

func (h *Handler) list(c *gin.Context) {
	items, err := h.store.List(c.Request.Context())
	if err != nil {
		httpmw.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, items)
}

func (h *Handler) get(c *gin.Context) {
	secret, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		httpmw.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, secret)
}

func (h *Handler) update(c *gin.Context) {
	var req UpdateSecretRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpmw.RespondError(c, trinityerr.New(trinityerr.InvalidInput, "invalid payload"))
		return
	}
	if err := h.store.Update(c.Request.Context(), c.Param("id"), &req); err != nil {
		httpmw.RespondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) delete(c *gin.Context) {
	if err := h.store.Delete(c.Request.Context(), c.Param("id")); err != nil {
		httpmw.RespondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) reveal(c *gin.Context) {
	value, err := h.store.Reveal(c.Request.Context(), c.Param("id"))
	if err != nil {
		httpmw.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, RevealSecretResponse{Value: value})
}
