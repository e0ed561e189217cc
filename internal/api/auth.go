package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/trinity-controlplane/trinity/internal/common/httpmw"
	"github.com/trinity-controlplane/trinity/internal/common/trinityerr"
)

type loginRequest struct {
	Email string `json:"email" binding:"required"`
}

type loginResponse struct {
	Token string `json:"token"`
}

// login exchanges a known user's email for a session token. Trinity
// delegates identity verification (password, SSO, device code) to
// whatever fronts this control plane; this endpoint only mints the
// session JWT once the caller is known to exist, per spec.md §6.
func (h *handler) login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpmw.RespondError(c, trinityerr.New(trinityerr.InvalidInput, "malformed login request"))
		return
	}

	user, err := h.deps.Users.GetByEmail(c.Request.Context(), req.Email)
	if err != nil {
		httpmw.RespondError(c, trinityerr.New(trinityerr.Unauthorized, "no such user"))
		return
	}

	token, err := httpmw.MintSessionToken(h.deps.JWTSecret, user.ID, h.deps.SessionTTL)
	if err != nil {
		httpmw.RespondError(c, trinityerr.Wrap(trinityerr.Internal, "mint session token", err))
		return
	}
	c.JSON(http.StatusOK, loginResponse{Token: token})
}
