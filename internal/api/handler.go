package api

import (
	"github.com/gin-gonic/gin"

	"github.com/trinity-controlplane/trinity/internal/accessmatrix"
	"github.com/trinity-controlplane/trinity/internal/common/httpmw"
	"github.com/trinity-controlplane/trinity/internal/common/trinityerr"
	"github.com/trinity-controlplane/trinity/internal/domain"
)

type handler struct {
	deps *Deps
}

// principal extracts the authenticated caller or writes an
// Unauthorized response and reports false.
func (h *handler) principal(c *gin.Context) (httpmw.Principal, bool) {
	p, ok := httpmw.CurrentPrincipal(c)
	if !ok {
		httpmw.RespondError(c, trinityerr.New(trinityerr.Unauthorized, "no principal on request"))
		return httpmw.Principal{}, false
	}
	return *p, true
}

// authorize runs the Access Matrix Check and writes the error response
// itself on denial, returning whether the caller may proceed.
func (h *handler) authorize(c *gin.Context, principal httpmw.Principal, action accessmatrix.Action, target accessmatrix.Target) bool {
	if err := h.deps.Matrix.Check(c.Request.Context(), principal, action, target); err != nil {
		httpmw.RespondError(c, err)
		return false
	}
	return true
}

// requireAdmin gates the secrets management surface to users whose
// stored role is admin; MCP keys never carry that role and are rejected
// outright.
func (h *handler) requireAdmin(c *gin.Context) {
	principal, ok := h.principal(c)
	if !ok {
		return
	}
	if principal.Kind != httpmw.PrincipalUser {
		httpmw.RespondError(c, trinityerr.New(trinityerr.Forbidden, "admin surface requires a user session"))
		c.Abort()
		return
	}
	user, err := h.deps.Users.Get(c.Request.Context(), principal.UserID)
	if err != nil {
		httpmw.RespondError(c, err)
		c.Abort()
		return
	}
	if user.Role != domain.RoleAdmin {
		httpmw.RespondError(c, trinityerr.New(trinityerr.Forbidden, "admin role required"))
		c.Abort()
		return
	}
	c.Next()
}
