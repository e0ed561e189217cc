package httpmw

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/trinity-controlplane/trinity/internal/common/trinityerr"
)

// statusForCode maps the stable error taxonomy (spec.md §7) onto HTTP status
// codes, shared by every handler so a caller sees one consistent mapping
// regardless of which component raised the error.
var statusForCode = map[trinityerr.Code]int{
	trinityerr.InvalidInput:        http.StatusBadRequest,
	trinityerr.Unauthorized:        http.StatusUnauthorized,
	trinityerr.Forbidden:           http.StatusForbidden,
	trinityerr.NotFound:            http.StatusNotFound,
	trinityerr.Conflict:            http.StatusConflict,
	trinityerr.TemplateUnavailable: http.StatusFailedDependency,
	trinityerr.EngineUnavailable:   http.StatusServiceUnavailable,
	trinityerr.QueueNotReady:       http.StatusServiceUnavailable,
	trinityerr.Timeout:             http.StatusGatewayTimeout,
	trinityerr.Cancelled:           http.StatusRequestTimeout,
	trinityerr.Internal:            http.StatusInternalServerError,
}

// RespondError writes a sanitized error body and the matching HTTP status.
// It never serializes err.Cause — only the stable code and message survive
// the boundary.
func RespondError(c *gin.Context, err error) {
	code, message := trinityerr.Sanitize(err)
	status, ok := statusForCode[code]
	if !ok {
		status = http.StatusInternalServerError
	}
	c.JSON(status, gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	})
}
