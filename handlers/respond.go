package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"questionpool/middleware"
	"questionpool/observability"
	"questionpool/services"

	"github.com/gin-gonic/gin"
)

var statusByKind = map[services.ErrorKind]int{
	services.KindValidation:      http.StatusBadRequest,
	services.KindUnauthenticated: http.StatusUnauthorized,
	services.KindForbidden:       http.StatusForbidden,
	services.KindNotFound:        http.StatusNotFound,
	services.KindConflict:        http.StatusConflict,
	services.KindInternal:        http.StatusInternalServerError,
}

// respondError writes the error envelope. Internal details stay in the
// logs and Sentry.
func respondError(c *gin.Context, err error) {
	kind := services.KindOf(err)
	status, ok := statusByKind[kind]
	if !ok {
		status = http.StatusInternalServerError
	}

	msg := err.Error()
	var svcErr *services.Error
	if errors.As(err, &svcErr) {
		msg = svcErr.Message
	}
	if kind == services.KindInternal {
		_ = c.Error(err)
		observability.CaptureErrWithTags(err, map[string]string{"route": c.FullPath()})
		msg = "Internal server error"
	}
	c.JSON(status, gin.H{"error": msg, "code": kind})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg, "code": services.KindValidation})
}

// currentActor writes a 401 when the request carries no actor.
func currentActor(c *gin.Context) (services.Actor, bool) {
	actor, ok := middleware.ActorFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated", "code": services.KindUnauthenticated})
	}
	return actor, ok
}

func parseID(c *gin.Context, param, label string) (uint, bool) {
	id, err := strconv.ParseUint(c.Param(param), 10, 32)
	if err != nil || id == 0 {
		badRequest(c, "Invalid "+label+" ID")
		return 0, false
	}
	return uint(id), true
}
