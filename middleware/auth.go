package middleware

import (
	"context"
	"net/http"
	"strings"

	"questionpool/services"

	"github.com/gin-gonic/gin"
)

const actorKey = "actor"

// TokenResolver turns a bearer token into an actor.
type TokenResolver interface {
	ResolveToken(ctx context.Context, token string) (services.Actor, error)
}

// AuthMiddleware requires a valid bearer token. The token may also come in
// the "token" query parameter, which browsers need for websocket upgrades.
func AuthMiddleware(resolver TokenResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractToken(c)
		if token == "" {
			abortUnauthorized(c, "Authorization token required")
			return
		}

		actor, err := resolver.ResolveToken(c.Request.Context(), token)
		if err != nil {
			if services.KindOf(err) == services.KindUnauthenticated {
				abortUnauthorized(c, err.Error())
				return
			}
			_ = c.Error(err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Could not verify credentials", "code": services.KindInternal})
			return
		}

		c.Set(actorKey, actor)
		c.Set("user_id", actor.ID)
		c.Next()
	}
}

// ActorFrom returns the actor set by AuthMiddleware.
func ActorFrom(c *gin.Context) (services.Actor, bool) {
	v, exists := c.Get(actorKey)
	if !exists {
		return services.Actor{}, false
	}
	actor, ok := v.(services.Actor)
	return actor, ok
}

// SetActor is used by tests that bypass token resolution.
func SetActor(c *gin.Context, a services.Actor) {
	c.Set(actorKey, a)
	c.Set("user_id", a.ID)
}

func extractToken(c *gin.Context) string {
	header := strings.TrimSpace(c.GetHeader("Authorization"))
	if header != "" {
		scheme, token, ok := strings.Cut(header, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return strings.TrimSpace(c.Query("token"))
}

func abortUnauthorized(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": msg, "code": services.KindUnauthenticated})
}
