package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/tradehold/internal/logging"
)

// ContextKeyActor is the gin context key holding the authenticated Actor.
const ContextKeyActor = "authActor"

// Middleware parses an optional bearer token. Invalid tokens are ignored here
// and rejected by RequireActor on protected routes.
func Middleware(issuer *Issuer) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := strings.TrimSpace(c.GetHeader("Authorization"))
		if token, ok := strings.CutPrefix(raw, "Bearer "); ok {
			if actor, err := issuer.Parse(strings.TrimSpace(token)); err == nil {
				c.Set(ContextKeyActor, actor)
				c.Request = c.Request.WithContext(logging.WithActor(c.Request.Context(), string(actor.Role)+":"+actor.ID))
			}
		}
		c.Next()
	}
}

// RequireActor rejects requests without a valid token.
func RequireActor() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := ActorFrom(c); !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Bearer token required. Include 'Authorization: Bearer <token>' header.",
			})
			return
		}
		c.Next()
	}
}

// RequireRole rejects actors without one of roles.
func RequireRole(roles ...Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := ActorFrom(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Bearer token required.",
			})
			return
		}
		for _, r := range roles {
			if actor.Role == r {
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "role " + string(actor.Role) + " may not call this endpoint",
		})
	}
}

// ActorFrom returns the authenticated actor, if any.
func ActorFrom(c *gin.Context) (Actor, bool) {
	v, ok := c.Get(ContextKeyActor)
	if !ok {
		return Actor{}, false
	}
	actor, ok := v.(Actor)
	return actor, ok
}

// ActorKey returns the actor id for rate limiting, or "".
func ActorKey(c *gin.Context) string {
	if actor, ok := ActorFrom(c); ok {
		return actor.ID
	}
	return ""
}

// Whoami returns the caller's identity.
func Whoami(c *gin.Context) {
	actor, ok := ActorFrom(c)
	if !ok {
		c.JSON(http.StatusOK, gin.H{"authenticated": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"authenticated": true, "actor": actor})
}
