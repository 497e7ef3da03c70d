package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/loykin/opsgate/internal/session"
)

const actorKey = "opsgate.auth.actor"

// GinAuth rejects requests without a valid bearer token and stores the
// token's actor for ActorFrom.
func (s *Service) GinAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		a, err := s.Verify(bearer(c.GetHeader("Authorization")))
		if err != nil {
			c.Header("WWW-Authenticate", `Bearer realm="opsgate"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.Set(actorKey, a)
		c.Next()
	}
}

// ActorFrom returns the authenticated actor, if GinAuth ran.
func ActorFrom(c *gin.Context) (session.Actor, bool) {
	v, ok := c.Get(actorKey)
	if !ok {
		return session.Actor{}, false
	}
	a, ok := v.(session.Actor)
	return a, ok
}

func bearer(h string) string {
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
