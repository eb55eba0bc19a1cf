package middleware

import (
	"net/http"

	"blertbank/internal/http/respond"
	"blertbank/internal/logger"
	"blertbank/internal/service"

	"github.com/gin-gonic/gin"
)

const (
	ServiceTokenHeader = "X-Service-Token"
	serviceKey         = "service"
)

// Authenticator resolves a service token to the calling service's name
type Authenticator interface {
	Authenticate(token string) (string, error)
}

// ServiceAuth rejects requests without a valid service token. The token is
// read from X-Service-Token, or from ?token= for WebSocket upgrades where
// clients cannot set headers.
func ServiceAuth(auth Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.GetHeader(ServiceTokenHeader)
		if token == "" {
			token = c.Query("token")
		}

		name, err := auth.Authenticate(token)
		if err != nil {
			respond.Fail(c, http.StatusUnauthorized, service.CodeUnauthorized, "missing or invalid service token", nil)
			return
		}

		c.Set(serviceKey, name)
		ctx := c.Request.Context()
		c.Request = c.Request.WithContext(logger.NewContext(ctx, logger.WithContext(ctx).With("service", name)))
		c.Next()
	}
}

// ServiceName returns the authenticated caller, or "" before ServiceAuth ran
func ServiceName(c *gin.Context) string {
	return c.GetString(serviceKey)
}
