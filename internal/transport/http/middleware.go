package http

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"wireline/internal/apperr"
	"wireline/internal/identity"
)

const (
	ctxUserID   = "user_id"
	ctxDeviceID = "device_id"
	ctxUsername = "username"
)

// RequireAuth validates the bearer access token on every request, the gin
// analogue of histeeria-Histeeria/backend/internal/auth/middleware.go's
// JWTAuthMiddleware, adapted to validate against the identity registry's
// capability tokens instead of histeeria's own JWTService.
func RequireAuth(registry *identity.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			fail(c, apperr.New(apperr.Unauthorized, "authorization header required"))
			c.Abort()
			return
		}
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			fail(c, apperr.New(apperr.Unauthorized, "authorization header must be a bearer token"))
			c.Abort()
			return
		}
		claims, err := registry.ValidateToken(parts[1], identity.TokenAccess)
		if err != nil {
			fail(c, err)
			c.Abort()
			return
		}
		c.Set(ctxUserID, claims.UserID)
		c.Set(ctxDeviceID, claims.DeviceID)
		c.Set(ctxUsername, claims.Username)
		c.Next()
	}
}

// currentUser extracts the authenticated caller's user and device IDs,
// placed into context by RequireAuth.
func currentUser(c *gin.Context) (uuid.UUID, uuid.UUID, error) {
	rawUser, ok := c.Get(ctxUserID)
	if !ok {
		return uuid.Nil, uuid.Nil, errNoUserInContext
	}
	rawDevice, ok := c.Get(ctxDeviceID)
	if !ok {
		return uuid.Nil, uuid.Nil, errNoUserInContext
	}
	userID, err := uuid.Parse(rawUser.(string))
	if err != nil {
		return uuid.Nil, uuid.Nil, apperr.New(apperr.Unauthorized, "malformed user id in token")
	}
	deviceID, err := uuid.Parse(rawDevice.(string))
	if err != nil {
		return uuid.Nil, uuid.Nil, apperr.New(apperr.Unauthorized, "malformed device id in token")
	}
	return userID, deviceID, nil
}
