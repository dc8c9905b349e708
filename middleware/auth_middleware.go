package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"visitorpulse/api/utils"
)

const (
	ContextUserID    = "user_id"
	ContextUserEmail = "user_email"
)

type AuthConfig struct {
	JWTSecret []byte
	// APIKey, when set, is accepted verbatim in X-API-KEY (tracker snippets, internal callers).
	APIKey string
}

// AuthRequired accepts the static API key or a JWT from the jwt_token cookie, the
// Authorization header, or the token query parameter (browsers cannot set headers on
// websocket upgrades).
func AuthRequired(cfg AuthConfig, logger logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if key := c.GetHeader("X-API-KEY"); cfg.APIKey != "" && key != "" &&
			subtle.ConstantTimeCompare([]byte(key), []byte(cfg.APIKey)) == 1 {
			c.Next()
			return
		}

		tokenString := bearerToken(c)
		if tokenString == "" {
			logger.WithField("path", c.FullPath()).Debug("AuthRequired: no token provided")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized: No token provided"})
			return
		}
		if len(cfg.JWTSecret) == 0 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized: Invalid or expired token"})
			return
		}

		claims, err := utils.ValidateJWT(cfg.JWTSecret, tokenString)
		if err != nil {
			logger.WithError(err).Debug("AuthRequired: invalid JWT token")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized: Invalid or expired token"})
			return
		}

		c.Set(ContextUserID, claims.UserID)
		c.Set(ContextUserEmail, claims.Email)
		c.Next()
	}
}

func bearerToken(c *gin.Context) string {
	if token, err := c.Cookie("jwt_token"); err == nil && token != "" {
		return token
	}
	if header := c.GetHeader("Authorization"); header != "" {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return c.Query("token")
}

// UserID returns the authenticated subject, "" for API-key callers.
func UserID(c *gin.Context) string {
	return c.GetString(ContextUserID)
}
