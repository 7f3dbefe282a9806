package middleware

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	pkgAuth "round-engine/pkg/auth"

	"github.com/gin-gonic/gin"
)

const (
	ContextParticipantIDKey = "participantID"
	ContextOperatorIDKey    = "operatorID"

	taskSecretHeader = "X-Task-Secret"
)

func AuthRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := extractBearerToken(c.GetHeader("Authorization"))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}

		claims, err := pkgAuth.ParseParticipantToken(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set(ContextParticipantIDKey, claims.SubjectID)
		c.Next()
	}
}

func OperatorAuthRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := extractBearerToken(c.GetHeader("Authorization"))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}

		claims, err := pkgAuth.ParseOperatorToken(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set(ContextOperatorIDKey, claims.SubjectID)
		c.Next()
	}
}

// TaskAuthRequired guards the step webhook used by an external task queue.
// An empty secret disables the webhook entirely.
func TaskAuthRequired(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		given := c.GetHeader(taskSecretHeader)
		if secret == "" || subtle.ConstantTimeCompare([]byte(given), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid task secret"})
			return
		}
		c.Next()
	}
}

func extractBearerToken(authHeader string) (string, error) {
	if strings.TrimSpace(authHeader) == "" {
		return "", errors.New("missing authorization header")
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("invalid authorization header")
	}
	return strings.TrimSpace(parts[1]), nil
}
