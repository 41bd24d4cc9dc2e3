package http

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/relaypool/relaypool/internal/models"
	"github.com/relaypool/relaypool/internal/security"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Context keys set by the auth middlewares.
const (
	contextUserID  = "userID"
	contextGroupID = "groupID"
	contextAdminID = "adminID"
)

// APIKeyAuthMiddleware authenticates chat traffic by API key and injects
// the verified (user, group) pair.
func APIKeyAuthMiddleware(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Missing API key"})
			return
		}

		var key models.APIKey
		errFind := db.WithContext(c.Request.Context()).
			Where("api_key = ?", token).
			First(&key).Error
		if errFind != nil {
			if errors.Is(errFind, gorm.ErrRecordNotFound) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid API key"})
				return
			}
			log.WithError(errFind).Error("api key lookup failed")
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Authentication service error"})
			return
		}
		if !key.Usable(time.Now()) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "API key disabled or expired"})
			return
		}

		// Last-used stamping is advisory; never block the request on it.
		now := time.Now().UTC()
		if errTouch := db.Model(&models.APIKey{}).
			Where("id = ?", key.ID).
			Update("last_used_at", now).Error; errTouch != nil {
			log.WithError(errTouch).Debug("api key touch failed")
		}

		c.Set(contextUserID, key.UserID)
		c.Set(contextGroupID, key.GroupID)
		c.Next()
	}
}

// AdminAuthMiddleware authenticates admin traffic by JWT.
func AdminAuthMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Missing token"})
			return
		}
		claims, errParse := security.ParseAdminToken(secret, token)
		if errParse != nil {
			status := http.StatusUnauthorized
			message := "Invalid token"
			if errors.Is(errParse, security.ErrExpiredToken) {
				message = "Token expired"
			}
			c.AbortWithStatusJSON(status, gin.H{"error": message})
			return
		}
		c.Set(contextAdminID, claims.AdminID)
		c.Next()
	}
}

// bearerToken extracts the credential from Authorization or x-api-key.
func bearerToken(c *gin.Context) string {
	header := strings.TrimSpace(c.GetHeader("Authorization"))
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	if header != "" {
		return header
	}
	return strings.TrimSpace(c.GetHeader("x-api-key"))
}

// getUserID extracts the user ID from gin context.
func getUserID(c *gin.Context) uint64 {
	val, exists := c.Get(contextUserID)
	if !exists {
		return 0
	}
	if id, ok := val.(uint64); ok {
		return id
	}
	return 0
}

// getGroupID extracts the group ID from gin context.
func getGroupID(c *gin.Context) uint64 {
	val, exists := c.Get(contextGroupID)
	if !exists {
		return 0
	}
	if id, ok := val.(uint64); ok {
		return id
	}
	return 0
}
