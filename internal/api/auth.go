package api

import (
	"crypto/subtle"
	"log"
	"net/http"
	"os"
	"strings"

	"github.com/gin-gonic/gin"
)

// AuthMiddleware guards the ledger views with a static bearer token read
// from EXITBOOK_API_TOKEN. With no token configured every request passes,
// which is the local-CLI default; release-mode deployments without a token
// get a loud warning instead of a silently open API.
func AuthMiddleware() gin.HandlerFunc {
	token := os.Getenv("EXITBOOK_API_TOKEN")
	if token == "" && os.Getenv("GIN_MODE") == "release" {
		log.Printf("[Serve] EXITBOOK_API_TOKEN is unset in release mode; ledger views are publicly readable")
	}

	return func(c *gin.Context) {
		if token == "" {
			c.Next()
			return
		}

		presented, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || presented == "" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "bearer token required",
				"hint":  "Authorization: Bearer <EXITBOOK_API_TOKEN>",
			})
			c.Abort()
			return
		}

		// constant-time compare keeps the token unguessable via timing
		if subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
			c.JSON(http.StatusForbidden, gin.H{"error": "invalid token"})
			c.Abort()
			return
		}
		c.Next()
	}
}
