package auth

import (
	"database/sql"
	"net/http"
	"strings"

	"plotline/pkg/ctxkeys"

	"github.com/gin-gonic/gin"
)

// ServiceAuthMiddleware validates service-to-service auth tokens
func ServiceAuthMiddleware(expectedToken string) gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.GetHeader("Authorization")
		if auth == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "No authorization header"})
			c.Abort()
			return
		}

		// Extract Bearer token
		parts := strings.Split(auth, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authorization header"})
			c.Abort()
			return
		}

		// Validate token
		if err := ValidateServiceToken(parts[1], expectedToken); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			c.Abort()
			return
		}

		c.Next()
	}
}

type jwtMiddlewareConfig struct {
	tokenDB *sql.DB
}

// JWTOption configures optional behaviour for JWTAuthMiddleware.
type JWTOption func(*jwtMiddlewareConfig)

// WithAPITokens enables database-backed runtime API tokens as an
// alternative to JWT bearer tokens. The associated agent identity is
// injected into the Gin context when a token matches.
func WithAPITokens(db *sql.DB) JWTOption {
	return func(cfg *jwtMiddlewareConfig) {
		cfg.tokenDB = db
	}
}

// JWTAuthMiddleware validates JWT tokens for agent sessions, runtime API
// tokens when enabled, and service tokens for service-to-service calls.
func JWTAuthMiddleware(secret []byte, opts ...JWTOption) gin.HandlerFunc {
	var cfg jwtMiddlewareConfig
	for _, o := range opts {
		o(&cfg)
	}

	return func(c *gin.Context) {
		auth := c.GetHeader("Authorization")
		if auth == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "No authorization header"})
			c.Abort()
			return
		}

		// Extract Bearer token
		parts := strings.Split(auth, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authorization header"})
			c.Abort()
			return
		}

		token := parts[1]

		// Try JWT validation first (no database round trip)
		claims, err := ValidateJWT(token, secret)
		if err == nil {
			c.Set(string(ctxkeys.KeyActorID), claims.ActorID)
			c.Set(string(ctxkeys.KeyWalletAddr), claims.Address)
			c.Set(string(ctxkeys.KeyRole), claims.Role)
			c.Set(string(ctxkeys.KeyAuthType), "jwt")
			c.Set(string(ctxkeys.KeyJWTToken), token)
			c.Next()
			return
		}

		// Try runtime API token lookup
		if cfg.tokenDB != nil {
			if apiToken, tokenErr := ValidateAPIToken(cfg.tokenDB, token); tokenErr == nil {
				c.Set(string(ctxkeys.KeyActorID), apiToken.ActorID)
				c.Set(string(ctxkeys.KeyRole), "agent")
				c.Set(string(ctxkeys.KeyAuthType), "api_token")
				c.Set(string(ctxkeys.KeyAPIToken), apiToken.ID)
				c.Next()
				return
			}
		}

		// If JWT validation fails, try service token validation
		serviceToken := GetServiceToken()
		if serviceToken != "" && ValidateServiceToken(token, serviceToken) == nil {
			c.Set(string(ctxkeys.KeyActorID), "00000000-0000-0000-0000-000000000000")
			c.Set(string(ctxkeys.KeyRole), "service")
			c.Set(string(ctxkeys.KeyAuthType), "service")
			c.Next()
			return
		}

		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid JWT token"})
		c.Abort()
	}
}
