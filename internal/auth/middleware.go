package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const ctxClaims = "ledger_token_claims"

// RequireScope returns a Gin middleware that enforces a valid Bearer token
// granting scope. A nil issuer leaves the route open.
//
// On success the *Claims are stored in the context under "ledger_token_claims".
func RequireScope(tokens *TokenIssuer, scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if tokens == nil {
			c.Next()
			return
		}

		authHeader := c.GetHeader("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Bearer token required",
			})
			return
		}

		claims, err := tokens.Verify(strings.TrimPrefix(authHeader, "Bearer "))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "invalid or expired token",
			})
			return
		}
		if !claims.HasScope(scope) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "token lacks scope " + scope,
			})
			return
		}

		c.Set(ctxClaims, claims)
		c.Next()
	}
}

// ClaimsFromCtx returns the verified claims, or nil on open routes.
func ClaimsFromCtx(c *gin.Context) *Claims {
	v, _ := c.Get(ctxClaims)
	claims, _ := v.(*Claims)
	return claims
}
