package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/AuditLedger/internal/auth"
	"go.uber.org/zap"
)

// AuthHandler exchanges the configured API key for a service token.
type AuthHandler struct {
	tokens     *auth.TokenIssuer
	apiKeyHash string
	logger     *zap.Logger
}

// NewAuthHandler creates an AuthHandler. apiKeyHash is a bcrypt hash.
func NewAuthHandler(tokens *auth.TokenIssuer, apiKeyHash string, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{tokens: tokens, apiKeyHash: apiKeyHash, logger: logger}
}

// Register mounts POST /auth/token.
func (h *AuthHandler) Register(rg *gin.RouterGroup) {
	rg.POST("/auth/token", h.Token)
}

type tokenRequest struct {
	APIKey  string   `json:"api_key" binding:"required"`
	Subject string   `json:"subject"`
	Scopes  []string `json:"scopes"`
}

// Token handles POST /auth/token.
func (h *AuthHandler) Token(c *gin.Context) {
	if h.tokens == nil || h.apiKeyHash == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "token issuance is not enabled"})
		return
	}

	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := auth.CheckAPIKey(h.apiKeyHash, req.APIKey); err != nil {
		h.logger.Warn("rejected api key", zap.String("client_ip", c.ClientIP()))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid api key"})
		return
	}

	scopes := req.Scopes
	if len(scopes) == 0 {
		scopes = []string{auth.ScopeAppend, auth.ScopeRead}
	}
	for _, s := range scopes {
		if s != auth.ScopeAppend && s != auth.ScopeRead {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown scope " + s})
			return
		}
	}
	subject := strings.TrimSpace(req.Subject)
	if subject == "" {
		subject = "api-key"
	}

	token, err := h.tokens.Issue(subject, scopes)
	if err != nil {
		h.logger.Error("issue token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to issue token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"access_token": token,
		"token_type":   "Bearer",
		"expires_in":   int(h.tokens.TTL().Seconds()),
		"scopes":       scopes,
	})
}
