package handler_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/AuditLedger/internal/auth"
	"github.com/jmerrifield20/AuditLedger/internal/handler"
	"go.uber.org/zap"
)

func newAuthRouter(t *testing.T) (*gin.Engine, *auth.TokenIssuer) {
	t.Helper()
	ti, err := auth.NewTokenIssuer([]byte("0123456789abcdef0123456789abcdef"), "test", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	hash, err := auth.HashAPIKey("s3cret-key")
	if err != nil {
		t.Fatal(err)
	}
	r := gin.New()
	handler.NewAuthHandler(ti, hash, zap.NewNop()).Register(r.Group("/api/v1"))
	return r, ti
}

func postToken(r http.Handler, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/token", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestToken_issue(t *testing.T) {
	r, ti := newAuthRouter(t)

	w := postToken(r, `{"api_key":"s3cret-key","subject":"uploader","scopes":["ledger:append"]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d (%s)", w.Code, w.Body.String())
	}
	var resp struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	decode(t, w, &resp)
	if resp.ExpiresIn != 3600 {
		t.Errorf("expires_in: got %d", resp.ExpiresIn)
	}

	claims, err := ti.Verify(resp.AccessToken)
	if err != nil {
		t.Fatal(err)
	}
	if claims.Subject != "uploader" || !claims.HasScope(auth.ScopeAppend) || claims.HasScope(auth.ScopeRead) {
		t.Errorf("unexpected claims %+v", claims)
	}
}

func TestToken_rejects(t *testing.T) {
	r, _ := newAuthRouter(t)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"wrong key", `{"api_key":"guess"}`, http.StatusUnauthorized},
		{"missing key", `{}`, http.StatusBadRequest},
		{"unknown scope", `{"api_key":"s3cret-key","scopes":["ledger:delete"]}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := postToken(r, tt.body); w.Code != tt.want {
				t.Errorf("status: got %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestToken_disabled(t *testing.T) {
	r := gin.New()
	handler.NewAuthHandler(nil, "", zap.NewNop()).Register(r.Group("/api/v1"))
	if w := postToken(r, `{"api_key":"x"}`); w.Code != http.StatusNotFound {
		t.Errorf("status: got %d, want 404", w.Code)
	}
}
