package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MarcoPoloResearchLab/parley/internal/wire"
	"github.com/gin-gonic/gin"
)

func preflight(t *testing.T, allowedOrigins []string, origin string) *httptest.ResponseRecorder {
	t.Helper()
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(corsMiddleware(allowedOrigins))
	router.OPTIONS("/v1/records/save", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	request := httptest.NewRequest(http.MethodOptions, "/v1/records/save", http.NoBody)
	request.Header.Set("Origin", origin)
	request.Header.Set("Access-Control-Request-Method", http.MethodPost)
	request.Header.Set("Access-Control-Request-Headers", "Authorization")

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)
	return recorder
}

func TestCORSMiddlewareAllowsConfiguredOriginWithCredentials(t *testing.T) {
	recorder := preflight(t, []string{"https://app.example.com"}, "https://app.example.com")

	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected status %d, got %d", http.StatusNoContent, recorder.Code)
	}
	if recorder.Header().Get("Access-Control-Allow-Origin") != "https://app.example.com" {
		t.Fatalf("expected origin echoed, got %q", recorder.Header().Get("Access-Control-Allow-Origin"))
	}
	if recorder.Header().Get("Access-Control-Allow-Credentials") != "true" {
		t.Fatalf("expected credentials to be enabled")
	}
	allowHeaders := strings.ToLower(recorder.Header().Get("Access-Control-Allow-Headers"))
	if !strings.Contains(allowHeaders, strings.ToLower(wire.HeaderBootstrapSecret)) {
		t.Fatalf("expected bootstrap header allowed, got %q", allowHeaders)
	}
}

func TestCORSMiddlewareRejectsUnknownOrigin(t *testing.T) {
	recorder := preflight(t, []string{"https://app.example.com"}, "https://evil.example.com")
	if recorder.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatalf("expected no allow-origin for unknown origin")
	}
}

func TestCORSMiddlewareWildcardAllowsAnyOrigin(t *testing.T) {
	recorder := preflight(t, []string{"*"}, "https://anywhere.example.com")
	if recorder.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("expected wildcard origin, got %q", recorder.Header().Get("Access-Control-Allow-Origin"))
	}
}
