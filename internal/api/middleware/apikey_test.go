package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/agentoven/scriptrun/internal/api/middleware"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func serve(h http.Handler, path string, headers map[string]string) int {
	req := httptest.NewRequest(http.MethodPost, path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w.Code
}

func TestAPIKeyAuth_Disabled(t *testing.T) {
	auth := middleware.NewAPIKeyAuth(nil)
	if auth.Enabled() {
		t.Error("Expected auth to be disabled without keys")
	}
	if code := serve(auth.Middleware(okHandler()), "/api/v1/runs", nil); code != http.StatusOK {
		t.Errorf("Disabled auth: status = %d, want %d", code, http.StatusOK)
	}
}

func TestAPIKeyAuth_ValidKey(t *testing.T) {
	auth := middleware.NewAPIKeyAuth([]string{"test-key-1", " test-key-2 "})
	if !auth.Enabled() {
		t.Fatal("Expected auth to be enabled")
	}
	h := auth.Middleware(okHandler())

	if code := serve(h, "/api/v1/runs", map[string]string{"Authorization": "Bearer test-key-1"}); code != http.StatusOK {
		t.Errorf("Valid Bearer key: status = %d, want %d", code, http.StatusOK)
	}
	if code := serve(h, "/api/v1/runs", map[string]string{"X-API-Key": "test-key-2"}); code != http.StatusOK {
		t.Errorf("Valid X-API-Key: status = %d, want %d", code, http.StatusOK)
	}
}

func TestAPIKeyAuth_InvalidKey(t *testing.T) {
	h := middleware.NewAPIKeyAuth([]string{"right"}).Middleware(okHandler())
	if code := serve(h, "/api/v1/runs", map[string]string{"Authorization": "Bearer wrong"}); code != http.StatusUnauthorized {
		t.Errorf("Invalid key: status = %d, want %d", code, http.StatusUnauthorized)
	}
}

func TestAPIKeyAuth_MissingKey(t *testing.T) {
	h := middleware.NewAPIKeyAuth([]string{"right"}).Middleware(okHandler())
	if code := serve(h, "/mcp", nil); code != http.StatusUnauthorized {
		t.Errorf("Missing key: status = %d, want %d", code, http.StatusUnauthorized)
	}
}

func TestAPIKeyAuth_PublicPaths(t *testing.T) {
	h := middleware.NewAPIKeyAuth([]string{"right"}).Middleware(okHandler())
	for _, path := range []string{"/health", "/version", "/metrics"} {
		if code := serve(h, path, nil); code != http.StatusOK {
			t.Errorf("Public path %s: status = %d, want %d", path, code, http.StatusOK)
		}
	}
}

func TestAPIKeyAuth_SetKeys(t *testing.T) {
	auth := middleware.NewAPIKeyAuth([]string{"old"})
	h := auth.Middleware(okHandler())

	auth.SetKeys([]string{"new", " "})
	if code := serve(h, "/api/v1/tools", map[string]string{"X-API-Key": "old"}); code != http.StatusUnauthorized {
		t.Errorf("Rotated-out key: status = %d, want %d", code, http.StatusUnauthorized)
	}
	if code := serve(h, "/api/v1/tools", map[string]string{"Authorization": "Bearer new"}); code != http.StatusOK {
		t.Errorf("Rotated-in key: status = %d, want %d", code, http.StatusOK)
	}

	auth.SetKeys(nil)
	if auth.Enabled() {
		t.Error("Expected auth to be disabled after clearing the keys")
	}
}
