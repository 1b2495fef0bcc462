package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
)

func TestInternalAPIKeyMiddleware_AllowsMatchingKey(t *testing.T) {
	called := false
	handler := InternalAPIKeyMiddleware("s3cret", zap.NewNop())(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			called = true
		}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/consumption", nil)
	req.Header.Set("X-Internal-Api-Key", "s3cret")
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if !called {
		t.Fatal("Expected request to reach the handler")
	}
	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", rec.Code)
	}
}

func TestInternalAPIKeyMiddleware_RejectsWrongKey(t *testing.T) {
	handler := InternalAPIKeyMiddleware("s3cret", zap.NewNop())(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Fatal("Handler must not be reached")
		}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/consumption", nil)
	req.Header.Set("X-Internal-Api-Key", "wrong")
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", rec.Code)
	}
}

func TestInternalAPIKeyMiddleware_EmptyConfiguredKeyRejectsAll(t *testing.T) {
	handler := InternalAPIKeyMiddleware("", zap.NewNop())(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Fatal("Handler must not be reached")
		}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/consumption", nil)
	req.Header.Set("X-Internal-Api-Key", "")
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 when no key is configured, got %d", rec.Code)
	}
}

func TestWriteError_JSONShape(t *testing.T) {
	rec := httptest.NewRecorder()
	writeError(rec, http.StatusConflict, "user with this email or meter number already exists")

	if rec.Code != http.StatusConflict {
		t.Errorf("Expected 409, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Expected JSON content type, got %s", ct)
	}
	want := `{"error":"user with this email or meter number already exists"}` + "\n"
	if rec.Body.String() != want {
		t.Errorf("Unexpected body: %s", rec.Body.String())
	}
}
