package db

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func runHealth(t *testing.T, checks ...Check) (int, map[string]interface{}) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := HealthHandler("test", checks...)(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return rec.Code, body
}

func TestHealthHandler_AllHealthy(t *testing.T) {
	ok := func(context.Context) error { return nil }
	code, body := runHealth(t, Check{Name: "ledger", Fn: ok}, Check{Name: "content", Fn: ok})

	if code != http.StatusOK {
		t.Errorf("expected 200, got %d", code)
	}
	if body["status"] != "ok" || body["version"] != "test" {
		t.Errorf("unexpected body %v", body)
	}
	comps := body["components"].(map[string]interface{})
	if len(comps) != 2 {
		t.Errorf("expected 2 components, got %d", len(comps))
	}
}

func TestHealthHandler_OneFailing(t *testing.T) {
	code, body := runHealth(t,
		Check{Name: "ledger", Fn: func(context.Context) error { return nil }},
		Check{Name: "database", Fn: func(context.Context) error { return errors.New("connection refused") }},
	)

	if code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", code)
	}
	if body["status"] != "unhealthy" {
		t.Errorf("expected unhealthy, got %v", body["status"])
	}
	db := body["components"].(map[string]interface{})["database"].(map[string]interface{})
	if db["error"] != "connection refused" {
		t.Errorf("unexpected database component %v", db)
	}
}

func TestHealthHandler_NoChecks(t *testing.T) {
	code, _ := runHealth(t)
	if code != http.StatusOK {
		t.Errorf("expected 200 with no checks, got %d", code)
	}
}
