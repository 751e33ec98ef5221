package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

var testJWT = JWTConfig{SigningKey: []byte("test-secret-key-for-unit-tests-only"), Issuer: "medledger", Audience: "medledger-api"}

func runJWT(t *testing.T, cfg JWTConfig, header string) (string, error) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	c := e.NewContext(req, httptest.NewRecorder())

	var subject string
	h := JWTMiddleware(cfg)(func(c echo.Context) error {
		subject = UserIDFromContext(c.Request().Context())
		return c.String(http.StatusOK, "ok")
	})
	return subject, h(c)
}

func expectStatus(t *testing.T, err error, code int) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected HTTP %d, got nil error", code)
	}
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T", err)
	}
	if httpErr.Code != code {
		t.Errorf("expected %d, got %d", code, httpErr.Code)
	}
}

func TestJWTMiddleware_InvalidHeaders(t *testing.T) {
	tests := []struct {
		name   string
		header string
	}{
		{"missing", ""},
		{"no bearer prefix", "Token abc123"},
		{"missing token", "Bearer"},
		{"empty value", "Bearer "},
		{"basic auth", "Basic dXNlcjpwYXNz"},
		{"garbage token", "Bearer not.a.jwt"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := runJWT(t, testJWT, tt.header)
			expectStatus(t, err, http.StatusUnauthorized)
		})
	}
}

func TestJWTMiddleware_ValidToken(t *testing.T) {
	token, err := IssueToken(testJWT, "0xabc", jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))})
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	sub, err := runJWT(t, testJWT, "Bearer "+token)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sub != "0xabc" {
		t.Errorf("expected subject 0xabc, got %q", sub)
	}
}

func TestJWTMiddleware_ExpiredToken(t *testing.T) {
	token, _ := IssueToken(testJWT, "0xabc", jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour))})
	_, err := runJWT(t, testJWT, "Bearer "+token)
	expectStatus(t, err, http.StatusUnauthorized)
}

func TestJWTMiddleware_WrongAudience(t *testing.T) {
	other := testJWT
	other.Audience = "someone-else"
	token, _ := IssueToken(other, "0xabc", jwt.RegisteredClaims{})
	_, err := runJWT(t, testJWT, "Bearer "+token)
	expectStatus(t, err, http.StatusUnauthorized)
}

func TestJWTMiddleware_WrongKey(t *testing.T) {
	other := testJWT
	other.SigningKey = []byte("another-key")
	token, _ := IssueToken(other, "0xabc", jwt.RegisteredClaims{})
	_, err := runJWT(t, testJWT, "Bearer "+token)
	expectStatus(t, err, http.StatusUnauthorized)
}

func TestJWTMiddleware_Skipper(t *testing.T) {
	cfg := testJWT
	cfg.Skipper = func(echo.Context) bool { return true }
	if _, err := runJWT(t, cfg, ""); err != nil {
		t.Errorf("expected skipped request to pass, got %v", err)
	}
}
