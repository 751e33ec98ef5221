package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/medledger/medledger/internal/platform/identity"
)

// PrivateKeyHeader carries the caller's hex private key. The key is parsed
// into a Signer for the duration of the request and never stored.
const PrivateKeyHeader = "X-Private-Key"

const (
	RoleAdmin   = "admin"
	RoleDoctor  = "doctor"
	RolePatient = "patient"
)

// Session is the authenticated caller threaded through every use-case.
type Session struct {
	Address string
	Role    string
	Signer  identity.Signer
}

func (s *Session) Is(role string) bool { return s != nil && s.Role == role }

// RoleResolver maps a registered address to its role.
type RoleResolver interface {
	ResolveRole(ctx context.Context, address string) (string, bool)
}

// RoleResolverFunc adapts a function to RoleResolver.
type RoleResolverFunc func(ctx context.Context, address string) (string, bool)

func (f RoleResolverFunc) ResolveRole(ctx context.Context, address string) (string, bool) {
	return f(ctx, address)
}

type SessionConfig struct {
	// Admin is the only address that gets RoleAdmin.
	Admin    string
	Resolver RoleResolver
	Skipper  func(c echo.Context) bool
}

// SessionMiddleware builds a Session from the private key header. In JWT
// mode the token subject must be the key's address. Unregistered addresses
// are refused.
func SessionMiddleware(cfg SessionConfig) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if cfg.Skipper != nil && cfg.Skipper(c) {
				return next(c)
			}

			raw := strings.TrimSpace(c.Request().Header.Get(PrivateKeyHeader))
			if raw == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing private key")
			}
			signer, err := identity.ParsePrivateKey(raw)
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid private key")
			}

			ctx := c.Request().Context()
			if sub := UserIDFromContext(ctx); sub != "" && !identity.EqualAddress(sub, signer.Address()) {
				return echo.NewHTTPError(http.StatusForbidden, "token subject does not match key")
			}

			sess := &Session{Address: signer.Address(), Signer: signer}
			switch {
			case cfg.Admin != "" && identity.EqualAddress(cfg.Admin, sess.Address):
				sess.Role = RoleAdmin
			case cfg.Resolver != nil:
				role, ok := cfg.Resolver.ResolveRole(ctx, sess.Address)
				if !ok {
					return echo.NewHTTPError(http.StatusForbidden, "address is not registered")
				}
				sess.Role = role
			default:
				return echo.NewHTTPError(http.StatusForbidden, "address is not registered")
			}

			c.SetRequest(c.Request().WithContext(WithSession(ctx, sess)))
			return next(c)
		}
	}
}

func WithSession(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, SessionKey, s)
}

func SessionFromContext(ctx context.Context) (*Session, bool) {
	s, ok := ctx.Value(SessionKey).(*Session)
	return s, ok && s != nil
}
