package api

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/labstack/echo/v4"

	"taskboard/domain"
)

const identityKey = "identity"

// IdentityVerifier resolves a bearer token to the calling identity.
type IdentityVerifier interface {
	VerifyToken(ctx context.Context, token string) (domain.Identity, error)
}

// requireIdentity rejects requests without a valid bearer token with 401.
// Tokens of users that no longer exist are treated as invalid.
func requireIdentity(v IdentityVerifier) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			token, err := bearerTokenFromHeader(c.Request().Header)
			var ident domain.Identity
			if err == nil {
				ident, err = v.VerifyToken(c.Request().Context(), token)
			}
			m := metricsFrom(c)
			m.ObserveAuth(time.Since(start))
			if err != nil {
				m.SetErrorStage("auth")
				if errors.Is(err, domain.ErrNotFound) {
					err = fmt.Errorf("%w: user no longer exists", domain.ErrUnauthenticated)
				}
				return writeError(c, err, "")
			}
			m.SetUser(ident.UserID)
			c.Set(identityKey, ident)
			return next(c)
		}
	}
}

func identityFrom(c echo.Context) domain.Identity {
	ident, _ := c.Get(identityKey).(domain.Identity)
	return ident
}
