package v1

import (
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/hrygo/synthr/server/auth"
	apierrors "github.com/hrygo/synthr/server/internal/errors"
	"github.com/hrygo/synthr/server/internal/observability"
)

// authMiddleware requires a valid bearer token and puts its claims on the
// request context.
func (s *APIV1Service) authMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			header := c.Request().Header.Get(echo.HeaderAuthorization)
			scheme, token, ok := strings.Cut(header, " ")
			if !ok || !strings.EqualFold(scheme, "bearer") || token == "" {
				return apierrors.Unauthorized("authentication required")
			}
			claims, err := s.Auth.Authenticate(c.Request().Context(), strings.TrimSpace(token))
			if err != nil {
				return apierrors.Wrap(err, apierrors.ErrCodeUnauthorized, "invalid or expired access token")
			}

			ctx := auth.SetUserClaimsInContext(c.Request().Context(), claims)
			if reqCtx, ok := observability.FromContext(ctx); ok {
				reqCtx.UserID = claims.UserID
			}
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}
