package identity

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// UserContextKey is where RequireAuth stores the *User.
const UserContextKey = "user"

// RequireAuth rejects requests without a valid bearer token.
func RequireAuth(v *Verifier) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			authHeader := c.Request().Header.Get("Authorization")
			if authHeader == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "Authorization header required")
			}

			tokenParts := strings.Split(authHeader, " ")
			if len(tokenParts) != 2 || tokenParts[0] != "Bearer" {
				return echo.NewHTTPError(http.StatusUnauthorized, "Invalid authorization header format")
			}

			user, err := v.Verify(tokenParts[1])
			if err != nil {
				if errors.Is(err, ErrTokenExpired) {
					return echo.NewHTTPError(http.StatusUnauthorized, "Token expired")
				}
				return echo.NewHTTPError(http.StatusUnauthorized, "Invalid token")
			}

			c.Set(UserContextKey, user)
			return next(c)
		}
	}
}

// UserFrom returns the authenticated user, or nil outside RequireAuth.
func UserFrom(c echo.Context) *User {
	user, _ := c.Get(UserContextKey).(*User)
	return user
}
