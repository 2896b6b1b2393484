package auth

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/opensandbox/podrelay/internal/metrics"
)

type contextKey string

const (
	// ContextKeyUser is the echo context key for the authenticated user.
	ContextKeyUser contextKey = "user"
)

// SetUser stores the user in the echo context.
func SetUser(c echo.Context, user *User) {
	c.Set(string(ContextKeyUser), user)
}

// GetUser retrieves the user from the echo context.
func GetUser(c echo.Context) (*User, bool) {
	v := c.Get(string(ContextKeyUser))
	if v == nil {
		return nil, false
	}
	user, ok := v.(*User)
	return user, ok && user != nil
}

// BearerMiddleware authenticates requests with a user JWT in the
// Authorization header. A request carrying the static API key instead is
// treated as an admin service account.
func BearerMiddleware(issuer *JWTIssuer, apiKey string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if apiKey != "" && c.Request().Header.Get("X-API-Key") != "" {
				return APIKeyMiddleware(apiKey)(func(c echo.Context) error {
					metrics.AuthAttemptsTotal.WithLabelValues("api_key", "ok").Inc()
					SetUser(c, &User{Username: "api-key", Role: RoleAdmin, AllNamespaces: true})
					return next(c)
				})(c)
			}

			authHeader := c.Request().Header.Get("Authorization")
			if authHeader == "" || !strings.HasPrefix(authHeader, "Bearer ") {
				metrics.AuthAttemptsTotal.WithLabelValues("bearer", "missing").Inc()
				return c.JSON(http.StatusUnauthorized, map[string]string{
					"error": "missing or invalid Authorization header",
				})
			}

			tokenStr := strings.TrimPrefix(authHeader, "Bearer ")
			user, err := issuer.ValidateUserToken(tokenStr)
			if err != nil {
				metrics.AuthAttemptsTotal.WithLabelValues("bearer", "invalid").Inc()
				return c.JSON(http.StatusUnauthorized, map[string]string{
					"error": err.Error(),
				})
			}

			metrics.AuthAttemptsTotal.WithLabelValues("bearer", "ok").Inc()
			SetUser(c, user)
			return next(c)
		}
	}
}
