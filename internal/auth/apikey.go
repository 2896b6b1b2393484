package auth

import (
	"crypto/subtle"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/opensandbox/podrelay/internal/metrics"
)

// APIKeyMiddleware validates the X-API-Key header against the configured key.
// If the configured key is empty, every request is rejected.
func APIKeyMiddleware(apiKey string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			provided := c.Request().Header.Get("X-API-Key")
			if provided == "" {
				return c.JSON(http.StatusUnauthorized, map[string]string{
					"error": "missing API key",
				})
			}

			if apiKey == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(apiKey)) != 1 {
				metrics.AuthAttemptsTotal.WithLabelValues("api_key", "invalid").Inc()
				return c.JSON(http.StatusUnauthorized, map[string]string{
					"error": "invalid API key",
				})
			}

			return next(c)
		}
	}
}
