package api

import (
	"crypto/subtle"
	"net/http"

	"github.com/labstack/echo/v4"
)

// requireAPISecret guards the management endpoints with a shared secret
// carried in the x-api-secret header.
func (s *Server) requireAPISecret(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		provided := c.Request().Header.Get("x-api-secret")
		if provided == "" ||
			subtle.ConstantTimeCompare([]byte(provided), []byte(s.apiSecret)) != 1 {
			return c.JSON(http.StatusUnauthorized, map[string]string{
				"error": "invalid or missing API secret",
			})
		}
		return next(c)
	}
}
