package api

import (
	"bytes"
	"io"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/openbiblio/corpus/pkg/robot"
	"github.com/openbiblio/corpus/pkg/store"
)

// securityHeaders returns middleware that sets standard security response headers.
func securityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
			h.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
			return next(c)
		}
	}
}

// robotAuth authenticates an inbound robot request against the three
// signing headers spec §6 names (Authorization, X-Client-Id,
// X-Request-Timestamp), resolving the signing secret from robots by the
// client id the robot presents.
func robotAuth(robots *store.RobotStore) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			clientID := c.Request().Header.Get("X-Client-Id")
			r, err := robots.Get(c.Request().Context(), clientID)
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "unknown robot client id")
			}

			body, err := io.ReadAll(io.LimitReader(c.Request().Body, 16<<20))
			if err != nil {
				return echo.NewHTTPError(http.StatusBadRequest, "could not read request body")
			}
			c.Request().Body = io.NopCloser(bytes.NewReader(body))

			if err := robot.Verify(
				[]byte(r.ClientSecretHash),
				body,
				c.Request().Header.Get("Authorization"),
				clientID,
				c.Request().Header.Get("X-Request-Timestamp"),
				time.Now(),
			); err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "signature verification failed")
			}

			c.Set("robot", r)
			return next(c)
		}
	}
}
