package middleware

import (
	"github.com/labstack/echo/v4"
)

// SecurityHeaders returns an Echo middleware that adds security headers to
// the relay's own responses. Intercepted responses carry the upstream or
// cached headers unchanged and are left alone.
func SecurityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if _, ok := VirtualAddress(c); ok {
				return next(c)
			}

			res := c.Response()
			res.Before(func() {
				res.Header().Set("X-Content-Type-Options", "nosniff")
				res.Header().Set("X-Frame-Options", "DENY")
			})

			return next(c)
		}
	}
}
