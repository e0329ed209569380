package middleware

import (
	"strings"

	"github.com/labstack/echo/v4"
)

// InterceptPath is the internal route intercepted requests are rewritten to.
const InterceptPath = "/_intercept"

const virtualAddressKey = "virtual_address"

// VirtualScheme returns an Echo Pre middleware that claims absolute-form
// requests on the given scheme. The request-URI is kept verbatim as the
// virtual address and the route path is rewritten to InterceptPath.
// Requests on any other scheme pass through untouched.
func VirtualScheme(scheme string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if !strings.EqualFold(req.URL.Scheme, scheme) {
				return next(c)
			}

			addr := req.RequestURI
			if !strings.HasPrefix(strings.ToLower(addr), strings.ToLower(scheme)+":") {
				addr = req.URL.String()
			}
			c.Set(virtualAddressKey, addr)

			req.URL.Path = InterceptPath
			req.URL.RawPath = ""
			return next(c)
		}
	}
}

// VirtualAddress returns the virtual address claimed by VirtualScheme.
func VirtualAddress(c echo.Context) (string, bool) {
	addr, ok := c.Get(virtualAddressKey).(string)
	return addr, ok && addr != ""
}
