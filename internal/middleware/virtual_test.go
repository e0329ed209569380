package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestVirtualScheme(t *testing.T) {
	tests := []struct {
		name     string
		target   string
		wantBody string
	}{
		{"absolute virtual", "virtual://example.test/page?q=1", "intercept virtual://example.test/page?q=1"},
		{"scheme case", "VIRTUAL://example.test/a%2Fb", "intercept VIRTUAL://example.test/a%2Fb"},
		{"origin form", "/healthz", "health"},
		{"other scheme", "http://example.test/healthz", "health"},
	}

	e := echo.New()
	e.Pre(VirtualScheme("virtual"))
	e.GET("/healthz", func(c echo.Context) error {
		if _, ok := VirtualAddress(c); ok {
			t.Error("VirtualAddress set on a normal route")
		}
		return c.String(http.StatusOK, "health")
	})
	e.Any(InterceptPath, func(c echo.Context) error {
		addr, ok := VirtualAddress(c)
		if !ok {
			return c.String(http.StatusNotFound, "no address")
		}
		return c.String(http.StatusOK, "intercept "+addr)
	})

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.target, http.NoBody)
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)

			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
			}
			if got := rec.Body.String(); got != tt.wantBody {
				t.Errorf("body = %q, want %q", got, tt.wantBody)
			}
		})
	}
}

func TestVirtualScheme_DirectInterceptPath(t *testing.T) {
	e := echo.New()
	e.Pre(VirtualScheme("virtual"))
	e.Any(InterceptPath, func(c echo.Context) error {
		if _, ok := VirtualAddress(c); !ok {
			return c.NoContent(http.StatusNotFound)
		}
		return c.NoContent(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, InterceptPath, http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}
