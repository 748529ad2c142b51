package middleware

import (
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/clinic/clinic/internal/platform/audit"
)

const RequestIDHeader = "X-Request-ID"

// RequestID reuses the caller's X-Request-ID or generates one. The id is
// stored under "request_id" in the echo context, echoed in the response and
// attached to the request context so audit entries carry it.
func RequestID() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			rid := c.Request().Header.Get(RequestIDHeader)
			if rid == "" || len(rid) > 128 {
				rid = uuid.NewString()
			}
			c.Set("request_id", rid)
			c.Response().Header().Set(RequestIDHeader, rid)
			c.SetRequest(c.Request().WithContext(audit.WithRequestID(c.Request().Context(), rid)))
			return next(c)
		}
	}
}

func requestIDOf(c echo.Context) string {
	rid, _ := c.Get("request_id").(string)
	return rid
}
