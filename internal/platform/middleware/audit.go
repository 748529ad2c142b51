package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/clinic/clinic/internal/platform/audit"
	"github.com/clinic/clinic/internal/platform/auth"
)

// AccessAudit records refused API requests. Successful changes are audited by
// the services themselves; this covers the requests that never reach them
// because authentication or a role check turned them away.
func AccessAudit(sink audit.Sink) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			err := next(c)

			req := c.Request()
			if !strings.HasPrefix(req.URL.Path, "/api/") {
				return err
			}
			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			if status != http.StatusUnauthorized && status != http.StatusForbidden {
				return err
			}

			entry := audit.Entry{
				ActorID:   "anonymous",
				Action:    "access.denied",
				RequestID: requestIDOf(c),
				Timestamp: time.Now().UTC(),
				Details: map[string]string{
					"method":    req.Method,
					"path":      req.URL.Path,
					"action":    methodAction(req.Method),
					"status":    strconv.Itoa(status),
					"remote_ip": c.RealIP(),
				},
			}
			if actor, ok := auth.ActorFromContext(req.Context()); ok {
				entry.ActorID = actor.ID
				entry.ActorName = actor.Name
				entry.ActorRole = string(actor.Role)
			}
			sink.Record(entry)
			return err
		}
	}
}

func methodAction(method string) string {
	switch method {
	case http.MethodPost:
		return "create"
	case http.MethodPut, http.MethodPatch:
		return "update"
	case http.MethodDelete:
		return "delete"
	default:
		return "read"
	}
}
