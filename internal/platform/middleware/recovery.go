package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/clinic/clinic/internal/platform/audit"
	"github.com/clinic/clinic/internal/platform/auth"
)

// Recovery turns a handler panic into a 500 and logs it with the request id
// and the acting user. http.ErrAbortHandler is re-raised so net/http can
// abort the connection.
func Recovery(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				if e, ok := r.(error); ok && errors.Is(e, http.ErrAbortHandler) {
					panic(r)
				}

				ctx := c.Request().Context()
				rid := audit.RequestIDFromContext(ctx)
				if rid == "" {
					rid = requestIDOf(c)
				}
				ev := logger.Error().
					Str("request_id", rid).
					Str("method", c.Request().Method).
					Str("path", c.Path()).
					Str("panic", fmt.Sprint(r)).
					Bytes("stack", debug.Stack())
				if actor, ok := auth.ActorFromContext(ctx); ok {
					ev = ev.Str("actor_id", actor.ID).Str("actor_role", string(actor.Role))
				}
				ev.Msg("panic recovered")

				err = echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
			}()
			return next(c)
		}
	}
}
