package auth

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

type revokeTokenRequest struct {
	JTI       string    `json:"jti"`
	ExpiresAt time.Time `json:"expires_at"`
}

type revokeActorRequest struct {
	ActorID string `json:"actor_id"`
}

// RegisterRevocationRoutes mounts the administrator-only revocation
// endpoints under /auth.
func RegisterRevocationRoutes(g *echo.Group, store RevocationStore) {
	authGroup := g.Group("/auth", RequireRole(RoleAdministrator))
	authGroup.POST("/revoke", handleRevokeToken(store))
	authGroup.POST("/revoke-actor", handleRevokeActor(store))
}

func handleRevokeToken(store RevocationStore) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req revokeTokenRequest
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
		}
		if req.JTI == "" {
			return echo.NewHTTPError(http.StatusBadRequest, "jti is required")
		}
		if req.ExpiresAt.IsZero() {
			// Tokens minted here never outlive a day.
			req.ExpiresAt = time.Now().Add(24 * time.Hour)
		}
		if err := store.RevokeToken(c.Request().Context(), req.JTI, req.ExpiresAt); err != nil {
			return echo.NewHTTPError(http.StatusServiceUnavailable, "revocation store unavailable")
		}
		return c.NoContent(http.StatusNoContent)
	}
}

// handleRevokeActor invalidates every token issued to the actor so far.
func handleRevokeActor(store RevocationStore) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req revokeActorRequest
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
		}
		if req.ActorID == "" {
			return echo.NewHTTPError(http.StatusBadRequest, "actor_id is required")
		}
		if err := store.RevokeActor(c.Request().Context(), req.ActorID, time.Now()); err != nil {
			return echo.NewHTTPError(http.StatusServiceUnavailable, "revocation store unavailable")
		}
		return c.NoContent(http.StatusNoContent)
	}
}
