package middleware

import (
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/stepguard/stepguard/internal/auth"
	"github.com/stepguard/stepguard/internal/identity"
)

// JWTAuth returns a middleware that validates access tokens and loads the
// principal. The role is read from the user store on every request so a
// revoked privilege takes effect before the token expires.
func JWTAuth(signer *auth.Signer, repo identity.Repository) fiber.Handler {
	return func(c *fiber.Ctx) error {
		authz := c.Get(fiber.HeaderAuthorization)
		if !strings.HasPrefix(strings.ToLower(authz), "bearer ") {
			return fiber.NewError(http.StatusUnauthorized, "missing bearer token")
		}
		tokenStr := strings.TrimSpace(authz[len("Bearer "):])
		claims, err := signer.Parse(tokenStr)
		if err != nil {
			return fiber.NewError(http.StatusUnauthorized, "invalid token")
		}

		user, err := repo.FindByID(c.UserContext(), claims.Subject)
		if err != nil {
			return fiber.NewError(http.StatusUnauthorized, "token invalidated")
		}

		c.Locals("user_id", user.ID)
		c.Locals("session_id", claims.SessionID)
		c.Locals("privileged", user.Privileged())
		return c.Next()
	}
}
