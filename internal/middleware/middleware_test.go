package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/stepguard/stepguard/internal/auth"
	"github.com/stepguard/stepguard/internal/identity"
)

func TestJWTAuthSetsPrincipalLocals(t *testing.T) {
	repo := identity.NewMemoryRepository()
	users := identity.NewService(repo)
	user, err := users.Register(context.Background(), identity.RegisterInput{Email: "priv@example.com", Password: "secret1", Role: identity.RolePrivileged})
	require.NoError(t, err)

	signer := auth.NewSigner("secret", "stepguard", time.Hour)
	token, _, err := signer.Sign(user.ID, "sid-1")
	require.NoError(t, err)

	app := fiber.New()
	app.Get("/me", JWTAuth(signer, repo), func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"user_id":    c.Locals("user_id"),
			"session_id": c.Locals("session_id"),
			"privileged": c.Locals("privileged"),
		})
	})

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set(fiber.HeaderAuthorization, "Bearer "+token)
	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	req = httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set(fiber.HeaderAuthorization, "Bearer "+token+"x")
	resp, err = app.Test(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/me", nil))
	require.NoError(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestVerifyRateLimitIsPerPrincipal(t *testing.T) {
	app := fiber.New()
	app.Use(func(c *fiber.Ctx) error {
		c.Locals("user_id", c.Get("X-User"))
		return c.Next()
	})
	app.Post("/verify", VerifyRateLimit(2, time.Minute), func(c *fiber.Ctx) error {
		return c.SendStatus(http.StatusOK)
	})

	send := func(user string) int {
		req := httptest.NewRequest(http.MethodPost, "/verify", nil)
		req.Header.Set("X-User", user)
		resp, err := app.Test(req)
		require.NoError(t, err)
		return resp.StatusCode
	}

	require.Equal(t, http.StatusOK, send("a"))
	require.Equal(t, http.StatusOK, send("a"))
	require.Equal(t, http.StatusTooManyRequests, send("a"))
	require.Equal(t, http.StatusOK, send("b"))
	require.Equal(t, http.StatusOK, send("b"))
	require.Equal(t, http.StatusTooManyRequests, send("a"))
}

func TestLoginRateLimitByEmail(t *testing.T) {
	mr := miniredis.RunT(t)
	cache := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { cache.Close() })

	app := fiber.New()
	app.Post("/login", LoginRateLimit(cache, 1), func(c *fiber.Ctx) error {
		return c.SendStatus(http.StatusOK)
	})

	send := func(email string) int {
		req := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(`{"email":"`+email+`"}`))
		req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
		resp, err := app.Test(req)
		require.NoError(t, err)
		return resp.StatusCode
	}

	require.Equal(t, http.StatusOK, send("a@example.com"))
	require.Equal(t, http.StatusTooManyRequests, send("A@example.com"))
	require.Equal(t, http.StatusOK, send("b@example.com"))
}
