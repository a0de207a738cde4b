package stepup

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v2"
)

// PrincipalFrom reads the principal placed in locals by the JWT middleware.
func PrincipalFrom(c *fiber.Ctx) Principal {
	uid, _ := c.Locals("user_id").(string)
	privileged, _ := c.Locals("privileged").(bool)
	return Principal{ID: uid, Privileged: privileged}
}

// SessionFrom returns the session id of the request.
func SessionFrom(c *fiber.Ctx) string {
	sid, _ := c.Locals("session_id").(string)
	return sid
}

// Require guards privileged routes. Untrusted privileged callers get a 401
// challenge and their request is captured for replay.
func Require(g *Gate, logger *slog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		p := PrincipalFrom(c)
		if p.ID == "" {
			return fiber.NewError(http.StatusUnauthorized, "unauthenticated")
		}
		var req CapturedRequest
		if p.Privileged {
			req = captureFrom(c)
		}
		dec, err := g.RequireStepUp(c.UserContext(), p, SessionFrom(c), req)
		if err != nil {
			logger.Error("step-up gate failed", "user_id", p.ID, "error", err)
			return fiber.NewError(http.StatusInternalServerError, "step-up unavailable")
		}
		if dec.Allowed {
			c.Locals("stepup_reason", string(dec.Reason))
			return c.Next()
		}
		return c.Status(http.StatusUnauthorized).JSON(fiber.Map{
			"error":        "step_up_required",
			"reason":       dec.Reason,
			"replay_token": dec.Token,
			"challenge":    "/api/v1/step-up",
		})
	}
}

func captureFrom(c *fiber.Ctx) CapturedRequest {
	ct := strings.ToLower(string(c.Request().Header.ContentType()))
	req := CapturedRequest{Method: c.Method(), URL: c.OriginalURL(), ContentType: ct}
	switch {
	case strings.HasPrefix(ct, fiber.MIMEApplicationJSON):
		var payload map[string]any
		if err := json.Unmarshal(c.Body(), &payload); err == nil {
			req.Payload = payload
		}
	case strings.HasPrefix(ct, fiber.MIMEApplicationForm):
		payload := make(map[string]any)
		c.Request().PostArgs().VisitAll(func(k, v []byte) {
			addValue(payload, string(k), string(v))
		})
		req.Payload = payload
	case strings.HasPrefix(ct, fiber.MIMEMultipartForm):
		if form, err := c.MultipartForm(); err == nil {
			payload := make(map[string]any)
			for k, values := range form.Value {
				for _, v := range values {
					addValue(payload, k, v)
				}
			}
			req.Payload = payload
		}
	}
	return req
}

func addValue(payload map[string]any, key, value string) {
	switch cur := payload[key].(type) {
	case nil:
		payload[key] = value
	case []any:
		payload[key] = append(cur, value)
	default:
		payload[key] = []any{cur, value}
	}
}
