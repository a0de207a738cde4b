// Package operation hosts the privileged demo action guarded by step-up.
package operation

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/stepguard/stepguard/internal/stepup"
)

// Outcomes exposes the last verification outcome of a session.
type Outcomes interface {
	LastOutcome(ctx context.Context, sid string) (stepup.Outcome, bool, error)
}

// Handler serves /special-operation.
type Handler struct {
	outcomes Outcomes
	logger   *slog.Logger
	now      func() time.Time
}

// NewHandler builds the operation handler.
func NewHandler(outcomes Outcomes, logger *slog.Logger) *Handler {
	return &Handler{outcomes: outcomes, logger: logger, now: time.Now}
}

type response struct {
	Status       string          `json:"status"`
	UserID       string          `json:"user_id"`
	Privileged   bool            `json:"privileged"`
	Method       string          `json:"method"`
	Payload      map[string]any  `json:"payload,omitempty"`
	StepUp       string          `json:"step_up,omitempty"`
	Verification *stepup.Outcome `json:"verification,omitempty"`
	PerformedAt  string          `json:"performed_at"`
}

// Perform runs the privileged action. It echoes what it received so a
// replayed request can be told apart from a lost one.
func (h *Handler) Perform(c *fiber.Ctx) error {
	p := stepup.PrincipalFrom(c)
	reason, _ := c.Locals("stepup_reason").(string)

	resp := response{
		Status:      "completed",
		UserID:      p.ID,
		Privileged:  p.Privileged,
		Method:      c.Method(),
		Payload:     payload(c),
		StepUp:      reason,
		PerformedAt: h.now().UTC().Format(time.RFC3339Nano),
	}
	out, ok, err := h.outcomes.LastOutcome(c.UserContext(), stepup.SessionFrom(c))
	if err != nil {
		h.logger.Warn("special operation: outcome lookup failed", slog.String("user_id", p.ID), slog.Any("error", err))
	} else if ok {
		resp.Verification = &out
	}

	h.logger.Info("special operation performed",
		slog.String("user_id", p.ID),
		slog.String("method", resp.Method),
		slog.String("step_up", reason),
	)
	return c.Status(http.StatusOK).JSON(resp)
}

func payload(c *fiber.Ctx) map[string]any {
	out := map[string]any{}
	if c.Method() == fiber.MethodGet {
		for k, v := range c.Queries() {
			out[k] = v
		}
		return out
	}
	if len(c.Body()) > 0 && json.Valid(c.Body()) {
		if err := json.Unmarshal(c.Body(), &out); err == nil {
			return out
		}
	}
	c.Request().PostArgs().VisitAll(func(k, v []byte) {
		out[string(k)] = string(v)
	})
	return out
}
