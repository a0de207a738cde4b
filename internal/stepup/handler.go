package stepup

import (
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/stepguard/stepguard/internal/enrollment"
	"github.com/stepguard/stepguard/internal/liveness"
)

// Handler exposes the step-up challenge endpoints.
type Handler struct {
	gate     *Gate
	maxImage int
	logger   *slog.Logger
}

// NewHandler builds a step-up HTTP handler.
func NewHandler(gate *Gate, maxImage int, logger *slog.Logger) *Handler {
	return &Handler{gate: gate, maxImage: maxImage, logger: logger}
}

type verifyRequest struct {
	Method            string `json:"method" form:"method"`
	Image             string `json:"image" form:"image"`
	LivenessSessionID string `json:"liveness_session_id" form:"liveness_session_id"`
	ReplayToken       string `json:"replay_token" form:"replay_token"`
}

type completeRequest struct {
	SessionID   string `json:"session_id"`
	ReplayToken string `json:"replay_token"`
}

// Status describes the current challenge.
func (h *Handler) Status(c *fiber.Ctx) error {
	st, err := h.gate.Status(c.UserContext(), PrincipalFrom(c), SessionFrom(c))
	if err != nil {
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(st)
}

// Verify handles an image or liveness verification attempt.
func (h *Handler) Verify(c *fiber.Ctx) error {
	var req verifyRequest
	var image []byte
	if fh, err := c.FormFile("live_image"); err == nil {
		if h.maxImage > 0 && fh.Size > int64(h.maxImage) {
			return fiber.NewError(http.StatusRequestEntityTooLarge, "image too large")
		}
		f, err := fh.Open()
		if err != nil {
			return fiber.NewError(http.StatusBadRequest, err.Error())
		}
		defer f.Close()
		if image, err = io.ReadAll(f); err != nil {
			return fiber.NewError(http.StatusBadRequest, err.Error())
		}
		req.Method = c.FormValue("method")
		req.LivenessSessionID = c.FormValue("liveness_session_id")
		req.ReplayToken = c.FormValue("replay_token")
	} else {
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(http.StatusBadRequest, err.Error())
		}
		if req.Image != "" {
			decoded, err := base64.StdEncoding.DecodeString(req.Image)
			if err != nil {
				return fiber.NewError(http.StatusBadRequest, "image must be base64 encoded")
			}
			image = decoded
		}
	}
	if h.maxImage > 0 && len(image) > h.maxImage {
		return fiber.NewError(http.StatusRequestEntityTooLarge, "image too large")
	}

	var method enrollment.Method
	if req.Method != "" {
		m, err := enrollment.ParseMethod(req.Method)
		if err != nil {
			return fiber.NewError(http.StatusBadRequest, err.Error())
		}
		method = m
	}
	sub, err := h.gate.SubmitVerification(c.UserContext(), PrincipalFrom(c), SessionFrom(c), SubmitInput{
		Method:      method,
		Evidence:    Evidence{Image: image, LivenessSessionID: req.LivenessSessionID},
		ReplayToken: req.ReplayToken,
	})
	return h.respond(c, sub, err)
}

// StartLiveness opens a liveness session for the challenge widget.
func (h *Handler) StartLiveness(c *fiber.Ctx) error {
	ch, err := h.gate.StartLiveness(c.UserContext(), PrincipalFrom(c), SessionFrom(c))
	if err != nil {
		h.logger.Error("liveness session not started", "error", err)
		return fiber.NewError(http.StatusServiceUnavailable, "liveness provider unavailable")
	}
	return c.Status(http.StatusCreated).JSON(ch)
}

// CompleteLiveness is the authoritative retrieval of a liveness session. The
// client must wait for this response before letting its widget finish.
func (h *Handler) CompleteLiveness(c *fiber.Ctx) error {
	var req completeRequest
	if err := c.BodyParser(&req); err != nil || req.SessionID == "" {
		return fiber.NewError(http.StatusBadRequest, "session_id is required")
	}
	sub, err := h.gate.SubmitVerification(c.UserContext(), PrincipalFrom(c), SessionFrom(c), SubmitInput{
		Method:      enrollment.MethodLiveness,
		Evidence:    Evidence{LivenessSessionID: req.SessionID},
		ReplayToken: req.ReplayToken,
	})
	return h.respond(c, sub, err)
}

// LivenessResults serves the widget's own retrieval from cache.
func (h *Handler) LivenessResults(c *fiber.Ctx) error {
	res, err := h.gate.LivenessResults(c.UserContext(), SessionFrom(c), c.Params("sessionId"))
	switch {
	case errors.Is(err, ErrLivenessNotBound), errors.Is(err, liveness.ErrInvalidSession):
		return fiber.NewError(http.StatusForbidden, err.Error())
	case errors.Is(err, liveness.ErrResultPending):
		return fiber.NewError(http.StatusNotFound, "results not available yet")
	case err != nil:
		return fiber.NewError(http.StatusServiceUnavailable, err.Error())
	}
	return c.JSON(res)
}

// Replay returns the instruction for the captured request. Browsers get an
// auto-submitting form or a redirect.
func (h *Handler) Replay(c *fiber.Ctx) error {
	in, err := h.gate.GetInterceptedReplay(c.UserContext(), PrincipalFrom(c), SessionFrom(c), c.Params("token"))
	if errors.Is(err, ErrNotTrusted) {
		return c.Status(http.StatusUnauthorized).JSON(fiber.Map{"error": "step_up_required"})
	}
	if err != nil {
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
	if c.Accepts(fiber.MIMEApplicationJSON, fiber.MIMETextHTML) != fiber.MIMETextHTML {
		return c.JSON(in)
	}
	if in.Kind == ReplayRedirect {
		return c.Redirect(in.URL, http.StatusSeeOther)
	}
	if !in.FormReplayable() {
		return c.JSON(in)
	}
	page, err := RenderReplayForm(in)
	if err != nil {
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
	c.Set(fiber.HeaderContentType, fiber.MIMETextHTMLCharsetUTF8)
	return c.Send(page)
}

func (h *Handler) respond(c *fiber.Ctx, sub Submission, err error) error {
	var verr *VerificationError
	switch {
	case errors.As(err, &verr):
		status := http.StatusUnprocessableEntity
		switch verr.Reason {
		case ReasonProviderError:
			status = http.StatusServiceUnavailable
		case ReasonSessionAlreadyConsumed:
			status = http.StatusConflict
		}
		return c.Status(status).JSON(fiber.Map{
			"error":     verr.Reason,
			"retryable": verr.Retryable(),
			"outcome":   sub.Outcome,
			"tips":      Tips(verr.Reason),
		})
	case err != nil:
		h.logger.Error("step-up verification failed", "error", err)
		return fiber.NewError(http.StatusInternalServerError, "verification failed")
	case !sub.Outcome.Accepted:
		return c.Status(http.StatusUnprocessableEntity).JSON(fiber.Map{
			"error":   sub.Outcome.Reason,
			"outcome": sub.Outcome,
			"tips":    Tips(sub.Outcome.Reason),
		})
	}
	return c.JSON(sub)
}
