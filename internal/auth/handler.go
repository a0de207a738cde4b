package auth

import (
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/stepguard/stepguard/internal/identity"
)

// Handler exposes auth endpoints for login/logout.
type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	UserID                string `json:"user_id"`
	AccessToken           string `json:"access_token"`
	ExpiresIn             int64  `json:"expires_in"`
	SessionID             string `json:"session_id"`
	Privileged            bool   `json:"privileged"`
	NeedsFaceRegistration bool   `json:"needs_face_registration"`
}

// Login validates credentials and returns an access token bound to a new session.
func (h *Handler) Login(c *fiber.Ctx) error {
	var req loginRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	res, err := h.svc.Login(c.UserContext(), req.Email, req.Password)
	switch {
	case errors.Is(err, identity.ErrInvalidCredentials):
		return fiber.NewError(http.StatusUnauthorized, err.Error())
	case err != nil:
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
	return c.Status(http.StatusOK).JSON(loginResponse{
		UserID:                res.User.ID,
		AccessToken:           res.AccessToken,
		ExpiresIn:             res.ExpiresIn,
		SessionID:             res.SessionID,
		Privileged:            res.User.Privileged(),
		NeedsFaceRegistration: res.NeedsFaceRegistration,
	})
}

// Logout ends the caller's session, including any step-up trust.
func (h *Handler) Logout(c *fiber.Ctx) error {
	sid, _ := c.Locals("session_id").(string)
	if sid == "" {
		return fiber.NewError(http.StatusUnauthorized, "missing session")
	}
	if err := h.svc.Logout(c.UserContext(), sid); err != nil {
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{"status": "logged_out"})
}
