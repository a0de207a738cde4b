package enrollment

import (
	"encoding/base64"
	"errors"
	"io"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/stepguard/stepguard/internal/biometric"
	"github.com/stepguard/stepguard/internal/liveness"
)

// Handler exposes enrollment HTTP endpoints.
type Handler struct {
	service *Service
}

// NewHandler builds an enrollment HTTP handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type imageRequest struct {
	Image string `json:"image"`
}

type completeRequest struct {
	SessionID string `json:"session_id"`
}

// Get returns the caller's enrollment.
func (h *Handler) Get(c *fiber.Ctx) error {
	uid, _ := c.Locals("user_id").(string)
	e, err := h.service.Get(c.UserContext(), uid)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(e)
}

// EnrollImage registers a face from an uploaded image.
func (h *Handler) EnrollImage(c *fiber.Ctx) error {
	uid, _ := c.Locals("user_id").(string)
	image, err := readImage(c, "face_image", h.service.cfg.MaxImageBytes)
	if err != nil {
		return mapError(err)
	}
	e, err := h.service.EnrollImage(c.UserContext(), uid, image)
	if err != nil {
		return mapError(err)
	}
	return c.Status(http.StatusCreated).JSON(e)
}

// StartLiveness opens a registration liveness session.
func (h *Handler) StartLiveness(c *fiber.Ctx) error {
	sid, _ := c.Locals("session_id").(string)
	ch, err := h.service.StartLiveness(c.UserContext(), sid)
	if err != nil {
		return fiber.NewError(http.StatusServiceUnavailable, err.Error())
	}
	return c.Status(http.StatusCreated).JSON(ch)
}

// CompleteLiveness finishes a liveness registration.
func (h *Handler) CompleteLiveness(c *fiber.Ctx) error {
	uid, _ := c.Locals("user_id").(string)
	sid, _ := c.Locals("session_id").(string)
	var req completeRequest
	if err := c.BodyParser(&req); err != nil || req.SessionID == "" {
		return fiber.NewError(http.StatusBadRequest, "session_id is required")
	}
	e, err := h.service.CompleteLiveness(c.UserContext(), uid, sid, req.SessionID)
	if err != nil {
		return mapError(err)
	}
	return c.Status(http.StatusCreated).JSON(e)
}

func mapError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return fiber.NewError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrEmptyImage):
		return fiber.NewError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrImageTooLarge):
		return fiber.NewError(http.StatusRequestEntityTooLarge, err.Error())
	case errors.Is(err, ErrSessionMismatch), errors.Is(err, biometric.ErrSessionNotFound):
		return fiber.NewError(http.StatusForbidden, err.Error())
	case errors.Is(err, ErrLivenessFailed), errors.Is(err, biometric.ErrNoFaceDetected):
		return fiber.NewError(http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, liveness.ErrResultPending):
		return fiber.NewError(http.StatusConflict, err.Error())
	default:
		return fiber.NewError(http.StatusServiceUnavailable, err.Error())
	}
}

// readImage accepts a multipart file under field or a JSON body with a base64
// "image" attribute.
func readImage(c *fiber.Ctx, field string, limit int) ([]byte, error) {
	if fh, err := c.FormFile(field); err == nil {
		if limit > 0 && fh.Size > int64(limit) {
			return nil, ErrImageTooLarge
		}
		f, err := fh.Open()
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return io.ReadAll(f)
	}
	var req imageRequest
	if err := c.BodyParser(&req); err != nil || req.Image == "" {
		return nil, ErrEmptyImage
	}
	image, err := base64.StdEncoding.DecodeString(req.Image)
	if err != nil {
		return nil, ErrEmptyImage
	}
	if limit > 0 && len(image) > limit {
		return nil, ErrImageTooLarge
	}
	return image, nil
}
