package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/stepguard/stepguard/internal/enrollment"
	"github.com/stepguard/stepguard/internal/operation"
	"github.com/stepguard/stepguard/internal/stepup"
)

// RegisterEnrollmentRoutes wires face registration endpoints.
func RegisterEnrollmentRoutes(r fiber.Router, h *enrollment.Handler, limiter fiber.Handler) {
	group := r.Group("/enrollment")
	group.Get("", h.Get)
	group.Post("/image", limiter, h.EnrollImage)
	group.Post("/liveness/session", h.StartLiveness)
	group.Post("/liveness/complete", limiter, h.CompleteLiveness)
}

// RegisterStepUpRoutes wires the step-up challenge endpoints.
func RegisterStepUpRoutes(r fiber.Router, h *stepup.Handler, limiter fiber.Handler) {
	group := r.Group("/step-up")
	group.Get("", h.Status)
	group.Post("/verify", limiter, h.Verify)
	group.Post("/liveness/session", h.StartLiveness)
	group.Post("/liveness/complete", limiter, h.CompleteLiveness)
	group.Get("/liveness/results/:sessionId", h.LivenessResults)
	group.Get("/replay/:token?", h.Replay)
}

// RegisterOperationRoutes wires the privileged operation behind the step-up guard.
func RegisterOperationRoutes(r fiber.Router, h *operation.Handler, guard fiber.Handler) {
	r.Get("/special-operation", guard, h.Perform)
	r.Post("/special-operation", guard, h.Perform)
}
