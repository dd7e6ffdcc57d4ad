package handlers

import (
	"crypto/subtle"
	"errors"
	"log/slog"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/talowa/referral-backend/internal/dto"
	"github.com/talowa/referral-backend/internal/services"
)

type WebhookHandler struct {
	activationService *services.ActivationService
	expectedAuth      string
}

func NewWebhookHandler(activationService *services.ActivationService, expectedAuth string) *WebhookHandler {
	return &WebhookHandler{
		activationService: activationService,
		expectedAuth:      expectedAuth,
	}
}

// HandlePayment consumes payment-confirmation events. Delivery is
// at-least-once; replays return 200 without reapplying effects. A transient
// counter conflict returns 409 so the payment source retries the event; the
// retried delivery resumes the stalled chain walk from its checkpoint.
func (h *WebhookHandler) HandlePayment(c *fiber.Ctx) error {
	if h.expectedAuth == "" {
		return c.Status(fiber.StatusNotFound).JSON(dto.ErrorResponse{
			Error: true, Message: "Webhooks not configured",
		})
	}
	authHeader := c.Get("Authorization")
	if subtle.ConstantTimeCompare([]byte(authHeader), []byte(h.expectedAuth)) != 1 {
		return c.Status(fiber.StatusUnauthorized).JSON(dto.ErrorResponse{
			Error: true, Message: "Unauthorized",
		})
	}

	var event dto.PaymentWebhook
	if err := c.BodyParser(&event); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{
			Error: true, Message: "Invalid webhook payload",
		})
	}
	if event.UserID == uuid.Nil || event.PaymentRef == "" {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{
			Error: true, Message: "user_id and payment_ref are required",
		})
	}

	result, err := h.activationService.Activate(event.UserID, event.PaymentRef, event.AmountCents, event.Currency)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrUserNotFound):
			return c.Status(fiber.StatusNotFound).JSON(dto.ErrorResponse{
				Error: true, Message: "Unknown user",
			})
		case errors.Is(err, services.ErrTransientConflict):
			slog.Warn("activation hit transient conflict, requesting retry",
				"user_id", event.UserID.String(), "payment_ref", event.PaymentRef)
			return c.Status(fiber.StatusConflict).JSON(dto.ErrorResponse{
				Error: true, Message: "Transient conflict, retry",
			})
		case errors.Is(err, services.ErrDataIntegrity):
			// Already logged to the operations channel; do not ask the
			// source to retry what a retry cannot fix.
			return c.Status(fiber.StatusUnprocessableEntity).JSON(dto.ErrorResponse{
				Error: true, Message: "Referral chain requires manual review",
			})
		default:
			slog.Error("payment activation failed",
				"user_id", event.UserID.String(), "payment_ref", event.PaymentRef, "error", err)
			return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{
				Error: true, Message: "Failed to process payment event",
			})
		}
	}

	slog.Info("payment processed",
		"user_id", result.UserID.String(), "payment_ref", event.PaymentRef,
		"already_processed", result.AlreadyProcessed)
	return c.JSON(result)
}
