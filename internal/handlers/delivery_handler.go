package handlers

import (
	"context"
	"errors"
	"log"
	"time"

	"civic-notification-service/internal/delivery"
	"civic-notification-service/internal/middleware"
	"civic-notification-service/internal/models"
	"civic-notification-service/internal/repository"
	"civic-notification-service/internal/services"

	"github.com/gofiber/fiber/v3"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
)

type DeliveryHandler struct {
	notificationService *services.NotificationService
	deliveries          *repository.DeliveryRepository
}

func NewDeliveryHandler(notificationService *services.NotificationService, deliveries *repository.DeliveryRepository) *DeliveryHandler {
	return &DeliveryHandler{
		notificationService: notificationService,
		deliveries:          deliveries,
	}
}

func (h *DeliveryHandler) RegisterRoutes(app *fiber.App) {
	protectedGroup := app.Group("/protected/deliveries")

	protectedGroup.Get("/notifications/:notificationId", h.ListByNotification, middleware.PermissionRequired(middleware.ReadDeliveryPermission))
	protectedGroup.Get("/runs/:meetingId/status", h.RunStatus, middleware.PermissionRequired(middleware.ReadDeliveryPermission))
	protectedGroup.Get("/:id", h.GetDelivery, middleware.PermissionRequired(middleware.ReadDeliveryPermission))
	protectedGroup.Post("/:id/resend", h.ResendDelivery, middleware.PermissionRequired(middleware.ResendDeliveryPermission))
}

func (h *DeliveryHandler) GetDelivery(c fiber.Ctx) error {
	deliveryID := c.Params("id")
	if deliveryID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Delivery ID is required",
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	d, err := h.notificationService.GetDelivery(ctx, deliveryID)
	if err != nil {
		log.Printf("Failed to get delivery %s: %v", deliveryID, err)

		if errors.Is(err, services.ErrInvalidDeliveryID) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Invalid delivery ID format",
			})
		}

		if errors.Is(err, mongo.ErrNoDocuments) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "Delivery not found",
			})
		}

		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to retrieve delivery",
		})
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"data": fiber.Map{
			"delivery": d,
		},
	})
}

// ListByNotification returns all delivery rows of one notification, for
// the admin delivery-detail screen.
func (h *DeliveryHandler) ListByNotification(c fiber.Ctx) error {
	notificationID := c.Params("notificationId")

	id, err := bson.ObjectIDFromHex(notificationID)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid notification ID format",
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	deliveries, err := h.deliveries.FindByNotification(ctx, id)
	if err != nil {
		log.Printf("Failed to list deliveries for notification %s: %v", notificationID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to retrieve deliveries",
		})
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"data": fiber.Map{
			"deliveries": deliveries,
			"count":      len(deliveries),
		},
	})
}

// RunStatus aggregates delivery status counts for one meeting run.
func (h *DeliveryHandler) RunStatus(c fiber.Ctx) error {
	meetingID := c.Params("meetingId")
	if meetingID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Meeting ID is required",
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	statuses := []models.DeliveryStatus{
		models.DeliveryStatusPending,
		models.DeliveryStatusSent,
		models.DeliveryStatusFailed,
	}
	counts := fiber.Map{}
	for _, status := range statuses {
		count, err := h.deliveries.CountByMeetingAndStatus(ctx, meetingID, status)
		if err != nil {
			log.Printf("Failed to count %s deliveries for meeting %s: %v", status, meetingID, err)
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "Failed to retrieve delivery status",
			})
		}
		counts[string(status)] = count
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"data": fiber.Map{
			"meetingId": meetingID,
			"counts":    counts,
		},
	})
}

// ResendDelivery is the operator override: it forces a delivery (even an
// already sent one) back through the send pipeline.
func (h *DeliveryHandler) ResendDelivery(c fiber.Ctx) error {
	deliveryID := c.Params("id")
	if deliveryID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Delivery ID is required",
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	result, err := h.notificationService.ResendDelivery(ctx, deliveryID, middleware.OperatorID(c))
	if err != nil {
		log.Printf("Failed to resend delivery %s: %v", deliveryID, err)

		if errors.Is(err, services.ErrInvalidDeliveryID) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Invalid delivery ID format",
			})
		}

		if errors.Is(err, mongo.ErrNoDocuments) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "Delivery not found",
			})
		}

		if errors.Is(err, delivery.ErrMissingFields) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": err.Error(),
			})
		}

		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to resend delivery",
		})
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"message": "Delivery resend processed",
		"data": fiber.Map{
			"result": result,
		},
	})
}
