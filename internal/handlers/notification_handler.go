package handlers

import (
	"context"
	"errors"
	"log"
	"strconv"
	"strings"
	"time"

	"civic-notification-service/internal/middleware"
	"civic-notification-service/internal/models"
	"civic-notification-service/internal/repository"
	"civic-notification-service/internal/services"

	"github.com/gofiber/fiber/v3"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
)

type NotificationHandler struct {
	notificationService *services.NotificationService
	notifications       *repository.NotificationRepository
}

func NewNotificationHandler(notificationService *services.NotificationService, notifications *repository.NotificationRepository) *NotificationHandler {
	return &NotificationHandler{
		notificationService: notificationService,
		notifications:       notifications,
	}
}

func (h *NotificationHandler) RegisterRoutes(app *fiber.App) {
	app.Get("/health", h.HealthCheck)

	protectedGroup := app.Group("/protected/notifications")

	protectedGroup.Post("/impact", h.PreviewImpact, middleware.PermissionRequired(middleware.RunNotificationPermission))
	protectedGroup.Post("/runs/:meetingId", h.CreateRun, middleware.PermissionRequired(middleware.RunNotificationPermission))
	protectedGroup.Post("/runs/:meetingId/send", h.SendBatch, middleware.PermissionRequired(middleware.SendDeliveryPermission))
	protectedGroup.Get("/runs/:meetingId", h.ListByMeeting, middleware.PermissionRequired(middleware.ReadNotificationPermission))
	protectedGroup.Get("/users/:userId", h.ListByUser, middleware.PermissionRequired(middleware.ReadNotificationPermission))
	protectedGroup.Post("/:id/send", h.SendForNotification, middleware.PermissionRequired(middleware.SendDeliveryPermission))
	protectedGroup.Get("/:id", h.GetNotification, middleware.PermissionRequired(middleware.ReadNotificationPermission))
}

// PreviewImpact is the admin dry run: who would be notified, per subject,
// before anything is created or sent.
func (h *NotificationHandler) PreviewImpact(c fiber.Ctx) error {
	var req models.ImpactRequest

	if err := c.Bind().Body(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	report, err := h.notificationService.Impact(ctx, &req)
	if err != nil {
		log.Printf("Failed to compute impact: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to compute impact",
		})
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"data": fiber.Map{
			"impact": report,
		},
	})
}

func (h *NotificationHandler) CreateRun(c fiber.Ctx) error {
	meetingID := c.Params("meetingId")
	if meetingID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Meeting ID is required",
		})
	}

	var req models.CreateRunRequest

	if err := c.Bind().Body(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	result, err := h.notificationService.CreateRun(ctx, meetingID, &req)
	if err != nil {
		log.Printf("Failed to create run for meeting %s: %v", meetingID, err)

		if strings.Contains(err.Error(), "invalid notification type") {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": err.Error(),
			})
		}

		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to create notification run",
		})
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"message": "Notification run created successfully",
		"data": fiber.Map{
			"result": result,
		},
	})
}

func (h *NotificationHandler) SendBatch(c fiber.Ctx) error {
	meetingID := c.Params("meetingId")
	if meetingID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Meeting ID is required",
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	summary, err := h.notificationService.SendBatchForMeeting(ctx, meetingID)
	if err != nil {
		log.Printf("Failed to send batch for meeting %s: %v", meetingID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to send notification batch",
		})
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"message": "Notification batch processed",
		"data": fiber.Map{
			"summary": summary,
		},
	})
}

// SendForNotification drains the deliveries of a single notification, for
// targeted re-runs from the admin notification detail screen.
func (h *NotificationHandler) SendForNotification(c fiber.Ctx) error {
	notificationID := c.Params("id")
	if notificationID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Notification ID is required",
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	summary, err := h.notificationService.SendForNotification(ctx, notificationID)
	if err != nil {
		log.Printf("Failed to send deliveries for notification %s: %v", notificationID, err)

		if errors.Is(err, services.ErrInvalidNotificationID) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Invalid notification ID format",
			})
		}

		if errors.Is(err, mongo.ErrNoDocuments) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "Notification not found",
			})
		}

		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to send notification deliveries",
		})
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"message": "Notification deliveries processed",
		"data": fiber.Map{
			"summary": summary,
		},
	})
}

func (h *NotificationHandler) ListByMeeting(c fiber.Ctx) error {
	meetingID := c.Params("meetingId")
	if meetingID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Meeting ID is required",
		})
	}

	page, _ := strconv.Atoi(c.Query("page", "1"))
	limit, _ := strconv.Atoi(c.Query("limit", "20"))

	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 20
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	notifications, totalCount, err := h.notifications.FindByMeeting(ctx, meetingID, page, limit)
	if err != nil {
		log.Printf("Failed to list notifications for meeting %s: %v", meetingID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to retrieve notifications",
		})
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"data": fiber.Map{
			"notifications": notifications,
			"pagination": fiber.Map{
				"page":  page,
				"limit": limit,
				"total": totalCount,
				"count": len(notifications),
			},
		},
	})
}

// ListByUser backs the resident portal's notification history view.
func (h *NotificationHandler) ListByUser(c fiber.Ctx) error {
	userID := c.Params("userId")
	if userID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "User ID is required",
		})
	}

	page, _ := strconv.Atoi(c.Query("page", "1"))
	limit, _ := strconv.Atoi(c.Query("limit", "20"))

	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 20
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	notifications, err := h.notifications.FindByUser(ctx, userID, page, limit)
	if err != nil {
		log.Printf("Failed to list notifications for user %s: %v", userID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to retrieve notifications",
		})
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"data": fiber.Map{
			"notifications": notifications,
			"pagination": fiber.Map{
				"page":  page,
				"limit": limit,
				"count": len(notifications),
			},
		},
	})
}

func (h *NotificationHandler) GetNotification(c fiber.Ctx) error {
	notificationID := c.Params("id")
	if notificationID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Notification ID is required",
		})
	}

	id, err := bson.ObjectIDFromHex(notificationID)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid notification ID format",
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	notification, err := h.notifications.FindByID(ctx, id)
	if err != nil {
		log.Printf("Failed to get notification %s: %v", notificationID, err)

		if err == mongo.ErrNoDocuments || strings.Contains(err.Error(), "not found") {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "Notification not found",
			})
		}

		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to retrieve notification",
		})
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"data": fiber.Map{
			"notification": notification,
		},
	})
}

func (h *NotificationHandler) HealthCheck(c fiber.Ctx) error {
	return c.Status(fiber.StatusOK).SendString("Civic Notification Service is healthy")
}
