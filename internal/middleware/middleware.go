package middleware

import (
	"log"
	"strings"

	"civic-notification-service/internal/config"

	"github.com/gofiber/fiber/v3"
	"github.com/golang-jwt/jwt/v5"
)

const (
	// Notification permissions
	ReadNotificationPermission = "read:notification"
	RunNotificationPermission  = "run:notification"

	// Delivery permissions
	ReadDeliveryPermission = "read:delivery"
	SendDeliveryPermission = "send:delivery"

	// Operator-only: the resend override can duplicate a message the
	// recipient already saw.
	ResendDeliveryPermission = "resend:delivery"
)

const ClaimsLocal = "operatorClaims"

type OperatorClaims struct {
	UserID      string   `json:"userId"`
	Permissions []string `json:"permissions"`
	jwt.RegisteredClaims
}

func validateToken(tokenString string) (*OperatorClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &OperatorClaims{}, func(token *jwt.Token) (any, error) {
		return []byte(config.ServiceConfig.Auth.JWTSecret), nil
	})
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*OperatorClaims); ok && token.Valid {
		return claims, nil
	}

	return nil, jwt.ErrTokenInvalidClaims
}

// PermissionRequired authenticates the operator token and checks for one
// permission. Authorization failures short-circuit before any handler runs.
func PermissionRequired(permission string) fiber.Handler {
	return func(c fiber.Ctx) error {
		tokenString := c.Get("Authorization")
		tokenString = strings.TrimPrefix(tokenString, "Bearer ")
		if tokenString == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Authorization token is required",
			})
		}

		claims, err := validateToken(tokenString)
		if err != nil {
			log.Printf("Rejected operator token: %v", err)
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Invalid authorization token",
			})
		}

		hasPermission := false
		for _, p := range claims.Permissions {
			if p == permission {
				hasPermission = true
				break
			}
		}
		if !hasPermission {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Insufficient permissions",
			})
		}

		c.Locals(ClaimsLocal, claims)
		return c.Next()
	}
}

// OperatorID returns the authenticated operator's user id, if any.
func OperatorID(c fiber.Ctx) string {
	claims, ok := c.Locals(ClaimsLocal).(*OperatorClaims)
	if !ok {
		return ""
	}
	return claims.UserID
}
