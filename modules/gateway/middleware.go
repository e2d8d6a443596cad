package gateway

import (
	"strings"

	domain "github.com/example/realtime-chat/domain/chat"
	"github.com/example/realtime-chat/modules/auth"
	"github.com/gofiber/fiber/v2"
)

const (
	// UserContextKey is the key used to store the verified identity in the Fiber context.
	UserContextKey = "user"
)

// AuthMiddleware creates a middleware that validates bearer tokens.
func AuthMiddleware(authAdapter auth.AuthPort) fiber.Handler {
	return func(c *fiber.Ctx) error {
		authHeader := c.Get("Authorization")
		if authHeader == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(ErrorResponse{
				Error:   "unauthorized",
				Message: "Authorization header is required",
			})
		}

		if !strings.HasPrefix(authHeader, "Bearer ") {
			return c.Status(fiber.StatusUnauthorized).JSON(ErrorResponse{
				Error:   "unauthorized",
				Message: "Invalid authorization header format. Use: Bearer <token>",
			})
		}

		token := strings.TrimPrefix(authHeader, "Bearer ")
		if token == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(ErrorResponse{
				Error:   "unauthorized",
				Message: "Token is required",
			})
		}

		identity, err := authAdapter.VerifyToken(c.UserContext(), token)
		if err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(ErrorResponse{
				Error:   "unauthorized",
				Message: "Invalid or expired token",
			})
		}

		c.Locals(UserContextKey, identity)
		return c.Next()
	}
}

// currentUser returns the identity stored by AuthMiddleware.
func currentUser(c *fiber.Ctx) *domain.Identity {
	identity, _ := c.Locals(UserContextKey).(*domain.Identity)
	return identity
}
