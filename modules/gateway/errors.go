package gateway

import (
	domain "github.com/example/realtime-chat/domain/chat"
	"github.com/gofiber/fiber/v2"
)

// statusFor maps a domain error to an HTTP status.
func statusFor(err error) int {
	switch domain.Code(err) {
	case "auth_failed", "auth_timeout", "not_authenticated":
		return fiber.StatusUnauthorized
	case "not_a_member", "forbidden":
		return fiber.StatusForbidden
	case "room_not_found", "message_not_found", "user_not_found":
		return fiber.StatusNotFound
	case "already_member", "duplicate_session", "owner_cannot_leave":
		return fiber.StatusConflict
	case "invalid_reply", "empty_content", "content_too_long", "invalid_reaction",
		"invalid_role", "invalid_command":
		return fiber.StatusBadRequest
	case "rate_limited":
		return fiber.StatusTooManyRequests
	}
	return fiber.StatusInternalServerError
}

// respondError writes err as an ErrorResponse. Internal failures are masked.
func respondError(c *fiber.Ctx, err error) error {
	code := domain.Code(err)
	message := err.Error()
	if code == "operation_failed" {
		message = domain.ErrOperationFailed.Error()
	}
	return c.Status(statusFor(err)).JSON(ErrorResponse{
		Error:   code,
		Message: message,
	})
}

func badRequest(c *fiber.Ctx, message string) error {
	return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
		Error:   "invalid_request",
		Message: message,
	})
}

// customErrorHandler handles Fiber errors.
func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	}

	return c.Status(code).JSON(ErrorResponse{
		Error:   "server_error",
		Message: message,
	})
}
