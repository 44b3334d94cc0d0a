package auth

import (
	"strings"

	"github.com/gofiber/fiber/v2"
)

// LocalGuardID is the fiber.Ctx locals key holding the authenticated guard.
const LocalGuardID = "guard_id"

// JWTMiddleware validates bearer tokens and stores the guard id in locals.
func JWTMiddleware(svc *Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		token := bearerFromHeader(c.Get("Authorization"))
		if token == "" {
			return fiber.NewError(fiber.StatusUnauthorized, "missing bearer token")
		}
		guardID, err := svc.ValidateAccessToken(token)
		if err != nil {
			return fiber.NewError(fiber.StatusUnauthorized, err.Error())
		}
		c.Locals(LocalGuardID, guardID)
		return c.Next()
	}
}

// QueryTokenMiddleware authenticates websocket upgrades, which carry the
// token in the query string.
func QueryTokenMiddleware(svc *Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		token := c.Query("token")
		if token == "" {
			token = bearerFromHeader(c.Get("Authorization"))
		}
		if token == "" {
			return fiber.NewError(fiber.StatusUnauthorized, "missing token")
		}
		guardID, err := svc.ValidateAccessToken(token)
		if err != nil {
			return fiber.NewError(fiber.StatusUnauthorized, err.Error())
		}
		c.Locals(LocalGuardID, guardID)
		return c.Next()
	}
}

// GuardID returns the authenticated guard for c, "" when none.
func GuardID(c *fiber.Ctx) string {
	id, _ := c.Locals(LocalGuardID).(string)
	return id
}

func bearerFromHeader(header string) string {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
