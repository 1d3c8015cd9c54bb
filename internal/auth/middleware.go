package auth

import (
	"github.com/gofiber/fiber/v2"
)

// LocalsKey is where Middleware stores the Identity; websocket handlers read it
// back from the upgraded conn locals.
const LocalsKey = "identity"

// Middleware authenticates the request with a bearer token, or with the
// "token" query parameter used by browser websocket clients.
func Middleware(v *JWTValidator) fiber.Handler {
	return func(c *fiber.Ctx) error {
		token := c.Query("token")
		if token == "" {
			t, err := ParseBearerToken(c.Get(fiber.HeaderAuthorization))
			if err != nil {
				return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": err.Error()})
			}
			token = t
		}
		id, err := v.Validate(token)
		if err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid token"})
		}
		c.Locals(LocalsKey, id)
		return c.Next()
	}
}

// RequireRole rejects identities whose role is not in roles.
func RequireRole(roles ...Role) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id, ok := FromCtx(c)
		if !ok {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthenticated"})
		}
		for _, r := range roles {
			if id.Role == r {
				return c.Next()
			}
		}
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "forbidden"})
	}
}

func FromCtx(c *fiber.Ctx) (Identity, bool) {
	id, ok := c.Locals(LocalsKey).(Identity)
	return id, ok
}
