package auth

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"apiforge/internal/engine"
)

const claimsKey = "auth_claims"

// Verify checks the Authorization header and returns an unauthorized error
// when the bearer token is missing or invalid. It satisfies engine.AuthFunc
// so dynamic endpoints with requires_auth set can share it with the admin
// surface.
func (t *TokenIssuer) Verify(c *fiber.Ctx) error {
	header := c.Get(fiber.HeaderAuthorization)
	if header == "" {
		return engine.UnauthorizedError("Missing Authorization header")
	}
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return engine.UnauthorizedError("Authorization header must be a Bearer token")
	}

	claims, err := t.ParseAccessToken(raw)
	if err != nil {
		return engine.UnauthorizedError("Invalid or expired token")
	}
	c.Locals(claimsKey, claims)
	return nil
}

// Middleware is Verify as a fiber middleware for statically mounted routes.
func (t *TokenIssuer) Middleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if err := t.Verify(c); err != nil {
			return engine.RespondError(c, err)
		}
		return c.Next()
	}
}

// ClaimsFrom returns the verified claims stored on the request, or nil.
func ClaimsFrom(c *fiber.Ctx) *Claims {
	claims, _ := c.Locals(claimsKey).(*Claims)
	return claims
}
