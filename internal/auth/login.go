package auth

import (
	"github.com/gofiber/fiber/v2"

	"apiforge/internal/engine"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Credentials is the single admin account the server accepts logins for.
// PasswordHash is a bcrypt hash, never the plaintext.
type Credentials struct {
	Username     string
	PasswordHash string
}

// LoginHandler returns the POST /auth/login handler. Successful logins get
// an access token; everything else is a uniform unauthorized error so the
// response does not reveal which half of the credentials was wrong.
func LoginHandler(issuer *TokenIssuer, creds Credentials) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var req loginRequest
		if err := c.BodyParser(&req); err != nil {
			return engine.RespondError(c, engine.ValidationError("Invalid login payload"))
		}
		if req.Username == "" || req.Password == "" {
			return engine.RespondError(c, engine.ValidationError("username and password are required"))
		}

		if req.Username != creds.Username || !CheckPassword(creds.PasswordHash, req.Password) {
			return engine.RespondError(c, engine.UnauthorizedError("Invalid credentials"))
		}

		token, err := issuer.GenerateAccessToken(req.Username, []string{"admin"})
		if err != nil {
			return engine.RespondError(c, err)
		}
		return c.JSON(fiber.Map{
			"access_token": token,
			"token_type":   "bearer",
		})
	}
}
