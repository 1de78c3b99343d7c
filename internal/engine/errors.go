package engine

import (
	"errors"
	"log"

	"github.com/gofiber/fiber/v2"

	"apiforge/internal/automation"
	"apiforge/internal/repository"
)

// Kind names an error class on the wire.
type Kind string

const (
	KindValidation    Kind = "validation_error"
	KindNotFound      Kind = "not_found_error"
	KindConflict      Kind = "conflict_error"
	KindDatabase      Kind = "database_error"
	KindConfiguration Kind = "configuration_error"
	KindAuth          Kind = "auth_error"
	KindServer        Kind = "server_error"
)

// AppError is the error type returned across the HTTP boundary. The wire
// shape is {"error": <message>, "type": <kind>}.
type AppError struct {
	Kind    Kind
	Status  int
	Message string
}

func (e *AppError) Error() string {
	return e.Message
}

func ValidationError(msg string) *AppError {
	return &AppError{Kind: KindValidation, Status: fiber.StatusUnprocessableEntity, Message: msg}
}

func NotFoundError(msg string) *AppError {
	return &AppError{Kind: KindNotFound, Status: fiber.StatusNotFound, Message: msg}
}

func ConflictError(msg string) *AppError {
	return &AppError{Kind: KindConflict, Status: fiber.StatusConflict, Message: msg}
}

func DatabaseError(msg string) *AppError {
	return &AppError{Kind: KindDatabase, Status: fiber.StatusInternalServerError, Message: msg}
}

func ConfigurationError(msg string) *AppError {
	return &AppError{Kind: KindConfiguration, Status: fiber.StatusInternalServerError, Message: msg}
}

func UnauthorizedError(msg string) *AppError {
	return &AppError{Kind: KindAuth, Status: fiber.StatusUnauthorized, Message: msg}
}

// ServerError hides internal detail behind a generic message.
func ServerError() *AppError {
	return &AppError{Kind: KindServer, Status: fiber.StatusInternalServerError, Message: "Internal server error"}
}

// FromError normalizes any error into an AppError. Known sentinels map to
// their kinds; everything else is logged and downgraded to a generic
// server error so no internals leak.
func FromError(err error) *AppError {
	var appErr *AppError
	switch {
	case errors.As(err, &appErr):
		return appErr
	case errors.Is(err, automation.ErrNotFound):
		return NotFoundError(err.Error())
	case errors.Is(err, automation.ErrDuplicateName):
		return ConflictError(err.Error())
	case errors.Is(err, repository.ErrConfiguration):
		return ConfigurationError(err.Error())
	default:
		log.Printf("ERROR: %v", err)
		return ServerError()
	}
}

// RespondError writes err as the structured error payload.
func RespondError(c *fiber.Ctx, err error) error {
	appErr := FromError(err)
	return c.Status(appErr.Status).JSON(fiber.Map{
		"error": appErr.Message,
		"type":  string(appErr.Kind),
	})
}
