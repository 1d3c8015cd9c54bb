package api

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/fathima-sithara/ops-relay/internal/apperr"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

type FieldError struct {
	Field   string `json:"field"`
	Tag     string `json:"tag"`
	Message string `json:"message"`
}

func fieldErrors(err error) []FieldError {
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		return nil
	}
	out := make([]FieldError, len(ve))
	for i, fe := range ve {
		out[i] = FieldError{Field: fe.Field(), Tag: fe.Tag()}
		switch fe.Tag() {
		case "required":
			out[i].Message = fmt.Sprintf("%s is required", fe.Field())
		case "max":
			out[i].Message = fmt.Sprintf("%s must be at most %s long", fe.Field(), fe.Param())
		case "oneof":
			out[i].Message = fmt.Sprintf("%s must be one of %s", fe.Field(), fe.Param())
		default:
			out[i].Message = fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag())
		}
	}
	return out
}

// bind parses the JSON body into req and validates its tags. The returned
// bool is false when a 400 has already been written.
func bind(c *fiber.Ctx, req any) (bool, error) {
	if err := c.BodyParser(req); err != nil {
		return false, writeErr(c, fmt.Errorf("%w: invalid payload", apperr.ErrInvalidArgument))
	}
	if err := validate.Struct(req); err != nil {
		return false, c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":  "validation failed",
			"code":   apperr.Code(apperr.ErrInvalidArgument),
			"fields": fieldErrors(err),
		})
	}
	return true, nil
}
