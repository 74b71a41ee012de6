package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/kbdoc/backend/pkg/apperr"
	"github.com/kbdoc/backend/pkg/logger"
)

const (
	HeaderUserID   = "X-User-ID"
	HeaderTenantID = "X-Tenant-ID"
)

func ok(c *fiber.Ctx, data any) error {
	return c.JSON(fiber.Map{
		"code":    0,
		"data":    data,
		"message": "",
	})
}

func fail(c *fiber.Ctx, err error) error {
	return failWith(c, err, false)
}

// failWith reports err alongside whatever part of the request succeeded.
func failWith(c *fiber.Ctx, err error, data any) error {
	status := StatusFor(err)
	if status >= fiber.StatusInternalServerError {
		logger.Error("Request failed",
			zap.String("path", c.Path()),
			zap.String("code", apperr.Code(err)),
			zap.Error(err),
		)
	} else {
		logger.Debug("Request rejected", zap.String("path", c.Path()), zap.Error(err))
	}
	return c.Status(status).JSON(fiber.Map{
		"code":    status,
		"data":    data,
		"message": err.Error(),
	})
}

// StatusFor maps the error taxonomy onto HTTP status codes.
func StatusFor(err error) int {
	var fe *fiber.Error
	switch {
	case errors.As(err, &fe):
		return fe.Code
	case errors.Is(err, apperr.ErrValidation),
		errors.Is(err, apperr.ErrInvalidExtensionChange),
		errors.Is(err, apperr.ErrUnsupportedParserChange):
		return fiber.StatusBadRequest
	case errors.Is(err, apperr.ErrNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, apperr.ErrDuplicateName), errors.Is(err, apperr.ErrDataIntegrity):
		return fiber.StatusConflict
	case errors.Is(err, apperr.ErrStorage):
		return fiber.StatusServiceUnavailable
	default:
		return fiber.StatusInternalServerError
	}
}

// RequireUser rejects requests that carry no user identity.
func RequireUser() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if c.Get(HeaderUserID) == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"code":    fiber.StatusUnauthorized,
				"data":    false,
				"message": "missing user identity",
			})
		}
		return c.Next()
	}
}
