package server

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"wager/internal/errs"
	"wager/internal/logger"
)

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// errorHandler renders every failure as {code, message}. Causes are
// logged, never returned.
func errorHandler(c *fiber.Ctx, err error) error {
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return c.Status(fe.Code).JSON(errorBody{Code: fiberCode(fe.Code), Message: fe.Message})
	}

	code, msg := errs.Public(err)
	status := code.HTTPStatus()
	if status >= fiber.StatusInternalServerError {
		logger.ErrorCtx(c.UserContext(), "request failed",
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Error(err))
	}
	return c.Status(status).JSON(errorBody{Code: string(code), Message: msg})
}

func fiberCode(status int) string {
	switch status {
	case fiber.StatusNotFound:
		return string(errs.CodeNotFound)
	case fiber.StatusUnauthorized:
		return "UNAUTHORIZED"
	case fiber.StatusTooManyRequests:
		return "RATE_LIMITED"
	case fiber.StatusBadRequest:
		return "BAD_REQUEST"
	case fiber.StatusMethodNotAllowed:
		return "METHOD_NOT_ALLOWED"
	case fiber.StatusUpgradeRequired:
		return "UPGRADE_REQUIRED"
	}
	return string(errs.CodeUnknown)
}
