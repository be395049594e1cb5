package handlers

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/anonto42/nano-social/backend/internal/middleware"
	pkgerrors "github.com/anonto42/nano-social/backend/pkg/errors"
	"github.com/anonto42/nano-social/backend/pkg/logger"
)

func respondOK(c echo.Context, status int, data any) error {
	return c.JSON(status, echo.Map{"success": true, "data": data})
}

func respondMessage(c echo.Context, status int, message string, data any) error {
	body := echo.Map{"success": true, "message": message}
	if data != nil {
		body["data"] = data
	}
	return c.JSON(status, body)
}

func currentUser(c echo.Context) (uint, error) {
	id, ok := middleware.UserIDFromContext(c)
	if !ok {
		return 0, pkgerrors.New(pkgerrors.CodeUnauthorized, "user not authenticated")
	}
	return id, nil
}

var statusCodes = map[int]pkgerrors.Code{
	http.StatusBadRequest:      pkgerrors.CodeValidation,
	http.StatusUnauthorized:    pkgerrors.CodeUnauthorized,
	http.StatusForbidden:       pkgerrors.CodeForbidden,
	http.StatusNotFound:        pkgerrors.CodeNotFound,
	http.StatusConflict:        pkgerrors.CodeConflict,
	http.StatusTooManyRequests: pkgerrors.CodeRateLimit,
}

// ErrorHandler renders every error as {"success":false,"message","code"}.
// Typed errors keep their code; echo.HTTPErrors are mapped by status.
func ErrorHandler(log *logger.Logger) echo.HTTPErrorHandler {
	if log == nil {
		log = logger.Nop()
	}
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		status, code, message := describe(err)
		ctx := c.Request().Context()
		if status >= http.StatusInternalServerError {
			log.Error(ctx, "request failed", err)
		}

		if c.Request().Method == http.MethodHead {
			err = c.NoContent(status)
		} else {
			err = c.JSON(status, echo.Map{"success": false, "message": message, "code": code})
		}
		if err != nil {
			log.Error(ctx, "write error response", err)
		}
	}
}

func describe(err error) (int, pkgerrors.Code, string) {
	if typed := pkgerrors.As(err); typed != nil {
		meta := pkgerrors.MetadataFor(typed.Code())
		message := meta.PublicMessage
		if meta.ExposeMessage && typed.Message() != "" {
			message = typed.Message()
		}
		return meta.HTTPStatus, typed.Code(), message
	}

	if he, ok := err.(*echo.HTTPError); ok {
		code, known := statusCodes[he.Code]
		if !known {
			code = pkgerrors.CodeInternal
		}
		return he.Code, code, fmt.Sprint(he.Message)
	}

	meta := pkgerrors.MetadataFor(pkgerrors.CodeInternal)
	return meta.HTTPStatus, pkgerrors.CodeInternal, meta.PublicMessage
}

// bindQuery fills q from the query string and validates it. Parameters that
// are not integers are rejected like out-of-range ones.
func bindQuery(c echo.Context, q any) error {
	if err := (&echo.DefaultBinder{}).BindQueryParams(c, q); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid pagination parameters")
	}
	return c.Validate(q)
}
