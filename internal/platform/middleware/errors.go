package middleware

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// Error kinds for failures raised outside the ED handlers. Handler errors
// already carry their own kind.
const (
	KindValidation       = "ValidationError"
	KindUnauthorized     = "Unauthorized"
	KindForbidden        = "Forbidden"
	KindNotFound         = "NotFound"
	KindMethodNotAllowed = "MethodNotAllowed"
	KindConflict         = "InvalidTransition"
	KindPayloadTooLarge  = "PayloadTooLarge"
	KindRateLimited      = "RateLimited"
	KindTimeout          = "Timeout"
	KindInternal         = "PersistenceError"
)

func errorBody(kind, message string) map[string]string {
	return map[string]string{"error": kind, "message": message}
}

// KindForStatus names the error kind reported for an HTTP status code.
func KindForStatus(code int) string {
	switch code {
	case http.StatusUnauthorized:
		return KindUnauthorized
	case http.StatusForbidden:
		return KindForbidden
	case http.StatusNotFound:
		return KindNotFound
	case http.StatusMethodNotAllowed:
		return KindMethodNotAllowed
	case http.StatusConflict:
		return KindConflict
	case http.StatusRequestEntityTooLarge:
		return KindPayloadTooLarge
	case http.StatusTooManyRequests:
		return KindRateLimited
	case http.StatusGatewayTimeout:
		return KindTimeout
	}
	if code >= 500 {
		return KindInternal
	}
	return KindValidation
}

// ErrorHandler writes every error as {"error": kind, "message": text}.
// Errors whose message is already a body are written unchanged; anything
// that is not an *echo.HTTPError becomes a generic 500.
func ErrorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		var he *echo.HTTPError
		if !errors.As(err, &he) {
			logger.Error().Err(err).Str("path", c.Path()).Msg("unhandled error")
			he = echo.NewHTTPError(http.StatusInternalServerError, errorBody(KindInternal, "internal error"))
		}

		body := he.Message
		switch msg := he.Message.(type) {
		case string:
			body = errorBody(KindForStatus(he.Code), msg)
		case error:
			body = errorBody(KindForStatus(he.Code), msg.Error())
		}

		if c.Request().Method == http.MethodHead {
			err = c.NoContent(he.Code)
		} else {
			err = c.JSON(he.Code, body)
		}
		if err != nil {
			logger.Error().Err(err).Msg("write error response")
		}
	}
}
