package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
)

// Error is a typed API error rendered as the standard JSON envelope.
type Error struct {
	Status  int    `json:"-"`
	Type    string `json:"type"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func (e *Error) Error() string {
	return e.Message
}

// NewError creates an API error with an explicit status and type.
func NewError(status int, errType, message string) *Error {
	return &Error{Status: status, Type: errType, Message: message}
}

// NotFoundError creates a 404 API error.
func NotFoundError(resource, id string) *Error {
	return &Error{
		Status:  http.StatusNotFound,
		Type:    "not_found",
		Message: fmt.Sprintf("%s not found: %s", resource, id),
	}
}

// InvalidArgumentError creates a 400 API error.
func InvalidArgumentError(field, reason string) *Error {
	return &Error{
		Status:  http.StatusBadRequest,
		Type:    "validation_error",
		Message: fmt.Sprintf("invalid %s: %s", field, reason),
	}
}

// InternalError creates a 500 API error. The wrapped cause is logged by the
// error handler, never sent to the client.
func InternalError(err error) *Error {
	return &Error{
		Status:  http.StatusInternalServerError,
		Type:    "internal_error",
		Message: "internal server error",
		Details: nil,
	}
}

// UnavailableError creates a 502 API error.
func UnavailableError(service string) *Error {
	return &Error{
		Status:  http.StatusBadGateway,
		Type:    "unavailable",
		Message: fmt.Sprintf("%s is temporarily unavailable", service),
	}
}

// RateLimitedError creates a 429 API error.
func RateLimitedError() *Error {
	return &Error{
		Status:  http.StatusTooManyRequests,
		Type:    "rate_limited",
		Message: "too many requests",
	}
}

type errorBody struct {
	Error *Error `json:"error"`
}

// ErrorHandler renders every handler error as the JSON error envelope.
func ErrorHandler(logger *slog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		var apiErr *Error
		if !errors.As(err, &apiErr) {
			var httpErr *echo.HTTPError
			if errors.As(err, &httpErr) {
				apiErr = &Error{
					Status:  httpErr.Code,
					Type:    "request_error",
					Message: fmt.Sprintf("%v", httpErr.Message),
				}
			} else {
				apiErr = InternalError(err)
			}
		}

		if apiErr.Status >= http.StatusInternalServerError {
			logger.ErrorContext(c.Request().Context(), "request error",
				"status", apiErr.Status,
				"type", apiErr.Type,
				"error", err.Error(),
			)
		}

		if writeErr := c.JSON(apiErr.Status, errorBody{Error: apiErr}); writeErr != nil {
			logger.Error("failed to write error response", "error", writeErr)
		}
	}
}

// DecodeJSON decodes a single JSON object from the request body, enforcing
// the configured size limit and rejecting trailing content.
func DecodeJSON[T any](c echo.Context, maxBytes int64, target *T) error {
	req := c.Request()
	defer req.Body.Close()

	req.Body = http.MaxBytesReader(c.Response(), req.Body, maxBytes)

	decoder := json.NewDecoder(req.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
			return InvalidArgumentError("body", "request body is required")
		}
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return NewError(http.StatusRequestEntityTooLarge, "request_too_large",
				fmt.Sprintf("request body exceeds %d bytes", maxBytes))
		}
		return InvalidArgumentError("body", fmt.Sprintf("malformed JSON: %v", err))
	}

	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return InvalidArgumentError("body", "request body must contain a single JSON object")
	}
	return nil
}
