package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"example.com/backstage/services/eventflo/internal/repositories"
	"example.com/backstage/services/eventflo/internal/services"
)

// ErrorResponse defines the structure of an error response
type ErrorResponse struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// Error represents an API error
type Error struct {
	Message    string
	StatusCode int
	Code       string
}

func (e *Error) Error() string {
	return e.Message
}

// Common API errors
var (
	ErrInvalidRequest     = &Error{Message: "Invalid request", StatusCode: http.StatusBadRequest, Code: "INVALID_REQUEST"}
	ErrNotFound           = &Error{Message: "Resource not found", StatusCode: http.StatusNotFound, Code: "NOT_FOUND"}
	ErrInternalServer     = &Error{Message: "Internal server error", StatusCode: http.StatusInternalServerError, Code: "INTERNAL_ERROR"}
	ErrServiceUnavailable = &Error{Message: "Service unavailable", StatusCode: http.StatusServiceUnavailable, Code: "SERVICE_UNAVAILABLE"}
)

// WithMessage returns a copy of e carrying a more specific message
func (e *Error) WithMessage(message string) *Error {
	out := *e
	out.Message = message
	return &out
}

// NewValidationError creates a validation error with a custom message
func NewValidationError(message string) *Error {
	return &Error{
		Message:    message,
		StatusCode: http.StatusBadRequest,
		Code:       "VALIDATION_ERROR",
	}
}

// respondError maps err onto an API error and writes it
func respondError(c *gin.Context, err error) {
	var apiErr *Error
	switch {
	case errors.As(err, &apiErr):
	case errors.Is(err, services.ErrInvalidEvent):
		apiErr = NewValidationError(err.Error())
	case errors.Is(err, repositories.ErrNotFound):
		apiErr = ErrNotFound
	case errors.Is(err, services.ErrSearchDisabled):
		apiErr = ErrServiceUnavailable.WithMessage(err.Error())
	default:
		log.Error().Err(err).Str("request_id", c.GetString(requestIDKey)).Msg("unhandled error")
		apiErr = ErrInternalServer
	}

	_ = c.Error(err)
	c.AbortWithStatusJSON(apiErr.StatusCode, ErrorResponse{Message: apiErr.Message, Code: apiErr.Code})
}
