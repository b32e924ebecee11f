// Package errors provides structured error handling for dirgate.
package errors

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
)

// ErrorCode represents an application error code
type ErrorCode string

const (
	// General errors
	ErrInternal     ErrorCode = "INTERNAL_ERROR"
	ErrNotFound     ErrorCode = "NOT_FOUND"
	ErrBadRequest   ErrorCode = "BAD_REQUEST"
	ErrUnauthorized ErrorCode = "UNAUTHORIZED"
	ErrForbidden    ErrorCode = "FORBIDDEN"
	ErrConflict     ErrorCode = "CONFLICT"
	ErrValidation   ErrorCode = "VALIDATION_ERROR"

	// Authentication errors
	ErrInvalidCredentials ErrorCode = "INVALID_CREDENTIALS"
	ErrInvalidToken       ErrorCode = "INVALID_TOKEN"
	ErrSessionExpired     ErrorCode = "SESSION_EXPIRED"

	// Directory errors
	ErrDirectoryUnavailable ErrorCode = "DIRECTORY_UNAVAILABLE"
	ErrNotConfigured        ErrorCode = "DIRECTORY_NOT_CONFIGURED"
	ErrSyncDisabled         ErrorCode = "SYNC_DISABLED"
	ErrSyncInFlight         ErrorCode = "SYNC_IN_FLIGHT"

	// Database errors
	ErrDatabase ErrorCode = "DATABASE_ERROR"
)

// AppError represents a structured application error
type AppError struct {
	Code       ErrorCode              `json:"code"`
	Message    string                 `json:"message"`
	Details    string                 `json:"details,omitempty"`
	StatusCode int                    `json:"-"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	Err        error                  `json:"-"` // Original error for logging
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the original error
func (e *AppError) Unwrap() error {
	return e.Err
}

// WithMetadata adds metadata to the error
func (e *AppError) WithMetadata(key string, value interface{}) *AppError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

// WithDetails adds details to the error
func (e *AppError) WithDetails(details string) *AppError {
	e.Details = details
	return e
}

// New creates a new AppError
func New(code ErrorCode, message string, statusCode int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
	}
}

// Wrap wraps an existing error into an AppError
func Wrap(err error, code ErrorCode, message string, statusCode int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
		Err:        err,
	}
}

// Internal creates an internal server error
func Internal(message string, err error) *AppError {
	return &AppError{
		Code:       ErrInternal,
		Message:    message,
		StatusCode: http.StatusInternalServerError,
		Err:        err,
	}
}

// NotFound creates a not found error
func NotFound(resource string) *AppError {
	return &AppError{
		Code:       ErrNotFound,
		Message:    fmt.Sprintf("%s not found", resource),
		StatusCode: http.StatusNotFound,
	}
}

// BadRequest creates a bad request error
func BadRequest(message string) *AppError {
	return &AppError{
		Code:       ErrBadRequest,
		Message:    message,
		StatusCode: http.StatusBadRequest,
	}
}

// Unauthorized creates an unauthorized error
func Unauthorized(message string) *AppError {
	return &AppError{
		Code:       ErrUnauthorized,
		Message:    message,
		StatusCode: http.StatusUnauthorized,
	}
}

// Conflict creates a conflict error
func Conflict(message string) *AppError {
	return &AppError{
		Code:       ErrConflict,
		Message:    message,
		StatusCode: http.StatusConflict,
	}
}

// ValidationError creates a validation error
func ValidationError(message string) *AppError {
	return &AppError{
		Code:       ErrValidation,
		Message:    message,
		StatusCode: http.StatusBadRequest,
	}
}

// InvalidCredentials creates an invalid credentials error. The message is
// deliberately generic: callers must not leak whether the username exists,
// the password was wrong, or the directory was unreachable.
func InvalidCredentials() *AppError {
	return &AppError{
		Code:       ErrInvalidCredentials,
		Message:    "Invalid username or password",
		StatusCode: http.StatusUnauthorized,
	}
}

// InvalidToken creates an invalid token error
func InvalidToken(details string) *AppError {
	return &AppError{
		Code:       ErrInvalidToken,
		Message:    "Invalid authentication token",
		Details:    details,
		StatusCode: http.StatusUnauthorized,
	}
}

// DirectoryUnavailable creates a directory connectivity error
func DirectoryUnavailable(err error) *AppError {
	return &AppError{
		Code:       ErrDirectoryUnavailable,
		Message:    "Directory server is unreachable",
		StatusCode: http.StatusBadGateway,
		Err:        err,
	}
}

// NotConfigured signals that no active directory configuration exists
func NotConfigured() *AppError {
	return &AppError{
		Code:       ErrNotConfigured,
		Message:    "Directory integration is not configured",
		StatusCode: http.StatusBadRequest,
	}
}

// SyncDisabled signals that synchronization is turned off for the active config
func SyncDisabled() *AppError {
	return &AppError{
		Code:       ErrSyncDisabled,
		Message:    "Directory synchronization is disabled",
		StatusCode: http.StatusBadRequest,
	}
}

// SyncInFlight signals that a synchronization pass is already running
func SyncInFlight() *AppError {
	return &AppError{
		Code:       ErrSyncInFlight,
		Message:    "A synchronization run is already in progress",
		StatusCode: http.StatusConflict,
	}
}

// DatabaseError creates a database error
func DatabaseError(operation string, err error) *AppError {
	return &AppError{
		Code:       ErrDatabase,
		Message:    "Database operation failed",
		Details:    operation,
		StatusCode: http.StatusInternalServerError,
		Err:        err,
	}
}

// ErrorResponse is the JSON response structure for errors
type ErrorResponse struct {
	Error     ErrorCode              `json:"error"`
	Message   string                 `json:"message"`
	Details   string                 `json:"details,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
}

// HandleError sends an error response to the client
func HandleError(c *gin.Context, err error) {
	var appErr *AppError
	var ok bool

	if appErr, ok = err.(*AppError); !ok {
		appErr = Internal("An unexpected error occurred", err)
	}

	requestID, _ := c.Get("request_id")
	reqIDStr, _ := requestID.(string)

	response := ErrorResponse{
		Error:     appErr.Code,
		Message:   appErr.Message,
		Details:   appErr.Details,
		Metadata:  appErr.Metadata,
		RequestID: reqIDStr,
	}

	c.JSON(appErr.StatusCode, response)
}

// ErrorHandler is a middleware that handles panics and converts them to errors
func ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				var appErr *AppError

				switch e := err.(type) {
				case *AppError:
					appErr = e
				case error:
					appErr = Internal("Internal server error", e)
				default:
					appErr = Internal("Internal server error", fmt.Errorf("%v", err))
				}

				HandleError(c, appErr)
				c.Abort()
			}
		}()

		c.Next()
	}
}

// IsErrorCode checks if an error has a specific error code
func IsErrorCode(err error, code ErrorCode) bool {
	if appErr, ok := err.(*AppError); ok {
		return appErr.Code == code
	}
	return false
}

// GetStatusCode returns the HTTP status code for an error
func GetStatusCode(err error) int {
	if appErr, ok := err.(*AppError); ok {
		return appErr.StatusCode
	}
	return http.StatusInternalServerError
}
