package response

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/ksred/darkpool-api/internal/types"
)

// Response represents a standardized API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *Error      `json:"error,omitempty"`
}

// Error represents an error response
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Common error codes
const (
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeBadRequest        = "BAD_REQUEST"
	ErrCodeUnauthorized      = "UNAUTHORIZED"
	ErrCodeForbidden         = "FORBIDDEN"
	ErrCodeInternalError     = "INTERNAL_ERROR"
	ErrCodeDuplicateResource = "DUPLICATE_RESOURCE"
	ErrCodeUnavailable       = "SERVICE_UNAVAILABLE"
)

// Handle processes the error and returns appropriate response. Domain errors
// carry their reason code from the taxonomy; infrastructure errors fall back
// to generic codes.
func Handle(c *gin.Context, data interface{}, err error) {
	if err == nil {
		Success(c, data)
		return
	}

	switch {
	case errors.Is(err, types.ErrInvalidOrder):
		errorResponse(c, http.StatusBadRequest, types.ReasonInvalidOrder, err.Error())
	case errors.Is(err, types.ErrDuplicateCommitment):
		errorResponse(c, http.StatusConflict, types.ReasonDuplicateCommitment, err.Error())
	case errors.Is(err, types.ErrNullifierReused):
		errorResponse(c, http.StatusConflict, types.ReasonNullifierReused, err.Error())
	case errors.Is(err, types.ErrInvalidTransition):
		errorResponse(c, http.StatusConflict, types.ReasonInvalidTransition, err.Error())
	case errors.Is(err, types.ErrInsufficientClaim):
		errorResponse(c, http.StatusInternalServerError, types.ReasonInsufficientClaim, err.Error())
	case errors.Is(err, types.ErrExternalServiceUnavailable):
		errorResponse(c, http.StatusServiceUnavailable, types.ReasonExternalServiceUnavailable, err.Error())
	case errors.Is(err, gorm.ErrRecordNotFound):
		NotFound(c, "Resource not found")
	case errors.Is(err, gorm.ErrDuplicatedKey):
		Conflict(c, "Resource already exists")
	default:
		InternalError(c, "An unexpected error occurred")
	}
}

// Success sends a successful response
func Success(c *gin.Context, data interface{}) {
	status := http.StatusOK
	if c.Request.Method == "POST" {
		status = http.StatusCreated
	}

	c.JSON(status, Response{
		Success: true,
		Data:    data,
	})
}

func errorResponse(c *gin.Context, status int, code, message string) {
	c.JSON(status, Response{
		Success: false,
		Error: &Error{
			Code:    code,
			Message: message,
		},
	})
}

// NotFound sends a 404 response
func NotFound(c *gin.Context, message string) {
	errorResponse(c, http.StatusNotFound, ErrCodeNotFound, message)
}

// BadRequest sends a 400 response
func BadRequest(c *gin.Context, message string) {
	errorResponse(c, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// Unauthorized sends a 401 response
func Unauthorized(c *gin.Context, message string) {
	errorResponse(c, http.StatusUnauthorized, ErrCodeUnauthorized, message)
}

// Forbidden sends a 403 response
func Forbidden(c *gin.Context, message string) {
	errorResponse(c, http.StatusForbidden, ErrCodeForbidden, message)
}

// InternalError sends a 500 response
func InternalError(c *gin.Context, message string) {
	errorResponse(c, http.StatusInternalServerError, ErrCodeInternalError, message)
}

// Conflict sends a 409 response
func Conflict(c *gin.Context, message string) {
	errorResponse(c, http.StatusConflict, ErrCodeDuplicateResource, message)
}

// Unavailable sends a 503 response
func Unavailable(c *gin.Context, message string) {
	errorResponse(c, http.StatusServiceUnavailable, ErrCodeUnavailable, message)
}
