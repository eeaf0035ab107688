package response

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/ksred/folio-api/internal/types"
	"gorm.io/gorm"
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
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeBadRequest         = "BAD_REQUEST"
	ErrCodeUnauthorized       = "UNAUTHORIZED"
	ErrCodeForbidden          = "FORBIDDEN"
	ErrCodeInternalError      = "INTERNAL_ERROR"
	ErrCodeValidationFailed   = "VALIDATION_FAILED"
	ErrCodeDuplicateResource  = "DUPLICATE_RESOURCE"
	ErrCodeInvalidQuantity    = "INVALID_QUANTITY"
	ErrCodeInsufficientFunds  = "INSUFFICIENT_FUNDS"
	ErrCodeInsufficientShares = "INSUFFICIENT_SHARES"
	ErrCodeQuoteUnavailable   = "QUOTE_UNAVAILABLE"
)

// Handle maps an error from the service layer onto the response envelope.
// Validation and business-rule failures surface as 4xx with their shortfall
// message; a missing quote is 503 since the caller may retry.
func Handle(c *gin.Context, data interface{}, err error) {
	if err == nil {
		Success(c, data)
		return
	}

	var fundsErr *types.InsufficientFundsError
	var sharesErr *types.InsufficientSharesError

	switch {
	case errors.Is(err, types.ErrSandboxNotFound):
		NotFound(c, err.Error())
	case errors.Is(err, types.ErrPermissionDenied):
		Forbidden(c, err.Error())
	case errors.Is(err, types.ErrInvalidQuantity):
		errorResponse(c, http.StatusBadRequest, ErrCodeInvalidQuantity, err.Error())
	case errors.Is(err, types.ErrInvalidSide):
		BadRequest(c, err.Error())
	case errors.Is(err, types.ErrQuoteUnavailable):
		errorResponse(c, http.StatusServiceUnavailable, ErrCodeQuoteUnavailable, err.Error())
	case errors.As(err, &fundsErr):
		errorResponse(c, http.StatusBadRequest, ErrCodeInsufficientFunds, err.Error())
	case errors.As(err, &sharesErr):
		errorResponse(c, http.StatusBadRequest, ErrCodeInsufficientShares, err.Error())
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

func errorResponse(c *gin.Context, status int, code, message string) {
	c.JSON(status, Response{
		Success: false,
		Error: &Error{
			Code:    code,
			Message: message,
		},
	})
}
