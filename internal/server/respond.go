package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/KaramelBytes/edaloom/internal/ai"
	"github.com/KaramelBytes/edaloom/internal/dataset"
	"github.com/KaramelBytes/edaloom/internal/session"
)

// APIError is the body of every non-2xx response.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

const (
	ErrorCodeInternal           = "INTERNAL_SERVER_ERROR"
	ErrorCodeValidation         = "VALIDATION_ERROR"
	ErrorCodeInvalidJSON        = "INVALID_JSON"
	ErrorCodeNotFound           = "NOT_FOUND"
	ErrorCodeConflict           = "CONFLICT_ERROR"
	ErrorCodeTooLarge           = "FILE_TOO_LARGE"
	ErrorCodeUnsupportedFormat  = "UNSUPPORTED_FORMAT"
	ErrorCodeRequestTimeout     = "REQUEST_TIMEOUT"
	ErrorCodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	ErrorCodeRateLimited        = "RATE_LIMITED"
	ErrorCodeUpstream           = "UPSTREAM_ERROR"
	ErrorCodeModelNotFound      = "MODEL_NOT_FOUND"
)

// RespondWithError sends a standardized JSON error response.
func RespondWithError(c *gin.Context, httpStatus int, code, message string, details any) {
	c.AbortWithStatusJSON(httpStatus, APIError{Code: code, Message: message, Details: details})
}

// RespondWithSuccess sends data as JSON, or only the status when data is nil.
func RespondWithSuccess(c *gin.Context, httpStatus int, data any) {
	if data == nil {
		c.Status(httpStatus)
		return
	}
	c.JSON(httpStatus, data)
}

// respondErr maps domain and runtime errors onto HTTP statuses.
func respondErr(c *gin.Context, err error) {
	_ = c.Error(err)
	var (
		rl  *ai.RateLimitError
		mnf *ai.ModelNotFoundError
		pre *prerequisiteError
	)
	switch {
	case errors.Is(err, session.ErrNotFound):
		RespondWithError(c, http.StatusNotFound, ErrorCodeNotFound, err.Error(), nil)
	case errors.As(err, &pre):
		RespondWithError(c, http.StatusConflict, ErrorCodeConflict, err.Error(), gin.H{"requires": pre.requires})
	case errors.Is(err, dataset.ErrTooLarge):
		RespondWithError(c, http.StatusRequestEntityTooLarge, ErrorCodeTooLarge, err.Error(), nil)
	case errors.Is(err, dataset.ErrUnsupportedFormat):
		RespondWithError(c, http.StatusUnsupportedMediaType, ErrorCodeUnsupportedFormat, err.Error(), nil)
	case ai.IsUnreachable(err):
		RespondWithError(c, http.StatusServiceUnavailable, ErrorCodeServiceUnavailable, err.Error(), nil)
	case errors.As(err, &rl):
		if rl.RetryAfter > 0 {
			c.Header("Retry-After", strconv.Itoa(int(rl.RetryAfter.Seconds())))
		}
		RespondWithError(c, http.StatusTooManyRequests, ErrorCodeRateLimited, err.Error(), nil)
	case errors.As(err, &mnf):
		RespondWithError(c, http.StatusBadGateway, ErrorCodeModelNotFound, err.Error(), nil)
	case errors.Is(err, context.DeadlineExceeded):
		RespondWithError(c, http.StatusGatewayTimeout, ErrorCodeRequestTimeout, err.Error(), nil)
	case isUpstream(err):
		RespondWithError(c, http.StatusBadGateway, ErrorCodeUpstream, err.Error(), nil)
	default:
		RespondWithError(c, http.StatusInternalServerError, ErrorCodeInternal, err.Error(), nil)
	}
}

func isUpstream(err error) bool {
	var (
		auth *ai.AuthError
		bad  *ai.BadRequestError
		srv  *ai.ServerError
		api  *ai.APIError
	)
	return errors.As(err, &auth) || errors.As(err, &bad) || errors.As(err, &srv) || errors.As(err, &api)
}

// prerequisiteError reports a step called before the step it depends on.
type prerequisiteError struct {
	step     string
	requires string
}

func (e *prerequisiteError) Error() string {
	return "step " + e.step + " requires " + e.requires + " to complete first"
}
