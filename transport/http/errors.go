package http

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/layer-3/tollgate/core"
)

// ErrorBody is the JSON envelope of every failed request
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail mirrors core.Denial on the wire
type ErrorDetail struct {
	Code       core.ReasonCode `json:"code"`
	Message    string          `json:"message"`
	Remedy     string          `json:"remedy,omitempty"`
	RetryAfter int64           `json:"retry_after,omitempty"` // seconds
	Details    map[string]any  `json:"details,omitempty"`
}

// statusFor maps a reason code to its HTTP status
func statusFor(code core.ReasonCode) int {
	switch code {
	case core.ReasonInvalidSignature,
		core.ReasonChallengeInvalid,
		core.ReasonChallengeMismatch,
		core.ReasonSessionNotFound,
		core.ReasonSessionExpired:
		return http.StatusUnauthorized
	case core.ReasonRateLimited, core.ReasonQuotaExceeded:
		return http.StatusTooManyRequests
	case core.ReasonInsufficientBalance:
		return http.StatusPaymentRequired
	case core.ReasonBurnRejected:
		return http.StatusUnprocessableEntity
	case core.ReasonBurnAlreadyUsed, core.ReasonUsernameTaken:
		return http.StatusConflict
	case core.ReasonBurnUnverified, core.ReasonStorageUnavailable:
		return http.StatusServiceUnavailable
	case core.ReasonInvalidAddress, core.ReasonInvalidUsername, core.ReasonInvalidRequest:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// abortWithError writes err as an error body and stops the handler chain.
// Errors that are not denials are logged and reported as internal.
func abortWithError(c *gin.Context, err error) {
	denial, ok := core.AsDenial(err)
	if !ok {
		zap.L().Error("request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Error(err))

		c.AbortWithStatusJSON(http.StatusInternalServerError, ErrorBody{Error: ErrorDetail{
			Code:    core.ReasonInternal,
			Message: "The request could not be processed.",
			Remedy:  "Retry later or contact support if the problem persists.",
		}})
		return
	}

	detail := ErrorDetail{
		Code:    denial.Code,
		Message: denial.Message,
		Remedy:  denial.Remedy,
		Details: denial.Details,
	}
	if denial.RetryAfter > 0 {
		detail.RetryAfter = retrySeconds(denial.RetryAfter)
		c.Header("Retry-After", strconv.FormatInt(detail.RetryAfter, 10))
	}

	c.AbortWithStatusJSON(statusFor(denial.Code), ErrorBody{Error: detail})
}

// abortInvalidRequest reports a malformed request body
func abortInvalidRequest(c *gin.Context, err error) {
	abortWithError(c, core.Deny(core.ErrInvalidRequest, "The request body is malformed: "+err.Error(),
		"Send a JSON body with the documented fields."))
}

func retrySeconds(d time.Duration) int64 {
	return int64(math.Ceil(d.Seconds()))
}
