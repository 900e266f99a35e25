package response

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"venuecore/internal/domain"
)

func Success(c *gin.Context, statusCode int, data interface{}) {
	c.JSON(statusCode, gin.H{
		"success": true,
		"data":    data,
	})
}

func Error(c *gin.Context, statusCode int, code string, message string) {
	c.JSON(statusCode, gin.H{
		"success": false,
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	})
}

func ErrorWithDetails(c *gin.Context, statusCode int, code string, message string, details any) {
	c.JSON(statusCode, gin.H{
		"success": false,
		"error": gin.H{
			"code":    code,
			"message": message,
			"details": details,
		},
	})
}

var statusByReason = map[domain.RejectionReason]int{
	domain.ReasonValidation:        http.StatusBadRequest,
	domain.ReasonNoAvailability:    http.StatusConflict,
	domain.ReasonOutsideWindow:     http.StatusUnprocessableEntity,
	domain.ReasonPrivateBlocked:    http.StatusConflict,
	domain.ReasonRateLimited:       http.StatusTooManyRequests,
	domain.ReasonConflict:          http.StatusConflict,
	domain.ReasonInProgress:        http.StatusConflict,
	domain.ReasonExpired:           http.StatusGone,
	domain.ReasonPaymentFailed:     http.StatusPaymentRequired,
	domain.ReasonPaymentExpired:    http.StatusGone,
	domain.ReasonChargeCapExceeded: http.StatusUnprocessableEntity,
	domain.ReasonInvalidTransition: http.StatusConflict,
	domain.ReasonNotFound:          http.StatusNotFound,
	domain.ReasonForbidden:         http.StatusForbidden,
	domain.ReasonJoinedMove:        http.StatusConflict,
}

// StatusFor maps a rejection reason to its HTTP status.
func StatusFor(reason domain.RejectionReason) int {
	if s, ok := statusByReason[reason]; ok {
		return s
	}
	return http.StatusBadRequest
}

// FromError writes err in the error envelope. Rejections keep their reason
// as the code; anything else is an internal error whose text is not
// exposed. It reports whether err was internal so callers can log it.
func FromError(c *gin.Context, err error) bool {
	var rej *domain.Rejection
	if errors.As(err, &rej) {
		msg := rej.Detail
		if msg == "" {
			msg = string(rej.Reason)
		}
		Error(c, StatusFor(rej.Reason), string(rej.Reason), msg)
		return false
	}
	_ = c.Error(err)
	Error(c, http.StatusInternalServerError, "internal_error", "Internal server error")
	return true
}

// Invalid reports a request body that failed binding or validation.
func Invalid(c *gin.Context, details map[string]string) {
	if len(details) == 0 {
		Error(c, http.StatusBadRequest, string(domain.ReasonValidation), "Invalid request body")
		return
	}
	ErrorWithDetails(c, http.StatusBadRequest, string(domain.ReasonValidation), "Invalid request body", details)
}
