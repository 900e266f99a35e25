package validator

import (
	"github.com/gin-gonic/gin"

	"venuecore/internal/pkg/response"
)

// BindJSON decodes and validates the request body into v. On failure the
// error envelope has already been written and false is returned.
func BindJSON(c *gin.Context, v interface{}) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		response.Invalid(c, nil)
		return false
	}
	if errs := Validate(v); errs != nil {
		response.Invalid(c, errs)
		return false
	}
	return true
}
