package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"venuecore/internal/pkg/response"
)

const RequestIDHeader = "X-Request-ID"

// RequestLogger assigns a request id, logs every request and recovers from
// panics with a generic 500.
func RequestLogger(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		rid := requestID(c)
		if rid == "" {
			rid = uuid.NewString()
		}
		c.Set("request_id", rid)
		c.Writer.Header().Set(RequestIDHeader, rid)

		defer func() {
			if recovered := recover(); recovered != nil {
				log.Error().
					Str("request_id", rid).
					Str("method", c.Request.Method).
					Str("path", c.Request.URL.Path).
					Str("panic", fmt.Sprint(recovered)).
					Bytes("stack", debug.Stack()).
					Msg("panic recovered")
				response.Error(c, http.StatusInternalServerError, "internal_error", "Internal server error")
				c.Abort()
				return
			}
			logRequest(log, c, rid, start)
		}()

		c.Next()
	}
}

func logRequest(log zerolog.Logger, c *gin.Context, rid string, start time.Time) {
	status := c.Writer.Status()
	ev := log.Info()
	switch {
	case status >= http.StatusInternalServerError || len(c.Errors) > 0:
		ev = log.Error()
	case status >= http.StatusBadRequest:
		ev = log.Warn()
	}
	ev = ev.
		Str("request_id", rid).
		Str("method", c.Request.Method).
		Str("path", c.Request.URL.Path).
		Str("query", c.Request.URL.RawQuery).
		Int("status", status).
		Str("client_ip", c.ClientIP()).
		Dur("latency", time.Since(start))
	if staff := c.GetString("staff_id"); staff != "" {
		ev = ev.Str("staff_id", staff).Str("role", c.GetString("role"))
	}
	if len(c.Errors) > 0 {
		ev = ev.Str("errors", c.Errors.String())
	}
	ev.Msg("request")
}

func requestID(c *gin.Context) string {
	id := c.GetHeader(RequestIDHeader)
	if id == "" {
		id = c.GetHeader("X-Request-Id")
	}
	return id
}
