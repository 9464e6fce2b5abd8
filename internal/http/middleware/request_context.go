package middleware

import (
	"github.com/google/uuid"

	"github.com/gin-gonic/gin"
)

// AttachRequestContext stamps every request with a request id surfaced in
// error envelopes and log lines, the way the teacher's request context
// middleware attaches trace data before the handler runs.
func AttachRequestContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set("request_id", uuid.New().String())
		c.Next()
	}
}
