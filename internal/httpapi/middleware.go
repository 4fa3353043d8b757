package httpapi

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/orbitflow/taskengine/internal/platform/ctxutil"
)

// AttachTraceData propagates X-Request-ID (generating one if absent) and
// X-Trace-ID into the request context, so a submission's logs and the
// downstream step executions it triggers can be joined on the same id.
func AttachTraceData() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		td := &ctxutil.TraceData{
			RequestID: requestID,
			TraceID:   c.GetHeader("X-Trace-ID"),
		}
		c.Request = c.Request.WithContext(ctxutil.WithTraceData(c.Request.Context(), td))
		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}
