// Package middleware contains Gin middleware shared by the gateway's
// bootstrap REST surface.
package middleware

import (
	"context"

	"github.com/RoseWrightdev/signaling-core/internal/logging"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// HeaderXCorrelationID is the header key for the correlation id.
const HeaderXCorrelationID = "X-Correlation-ID"

// CorrelationID propagates or mints a correlation id and attaches it to
// the request context for logging.
func CorrelationID() gin.HandlerFunc {
	return func(c *gin.Context) {
		correlationID := c.GetHeader(HeaderXCorrelationID)
		if correlationID == "" {
			correlationID = uuid.New().String()
		}

		c.Header(HeaderXCorrelationID, correlationID)
		c.Set(string(logging.CorrelationIDKey), correlationID)
		c.Request = c.Request.WithContext(context.WithValue(c.Request.Context(), logging.CorrelationIDKey, correlationID))
		c.Next()
	}
}
