// Package web holds the HTTP plumbing shared by every route: request ids, access logs,
// CORS, and the health endpoints.
package web

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// RequestIDHeader carries the per-request correlation id.
const RequestIDHeader = "X-Request-ID"

const requestIDKey = "request_id"

// RequestID propagates an inbound X-Request-ID or generates one.
func RequestID() gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		requestID := contextGin.GetHeader(RequestIDHeader)
		if requestID == "" || len(requestID) > 128 {
			requestID = uuid.NewString()
		}
		contextGin.Set(requestIDKey, requestID)
		contextGin.Header(RequestIDHeader, requestID)
		contextGin.Next()
	}
}

// RequestIDFrom returns the id assigned by RequestID.
func RequestIDFrom(contextGin *gin.Context) string {
	return contextGin.GetString(requestIDKey)
}

// AccessLog writes one structured line per request.
func AccessLog(logger *zap.Logger) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		startTime := time.Now()
		contextGin.Next()
		logger.Info("http",
			zap.String("method", contextGin.Request.Method),
			zap.String("path", contextGin.Request.URL.Path),
			zap.Int("status", contextGin.Writer.Status()),
			zap.String("ip", contextGin.ClientIP()),
			zap.Duration("elapsed", time.Since(startTime)),
			zap.String("request_id", RequestIDFrom(contextGin)),
		)
	}
}
