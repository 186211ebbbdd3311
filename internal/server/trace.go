package server

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	// TraceHeader carries the request trace id in both directions.
	TraceHeader = "x-trace-id"

	traceIDContextKey = "geist_trace_id"
	maxTraceIDLength  = 128
)

// traceRequest adopts the caller's trace id or assigns a UUIDv7 and echoes it back.
func traceRequest(c *gin.Context) {
	traceID := strings.TrimSpace(c.GetHeader(TraceHeader))
	if traceID == "" || len(traceID) > maxTraceIDLength {
		traceID = newTraceID()
	}
	c.Set(traceIDContextKey, traceID)
	c.Header(TraceHeader, traceID)
	c.Next()
}

func newTraceID() string {
	value, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return value.String()
}

// TraceID returns the trace id assigned to the request.
func TraceID(c *gin.Context) string {
	return c.GetString(traceIDContextKey)
}
