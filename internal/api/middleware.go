package api

import (
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/cbrs-sas-controller/internal/fleet"
	"github.com/signalsfoundry/cbrs-sas-controller/internal/logging"
	"github.com/signalsfoundry/cbrs-sas-controller/internal/observability"
)

// Header names read from and written to HTTP requests.
const (
	HeaderRequestID = "X-Request-Id"
	HeaderTenantID  = "X-Tenant-Id"
	HeaderUserID    = "X-User-Id"
)

const callerKey = "caller"

// RequestID sources the request id from X-Request-Id or generates one,
// echoes it on the response and attaches a request logger to the context.
func RequestID(base logging.Logger) gin.HandlerFunc {
	base = logging.OrNoop(base)
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		if incoming := c.GetHeader(HeaderRequestID); incoming != "" {
			ctx = logging.ContextWithRequestID(ctx, incoming)
		}
		ctx, reqLog := logging.WithRequestLogger(ctx, base)
		ctx = logging.ContextWithLogger(ctx, reqLog)
		c.Header(HeaderRequestID, logging.RequestIDFromContext(ctx))
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// Tenant builds the Caller from X-Tenant-Id and X-User-Id and stores the
// tenant on the request context for outbound SAS calls.
func Tenant() gin.HandlerFunc {
	return func(c *gin.Context) {
		caller := fleet.Caller{TenantID: c.GetHeader(HeaderTenantID), UserID: c.GetHeader(HeaderUserID)}
		c.Set(callerKey, caller)
		if caller.TenantID != "" {
			c.Request = c.Request.WithContext(logging.ContextWithTenantID(c.Request.Context(), caller.TenantID))
		}
		c.Next()
	}
}

// Tracing opens a server span named after the matched route.
func Tracing() gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		ctx, span := observability.StartSpan(c.Request.Context(), fmt.Sprintf("API %s %s", c.Request.Method, route), trace.SpanKindServer,
			attribute.String("http.method", c.Request.Method),
			attribute.String("http.route", route),
		)
		defer span.End()
		if id := logging.RequestIDFromContext(ctx); id != "" {
			span.SetAttributes(attribute.String("request_id", id))
		}
		c.Request = c.Request.WithContext(ctx)
		c.Next()

		status := c.Writer.Status()
		span.SetAttributes(attribute.Int("http.status_code", status))
		if status >= 500 {
			span.SetStatus(codes.Error, fmt.Sprintf("HTTP %d", status))
		}
	}
}

// AccessLog logs each request at Info, or Warn for 5xx responses.
func AccessLog(base logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log := logging.FromContext(c.Request.Context(), base)
		fields := []logging.Field{
			logging.String("method", c.Request.Method),
			logging.String("path", c.Request.URL.Path),
			logging.Int("status", c.Writer.Status()),
			logging.Duration("duration", time.Since(start)),
		}
		if c.Writer.Status() >= 500 {
			log.Warn(c.Request.Context(), "request failed", fields...)
			return
		}
		log.Info(c.Request.Context(), "request", fields...)
	}
}

func callerFrom(c *gin.Context) fleet.Caller {
	if v, ok := c.Get(callerKey); ok {
		if caller, ok := v.(fleet.Caller); ok {
			return caller
		}
	}
	return fleet.Caller{}
}
